package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"fileconverter/config"
	"fileconverter/models"
)

// Object keys are deterministic functions of the job id, so repeated
// writes for the same job overwrite rather than accumulate.
const (
	inputKeyPrefix  = "uploads/"
	outputKeyPrefix = "converted/"
)

func InputKey(jobID string) string  { return inputKeyPrefix + jobID }
func OutputKey(jobID string) string { return outputKeyPrefix + jobID }

// ObjectStore manages the artifacts referenced by a job under a put/get/
// delete contract against an S3-compatible store.
type ObjectStore struct {
	bucket     string
	tempDir    string
	client     *s3.S3
	downloader *s3manager.Downloader
	uploader   *s3manager.Uploader
}

func NewObjectStore(cfg *config.Config) *ObjectStore {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.S3Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			"",
		),
	}

	if cfg.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.S3Endpoint)
	}

	if cfg.S3UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess := session.Must(session.NewSession(awsCfg))

	return &ObjectStore{
		bucket:     cfg.S3Bucket,
		tempDir:    cfg.TempDir,
		client:     s3.New(sess),
		downloader: s3manager.NewDownloader(sess),
		uploader:   s3manager.NewUploader(sess),
	}
}

// PutInput stores the uploaded artifact under the job's input key and
// returns that key.
func (s *ObjectStore) PutInput(ctx context.Context, jobID string, body io.Reader, contentType string) (string, error) {
	key := InputKey(jobID)
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", models.Transient(fmt.Errorf("failed to upload input: %w", err))
	}
	return key, nil
}

// PutOutput stores a converted artifact from a local file under the
// job's output key and returns that key.
func (s *ObjectStore) PutOutput(ctx context.Context, jobID, localPath, contentType string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open output file: %w", err)
	}
	defer file.Close()

	key := OutputKey(jobID)
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", models.Transient(fmt.Errorf("failed to upload output: %w", err))
	}
	return key, nil
}

// DownloadTemp fetches the object to a local temp file named after the
// job id and returns its path. Callers remove the file via Cleanup.
func (s *ObjectStore) DownloadTemp(ctx context.Context, key, jobID, extension string) (string, error) {
	if err := os.MkdirAll(s.tempDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}

	localPath := filepath.Join(s.tempDir, fmt.Sprintf("%s.%s", jobID, extension))

	file, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to create local file: %w", err)
	}
	defer file.Close()

	_, err = s.downloader.DownloadWithContext(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		os.Remove(localPath)
		return "", models.Transient(fmt.Errorf("failed to download %s: %w", key, err))
	}

	return localPath, nil
}

// Get streams the object body along with its stored content type.
func (s *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", models.Transient(fmt.Errorf("failed to get %s: %w", key, err))
	}
	return out.Body, aws.StringValue(out.ContentType), nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return models.Transient(fmt.Errorf("failed to delete %s: %w", key, err))
	}
	return nil
}

func (s *ObjectStore) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	return err
}

func (s *ObjectStore) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	return os.Remove(path)
}
