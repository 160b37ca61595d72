package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"fileconverter/config"
	"fileconverter/models"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type fakeStore struct {
	created     []*models.Job
	createErrs  []error
	createCalls int
	jobs        map[string]*models.Job
	deleted     []string
	pingErr     error
	listJobs    []*models.Job
	total       int
}

func (f *fakeStore) CreateJob(ctx context.Context, sessionID, filename string, size int64, inputFormat string, ct models.ConversionType) (*models.Job, error) {
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	job := &models.Job{
		ID:             "job-1",
		SessionID:      sessionID,
		Filename:       filename,
		OriginalSize:   size,
		InputFormat:    inputFormat,
		ConversionType: ct,
		Status:         models.StatusPending,
		InputKey:       "uploads/job-1",
		AttemptCount:   1,
		CreatedAt:      time.Now().UTC(),
	}
	f.created = append(f.created, job)
	return job, nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeStore) DeleteJob(ctx context.Context, jobID string) error {
	f.deleted = append(f.deleted, jobID)
	return nil
}

func (f *fakeStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Job, int, error) {
	return f.listJobs, f.total, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

type fakeObjects struct {
	putErrs  []error
	puts     []string
	lastPut  []byte
	body     string
	bodyType string
}

func (f *fakeObjects) PutInput(ctx context.Context, jobID string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.lastPut = data
	if len(f.putErrs) > 0 {
		next := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if next != nil {
			return "", next
		}
	}
	f.puts = append(f.puts, jobID)
	return "uploads/" + jobID, nil
}

func (f *fakeObjects) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return io.NopCloser(strings.NewReader(f.body)), f.bodyType, nil
}

func (f *fakeObjects) Ping(ctx context.Context) error { return nil }

type fakeBroker struct {
	enqueued []string
	enqErr   error
	depths   map[string]int64
}

func (f *fakeBroker) Enqueue(ctx context.Context, job *models.Job) error {
	if f.enqErr != nil {
		return f.enqErr
	}
	f.enqueued = append(f.enqueued, job.ID)
	return nil
}

func (f *fakeBroker) Depths(ctx context.Context) (map[string]int64, error) { return f.depths, nil }
func (f *fakeBroker) Ping(ctx context.Context) error                       { return nil }

func testServer(store *fakeStore, objects *fakeObjects, broker *fakeBroker) *Server {
	cfg := &config.Config{
		SessionSecret:   "test-secret",
		CORSOrigins:     []string{"*"},
		MaxFileSize:     1 << 20,
		UploadRateLimit: 1000,
		UploadRateBurst: 1000,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, store, objects, broker, logger)
}

func multipartUpload(t *testing.T, conversionType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("conversion_type", conversionType); err != nil {
		t.Fatal(err)
	}
	part, err := writer.CreateFormFile("file", "report.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return body, writer.FormDataContentType()
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

func TestCreateJobSuccess(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	objects := &fakeObjects{}
	broker := &fakeBroker{}
	router := testServer(store, objects, broker).Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(store.created) != 1 {
		t.Fatalf("expected 1 job created, got %d", len(store.created))
	}
	if len(objects.puts) != 1 {
		t.Errorf("expected 1 upload, got %d", len(objects.puts))
	}
	if len(broker.enqueued) != 1 {
		t.Errorf("expected 1 enqueue, got %d", len(broker.enqueued))
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["jobId"] != "job-1" || resp["status"] != "pending" {
		t.Errorf("unexpected response: %v", resp)
	}
	if rec.Header().Get("Set-Cookie") == "" {
		t.Error("first contact must issue a session cookie")
	}
}

func TestCreateJobUnsupportedType(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	router := testServer(store, &fakeObjects{}, &fakeBroker{}).Router()

	body, contentType := multipartUpload(t, "pdf_to_gif", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(store.created) != 0 {
		t.Error("rejected request must not create a job")
	}
}

func TestCreateJobContentMismatch(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	router := testServer(store, &fakeObjects{}, &fakeBroker{}).Router()

	// PDF content submitted for a conversion that expects a png.
	body, contentType := multipartUpload(t, "png_to_pdf", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(store.created) != 0 {
		t.Error("mismatched content must not create a job")
	}
}

func TestCreateJobEmptyFile(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	router := testServer(store, &fakeObjects{}, &fakeBroker{}).Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", nil)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(store.created) != 0 {
		t.Error("empty upload must not create a job")
	}
}

func TestCreateJobTooLarge(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	server := testServer(store, &fakeObjects{}, &fakeBroker{})
	server.cfg.MaxFileSize = 8
	router := server.Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(store.created) != 0 {
		t.Error("oversized upload must not create a job")
	}
}

func TestCreateJobWithdrawnOnUploadFailure(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	objects := &fakeObjects{putErrs: []error{errors.New("bucket rejected the write")}}
	broker := &fakeBroker{}
	router := testServer(store, objects, broker).Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "job-1" {
		t.Errorf("expected record withdrawn, deleted = %v", store.deleted)
	}
	if len(broker.enqueued) != 0 {
		t.Error("failed upload must not be dispatched")
	}
}

func TestCreateJobRetriesTransientStoreFailure(t *testing.T) {
	t.Parallel()

	// One transient insert failure must be retried, never surfaced.
	store := &fakeStore{createErrs: []error{models.Transient(errors.New("too many connections"))}}
	broker := &fakeBroker{}
	router := testServer(store, &fakeObjects{}, broker).Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if store.createCalls != 2 {
		t.Errorf("createCalls = %d, want 2", store.createCalls)
	}
	if len(broker.enqueued) != 1 {
		t.Errorf("expected dispatch after retry, got %d", len(broker.enqueued))
	}
}

func TestCreateJobTransientStoreFailureExhausted(t *testing.T) {
	t.Parallel()

	store := &fakeStore{createErrs: []error{
		models.Transient(errors.New("connection refused")),
		models.Transient(errors.New("connection refused")),
		models.Transient(errors.New("connection refused")),
	}}
	router := testServer(store, &fakeObjects{}, &fakeBroker{}).Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if store.createCalls != transientAttempts {
		t.Errorf("createCalls = %d, want %d", store.createCalls, transientAttempts)
	}
}

func TestCreateJobRetriesTransientUploadFailure(t *testing.T) {
	t.Parallel()

	objects := &fakeObjects{putErrs: []error{models.Transient(errors.New("i/o timeout"))}}
	store := &fakeStore{}
	router := testServer(store, objects, &fakeBroker{}).Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	// The retried attempt must upload the full artifact, not a reader
	// already drained by the sniff or the failed attempt.
	if string(objects.lastPut) != string(pdfBytes) {
		t.Errorf("uploaded %d bytes, want %d", len(objects.lastPut), len(pdfBytes))
	}
	if len(store.deleted) != 0 {
		t.Errorf("job must not be withdrawn after a recovered upload: %v", store.deleted)
	}
}

func TestCreateJobEnqueueFailureStillAccepted(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	broker := &fakeBroker{enqErr: errors.New("redis down")}
	router := testServer(store, &fakeObjects{}, broker).Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// The record exists and stays pending; the redispatch sweep will
	// publish it later.
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(store.deleted) != 0 {
		t.Error("job must not be withdrawn on dispatch failure")
	}
}

// sessionCookies runs one request to obtain the caller's session cookie.
func sessionCookies(t *testing.T, router *gin.Engine) []*http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("session bootstrap failed: %d", rec.Code)
	}
	return rec.Result().Cookies()
}

func TestJobStatusScopedToSession(t *testing.T) {
	t.Parallel()

	foreign := &models.Job{ID: "job-1", SessionID: "someone-else", Status: models.StatusCompleted}
	store := &fakeStore{jobs: map[string]*models.Job{"job-1": foreign}}
	router := testServer(store, &fakeObjects{}, &fakeBroker{}).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1", nil)
	for _, c := range sessionCookies(t, router) {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// A foreign job must be indistinguishable from a missing one.
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDownloadNotReady(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	objects := &fakeObjects{}
	router := testServer(store, objects, &fakeBroker{}).Router()

	// Create through the API so the job carries this session's id.
	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create failed: %d", rec.Code)
	}
	cookies := rec.Result().Cookies()

	store.jobs = map[string]*models.Job{"job-1": store.created[0]}

	dlReq := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/download", nil)
	for _, c := range cookies {
		dlReq.AddCookie(c)
	}
	dlRec := httptest.NewRecorder()
	router.ServeHTTP(dlRec, dlReq)

	if dlRec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", dlRec.Code)
	}
}

func TestDownloadCompleted(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	objects := &fakeObjects{body: "%PDF-converted", bodyType: "application/pdf"}
	router := testServer(store, objects, &fakeBroker{}).Router()

	body, contentType := multipartUpload(t, "pdf_to_jpg", pdfBytes)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create failed: %d", rec.Code)
	}
	cookies := rec.Result().Cookies()

	job := store.created[0]
	job.Status = models.StatusCompleted
	job.OutputKey = "converted/job-1"
	store.jobs = map[string]*models.Job{"job-1": job}

	dlReq := httptest.NewRequest(http.MethodGet, "/api/jobs/job-1/download", nil)
	for _, c := range cookies {
		dlReq.AddCookie(c)
	}
	dlRec := httptest.NewRecorder()
	router.ServeHTTP(dlRec, dlReq)

	if dlRec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", dlRec.Code, dlRec.Body.String())
	}
	if got := dlRec.Body.String(); got != "%PDF-converted" {
		t.Errorf("body = %q", got)
	}
	disposition := dlRec.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, "report.jpg") {
		t.Errorf("Content-Disposition = %q", disposition)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		listJobs: []*models.Job{{ID: "job-2"}, {ID: "job-1"}},
		total:    7,
	}
	router := testServer(store, &fakeObjects{}, &fakeBroker{}).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/jobs?limit=2", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
		Limit int          `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Jobs) != 2 || resp.Total != 7 || resp.Limit != 2 {
		t.Errorf("unexpected page: %+v", resp)
	}
}

func TestQueueDepths(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{depths: map[string]int64{"documents": 3, "images": 4}}
	router := testServer(&fakeStore{}, &fakeObjects{}, broker).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/queues", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Queues map[string]int64 `json:"queues"`
		Total  int64            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 7 || resp.Queues["documents"] != 3 {
		t.Errorf("unexpected depths: %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	t.Run("healthy", func(t *testing.T) {
		t.Parallel()
		router := testServer(&fakeStore{}, &fakeObjects{}, &fakeBroker{}).Router()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("database down", func(t *testing.T) {
		t.Parallel()
		store := &fakeStore{pingErr: errors.New("connection refused")}
		router := testServer(store, &fakeObjects{}, &fakeBroker{}).Router()
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestOutputFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		job         *models.Job
		contentType string
		want        string
	}{
		{
			"single page",
			&models.Job{ID: "j", Filename: "report.pdf", ConversionType: models.PDFToJPG},
			"image/jpeg",
			"report.jpg",
		},
		{
			"multi page zip",
			&models.Job{ID: "j", Filename: "report.pdf", ConversionType: models.PDFToPNG},
			"application/zip",
			"report_pages.zip",
		},
		{
			"no extension on original",
			&models.Job{ID: "j", Filename: "scan", ConversionType: models.JPGToPDF},
			"application/pdf",
			"scan.pdf",
		},
	}

	for _, tt := range tests {
		if got := outputFilename(tt.job, tt.contentType); got != tt.want {
			t.Errorf("%s: outputFilename = %q, want %q", tt.name, got, tt.want)
		}
	}
}
