package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"fileconverter/models"
	"fileconverter/queue"
)

const sniffLen = 3072

// handleCreateJob accepts the artifact, validates it, then persists the
// record, stores the input object and dispatches, in that order. All
// validation happens before any job record exists; a failed dispatch
// leaves the job pending for the redispatch pass.
func (s *Server) handleCreateJob(c *gin.Context) {
	ctx := c.Request.Context()

	session, err := sessionID(c)
	if err != nil {
		s.abortError(c, err)
		return
	}

	ct := models.ConversionType(c.PostForm("conversion_type"))
	if _, err := queue.DetermineQueue(ct); err != nil {
		s.abortError(c, err)
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		s.abortError(c, fmt.Errorf("%w: no file provided", models.ErrEmptyFile))
		return
	}
	if header.Size == 0 {
		s.abortError(c, models.ErrEmptyFile)
		return
	}
	if header.Size > s.cfg.MaxFileSize {
		s.abortError(c, fmt.Errorf("%w: maximum size %d bytes", models.ErrFileTooLarge, s.cfg.MaxFileSize))
		return
	}

	file, err := header.Open()
	if err != nil {
		s.abortError(c, fmt.Errorf("failed to open upload: %w", err))
		return
	}
	defer file.Close()

	// Sniff the real content rather than trusting the filename.
	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(file, head)
	head = head[:n]
	detected := mimetype.Detect(head)
	if !inputMatches(detected, ct) {
		s.abortError(c, fmt.Errorf("%w: %s does not accept %s input",
			models.ErrUnsupportedConversion, ct, detected.String()))
		return
	}

	var job *models.Job
	if err := retryTransient(ctx, func() error {
		var createErr error
		job, createErr = s.store.CreateJob(ctx, session, filepath.Base(header.Filename),
			header.Size, ct.InputExt(), ct)
		return createErr
	}); err != nil {
		s.abortError(c, err)
		return
	}

	if err := retryTransient(ctx, func() error {
		// Rewind for this attempt; the sniff above consumed the head.
		if _, seekErr := file.Seek(0, io.SeekStart); seekErr != nil {
			return fmt.Errorf("failed to rewind upload: %w", seekErr)
		}
		_, putErr := s.objects.PutInput(ctx, job.ID, file, detected.String())
		return putErr
	}); err != nil {
		// Nothing was published yet, so the record can be withdrawn.
		if delErr := s.store.DeleteJob(ctx, job.ID); delErr != nil {
			s.logger.Error("failed to withdraw job after upload failure", "job_id", job.ID, "err", delErr)
		}
		s.abortError(c, err)
		return
	}

	if err := retryTransient(ctx, func() error {
		return s.broker.Enqueue(ctx, job)
	}); err != nil {
		s.logger.Warn("enqueue failed, job stays pending for redispatch", "job_id", job.ID, "err", err)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"jobId":          job.ID,
		"filename":       job.Filename,
		"conversionType": job.ConversionType,
		"status":         job.Status,
	})
}

// handleJobStatus returns the current record fields. A job belonging to
// another session looks exactly like a missing one.
func (s *Server) handleJobStatus(c *gin.Context) {
	session, err := sessionID(c)
	if err != nil {
		s.abortError(c, err)
		return
	}

	job, err := s.lookupJob(c, session)
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// handleDownload streams the converted artifact once the job completed.
// Readiness is decided from the job record, never by probing storage, so
// a partially written object is never served.
func (s *Server) handleDownload(c *gin.Context) {
	session, err := sessionID(c)
	if err != nil {
		s.abortError(c, err)
		return
	}

	job, err := s.lookupJob(c, session)
	if err != nil {
		s.abortError(c, err)
		return
	}
	if job.Status != models.StatusCompleted {
		s.abortError(c, fmt.Errorf("%w: status is %s", models.ErrFileNotReady, job.Status))
		return
	}

	body, contentType, err := s.objects.Get(c.Request.Context(), job.OutputKey)
	if err != nil {
		s.abortError(c, err)
		return
	}
	defer body.Close()

	name := outputFilename(job, contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		s.logger.Warn("download stream aborted", "job_id", job.ID, "err", err)
	}
}

// handleListJobs returns the session's jobs most-recent-first with the
// total count for paging.
func (s *Server) handleListJobs(c *gin.Context) {
	session, err := sessionID(c)
	if err != nil {
		s.abortError(c, err)
		return
	}

	limit := parseQueryInt(c, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseQueryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListBySession(c.Request.Context(), session, limit, offset)
	if err != nil {
		s.abortError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// lookupJob fetches the job and applies session scoping: a foreign job
// is reported as not found to avoid leaking its existence.
func (s *Server) lookupJob(c *gin.Context, session string) (*models.Job, error) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		return nil, err
	}
	if job.SessionID != session {
		return nil, models.ErrJobNotFound
	}
	return job, nil
}

// abortError maps the error taxonomy onto HTTP statuses. Transient
// infrastructure errors surface as 503 after the store's own retries.
func (s *Server) abortError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrUnsupportedConversion),
		errors.Is(err, models.ErrEmptyFile):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrFileTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrFileNotReady):
		status = http.StatusConflict
	case models.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		s.logger.Error("request failed", "path", c.FullPath(), "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// inputMatches checks the sniffed content against what the conversion
// expects.
func inputMatches(detected *mimetype.MIME, ct models.ConversionType) bool {
	switch ct.InputExt() {
	case "docx":
		return detected.Is("application/vnd.openxmlformats-officedocument.wordprocessingml.document") ||
			detected.Is("application/zip") // docx is zip-framed; some producers sniff as such
	case "pdf":
		return detected.Is("application/pdf")
	case "jpg":
		return detected.Is("image/jpeg")
	case "png":
		return detected.Is("image/png")
	}
	return false
}

// outputFilename derives the download name from the original filename
// and the stored artifact's content type (multi-page image renders come
// back as a zip).
func outputFilename(job *models.Job, contentType string) string {
	base := strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename))
	if base == "" {
		base = job.ID
	}
	if contentType == "application/zip" {
		return base + "_pages.zip"
	}
	return base + "." + job.ConversionType.OutputExt()
}

func parseQueryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
