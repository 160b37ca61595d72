package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"fileconverter/config"
	"fileconverter/models"
	"fileconverter/services"
)

// Store is the slice of the job store a worker needs: the conditional
// status update is the only way a worker mutates a job.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateStatus(ctx context.Context, jobID string, expected, next models.Status, fields models.StatusUpdate) (bool, error)
}

// Objects resolves input artifacts and stores outputs. Output writes are
// idempotent overwrites keyed by job id.
type Objects interface {
	DownloadTemp(ctx context.Context, key, jobID, extension string) (string, error)
	PutOutput(ctx context.Context, jobID, localPath, contentType string) (string, error)
	Cleanup(path string) error
}

// Broker is the lease contract: pull with bounded wait, ack on outcome,
// republish on requeue.
type Broker interface {
	Pull(ctx context.Context, queueName string, wait time.Duration) (*models.QueueMessage, string, error)
	Ack(ctx context.Context, queueName, raw, jobID string) error
	Enqueue(ctx context.Context, job *models.Job) error
}

// Pool runs the worker loop for one queue. Each worker goroutine keeps
// exactly one job in flight; horizontal scale comes from the number of
// worker replicas, steered externally by queue depth.
type Pool struct {
	cfg      *config.Config
	store    Store
	objects  Objects
	broker   Broker
	registry map[models.ConversionType]services.Capability
	logger   *slog.Logger
}

func NewPool(cfg *config.Config, store Store, objects Objects, broker Broker, registry map[models.ConversionType]services.Capability, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		store:    store,
		objects:  objects,
		broker:   broker,
		registry: registry,
		logger:   logger,
	}
}

// Run pulls and processes jobs until ctx is cancelled. Consecutive pull
// failures back off exponentially so a broker outage does not produce a
// tight error loop.
func (p *Pool) Run(ctx context.Context, workerID int) {
	logger := p.logger.With("worker", workerID, "queue", p.cfg.WorkerQueue)
	logger.Info("worker starting")

	pullFailures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		default:
			msg, raw, err := p.broker.Pull(ctx, p.cfg.WorkerQueue, p.cfg.PullWait)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				pullFailures++
				delay := backoffDelay(pullFailures)
				logger.Error("pull failed", "err", err, "retry_in", delay)
				time.Sleep(delay)
				continue
			}
			pullFailures = 0
			if msg == nil {
				continue // bounded wait elapsed, no jobs
			}
			p.Process(ctx, msg, raw, logger)
		}
	}
}

// backoffDelay grows exponentially with consecutive failures, capped at
// 30 seconds.
func backoffDelay(failures int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(failures))) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// Process drives one leased message through the job lifecycle.
func (p *Pool) Process(ctx context.Context, msg *models.QueueMessage, raw string, logger *slog.Logger) {
	logger = logger.With("job_id", msg.JobID, "conversion", msg.ConversionType, "attempt", msg.Attempt)

	job, err := p.store.GetJob(ctx, msg.JobID)
	if errors.Is(err, models.ErrJobNotFound) {
		// Reaped while queued; nothing to do.
		p.ack(ctx, raw, msg.JobID, logger)
		return
	}
	if err != nil {
		logger.Error("failed to load job, leaving message leased", "err", err)
		return
	}

	now := time.Now().UTC()
	claimed, err := p.store.UpdateStatus(ctx, job.ID, models.StatusPending, models.StatusProcessing,
		models.StatusUpdate{StartedAt: &now})
	if err != nil {
		logger.Error("failed to claim job, leaving message leased", "err", err)
		return
	}
	if !claimed {
		// Stale redelivery: the job is already processing or terminal.
		// Discard without touching the conversion tool.
		logger.Info("stale redelivery discarded")
		p.ack(ctx, raw, msg.JobID, logger)
		return
	}

	outcomeErr := p.convert(ctx, job, logger)
	if outcomeErr == nil {
		p.ack(ctx, raw, msg.JobID, logger)
		return
	}

	switch classify(outcomeErr, p.cfg.RetryOnTimeout) {
	case failureTransient:
		p.handleTransient(ctx, job, raw, outcomeErr, logger)
	default:
		message := outcomeErr.Error()
		if errors.Is(outcomeErr, models.ErrTimeout) {
			message = "TIMEOUT"
		}
		p.fail(ctx, job, message, logger)
		p.ack(ctx, raw, msg.JobID, logger)
	}
}

// convert runs the external tool under the conversion budget and, on
// success, stores the artifact and completes the job.
func (p *Pool) convert(ctx context.Context, job *models.Job, logger *slog.Logger) error {
	capability, ok := p.registry[job.ConversionType]
	if !ok {
		return fmt.Errorf("%w: no converter for %q", models.ErrConversionFailed, job.ConversionType)
	}

	inputPath, err := p.objects.DownloadTemp(ctx, job.InputKey, job.ID, job.InputFormat)
	if err != nil {
		return fmt.Errorf("failed to fetch input: %w", err)
	}
	defer p.objects.Cleanup(inputPath)

	convCtx, cancel := context.WithTimeout(ctx, p.cfg.ConversionTimeout)
	defer cancel()

	start := time.Now()
	outputPath, err := capability.Converter.Convert(convCtx, inputPath)
	if err != nil {
		if convCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %s exceeded %s", models.ErrTimeout,
				capability.Converter.Name(), p.cfg.ConversionTimeout)
		}
		return err
	}
	defer p.objects.Cleanup(outputPath)

	contentType := capability.ContentType
	if strings.HasSuffix(outputPath, ".zip") {
		contentType = "application/zip"
	}

	outputKey, err := p.objects.PutOutput(ctx, job.ID, outputPath, contentType)
	if err != nil {
		return fmt.Errorf("failed to store output: %w", err)
	}

	now := time.Now().UTC()
	won, err := p.store.UpdateStatus(ctx, job.ID, models.StatusProcessing, models.StatusCompleted,
		models.StatusUpdate{CompletedAt: &now, OutputKey: outputKey})
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if !won {
		// Another worker got there first; its artifact is identical and
		// the overwrite above was harmless.
		logger.Info("lost completion race")
		return nil
	}

	logger.Info("job completed", "duration_ms", time.Since(start).Milliseconds(), "output_key", outputKey)
	return nil
}

// handleTransient requeues the job below the attempt limit, otherwise
// marks it failed for good.
func (p *Pool) handleTransient(ctx context.Context, job *models.Job, raw string, cause error, logger *slog.Logger) {
	if job.AttemptCount >= p.cfg.MaxAttempts {
		p.fail(ctx, job, fmt.Sprintf("%s (after %d attempts): %s",
			models.ErrAttemptsExhausted, job.AttemptCount, cause), logger)
		p.ack(ctx, raw, job.ID, logger)
		return
	}

	attempts := job.AttemptCount + 1
	requeued, err := p.store.UpdateStatus(ctx, job.ID, models.StatusProcessing, models.StatusPending,
		models.StatusUpdate{AttemptCount: attempts})
	if err != nil {
		logger.Error("failed to requeue job, leaving message leased", "err", err)
		return
	}
	p.ack(ctx, raw, job.ID, logger)
	if !requeued {
		return
	}

	job.AttemptCount = attempts
	if err := p.broker.Enqueue(ctx, job); err != nil {
		// The job stays pending; the redispatch pass will republish it.
		logger.Warn("republish failed, redispatch will retry", "err", err)
		return
	}
	logger.Info("transient failure requeued", "next_attempt", attempts, "err", cause)
}

func (p *Pool) fail(ctx context.Context, job *models.Job, message string, logger *slog.Logger) {
	now := time.Now().UTC()
	if _, err := p.store.UpdateStatus(ctx, job.ID, models.StatusProcessing, models.StatusFailed,
		models.StatusUpdate{CompletedAt: &now, ErrorMessage: message}); err != nil {
		logger.Error("failed to mark job failed", "err", err)
		return
	}
	logger.Warn("job failed", "reason", message)
}

func (p *Pool) ack(ctx context.Context, raw, jobID string, logger *slog.Logger) {
	if err := p.broker.Ack(ctx, p.cfg.WorkerQueue, raw, jobID); err != nil {
		// The lease will expire and recovery drops the duplicate later.
		logger.Warn("ack failed", "err", err)
	}
}

type failureKind int

const (
	failureFatal failureKind = iota
	failureTransient
)

// classify decides whether a conversion error is retried. Timeouts are
// fatal unless configured otherwise; explicit tool rejections are fatal;
// infrastructure errors are transient.
func classify(err error, retryOnTimeout bool) failureKind {
	switch {
	case errors.Is(err, models.ErrTimeout):
		if retryOnTimeout {
			return failureTransient
		}
		return failureFatal
	case errors.Is(err, models.ErrConversionFailed):
		return failureFatal
	case models.IsTransient(err):
		return failureTransient
	default:
		return failureFatal
	}
}
