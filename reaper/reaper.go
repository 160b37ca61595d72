package reaper

import (
	"context"
	"log/slog"
	"time"

	"fileconverter/config"
	"fileconverter/models"
	"fileconverter/queue"
)

// Store is the slice of the job store the sweeps need.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	UpdateStatus(ctx context.Context, jobID string, expected, next models.Status, fields models.StatusUpdate) (bool, error)
	ListStalePending(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	ListExpired(ctx context.Context, now time.Time, ttl, failedTTL, pendingGrace time.Duration) ([]*models.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// Objects deletes the storage artifacts of a reaped job.
type Objects interface {
	Delete(ctx context.Context, key string) error
}

// Broker covers lease recovery and redispatch.
type Broker interface {
	Enqueue(ctx context.Context, job *models.Job) error
	RecoverExpired(ctx context.Context, queueName string) ([]models.QueueMessage, error)
	HasInFlight(ctx context.Context, queueName, jobID string) (bool, error)
}

// Reaper runs the background sweeps that keep the engine converging:
// expired-lease recovery, redispatch of pending jobs whose publish was
// lost, force-failing of jobs stuck processing, and TTL expiry of jobs
// plus their artifacts.
type Reaper struct {
	cfg     *config.Config
	store   Store
	objects Objects
	broker  Broker
	logger  *slog.Logger
}

func New(cfg *config.Config, store Store, objects Objects, broker Broker, logger *slog.Logger) *Reaper {
	return &Reaper{cfg: cfg, store: store, objects: objects, broker: broker, logger: logger}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	r.logger.Info("reaper starting", "interval", r.cfg.ReaperInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper shutting down")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs every pass once. Each pass tolerates failures in the
// others; a job missed now is picked up next interval.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	r.recoverLeases(ctx)
	r.redispatchPending(ctx, now)
	r.failStaleProcessing(ctx, now)
	r.reapExpired(ctx, now)
}

// recoverLeases requeues or fails jobs whose queue lease expired without
// an ack, which means the holding worker died mid-conversion.
func (r *Reaper) recoverLeases(ctx context.Context) {
	for _, queueName := range queue.Names() {
		expired, err := r.broker.RecoverExpired(ctx, queueName)
		if err != nil {
			r.logger.Error("lease recovery failed", "queue", queueName, "err", err)
			continue
		}
		for _, msg := range expired {
			r.recoverOne(ctx, queueName, msg)
		}
	}
}

func (r *Reaper) recoverOne(ctx context.Context, queueName string, msg models.QueueMessage) {
	logger := r.logger.With("queue", queueName, "job_id", msg.JobID)

	job, err := r.store.GetJob(ctx, msg.JobID)
	if err != nil {
		logger.Warn("lease expired for unknown job", "err", err)
		return
	}
	if job.Status.Terminal() {
		return // outcome already recorded, the message was just leaked
	}

	if job.AttemptCount >= r.cfg.MaxAttempts {
		now := time.Now().UTC()
		if _, err := r.store.UpdateStatus(ctx, job.ID, job.Status, models.StatusFailed, models.StatusUpdate{
			CompletedAt:  &now,
			ErrorMessage: models.ErrAttemptsExhausted.Error(),
		}); err != nil {
			logger.Error("failed to fail job after lease expiry", "err", err)
		}
		return
	}

	// Put the job back on the queue for another worker. If it was
	// claimed (processing), roll it back to pending first.
	if job.Status == models.StatusProcessing {
		requeued, err := r.store.UpdateStatus(ctx, job.ID, models.StatusProcessing, models.StatusPending,
			models.StatusUpdate{AttemptCount: job.AttemptCount + 1})
		if err != nil || !requeued {
			return
		}
		job.AttemptCount++
	}
	if err := r.broker.Enqueue(ctx, job); err != nil {
		logger.Warn("republish after lease expiry failed", "err", err)
		return
	}
	logger.Info("recovered expired lease", "attempt", job.AttemptCount)
}

// redispatchPending republishes pending jobs older than the grace window
// that have no in-flight message. This closes the gap between "recorded"
// and "queued" when the publish after commit failed.
func (r *Reaper) redispatchPending(ctx context.Context, now time.Time) {
	stale, err := r.store.ListStalePending(ctx, now.Add(-r.cfg.RedispatchGrace))
	if err != nil {
		r.logger.Error("redispatch scan failed", "err", err)
		return
	}

	for _, job := range stale {
		queueName, err := queue.DetermineQueue(job.ConversionType)
		if err != nil {
			continue
		}
		inFlight, err := r.broker.HasInFlight(ctx, queueName, job.ID)
		if err != nil || inFlight {
			continue
		}
		if err := r.broker.Enqueue(ctx, job); err != nil {
			r.logger.Warn("redispatch failed", "job_id", job.ID, "err", err)
			continue
		}
		r.logger.Info("redispatched pending job", "job_id", job.ID, "queue", queueName)
	}
}

// failStaleProcessing force-fails jobs stuck processing far beyond the
// conversion budget (a worker crashed without lease handling), so session
// listings show a terminal outcome instead of the record lingering.
func (r *Reaper) failStaleProcessing(ctx context.Context, now time.Time) {
	cutoff := now.Add(-2 * r.cfg.LeaseTimeout)
	stuck, err := r.store.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		r.logger.Error("stale processing scan failed", "err", err)
		return
	}

	for _, job := range stuck {
		failed, err := r.store.UpdateStatus(ctx, job.ID, models.StatusProcessing, models.StatusFailed,
			models.StatusUpdate{CompletedAt: &now, ErrorMessage: "expired while processing"})
		if err != nil {
			r.logger.Error("failed to expire processing job", "job_id", job.ID, "err", err)
			continue
		}
		if failed {
			r.logger.Warn("expired stuck processing job", "job_id", job.ID)
		}
	}
}

// reapExpired deletes jobs past their TTL together with their storage
// objects. Objects go first so a crash mid-delete leaves a record that a
// later pass retries, never an orphaned artifact.
func (r *Reaper) reapExpired(ctx context.Context, now time.Time) {
	expired, err := r.store.ListExpired(ctx, now, r.cfg.JobTTL, r.cfg.FailedJobTTL, r.cfg.PendingGrace)
	if err != nil {
		r.logger.Error("expiry scan failed", "err", err)
		return
	}

	reaped := 0
	for _, job := range expired {
		if err := r.objects.Delete(ctx, job.InputKey); err != nil {
			r.logger.Error("failed to delete input object", "job_id", job.ID, "err", err)
			continue
		}
		if err := r.objects.Delete(ctx, job.OutputKey); err != nil {
			r.logger.Error("failed to delete output object", "job_id", job.ID, "err", err)
			continue
		}
		if err := r.store.DeleteJob(ctx, job.ID); err != nil {
			r.logger.Error("failed to delete job record", "job_id", job.ID, "err", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.Info("reaped expired jobs", "count", reaped)
	}
}
