package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fileconverter/models"
)

// Queue names. Document conversions carry a heavier resource profile and
// scale as their own pool; the pdf/image conversions share one queue so
// a single worker pool serves all of them.
const (
	QueueDocuments = "documents"
	QueueImages    = "images"
)

var routes = map[models.ConversionType]string{
	models.DocxToPDF: QueueDocuments,
	models.PDFToDocx: QueueDocuments,
	models.PDFToJPG:  QueueImages,
	models.PDFToPNG:  QueueImages,
	models.JPGToPDF:  QueueImages,
	models.PNGToPDF:  QueueImages,
}

// DetermineQueue maps a conversion type to its work queue. Callers check
// this before creating a job record, so unsupported requests never
// produce one.
func DetermineQueue(ct models.ConversionType) (string, error) {
	name, ok := routes[ct]
	if !ok {
		return "", fmt.Errorf("%w: %q", models.ErrUnsupportedConversion, ct)
	}
	return name, nil
}

// Names returns every routed queue, for depth reporting and lease
// recovery sweeps.
func Names() []string {
	return []string{QueueDocuments, QueueImages}
}

// Broker publishes and leases job references over Redis lists. A pull
// atomically moves the message from the pending list to the processing
// list and stamps a lease key with a TTL; the message stays invisible to
// other consumers until it is acked or the lease key expires.
type Broker struct {
	rdb    *redis.Client
	prefix string
	lease  time.Duration
}

func NewBroker(rdb *redis.Client, prefix string, lease time.Duration) *Broker {
	return &Broker{rdb: rdb, prefix: prefix, lease: lease}
}

func (b *Broker) pendingKey(queue string) string {
	return b.prefix + "queue:" + queue + ":pending"
}

func (b *Broker) processingKey(queue string) string {
	return b.prefix + "queue:" + queue + ":processing"
}

func (b *Broker) leaseKey(jobID string) string {
	return b.prefix + "lease:" + jobID
}

// Enqueue publishes the job's reference to the tail of its routed queue.
// The message carries only the id, type and attempt; the job record
// remains the single source of truth.
func (b *Broker) Enqueue(ctx context.Context, job *models.Job) error {
	queueName, err := DetermineQueue(job.ConversionType)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(models.QueueMessage{
		JobID:          job.ID,
		ConversionType: job.ConversionType,
		Attempt:        job.AttemptCount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := b.rdb.LPush(ctx, b.pendingKey(queueName), payload).Err(); err != nil {
		return models.Transient(fmt.Errorf("failed to enqueue job %s: %w", job.ID, err))
	}
	return nil
}

// Pull blocks up to wait for a message on the queue. On delivery the
// message has already been moved to the processing list and its lease
// stamped; the raw payload is the ack handle. Returns (nil, "", nil) on
// timeout.
func (b *Broker) Pull(ctx context.Context, queueName string, wait time.Duration) (*models.QueueMessage, string, error) {
	raw, err := b.rdb.BRPopLPush(ctx, b.pendingKey(queueName), b.processingKey(queueName), wait).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", models.Transient(fmt.Errorf("failed to pull from %s: %w", queueName, err))
	}

	var msg models.QueueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Malformed payload: drop it from the processing list, nothing
		// references it.
		b.rdb.LRem(ctx, b.processingKey(queueName), 1, raw)
		return nil, "", fmt.Errorf("failed to parse message: %w", err)
	}

	if err := b.rdb.Set(ctx, b.leaseKey(msg.JobID), raw, b.lease).Err(); err != nil {
		return nil, "", models.Transient(fmt.Errorf("failed to stamp lease for %s: %w", msg.JobID, err))
	}
	return &msg, raw, nil
}

// Ack deletes the message and releases its lease.
func (b *Broker) Ack(ctx context.Context, queueName, raw string, jobID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, b.processingKey(queueName), 1, raw)
	pipe.Del(ctx, b.leaseKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Transient(fmt.Errorf("failed to ack job %s: %w", jobID, err))
	}
	return nil
}

// RecoverExpired scans the processing list for messages whose lease key
// has expired (worker crashed or lost its lease) and removes them. The
// caller decides whether each job is requeued or failed.
func (b *Broker) RecoverExpired(ctx context.Context, queueName string) ([]models.QueueMessage, error) {
	raws, err := b.rdb.LRange(ctx, b.processingKey(queueName), 0, -1).Result()
	if err != nil {
		return nil, models.Transient(fmt.Errorf("failed to scan processing list: %w", err))
	}

	var expired []models.QueueMessage
	for _, raw := range raws {
		var msg models.QueueMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			b.rdb.LRem(ctx, b.processingKey(queueName), 1, raw)
			continue
		}

		n, err := b.rdb.Exists(ctx, b.leaseKey(msg.JobID)).Result()
		if err != nil {
			return expired, models.Transient(fmt.Errorf("failed to check lease: %w", err))
		}
		if n > 0 {
			continue // lease still live
		}

		if removed, _ := b.rdb.LRem(ctx, b.processingKey(queueName), 1, raw).Result(); removed > 0 {
			expired = append(expired, msg)
		}
	}
	return expired, nil
}

// HasInFlight reports whether any pending or processing message
// references the job. Used by the redispatch pass to avoid publishing a
// duplicate.
func (b *Broker) HasInFlight(ctx context.Context, queueName, jobID string) (bool, error) {
	for _, key := range []string{b.pendingKey(queueName), b.processingKey(queueName)} {
		raws, err := b.rdb.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return false, models.Transient(fmt.Errorf("failed to scan %s: %w", key, err))
		}
		for _, raw := range raws {
			var msg models.QueueMessage
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				continue
			}
			if msg.JobID == jobID {
				return true, nil
			}
		}
	}
	return false, nil
}

// Depth returns the queue's backlog: undelivered plus in-flight
// messages. This is the signal an external autoscaler polls.
func (b *Broker) Depth(ctx context.Context, queueName string) (int64, error) {
	pipe := b.rdb.Pipeline()
	pending := pipe.LLen(ctx, b.pendingKey(queueName))
	processing := pipe.LLen(ctx, b.processingKey(queueName))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, models.Transient(fmt.Errorf("failed to read depth of %s: %w", queueName, err))
	}
	return pending.Val() + processing.Val(), nil
}

// Depths returns the backlog of every routed queue.
func (b *Broker) Depths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64, len(Names()))
	for _, name := range Names() {
		d, err := b.Depth(ctx, name)
		if err != nil {
			return nil, err
		}
		depths[name] = d
	}
	return depths, nil
}

func (b *Broker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
