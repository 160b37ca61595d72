package api

import (
	"context"
	"math"
	"time"

	"fileconverter/models"
)

const (
	transientAttempts  = 3
	transientBaseDelay = 100 * time.Millisecond
)

// retryTransient runs fn up to transientAttempts times, backing off
// exponentially between tries while the failure is transient. The caller
// sees either a success or the last error after retries are exhausted;
// non-transient errors return immediately.
func retryTransient(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !models.IsTransient(err) || attempt >= transientAttempts {
			return err
		}

		delay := time.Duration(math.Pow(2, float64(attempt-1))) * transientBaseDelay
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}
