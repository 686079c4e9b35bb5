// Package rag wires extraction, chunking, embedding, the index, retrieval
// and answer synthesis into the document-to-answer pipeline.
package rag

import (
	"context"
	"time"
)

// Retry is a bounded retry policy with exponential backoff. External calls
// (embedding, generation) are wrapped in one of these instead of ad hoc
// sleep loops; exhausting the attempts surfaces the last error.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry suits chatty HTTP backends: three attempts, 200ms doubling,
// capped at 5s.
var DefaultRetry = Retry{
	MaxAttempts: 3,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Do runs op until it succeeds, the attempts are exhausted, or ctx is
// cancelled. The last error is returned.
func (r Retry) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
	}

	return err
}

func (r Retry) delay(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := r.MaxDelay
	if max <= 0 {
		max = 5 * time.Second
	}

	d := base << attempt
	if d > max || d <= 0 {
		d = max
	}
	return d
}
