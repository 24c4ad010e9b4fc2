package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docflow/internal/document"
)

// ErrBarrierTimeout matches every *BarrierTimeoutError.
var ErrBarrierTimeout = errors.New("ingest barrier timeout")

// BarrierTimeoutError reports a document that did not become readable in
// time.
type BarrierTimeoutError struct {
	DocType string
	ID      string
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *BarrierTimeoutError) Error() string {
	return fmt.Sprintf("timeout of %s reached and %s:%s not found in total of %s", e.Timeout, e.DocType, e.ID, e.Elapsed.Round(time.Millisecond))
}

func (e *BarrierTimeoutError) Is(target error) bool { return target == ErrBarrierTimeout }

// Barrier blocks until docType/id is readable and, when sentinelValue is set,
// its sentinelKey field holds sentinelValue. It polls on the coordinator's
// schedule, repeating the last delay, and never sleeps past the timeout.
func (c *Coordinator) Barrier(ctx context.Context, docType, id string, timeout time.Duration, sentinelKey, sentinelValue string) error {
	start := time.Now()
	for i := 0; ; i++ {
		elapsed := time.Since(start)
		if elapsed >= timeout {
			return &BarrierTimeoutError{DocType: docType, ID: id, Timeout: timeout, Elapsed: elapsed}
		}

		delay := c.schedule[min(i, len(c.schedule)-1)]
		if remaining := timeout - elapsed; delay > remaining {
			delay = remaining
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		found, err := c.present(ctx, docType, id, sentinelKey, sentinelValue)
		if err != nil {
			return fmt.Errorf("barrier %s/%s: %w", docType, id, err)
		}
		if found {
			c.logger.Debug("barrier passed", "doc_type", docType, "id", id, "elapsed", time.Since(start))
			return nil
		}
	}
}

func (c *Coordinator) present(ctx context.Context, docType, id, sentinelKey, sentinelValue string) (bool, error) {
	if sentinelValue == "" {
		return c.store.Exists(ctx, docType, id)
	}
	doc, err := c.store.Get(ctx, docType, id)
	if err != nil || doc == nil {
		return false, err
	}
	return doc.String(sentinelKey) == sentinelValue, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetOptions controls Get.
type GetOptions struct {
	// Wait runs the barrier before reading.
	Wait          bool
	Timeout       time.Duration
	SentinelKey   string
	SentinelValue string
}

// Get reads a document, or returns nil when it does not exist.
func (c *Coordinator) Get(ctx context.Context, docType, id string, opts GetOptions) (document.Document, error) {
	if opts.Wait {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultGetTimeout
		}
		key := opts.SentinelKey
		if key == "" {
			key = document.FieldSentinel
		}
		if err := c.Barrier(ctx, docType, id, timeout, key, opts.SentinelValue); err != nil {
			return nil, err
		}
	}
	return c.store.Get(ctx, docType, id)
}
