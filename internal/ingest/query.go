package ingest

import (
	"context"
	"fmt"
	"iter"
	"time"

	"docflow/internal/docstore"
	"docflow/internal/document"
)

func (c *Coordinator) Exists(ctx context.Context, docType, id string) (bool, error) {
	return c.store.Exists(ctx, docType, id)
}

// Query streams matching documents, counting each as input of this run.
// A status snapshot is published once the sequence is exhausted.
func (c *Coordinator) Query(ctx context.Context, docType string, q docstore.Query, pageSize int) iter.Seq2[document.Document, error] {
	return func(yield func(document.Document, error) bool) {
		for doc, err := range c.store.Query(ctx, docType, q, pageSize) {
			if err != nil {
				yield(nil, err)
				return
			}
			c.countInput(doc.DocType())
			if !yield(doc, nil) {
				return
			}
		}
		_ = c.ReportStatus(ctx, false, "")
	}
}

func (c *Coordinator) Delete(ctx context.Context, docType, id string) (bool, error) {
	return c.store.Delete(ctx, docType, id)
}

func (c *Coordinator) DeleteIndex(ctx context.Context, docType string, initialize bool) error {
	return c.store.DeleteIndex(ctx, docType, initialize)
}

// DocumentCounts returns the number of stored documents per type.
func (c *Coordinator) DocumentCounts(ctx context.Context) (map[string]int64, error) {
	return c.store.DocumentCounts(ctx)
}

func (c *Coordinator) TermCounts(ctx context.Context, docType, field string) (map[string]int64, error) {
	return c.store.TermCounts(ctx, docType, field)
}

// WaitForReady polls DocumentCounts every half second until the store
// answers or timeout passes.
func (c *Coordinator) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := c.store.DocumentCounts(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("store not ready after %s: %w", timeout, err)
		}
		c.logger.Debug("waiting for store", "error", err)
		if err := sleep(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
}
