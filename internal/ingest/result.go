package ingest

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"

	"docflow/internal/docstore"
	"docflow/internal/document"
)

// ResultOptions controls how Result writes documents.
type ResultOptions struct {
	// Process runs the pipeline (sync) or routes through the ingest topic
	// (async) instead of straight to the sink.
	Process bool
	// Sync stores in the caller's goroutine; otherwise documents are
	// published for workers to store.
	Sync bool
	// Upsert merges into an existing document instead of replacing it.
	Upsert bool
	// Archive keeps the document's own timestamps and attribution.
	Archive bool
	// Barrier waits until every written document is readable.
	Barrier        bool
	BarrierTimeout time.Duration
	// RaiseOnError returns validation and per-document store errors instead
	// of only diverting the documents.
	RaiseOnError bool
	Validate     bool
}

// DefaultResultOptions processes, stores synchronously, validates and
// raises on error.
func (c *Coordinator) DefaultResultOptions() ResultOptions {
	return ResultOptions{
		Process:        true,
		Sync:           true,
		BarrierTimeout: c.barrierTimeout,
		RaiseOnError:   true,
		Validate:       true,
	}
}

// Result writes docs. Documents failing validation are recorded in the
// validation error collection and skipped, unless RaiseOnError stops the
// call at the first one. Documents are modified in place by preparation.
func (c *Coordinator) Result(ctx context.Context, opts ResultOptions, docs ...document.Document) error {
	if len(docs) == 0 {
		return nil
	}
	if opts.BarrierTimeout <= 0 {
		opts.BarrierTimeout = c.barrierTimeout
	}
	var sentinel string
	if opts.Barrier {
		sentinel = uuid.NewString()
	}

	var err error
	if opts.Sync {
		err = c.resultSync(ctx, opts, sentinel, docs)
	} else {
		err = c.resultAsync(ctx, opts, sentinel, docs)
	}
	// ReportStatus logs its own failures.
	_ = c.ReportStatus(ctx, false, "")
	return err
}

// Update is Result with Upsert set.
func (c *Coordinator) Update(ctx context.Context, opts ResultOptions, docs ...document.Document) error {
	opts.Upsert = true
	return c.Result(ctx, opts, docs...)
}

func (c *Coordinator) prepare(doc document.Document, opts ResultOptions, sentinel string) document.Document {
	if sentinel != "" {
		doc[document.FieldSentinel] = sentinel
	}
	return document.Prepare(doc, document.PrepareOptions{
		AnalyticName: c.analyticName,
		SessionID:    c.sessionID,
		Upsert:       opts.Upsert,
		Archive:      opts.Archive,
	})
}

// validate reports whether doc may be written. A failure is recorded; it is
// returned only with RaiseOnError.
func (c *Coordinator) validate(ctx context.Context, doc document.Document, opts ResultOptions) (bool, error) {
	if !opts.Validate {
		return true, nil
	}
	err := c.validator.Validate(doc)
	if err == nil {
		return true, nil
	}
	c.logger.Warn("document failed validation", "doc_type", doc.DocType(), "id", doc.ID(), "error", err)
	if c.store != nil {
		if werr := c.store.WriteIngestError(ctx, docstore.ReasonValidation, doc, err); werr != nil {
			c.logger.Error("failed to write ingest error", "error", werr)
		}
	}
	if opts.RaiseOnError {
		return false, err
	}
	return false, nil
}

func (c *Coordinator) resultSync(ctx context.Context, opts ResultOptions, sentinel string, docs []document.Document) error {
	for batch := range slices.Chunk(docs, c.batchSize) {
		toStore := make([]document.Document, 0, len(batch))
		for _, doc := range batch {
			doc = c.prepare(doc, opts, sentinel)
			if opts.Process {
				p, err := c.Pipeline()
				if err != nil {
					return err
				}
				if doc, err = p.Process(ctx, doc); err != nil {
					return err
				}
				if doc == nil {
					continue
				}
			}
			ok, err := c.validate(ctx, doc, opts)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			toStore = append(toStore, doc)
			c.countOutput(doc)
		}
		if len(toStore) == 0 {
			continue
		}

		res, storeErr := c.store.StoreBatch(ctx, toStore, docstore.StoreOptions{
			RaiseOnError: opts.RaiseOnError,
			Refresh:      opts.Barrier,
		})
		stored := res.StoredDocs()
		c.acknowledge(ctx, stored)
		if storeErr != nil {
			return storeErr
		}

		if opts.Barrier {
			for _, doc := range stored {
				if err := c.Barrier(ctx, doc.DocType(), doc.ID(), opts.BarrierTimeout, document.FieldSentinel, sentinel); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// acknowledge announces stored documents on the sinklog.
func (c *Coordinator) acknowledge(ctx context.Context, stored []document.Document) {
	if c.channel == nil {
		return
	}
	for _, doc := range stored {
		if err := c.channel.PublishSinklog(ctx, doc); err != nil {
			c.logger.Error("failed to publish sinklog", "doc_type", doc.DocType(), "id", doc.ID(), "error", err)
		}
	}
}

func (c *Coordinator) resultAsync(ctx context.Context, opts ResultOptions, sentinel string, docs []document.Document) error {
	if c.channel == nil {
		return ErrNoChannel
	}
	var wait []document.Ref
	for _, doc := range docs {
		doc = c.prepare(doc, opts, sentinel)
		ok, err := c.validate(ctx, doc, opts)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if opts.Process {
			err = c.channel.PublishIngest(ctx, doc)
		} else {
			err = c.channel.PublishSink(ctx, doc)
		}
		if err != nil {
			return err
		}
		c.countOutput(doc)
		if opts.Barrier {
			wait = append(wait, doc.Ref())
		}
	}

	for _, ref := range wait {
		if err := c.Barrier(ctx, ref.DocType, ref.ID, opts.BarrierTimeout, document.FieldSentinel, sentinel); err != nil {
			return err
		}
	}
	return nil
}
