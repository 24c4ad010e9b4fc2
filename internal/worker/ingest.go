package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"docflow/internal/document"
	"docflow/internal/message"
	"docflow/internal/pipeline"
)

// drainTimeout bounds how long a stopping worker waits for running tasks.
const drainTimeout = 10 * time.Second

// IngestConfig sizes an IngestWorker.
type IngestConfig struct {
	// BufferSize is both the fetch size and the backlog above which the
	// worker stops fetching.
	BufferSize int
	Workers    int
	// Poll is how long one fetch waits.
	Poll time.Duration
	// Recheck is how often a paused worker looks at the backlog again.
	Recheck time.Duration
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.BufferSize < 1 {
		c.BufferSize = 1000
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Poll <= 0 {
		c.Poll = time.Second
	}
	if c.Recheck <= 0 {
		c.Recheck = 100 * time.Millisecond
	}
	return c
}

// IngestWorker runs ingest requests through the pipeline and forwards the
// results to the sink topic.
type IngestWorker struct {
	channel  *message.Channel
	pipeline *pipeline.Pipeline
	cfg      IngestConfig
	pool     *ants.Pool
	buffer   *message.Buffer
	logger   *slog.Logger

	received  atomic.Int64
	processed atomic.Int64
	paused    atomic.Bool
}

func NewIngestWorker(ch *message.Channel, p *pipeline.Pipeline, cfg IngestConfig, logger *slog.Logger) (*IngestWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	w := &IngestWorker{
		channel:  ch,
		pipeline: p,
		cfg:      cfg,
		buffer:   ch.NewBuffer(),
		logger:   logger.With("component", "ingest-worker"),
	}
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(r any) {
		w.logger.Error("ingest task panicked", "panic", r)
	}))
	if err != nil {
		return nil, fmt.Errorf("create ingest pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Stats returns the documents fetched and finished so far, and whether the
// worker is currently holding off fetching.
func (w *IngestWorker) Stats() (received, processed int64, paused bool) {
	return w.received.Load(), w.processed.Load(), w.paused.Load()
}

func (w *IngestWorker) backlog() int64 {
	return w.received.Load() - w.processed.Load()
}

// Run subscribes to the ingest topic and processes requests until ctx is
// done. While more than BufferSize fetched documents are unfinished it
// stops fetching and rechecks the backlog every Recheck.
func (w *IngestWorker) Run(ctx context.Context) error {
	if err := w.channel.SubscribeIngest(ctx, w.buffer); err != nil {
		return fmt.Errorf("subscribe ingest: %w", err)
	}
	w.logger.Info("ready for ingest", "buffer_size", w.cfg.BufferSize, "workers", w.cfg.Workers)
	defer func() {
		if err := w.pool.ReleaseTimeout(drainTimeout); err != nil {
			w.logger.Warn("ingest tasks still running at shutdown", "error", err)
		}
	}()

	var reported int64
	last := time.Now()
	for ctx.Err() == nil {
		for _, doc := range w.buffer.Fetch(ctx, w.cfg.Poll, w.cfg.BufferSize) {
			w.received.Add(1)
			if err := w.pool.Submit(func() { w.process(ctx, doc) }); err != nil {
				w.logger.Error("failed to submit ingest task", "error", err)
				w.processed.Add(1)
			}
		}

		if processed := w.processed.Load(); processed != reported {
			elapsed := time.Since(last)
			delta := processed - reported
			w.logger.Info("processed",
				"count", delta,
				"elapsed", elapsed.Round(time.Millisecond),
				"per_second", float64(delta)/elapsed.Seconds(),
				"total", processed,
				"backlog", w.backlog(),
			)
			reported = processed
		}
		last = time.Now()

		if w.backlog() > int64(w.cfg.BufferSize) {
			w.hold(ctx)
		}
	}
	return nil
}

// hold blocks until the backlog is back at or under BufferSize or ctx is
// done.
func (w *IngestWorker) hold(ctx context.Context) {
	w.paused.Store(true)
	defer w.paused.Store(false)
	w.logger.Debug("backlog over limit, pausing fetch", "backlog", w.backlog())

	t := time.NewTicker(w.cfg.Recheck)
	defer t.Stop()
	for w.backlog() > int64(w.cfg.BufferSize) {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (w *IngestWorker) process(ctx context.Context, doc document.Document) {
	defer w.processed.Add(1)

	topic := detach(doc)
	doc.AssignID()
	out, err := w.pipeline.Process(ctx, doc)
	if err != nil {
		// Cancelled mid-pipeline: leave the request retained for redelivery.
		w.logger.Warn("pipeline interrupted", "doc_type", doc.DocType(), "id", doc.ID(), "error", err)
		return
	}
	if out != nil {
		if err := w.channel.PublishSink(ctx, out); err != nil {
			w.logger.Error("failed to publish sink", "doc_type", out.DocType(), "id", out.ID(), "error", err)
			return
		}
	}
	if topic == "" {
		return
	}
	if err := w.channel.DeleteRetainedTopic(ctx, topic); err != nil {
		w.logger.Error("failed to clear ingest request", "topic", topic, "error", err)
	}
}
