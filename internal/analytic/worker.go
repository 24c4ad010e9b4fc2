package analytic

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/panjf2000/ants/v2"

	"docflow/internal/ingest"
	"docflow/internal/message"
)

// MatchLabel reports whether any label matches pattern, anchored at the
// start of the label.
func MatchLabel(labels []string, pattern string) bool {
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return false
	}
	for _, l := range labels {
		if re.MatchString(l) {
			return true
		}
	}
	return false
}

// Worker executes analytic requests addressed to its labels on a bounded
// pool.
type Worker struct {
	base     *ingest.Coordinator
	registry *Registry
	labels   []string
	pool     *ants.Pool
	buffer   *message.Buffer
	poll     time.Duration
	logger   *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithPoll sets how long one fetch waits for requests.
func WithPoll(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.poll = d
		}
	}
}

// NewWorker builds a worker running at most size analytics at once. base
// must have a message channel; each run derives its own coordinator from it.
func NewWorker(base *ingest.Coordinator, reg *Registry, labels []string, size int, opts ...WorkerOption) (*Worker, error) {
	if base.Channel() == nil {
		return nil, ingest.ErrNoChannel
	}
	if len(labels) == 0 {
		labels = []string{DefaultWorkerLabel}
	}
	if size < 1 {
		size = 1
	}
	w := &Worker{
		base:     base,
		registry: reg,
		labels:   labels,
		poll:     time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "analytic-worker")

	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		w.logger.Error("analytic run panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	w.pool = pool
	w.buffer = base.Channel().NewBuffer()
	return w, nil
}

// Run subscribes to analytic requests and executes matching ones until ctx
// is done. Runs in flight are waited for up to drain before Run returns.
func (w *Worker) Run(ctx context.Context, drain time.Duration) error {
	ch := w.base.Channel()
	if err := ch.SubscribeAnalyticRequest(ctx, w.buffer); err != nil {
		return fmt.Errorf("subscribe analytic requests: %w", err)
	}
	w.logger.Info("ready for analytic requests", "labels", w.labels, "workers", w.pool.Cap())

	for ctx.Err() == nil {
		for _, doc := range w.buffer.Fetch(ctx, w.poll, 1) {
			req, err := RequestFromDocument(doc)
			if err != nil {
				w.logger.Warn("ignoring malformed analytic request", "error", err)
				continue
			}
			if !MatchLabel(w.labels, req.Worker) {
				w.logger.Debug("request not for this worker", "analytic_name", req.AnalyticName, "worker", req.Worker)
				continue
			}
			w.logger.Info("executing analytic", "analytic_name", req.AnalyticName, "session_id", req.SessionID)
			if err := w.pool.Submit(func() { w.execute(ctx, req) }); err != nil {
				w.logger.Error("failed to submit analytic", "analytic_name", req.AnalyticName, "error", err)
			}
		}
	}

	if err := w.pool.ReleaseTimeout(drain); err != nil {
		w.logger.Warn("analytic runs still in flight at shutdown", "error", err)
	}
	return nil
}

// Running returns the number of analytics executing now.
func (w *Worker) Running() int { return w.pool.Running() }

func (w *Worker) execute(ctx context.Context, req Request) {
	ch := w.base.Channel()
	topic := ch.Names().AnalyticRequestTopic(req.AnalyticName, req.SessionID)
	if err := ch.DeleteRetainedTopic(ctx, topic); err != nil {
		w.logger.Error("failed to clear analytic request", "topic", topic, "error", err)
	}

	status, err := SyncExec(ctx, w.registry, w.base, req, false)
	if err != nil {
		w.logger.Error("analytic failed", "analytic_name", req.AnalyticName, "session_id", req.SessionID, "error", err)
		return
	}
	w.logger.Info("analytic completed",
		"analytic_name", req.AnalyticName,
		"session_id", req.SessionID,
		"input_stats", status[ingest.FieldInputStats],
		"output_stats", status[ingest.FieldOutputStats],
		"duration_seconds", status[ingest.FieldDuration],
	)
}
