// Package ingest coordinates writing documents: preparation, the processing
// pipeline, validation, storage or publication, acknowledgement and the
// read-your-write barrier. A Coordinator also carries the analytic status
// record that reports what a run consumed and produced.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"docflow/internal/docstore"
	"docflow/internal/document"
	"docflow/internal/message"
	"docflow/internal/pipeline"
	"docflow/internal/schema"
	"docflow/internal/storage"
)

const (
	DefaultBatchSize      = 1000
	DefaultBarrierTimeout = 600 * time.Second
	DefaultGetTimeout     = 60 * time.Second
)

// DefaultSchedule is the barrier's polling delay sequence. The last delay
// repeats until the timeout.
var DefaultSchedule = []time.Duration{0, time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

// ErrNoChannel is returned by operations that publish when the coordinator
// has no message channel.
var ErrNoChannel = errors.New("coordinator has no message channel")

// Coordinator is the entry point analytics and tools use to read and write
// documents. It is safe for concurrent use.
type Coordinator struct {
	channel   *message.Channel
	store     *docstore.Store
	blobs     *storage.Store
	pipeline  *pipeline.Lazy
	validator schema.Validator
	logger    *slog.Logger

	batchSize      int
	schedule       []time.Duration
	barrierTimeout time.Duration

	analyticName string
	sessionID    string

	mu              sync.Mutex
	status          document.Document
	start           time.Time
	resultsInStatus bool
	results         []document.Document
}

type Option func(*Coordinator)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithBlobs(blobs *storage.Store) Option {
	return func(c *Coordinator) {
		c.blobs = blobs
	}
}

// WithPipeline sets the processing pipeline. Coordinators derived from this
// one share it.
func WithPipeline(p *pipeline.Lazy) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.pipeline = p
		}
	}
}

func WithValidator(v schema.Validator) Option {
	return func(c *Coordinator) {
		if v != nil {
			c.validator = v
		}
	}
}

func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithBarrier sets the barrier polling schedule and the default timeout used
// by DefaultResultOptions.
func WithBarrier(schedule []time.Duration, timeout time.Duration) Option {
	return func(c *Coordinator) {
		if len(schedule) > 0 {
			c.schedule = append([]time.Duration(nil), schedule...)
		}
		if timeout > 0 {
			c.barrierTimeout = timeout
		}
	}
}

// WithParameters records the run's parameters in the status record.
func WithParameters(params map[string]any) Option {
	return func(c *Coordinator) {
		c.status[FieldParameters] = maps.Clone(params)
	}
}

// New builds a coordinator acting as analyticName/sessionID. channel may be
// nil for synchronous, unacknowledged use.
func New(channel *message.Channel, store *docstore.Store, analyticName, sessionID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		channel:        channel,
		store:          store,
		validator:      schema.Nop{},
		logger:         slog.Default(),
		batchSize:      DefaultBatchSize,
		schedule:       DefaultSchedule,
		barrierTimeout: DefaultBarrierTimeout,
		analyticName:   analyticName,
		sessionID:      sessionID,
		start:          time.Now(),
		status:         newStatus(analyticName, sessionID),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pipeline == nil {
		c.pipeline = pipeline.LazyFrom(nil, pipeline.NewRegistry(), c.PipelineEnv())
	}
	c.logger = c.logger.With("component", "ingest", "analytic_name", analyticName, "session_id", sessionID)
	return c
}

// Derive returns a coordinator for a child run sharing this one's services
// and pipeline. Its status names this run as parent.
func (c *Coordinator) Derive(analyticName, sessionID string, params map[string]any) *Coordinator {
	child := New(c.channel, c.store, analyticName, sessionID,
		WithLogger(c.logger),
		WithBlobs(c.blobs),
		WithPipeline(c.pipeline),
		WithValidator(c.validator),
		WithBatchSize(c.batchSize),
		WithBarrier(c.schedule, c.barrierTimeout),
		WithParameters(params),
	)
	child.status[FieldParent] = map[string]any{
		document.FieldAnalyticName: c.analyticName,
		document.FieldSessionID:    c.sessionID,
	}
	return child
}

func (c *Coordinator) AnalyticName() string { return c.analyticName }

func (c *Coordinator) SessionID() string { return c.sessionID }

func (c *Coordinator) Channel() *message.Channel { return c.channel }

func (c *Coordinator) Store() *docstore.Store { return c.store }

func (c *Coordinator) Blobs() *storage.Store { return c.blobs }

// PipelineEnv is the environment handed to pipeline processors.
func (c *Coordinator) PipelineEnv() pipeline.Env {
	return pipeline.Env{Logger: c.logger, Store: c.store, Blobs: c.blobs}
}

// Pipeline builds the pipeline on first use.
func (c *Coordinator) Pipeline() (*pipeline.Pipeline, error) {
	p, err := c.pipeline.Get()
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return p, nil
}
