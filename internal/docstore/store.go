package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"docflow/internal/document"
	"docflow/internal/keys"
)

const (
	DefaultBufferSize    = 1000
	DefaultFlushInterval = 2 * time.Second
	// DefaultSettingsKey names the index settings applied to every doc type.
	DefaultSettingsKey = "_default"
)

// Store is the document store used by coordinators and workers.
type Store struct {
	backend       Backend
	names         keys.Names
	logger        *slog.Logger
	indexSettings map[string]map[string]any
	bufferSize    int
	flushInterval time.Duration
	timeout       time.Duration
	now           func() time.Time

	cacheMu sync.Mutex
	known   map[string]struct{}

	bufMu     sync.Mutex
	buffer    []document.Document
	lastFlush time.Time
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIndexSettings sets per-doc-type collection settings. The entry under
// DefaultSettingsKey is merged under every type's own settings.
func WithIndexSettings(settings map[string]map[string]any) Option {
	return func(s *Store) {
		s.indexSettings = settings
	}
}

// WithBuffer sets the enqueue thresholds.
func WithBuffer(size int, interval time.Duration) Option {
	return func(s *Store) {
		if size > 0 {
			s.bufferSize = size
		}
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithRequestTimeout bounds each backend call. Zero leaves calls bounded
// only by the caller's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(backend Backend, names keys.Names, opts ...Option) *Store {
	s := &Store{
		backend:       backend,
		names:         names,
		logger:        slog.Default(),
		bufferSize:    DefaultBufferSize,
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
		known:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout > 0 {
		s.backend = timeoutBackend{Backend: s.backend, d: s.timeout}
	}
	s.logger = s.logger.With("component", "docstore")
	s.lastFlush = s.now()
	return s
}

func (s *Store) Names() keys.Names { return s.names }

func (s *Store) Close() error {
	return s.backend.Close()
}

// settingsFor merges the default settings with docType's own.
func (s *Store) settingsFor(docType string) map[string]any {
	out := map[string]any{}
	maps.Copy(out, s.indexSettings[DefaultSettingsKey])
	maps.Copy(out, s.indexSettings[docType])
	return out
}

// ensureCollection creates a collection on first use. Known collections are
// cached until DeleteIndex drops them.
func (s *Store) ensureCollection(ctx context.Context, name, docType string) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, ok := s.known[name]; ok {
		return nil
	}
	if err := s.backend.EnsureCollection(ctx, name, s.settingsFor(docType)); err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	s.known[name] = struct{}{}
	s.logger.Info("collection ready", "collection", name)
	return nil
}

func (s *Store) forget(names ...string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	for _, n := range names {
		delete(s.known, n)
	}
}

// InitIndexes creates the collections of every configured doc type.
func (s *Store) InitIndexes(ctx context.Context) error {
	for docType := range s.indexSettings {
		if docType == DefaultSettingsKey {
			continue
		}
		if err := s.ensureCollection(ctx, s.names.Collection(docType, s.now()), docType); err != nil {
			return err
		}
	}
	return nil
}

// StoreOptions tunes StoreBatch.
type StoreOptions struct {
	// RaiseOnError returns a *BulkError after diverting rejected documents.
	RaiseOnError bool
	// Refresh makes the writes visible to reads before returning.
	Refresh bool
}

// StoreBatch writes docs in one bulk request. Documents lacking identity
// fields and documents the backend rejects are diverted to the error sink
// and reported as Diverted; the rest are reported as Stored. A failure of
// the whole request is returned as an error with every attempted document
// the backend did not commit reported as Fatal. With RaiseOnError, per-document rejections are also
// returned as a *BulkError.
func (s *Store) StoreBatch(ctx context.Context, docs []document.Document, opts StoreOptions) (*BatchResult, error) {
	res := &BatchResult{}
	var (
		valid   []document.Document
		actions []Action
	)
	now := s.now()

	for i, doc := range docs {
		if missing := doc.MissingFields(); len(missing) > 0 {
			err := fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
			s.divert(ctx, ReasonMissingFields, doc, err)
			res.add(doc, Diverted, ReasonMissingFields, err)
			continue
		}
		coll := s.names.Collection(doc.DocType(), now)
		if err := s.ensureCollection(ctx, coll, doc.DocType()); err != nil {
			return s.fail(res, append(valid, docs[i:]...), err)
		}
		valid = append(valid, doc)
		actions = append(actions, Action{
			Collection: coll,
			ID:         doc.ID(),
			Body:       cleanFields(doc),
			Upsert:     doc.String(document.FieldOpType) == document.OpUpdate,
		})
	}

	if len(actions) == 0 {
		return res, nil
	}

	itemErrs, err := s.backend.Bulk(ctx, actions, opts.Refresh)
	committed := valid
	if err != nil {
		committed = valid[:min(len(itemErrs), len(valid))]
	}

	var bulkErr *BulkError
	for i, doc := range committed {
		var itemErr error
		if i < len(itemErrs) {
			itemErr = itemErrs[i]
		}
		if itemErr == nil {
			res.add(doc, Stored, "", nil)
			continue
		}
		s.divert(ctx, ReasonBulkIndex, doc, itemErr)
		res.add(doc, Diverted, ReasonBulkIndex, itemErr)
		if bulkErr == nil {
			bulkErr = &BulkError{}
		}
		bulkErr.Items = append(bulkErr.Items, ItemError{Ref: doc.Ref(), Err: itemErr})
	}

	if err != nil {
		return s.fail(res, valid[len(committed):], fmt.Errorf("bulk write: %w", err))
	}

	s.logger.Debug("stored batch", "stored", res.Count(Stored), "diverted", res.Count(Diverted))
	if bulkErr != nil && opts.RaiseOnError {
		return res, bulkErr
	}
	return res, nil
}

func (s *Store) fail(res *BatchResult, docs []document.Document, err error) (*BatchResult, error) {
	for _, doc := range docs {
		res.add(doc, Fatal, "", err)
	}
	return res, err
}

func (s *Store) divert(ctx context.Context, reason string, doc document.Document, cause error) {
	s.logger.Warn("diverting document", "reason", reason, "doc_type", doc.DocType(), "id", doc.ID(), "error", cause)
	if err := s.WriteIngestError(ctx, reason, doc, cause); err != nil {
		s.logger.Error("failed to write ingest error", "reason", reason, "error", err)
	}
}

// cleanFields strips transport-only fields before a write.
func cleanFields(doc document.Document) document.Document {
	out := make(document.Document, len(doc))
	for k, v := range doc {
		if k == document.FieldInternalID || k == document.FieldOpType {
			continue
		}
		out[k] = v
	}
	return out
}

// WriteIngestError records doc in the error collection for kind.
func (s *Store) WriteIngestError(ctx context.Context, kind string, doc document.Document, cause error) error {
	data, err := document.Encode(doc)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", map[string]any(doc)))
	}
	rec := document.Document{
		document.FieldTimestamp: document.FormatTime(s.now()),
		"data":                  string(data),
	}
	if cause != nil {
		rec["error"] = cause.Error()
	}
	coll := s.names.ErrorCollection(kind)
	if err := s.ensureCollection(ctx, coll, ""); err != nil {
		return err
	}
	return s.single(ctx, Action{Collection: coll, ID: uuid.NewString(), Body: rec})
}

// WriteAnalyticStatus stores status under its session id in the analytic's
// collection.
func (s *Store) WriteAnalyticStatus(ctx context.Context, status document.Document) error {
	name := status.String(document.FieldAnalyticName)
	session := status.String(document.FieldSessionID)
	if name == "" || session == "" {
		return fmt.Errorf("analytic status needs %s and %s", document.FieldAnalyticName, document.FieldSessionID)
	}
	coll := s.names.AnalyticCollection(name)
	if err := s.ensureCollection(ctx, coll, ""); err != nil {
		return err
	}
	return s.single(ctx, Action{Collection: coll, ID: session, Body: status.Clone()})
}

func (s *Store) single(ctx context.Context, a Action) error {
	errs, err := s.backend.Bulk(ctx, []Action{a}, false)
	if err != nil {
		return err
	}
	if len(errs) > 0 && errs[0] != nil {
		return errs[0]
	}
	return nil
}

// Enqueue adds doc to the write buffer used by sink workers.
func (s *Store) Enqueue(doc document.Document) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	s.buffer = append(s.buffer, doc)
}

// Buffered returns how many documents wait for a flush.
func (s *Store) Buffered() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.buffer)
}

// IsTimeToFlush reports whether the buffer holds more than the size
// threshold or the last flush is older than the flush interval.
func (s *Store) IsTimeToFlush() bool {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if len(s.buffer) == 0 {
		return false
	}
	return len(s.buffer) > s.bufferSize || s.now().Sub(s.lastFlush) > s.flushInterval
}

// Flush writes the buffered documents through StoreBatch.
func (s *Store) Flush(ctx context.Context, opts StoreOptions) (*BatchResult, error) {
	s.bufMu.Lock()
	docs := s.buffer
	s.buffer = nil
	s.lastFlush = s.now()
	s.bufMu.Unlock()

	if len(docs) == 0 {
		return &BatchResult{}, nil
	}
	res, err := s.StoreBatch(ctx, docs, opts)
	s.logger.Info("flushed", "documents", len(docs), "stored", res.Count(Stored), "diverted", res.Count(Diverted))
	return res, err
}
