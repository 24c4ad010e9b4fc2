// Package pipeline runs the per-document-type processing steps that sit
// between ingest and storage. Steps run strictly in their configured order;
// a failing step is recorded in the document's _pipeline history and the
// document moves on, while a step that returns no document drops it.
package pipeline

import (
	"context"
	"log/slog"

	"docflow/internal/docstore"
	"docflow/internal/document"
	"docflow/internal/storage"
)

// Env is what a processor may reach while it runs. Any field may be nil.
type Env struct {
	Logger *slog.Logger
	Store  *docstore.Store
	Blobs  *storage.Store
}

// StepContext describes the step invocation in progress.
//
// Status starts empty for every invocation; whatever the processor leaves in
// it is copied into the step record.
type StepContext struct {
	Env
	Step      string
	DocType   string
	SessionID string
	Status    map[string]any
}

// Processor transforms one document. Process returns the document to pass to
// the next step, or nil to drop it. A processor is built and initialized once
// and then called from many goroutines, so Process must be safe for
// concurrent use.
//
// Example:
//
//	type upper struct{}
//
//	func (upper) Init(map[string]any, Env) error { return nil }
//	func (upper) Process(_ context.Context, _ *StepContext, p map[string]any, d document.Document) (document.Document, error) {
//		d[p["field"].(string)] = strings.ToUpper(d.String(p["field"].(string)))
//		return d, nil
//	}
type Processor interface {
	Init(params map[string]any, env Env) error
	Process(ctx context.Context, sc *StepContext, params map[string]any, doc document.Document) (document.Document, error)
}

// Func adapts a plain function into a Processor with no initialization.
type Func func(ctx context.Context, sc *StepContext, params map[string]any, doc document.Document) (document.Document, error)

func (f Func) Init(map[string]any, Env) error { return nil }

func (f Func) Process(ctx context.Context, sc *StepContext, params map[string]any, doc document.Document) (document.Document, error) {
	return f(ctx, sc, params, doc)
}
