package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"
	"time"

	"docflow/internal/document"
	"docflow/internal/keys"
)

// Step record fields written to _pipeline.
const (
	RecordStepName   = "step_name"
	RecordParameters = "parameters"
	RecordStart      = "start_time"
	RecordFinish     = "finish_time"
	RecordDuration   = "compute_duration_seconds"
	RecordStatus     = "status"
	RecordError      = "error"
	RecordMessage    = "message"
)

type step struct {
	name   string
	params map[string]any
	proc   Processor
}

// Pipeline holds the initialized steps for every configured document type.
// Documents of types without steps pass through with an empty history.
type Pipeline struct {
	steps  map[string][]step
	env    Env
	logger *slog.Logger
	now    func() time.Time
}

// New looks up and initializes every configured processor. A processor that
// fails to initialize fails construction.
func New(cfg Config, reg *Registry, env Env) (*Pipeline, error) {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	p := &Pipeline{
		steps:  make(map[string][]step, len(cfg)),
		env:    env,
		logger: env.Logger.With("component", "pipeline"),
		now:    time.Now,
	}
	for docType, tc := range cfg {
		for _, sc := range tc.Processors {
			proc, err := reg.Get(sc.Name)
			if err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", docType, err)
			}
			params := maps.Clone(sc.Parameters)
			if params == nil {
				params = map[string]any{}
			}
			if err := proc.Init(params, env); err != nil {
				return nil, fmt.Errorf("pipeline %s: init %s: %w", docType, sc.Name, err)
			}
			p.steps[docType] = append(p.steps[docType], step{name: sc.Name, params: params, proc: proc})
		}
		p.logger.Info("loaded pipeline", "doc_type", docType, "steps", p.StepNames(docType))
	}
	return p, nil
}

// StepNames lists the steps configured for docType.
func (p *Pipeline) StepNames(docType string) []string {
	out := make([]string, 0, len(p.steps[docType]))
	for _, s := range p.steps[docType] {
		out = append(out, s.name)
	}
	return out
}

// Process runs doc through the steps for its type, resetting its _pipeline
// history first. It returns nil when a step dropped the document. Step
// failures are recorded and skipped; the only error returned is the
// context's, checked between steps.
func (p *Pipeline) Process(ctx context.Context, doc document.Document) (document.Document, error) {
	history := []any{}
	doc[document.FieldPipeline] = history

	steps := p.steps[doc.DocType()]
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return doc, err
		}

		sc := &StepContext{
			Env:       p.env,
			Step:      s.name,
			DocType:   doc.DocType(),
			SessionID: keys.Escape(doc.String(document.FieldInternalID)),
			Status:    map[string]any{},
		}
		params := maps.Clone(s.params)
		maps.Copy(params, DocumentParameters(doc, s.name))

		start := p.now()
		record := map[string]any{
			RecordStepName:   s.name,
			RecordParameters: params,
			RecordStart:      document.FormatTime(start),
		}

		out, err := p.invoke(ctx, s, sc, params, doc)
		if err != nil {
			record[RecordError] = true
			record[RecordMessage] = err.Error()
			p.logger.Error("pipeline step failed", "step", s.name, "doc_type", sc.DocType, "id", doc.ID(), "error", err)
		} else {
			record[RecordStatus] = sc.Status
			doc = out
		}

		finish := p.now()
		record[RecordFinish] = document.FormatTime(finish)
		record[RecordDuration] = finish.Sub(start).Seconds()

		if doc == nil {
			p.logger.Debug("document dropped", "step", s.name, "doc_type", sc.DocType)
			return nil, nil
		}
		// A step may hand back a different map; keep the history on it.
		history = append(history, record)
		doc[document.FieldPipeline] = history
	}
	return doc, nil
}

// invoke calls the processor, turning a panic into an error.
func (p *Pipeline) invoke(ctx context.Context, s step, sc *StepContext, params map[string]any, doc document.Document) (out document.Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.proc.Process(ctx, sc, params, doc)
}

// DocumentParameters returns the per-document overrides for a step. They
// come from doc.parameters[step] when that is an object, otherwise from
// flattened fields named "parameters.<step>.<key>".
func DocumentParameters(doc document.Document, stepName string) map[string]any {
	if m, ok := doc.Map(document.FieldParameters)[stepName].(map[string]any); ok {
		return m
	}
	prefix := document.FieldParameters + "." + stepName + "."
	out := map[string]any{}
	for k, v := range doc {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok || rest == "" {
			continue
		}
		setPath(out, strings.Split(rest, "."), v)
	}
	return out
}

func setPath(m map[string]any, path []string, v any) {
	for _, key := range path[:len(path)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[key] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}
