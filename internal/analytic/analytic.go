// Package analytic runs named units of work against an ingest coordinator,
// either in the caller's goroutine or through retained requests picked up by
// a worker pool.
package analytic

import (
	"context"
	"errors"
	"fmt"

	"docflow/internal/document"
	"docflow/internal/ingest"
)

// DefaultWorkerLabel is the label requests carry when none is given.
const DefaultWorkerLabel = "default"

// FieldWorker is the request field naming the worker label pattern.
const FieldWorker = "worker"

// Request asks for one run of an analytic.
type Request struct {
	AnalyticName string         `json:"analytic_name" yaml:"analytic_name"`
	SessionID    string         `json:"analytic_session_id" yaml:"analytic_session_id"`
	Parameters   map[string]any `json:"parameters" yaml:"parameters"`
	// Worker is a regular expression matched against worker labels.
	Worker string `json:"worker,omitempty" yaml:"worker"`
}

// Document renders the request as it is published.
func (r Request) Document() document.Document {
	params := r.Parameters
	if params == nil {
		params = map[string]any{}
	}
	worker := r.Worker
	if worker == "" {
		worker = DefaultWorkerLabel
	}
	return document.Document{
		document.FieldAnalyticName: r.AnalyticName,
		document.FieldSessionID:    r.SessionID,
		document.FieldParameters:   params,
		FieldWorker:                worker,
	}
}

// RequestFromDocument reads a published request.
func RequestFromDocument(doc document.Document) (Request, error) {
	req := Request{
		AnalyticName: doc.String(document.FieldAnalyticName),
		SessionID:    doc.String(document.FieldSessionID),
		Parameters:   doc.Map(document.FieldParameters),
		Worker:       doc.String(FieldWorker),
	}
	if req.AnalyticName == "" || req.SessionID == "" {
		return Request{}, fmt.Errorf("request needs %s and %s", document.FieldAnalyticName, document.FieldSessionID)
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	if req.Worker == "" {
		req.Worker = DefaultWorkerLabel
	}
	return req, nil
}

// Analytic is a unit of work. Run reads and writes documents through c,
// which is bound to the request's analytic name and session.
type Analytic interface {
	Description() string
	Run(ctx context.Context, c *ingest.Coordinator, req Request) (any, error)
}

// ParameterChecker is implemented by analytics that constrain their
// parameters. The check runs before Run.
type ParameterChecker interface {
	CheckParameters(params map[string]any) error
}

// ErrParameters matches parameter check failures.
var ErrParameters = errors.New("invalid analytic parameters")

// Func adapts a function to Analytic.
type Func struct {
	Desc string
	Fn   func(ctx context.Context, c *ingest.Coordinator, req Request) (any, error)
}

func (f Func) Description() string { return f.Desc }

func (f Func) Run(ctx context.Context, c *ingest.Coordinator, req Request) (any, error) {
	return f.Fn(ctx, c, req)
}
