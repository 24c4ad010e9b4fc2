package analytic

import (
	"context"
	"fmt"

	"docflow/internal/docstore"
	"docflow/internal/document"
	"docflow/internal/ingest"
	"docflow/internal/schema"
)

const (
	NoopName      = "noop"
	ReprocessName = "reprocess"
)

const builtinParameters = `
#Noop: {
	input?: _
	...
}

#Reprocess: {
	doc_type:   string & != ""
	match?:     {...}
	page_size?: int & >0
	batch?:     int & >0
}
`

// RegisterBuiltins adds the stock analytics to reg.
func RegisterBuiltins(reg *Registry) error {
	params, err := schema.Compile(builtinParameters)
	if err != nil {
		return fmt.Errorf("builtin parameter schemas: %w", err)
	}
	reg.Register(NoopName, Noop{params: params})
	reg.Register(ReprocessName, Reprocess{params: params})
	return nil
}

// Noop returns parameters.input unchanged.
type Noop struct{ params *schema.CUE }

func (Noop) Description() string { return "returns parameters.input" }

func (n Noop) CheckParameters(params map[string]any) error {
	return n.params.ValidateAs("Noop", params)
}

func (Noop) Run(_ context.Context, _ *ingest.Coordinator, req Request) (any, error) {
	return req.Parameters["input"], nil
}

// Reprocess runs stored documents of one type through the pipeline again
// and writes them back in place.
type Reprocess struct{ params *schema.CUE }

func (Reprocess) Description() string {
	return "re-runs the pipeline over stored documents of parameters.doc_type"
}

func (r Reprocess) CheckParameters(params map[string]any) error {
	return r.params.ValidateAs("Reprocess", params)
}

func (Reprocess) Run(ctx context.Context, c *ingest.Coordinator, req Request) (any, error) {
	docType, _ := req.Parameters["doc_type"].(string)
	q := docstore.Query{Match: document.Document(req.Parameters).Map("match")}
	pageSize := intParam(req.Parameters, "page_size", docstore.DefaultPageSize)
	batch := intParam(req.Parameters, "batch", 100)

	opts := c.DefaultResultOptions()

	var pending []document.Document
	total := 0
	for doc, err := range c.Query(ctx, docType, q, pageSize) {
		if err != nil {
			return total, err
		}
		pending = append(pending, doc)
		if len(pending) < batch {
			continue
		}
		if err := c.Result(ctx, opts, pending...); err != nil {
			return total, err
		}
		total += len(pending)
		pending = pending[:0]
	}
	if err := c.Result(ctx, opts, pending...); err != nil {
		return total, err
	}
	return total + len(pending), nil
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
