// Package builtin holds the stock pipeline processors.
package builtin

import (
	"context"
	"fmt"
	"time"

	"docflow/internal/document"
	"docflow/internal/pipeline"
)

const (
	NoopName           = "noop"
	SetFieldsName      = "set_fields"
	DropWhenName       = "drop_when"
	DateNormalizerName = "date_normalizer"
	ArtifactTextName   = "artifact_text"
)

// Register adds every stock processor to reg.
func Register(reg *pipeline.Registry) {
	reg.Register(NoopName, func() pipeline.Processor { return Noop{} })
	reg.Register(SetFieldsName, func() pipeline.Processor { return SetFields{} })
	reg.Register(DropWhenName, func() pipeline.Processor { return &DropWhen{} })
	reg.Register(DateNormalizerName, func() pipeline.Processor { return &DateNormalizer{} })
	reg.Register(ArtifactTextName, func() pipeline.Processor { return &ArtifactText{} })
}

// Noop passes documents through unchanged.
type Noop struct{}

func (Noop) Init(map[string]any, pipeline.Env) error { return nil }

func (Noop) Process(_ context.Context, _ *pipeline.StepContext, _ map[string]any, doc document.Document) (document.Document, error) {
	return doc, nil
}

// SetFields copies params.fields into the document. With overwrite false,
// fields already present are left alone.
type SetFields struct{}

func (SetFields) Init(map[string]any, pipeline.Env) error { return nil }

func (SetFields) Process(_ context.Context, sc *pipeline.StepContext, params map[string]any, doc document.Document) (document.Document, error) {
	fields, _ := params["fields"].(map[string]any)
	overwrite := boolParam(params, "overwrite", true)
	set := 0
	for k, v := range fields {
		if !overwrite && doc.Has(k) {
			continue
		}
		doc[k] = v
		set++
	}
	sc.Status["fields_set"] = set
	return doc, nil
}

// DropWhen drops documents whose field equals params.equals, or, with
// params.missing, documents that lack the field.
type DropWhen struct {
	field string
}

func (d *DropWhen) Init(params map[string]any, _ pipeline.Env) error {
	field, _ := params["field"].(string)
	if field == "" {
		return fmt.Errorf("%s: parameter field is required", DropWhenName)
	}
	d.field = field
	return nil
}

func (d *DropWhen) Process(_ context.Context, _ *pipeline.StepContext, params map[string]any, doc document.Document) (document.Document, error) {
	field := d.field
	if f, ok := params["field"].(string); ok && f != "" {
		field = f
	}
	v, present := doc[field]
	if !present {
		if boolParam(params, "missing", false) {
			return nil, nil
		}
		return doc, nil
	}
	if want, ok := params["equals"]; ok && fmt.Sprint(v) == fmt.Sprint(want) {
		return nil, nil
	}
	return doc, nil
}

// DateNormalizer parses params.source and writes an RFC 3339 UTC timestamp
// to params.target. Layouts in params.date_formats are tried before the
// built-in ones. An unparseable value sets the target to null.
type DateNormalizer struct{}

var defaultLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	time.RFC822Z,
	time.RFC822,
	time.ANSIC,
	time.UnixDate,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 Jan 2006",
}

func (*DateNormalizer) Init(params map[string]any, _ pipeline.Env) error {
	for _, k := range []string{"source", "target"} {
		if s, _ := params[k].(string); s == "" {
			return fmt.Errorf("%s: parameter %s is required", DateNormalizerName, k)
		}
	}
	return nil
}

func (*DateNormalizer) Process(_ context.Context, sc *pipeline.StepContext, params map[string]any, doc document.Document) (document.Document, error) {
	source, _ := params["source"].(string)
	target, _ := params["target"].(string)
	if !doc.Has(source) {
		return doc, nil
	}
	raw := doc.String(source)
	layouts := append(stringsParam(params, "date_formats"), defaultLayouts...)
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			doc[target] = document.FormatTime(ts)
			return doc, nil
		}
	}
	sc.Status["message"] = fmt.Sprintf("unparseable date %q", raw)
	doc[target] = nil
	return doc, nil
}

func boolParam(params map[string]any, key string, def bool) bool {
	if b, ok := params[key].(bool); ok {
		return b
	}
	return def
}

// stringsParam accepts a single string or a list.
func stringsParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case string:
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
