// Package document defines the unit of ingested data and the rules that
// prepare it for storage: identity assignment, timestamps and analytic
// attribution.
package document

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved field names.
const (
	FieldInternalID   = "_id"
	FieldID           = "id"
	FieldDocType      = "doc_type"
	FieldTimestamp    = "@timestamp"
	FieldUpdated      = "@updated"
	FieldAnalyticName = "analytic_name"
	FieldSessionID    = "analytic_session_id"
	FieldPipeline     = "_pipeline"
	FieldSentinel     = "_ingest_sentinel"
	FieldTopic        = "_topic"
	FieldOpType       = "_op_type"
	FieldArtifacts    = "artifacts"
	FieldParameters   = "parameters"
)

// OpUpdate marks a document for merge-on-write instead of replacement.
const OpUpdate = "update"

// TimeLayout is the wire format for every timestamp the system writes.
const TimeLayout = time.RFC3339Nano

// Document is a JSON-shaped mapping identified by (doc_type, id).
type Document map[string]any

// Ref identifies a stored document.
type Ref struct {
	DocType string `json:"doc_type"`
	ID      string `json:"id"`
}

func (r Ref) String() string {
	return r.DocType + "/" + r.ID
}

// String returns the field as a string, formatting non-string scalars.
func (d Document) String(field string) string {
	v, ok := d[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (d Document) DocType() string { return d.String(FieldDocType) }

func (d Document) ID() string { return d.String(FieldID) }

func (d Document) Ref() Ref {
	return Ref{DocType: d.DocType(), ID: d.ID()}
}

// Has reports whether field is present with a non-nil value.
func (d Document) Has(field string) bool {
	v, ok := d[field]
	return ok && v != nil
}

// Map returns a nested mapping stored at field, or nil.
func (d Document) Map(field string) map[string]any {
	switch m := d[field].(type) {
	case map[string]any:
		return m
	case Document:
		return m
	}
	return nil
}

// MissingFields lists the identity fields a store requires but the document
// lacks.
func (d Document) MissingFields() []string {
	var missing []string
	for _, f := range []string{FieldInternalID, FieldID, FieldDocType} {
		if d.String(f) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// Clone returns a deep copy of the JSON-shaped value tree.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneMap(d)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Document:
		return Document(cloneMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneMap(e)
		}
		return out
	}
	return v
}

// Encode serializes the document to its JSON wire form. time.Time values
// encode as RFC 3339 strings.
func Encode(d Document) ([]byte, error) {
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return b, nil
}

// Decode parses a JSON object into a Document.
func Decode(b []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("decode document: not a JSON object")
	}
	return d, nil
}

// Normalize round-trips the document through its wire form so that values
// compare the same way they will after a store read.
func Normalize(d Document) (Document, error) {
	b, err := Encode(d)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// FormatTime renders t in the wire timestamp format, in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Merge overlays incoming onto existing at the top level. The existing
// @timestamp survives so that upserts never move a document's creation time.
func Merge(existing, incoming Document) Document {
	out := existing.Clone()
	if out == nil {
		out = Document{}
	}
	for k, v := range incoming {
		if k == FieldTimestamp && existing.Has(FieldTimestamp) {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}
