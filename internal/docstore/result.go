package docstore

import (
	"errors"
	"fmt"
	"strings"

	"docflow/internal/document"
)

// Outcome is what happened to one document in a batch.
type Outcome int

const (
	// Stored means the document was written.
	Stored Outcome = iota
	// Diverted means the document was rejected and recorded in the error
	// sink. Sibling documents are unaffected.
	Diverted
	// Fatal means the write was not attempted or the whole request failed.
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Diverted:
		return "diverted"
	case Fatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Divert reasons, also used as error collection kinds.
const (
	ReasonMissingFields = "missing_fields"
	ReasonBulkIndex     = "bulk_index"
	ReasonValidation    = "validation"
)

// ItemResult reports one document of a batch.
type ItemResult struct {
	Doc     document.Document
	Outcome Outcome
	Reason  string
	Err     error
}

// BatchResult reports a whole batch in submission order.
type BatchResult struct {
	Items []ItemResult
}

// StoredDocs returns the documents that were written.
func (r *BatchResult) StoredDocs() []document.Document {
	if r == nil {
		return nil
	}
	var out []document.Document
	for _, it := range r.Items {
		if it.Outcome == Stored {
			out = append(out, it.Doc)
		}
	}
	return out
}

// Stored returns the refs that were written.
func (r *BatchResult) Stored() []document.Ref {
	var out []document.Ref
	for _, d := range r.StoredDocs() {
		out = append(out, d.Ref())
	}
	return out
}

// Count returns how many items ended with outcome o.
func (r *BatchResult) Count(o Outcome) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

func (r *BatchResult) add(doc document.Document, o Outcome, reason string, err error) {
	r.Items = append(r.Items, ItemResult{Doc: doc, Outcome: o, Reason: reason, Err: err})
}

// ErrBulk is matched by every *BulkError.
var ErrBulk = errors.New("bulk write failed")

// ItemError is one rejected document of a bulk write.
type ItemError struct {
	Ref document.Ref
	Err error
}

// BulkError aggregates the per-document failures of one bulk write.
type BulkError struct {
	Items []ItemError
}

func (e *BulkError) Error() string {
	parts := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		parts = append(parts, fmt.Sprintf("%s: %v", it.Ref, it.Err))
	}
	return fmt.Sprintf("%d document(s) failed to write: %s", len(e.Items), strings.Join(parts, "; "))
}

func (e *BulkError) Is(target error) bool { return target == ErrBulk }

// Unwrap exposes the first failure.
func (e *BulkError) Unwrap() error {
	if len(e.Items) == 0 {
		return nil
	}
	return e.Items[0].Err
}
