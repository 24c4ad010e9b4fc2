// Package docstore writes documents to a document engine in batches, diverts
// documents it cannot write to an error sink, and reads them back.
package docstore

import (
	"context"

	"docflow/internal/document"
)

// Action is one write inside a bulk request.
type Action struct {
	Collection string
	ID         string
	Body       document.Document
	// Upsert merges Body into an existing document instead of replacing it.
	// The existing @timestamp is kept.
	Upsert bool
}

// Query selects documents whose top-level fields equal every entry of Match.
// An empty Match selects everything.
type Query struct {
	Match map[string]any `json:"match,omitempty" yaml:"match"`
}

// Backend is the document engine. Collections are created explicitly; reads
// from a collection that does not exist behave as if it were empty.
type Backend interface {
	EnsureCollection(ctx context.Context, name string, settings map[string]any) error
	DropCollection(ctx context.Context, name string) error
	// Collections lists existing collections whose name starts with prefix.
	Collections(ctx context.Context, prefix string) ([]string, error)
	// Bulk applies actions and returns one error slot per action. The
	// returned error is set only when the request as a whole failed; the
	// slots returned with it cover the leading actions that were already
	// committed, and may be empty.
	// refresh makes the writes visible to reads before Bulk returns.
	Bulk(ctx context.Context, actions []Action, refresh bool) ([]error, error)
	// Get returns nil, nil when the document does not exist.
	Get(ctx context.Context, collection, id string) (document.Document, error)
	// Scan returns up to limit documents ordered by id, starting after the
	// id in after. next is empty when there is nothing more to read.
	Scan(ctx context.Context, collection string, q Query, after string, limit int) (docs []document.Document, next string, err error)
	// CountBy counts documents grouped by the string value of field.
	CountBy(ctx context.Context, collection, field string) (map[string]int64, error)
	Delete(ctx context.Context, collection, id string) (bool, error)
	Close() error
}
