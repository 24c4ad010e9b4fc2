package docstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"docflow/internal/document"
)

const (
	// AllTypes selects every document collection.
	AllTypes = "*"
	// DefaultPageSize is used when a query is given no page size.
	DefaultPageSize = 1000
)

// collections resolves docType to the existing collections that hold it.
// AllTypes resolves to every document collection.
func (s *Store) collections(ctx context.Context, docType string) ([]string, error) {
	base := s.names.DocumentCollectionBase()
	if docType == AllTypes {
		names, err := s.backend.Collections(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("list collections: %w", err)
		}
		slices.Sort(names)
		return names, nil
	}

	stem := s.names.CollectionStem(docType)
	if !s.names.TimePartitioned {
		return []string{stem}, nil
	}
	names, err := s.backend.Collections(ctx, stem)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var out []string
	for _, n := range names {
		if n == stem || isDateSuffix(strings.TrimPrefix(n, stem)) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out, nil
}

func isDateSuffix(s string) bool {
	if len(s) != 9 || s[0] != '-' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Get returns the stored document, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, docType, id string) (document.Document, error) {
	colls, err := s.collections(ctx, docType)
	if err != nil {
		return nil, err
	}
	// Newest partition first.
	for i := len(colls) - 1; i >= 0; i-- {
		doc, err := s.backend.Get(ctx, colls[i], id)
		if err != nil {
			return nil, fmt.Errorf("get %s/%s: %w", docType, id, err)
		}
		if doc != nil {
			return restoreFields(doc), nil
		}
	}
	return nil, nil
}

func (s *Store) Exists(ctx context.Context, docType, id string) (bool, error) {
	doc, err := s.Get(ctx, docType, id)
	return doc != nil, err
}

// Delete removes a document from every collection of its type.
func (s *Store) Delete(ctx context.Context, docType, id string) (bool, error) {
	colls, err := s.collections(ctx, docType)
	if err != nil {
		return false, err
	}
	deleted := false
	for _, c := range colls {
		ok, err := s.backend.Delete(ctx, c, id)
		if err != nil {
			return deleted, fmt.Errorf("delete %s/%s: %w", docType, id, err)
		}
		deleted = deleted || ok
	}
	return deleted, nil
}

// DeleteIndex drops every collection of docType and forgets them, so the
// next write recreates them. With initialize the current collection is
// created again right away.
func (s *Store) DeleteIndex(ctx context.Context, docType string, initialize bool) error {
	colls, err := s.collections(ctx, docType)
	if err != nil {
		return err
	}
	for _, c := range colls {
		if err := s.backend.DropCollection(ctx, c); err != nil {
			return fmt.Errorf("drop collection %s: %w", c, err)
		}
	}
	s.forget(colls...)
	s.logger.Info("deleted index", "doc_type", docType, "collections", len(colls))

	if initialize && docType != AllTypes {
		return s.ensureCollection(ctx, s.names.Collection(docType, s.now()), docType)
	}
	return nil
}

// Cursor resumes a paged query. A nil Cursor from Page means the query is
// exhausted.
type Cursor struct {
	DocType     string   `json:"doc_type"`
	Query       Query    `json:"query"`
	Collections []string `json:"collections"`
	Index       int      `json:"index"`
	After       string   `json:"after"`
}

// Page returns up to size documents and the cursor for the next page. Pass
// a nil cursor to start a query.
func (s *Store) Page(ctx context.Context, docType string, q Query, size int, cur *Cursor) ([]document.Document, *Cursor, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	if cur == nil {
		colls, err := s.collections(ctx, docType)
		if err != nil {
			return nil, nil, err
		}
		cur = &Cursor{DocType: docType, Query: q, Collections: colls}
	}

	for cur.Index < len(cur.Collections) {
		docs, next, err := s.backend.Scan(ctx, cur.Collections[cur.Index], cur.Query, cur.After, size)
		if err != nil {
			return nil, nil, fmt.Errorf("scan %s: %w", cur.Collections[cur.Index], err)
		}
		nc := *cur
		if next == "" {
			nc.Index++
			nc.After = ""
		} else {
			nc.After = next
		}
		if len(docs) == 0 {
			cur = &nc
			continue
		}
		for i := range docs {
			docs[i] = restoreFields(docs[i])
		}
		if nc.Index >= len(nc.Collections) {
			return docs, nil, nil
		}
		return docs, &nc, nil
	}
	return nil, nil, nil
}

// Query yields every document of docType matching q, reading pageSize
// documents at a time. Each range over the sequence runs the query afresh.
func (s *Store) Query(ctx context.Context, docType string, q Query, pageSize int) iter.Seq2[document.Document, error] {
	return func(yield func(document.Document, error) bool) {
		var cur *Cursor
		for first := true; first || cur != nil; first = false {
			docs, next, err := s.Page(ctx, docType, q, pageSize, cur)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, d := range docs {
				if !yield(d, nil) {
					return
				}
			}
			cur = next
		}
	}
}

// DocumentCounts counts stored documents per doc type across every
// collection. It doubles as a readiness probe.
func (s *Store) DocumentCounts(ctx context.Context) (map[string]int64, error) {
	return s.TermCounts(ctx, AllTypes, document.FieldDocType)
}

// TermCounts counts documents of docType grouped by field.
func (s *Store) TermCounts(ctx context.Context, docType, field string) (map[string]int64, error) {
	colls, err := s.collections(ctx, docType)
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, c := range colls {
		counts, err := s.backend.CountBy(ctx, c, field)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", c, err)
		}
		for k, n := range counts {
			out[k] += n
		}
	}
	return out, nil
}

// restoreFields puts back the _id stripped on write.
func restoreFields(doc document.Document) document.Document {
	if id := doc.ID(); id != "" {
		doc[document.FieldInternalID] = id
	}
	return doc
}
