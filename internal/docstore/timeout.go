package docstore

import (
	"context"
	"time"

	"docflow/internal/document"
)

// timeoutBackend bounds every call to the wrapped backend by d.
type timeoutBackend struct {
	Backend
	d time.Duration
}

func (b timeoutBackend) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, b.d)
}

func (b timeoutBackend) EnsureCollection(ctx context.Context, name string, settings map[string]any) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.Backend.EnsureCollection(ctx, name, settings)
}

func (b timeoutBackend) DropCollection(ctx context.Context, name string) error {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.Backend.DropCollection(ctx, name)
}

func (b timeoutBackend) Collections(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.Backend.Collections(ctx, prefix)
}

func (b timeoutBackend) Bulk(ctx context.Context, actions []Action, refresh bool) ([]error, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.Backend.Bulk(ctx, actions, refresh)
}

func (b timeoutBackend) Get(ctx context.Context, collection, id string) (document.Document, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.Backend.Get(ctx, collection, id)
}

func (b timeoutBackend) Scan(ctx context.Context, collection string, q Query, after string, limit int) ([]document.Document, string, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.Backend.Scan(ctx, collection, q, after, limit)
}

func (b timeoutBackend) CountBy(ctx context.Context, collection, field string) (map[string]int64, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.Backend.CountBy(ctx, collection, field)
}

func (b timeoutBackend) Delete(ctx context.Context, collection, id string) (bool, error) {
	ctx, cancel := b.ctx(ctx)
	defer cancel()
	return b.Backend.Delete(ctx, collection, id)
}
