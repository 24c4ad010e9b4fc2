package badger

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/docstore"
	"docflow/internal/document"
	"docflow/internal/keys"
)

func openMemory(t *testing.T) *Backend {
	t.Helper()
	b, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBulkAndGet(t *testing.T) {
	ctx := context.Background()
	b := openMemory(t)
	require.NoError(t, b.EnsureCollection(ctx, "c1", nil))

	errs, err := b.Bulk(ctx, []docstore.Action{
		{Collection: "c1", ID: "1", Body: document.Document{"id": "1", "n": 1, "nested": map[string]any{"k": []string{"a"}}}},
		{Collection: "missing", ID: "2", Body: document.Document{"id": "2"}},
	}, true)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1], "writes to an unknown collection fail per item")

	got, err := b.Get(ctx, "c1", "1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got["n"])
	assert.Equal(t, []any{"a"}, got.Map("nested")["k"])

	none, err := b.Get(ctx, "c1", "2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// cancelAfter reports cancellation once Err has been asked n times.
type cancelAfter struct {
	context.Context
	n atomic.Int32
}

func (c *cancelAfter) Err() error {
	if c.n.Add(-1) < 0 {
		return context.Canceled
	}
	return nil
}

func TestBulkReportsCommittedPrefix(t *testing.T) {
	b, err := open(badger.DefaultOptions("").WithInMemory(true).WithMemTableSize(8<<20), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.EnsureCollection(context.Background(), "c1", nil))

	const total = 80
	filler := strings.Repeat("x", 32<<10)
	actions := make([]docstore.Action, total)
	for i := range actions {
		id := fmt.Sprint(i)
		actions[i] = docstore.Action{Collection: "c1", ID: id, Body: document.Document{"id": id, "text": filler}}
	}

	ctx := &cancelAfter{Context: context.Background()}
	ctx.n.Store(total - 20)
	errs, err := b.Bulk(ctx, actions, false)
	require.ErrorIs(t, err, context.Canceled)
	require.NotEmpty(t, errs, "a full transaction was committed before the failure")
	assert.Less(t, len(errs), total-20)
	for _, e := range errs {
		assert.NoError(t, e)
	}

	first, err := b.Get(context.Background(), "c1", "0")
	require.NoError(t, err)
	assert.NotNil(t, first)
	uncommitted, err := b.Get(context.Background(), "c1", fmt.Sprint(total-1))
	require.NoError(t, err)
	assert.Nil(t, uncommitted)
}

func TestRequiredFieldsRejectItem(t *testing.T) {
	ctx := context.Background()
	b := openMemory(t)
	require.NoError(t, b.EnsureCollection(ctx, "c1", map[string]any{docstore.SettingRequiredFields: []string{"title"}}))

	errs, err := b.Bulk(ctx, []docstore.Action{
		{Collection: "c1", ID: "1", Body: document.Document{"title": "ok"}},
		{Collection: "c1", ID: "2", Body: document.Document{"body": "no title"}},
	}, false)
	require.NoError(t, err)
	assert.NoError(t, errs[0])
	assert.ErrorContains(t, errs[1], "title")
}

func TestUpsertMerges(t *testing.T) {
	ctx := context.Background()
	b := openMemory(t)
	require.NoError(t, b.EnsureCollection(ctx, "c1", nil))

	_, err := b.Bulk(ctx, []docstore.Action{{Collection: "c1", ID: "1", Body: document.Document{"@timestamp": "t0", "a": "x"}}}, false)
	require.NoError(t, err)
	_, err = b.Bulk(ctx, []docstore.Action{{Collection: "c1", ID: "1", Upsert: true, Body: document.Document{"@timestamp": "t1", "b": "y"}}}, false)
	require.NoError(t, err)

	got, err := b.Get(ctx, "c1", "1")
	require.NoError(t, err)
	assert.Equal(t, document.Document{"@timestamp": "t0", "a": "x", "b": "y"}, got)
}

func TestScanPagesAndFilters(t *testing.T) {
	ctx := context.Background()
	b := openMemory(t)
	require.NoError(t, b.EnsureCollection(ctx, "c1", nil))
	require.NoError(t, b.EnsureCollection(ctx, "c10", nil))

	var actions []docstore.Action
	for i := range 5 {
		color := "red"
		if i%2 == 1 {
			color = "blue"
		}
		actions = append(actions, docstore.Action{Collection: "c1", ID: fmt.Sprintf("d%d", i), Body: document.Document{"color": color}})
	}
	actions = append(actions, docstore.Action{Collection: "c10", ID: "other", Body: document.Document{"color": "red"}})
	_, err := b.Bulk(ctx, actions, false)
	require.NoError(t, err)

	page, next, err := b.Scan(ctx, "c1", docstore.Query{}, "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, "d1", next)

	page, next, err = b.Scan(ctx, "c1", docstore.Query{}, next, 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Empty(t, next)

	red, _, err := b.Scan(ctx, "c1", docstore.Query{Match: map[string]any{"color": "red"}}, "", 10)
	require.NoError(t, err)
	assert.Len(t, red, 3)
}

func TestCollectionsCountsAndDrop(t *testing.T) {
	ctx := context.Background()
	b := openMemory(t)
	require.NoError(t, b.EnsureCollection(ctx, "p-document-a", nil))
	require.NoError(t, b.EnsureCollection(ctx, "p-document-b", nil))
	require.NoError(t, b.EnsureCollection(ctx, "p-error-x", nil))

	colls, err := b.Collections(ctx, "p-document-")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p-document-a", "p-document-b"}, colls)

	_, err = b.Bulk(ctx, []docstore.Action{
		{Collection: "p-document-a", ID: "1", Body: document.Document{"doc_type": "A"}},
		{Collection: "p-document-a", ID: "2", Body: document.Document{"doc_type": "A"}},
	}, false)
	require.NoError(t, err)

	counts, err := b.CountBy(ctx, "p-document-a", "doc_type")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 2}, counts)

	ok, err := b.Delete(ctx, "p-document-a", "1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Delete(ctx, "p-document-a", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.DropCollection(ctx, "p-document-a"))
	colls, err = b.Collections(ctx, "p-document-")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-document-b"}, colls)
	got, err := b.Get(ctx, "p-document-a", "2")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreOnBadger(t *testing.T) {
	ctx := context.Background()
	s := docstore.New(openMemory(t), keys.Default(), docstore.WithIndexSettings(map[string]map[string]any{
		"Article": {docstore.SettingRequiredFields: []any{"title"}},
	}))

	res, err := s.StoreBatch(ctx, []document.Document{
		{"_id": "1", "id": "1", "doc_type": "Article", "title": "a"},
		{"_id": "2", "id": "2", "doc_type": "Article"},
		{"_id": "3", "id": "3", "doc_type": "Article"},
		{"_id": "4", "id": "4", "doc_type": "Article", "title": "d"},
	}, docstore.StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count(docstore.Stored))
	assert.Equal(t, 2, res.Count(docstore.Diverted))

	got, err := s.Get(ctx, "Article", "4")
	require.NoError(t, err)
	assert.Equal(t, "4", got["_id"])

	errs, err := s.TermCounts(ctx, "*", "doc_type")
	require.NoError(t, err)
	assert.Equal(t, int64(2), errs["Article"])
}
