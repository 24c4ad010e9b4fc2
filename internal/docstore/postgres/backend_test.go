package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/docstore"
	"docflow/internal/document"
)

// openTest connects to DOCFLOW_TEST_POSTGRES_DSN or skips.
func openTest(t *testing.T) (*Backend, string) {
	t.Helper()
	dsn := os.Getenv("DOCFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCFLOW_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := Open(ctx, dsn, nil)
	require.NoError(t, err)
	coll := "test-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		_ = b.DropCollection(context.Background(), coll)
		_ = b.Close()
	})
	return b, coll
}

func TestTableQuoting(t *testing.T) {
	assert.Equal(t, `"docflow-default-document-t"`, table("docflow-default-document-t"))
	assert.Equal(t, `"a""b"`, table(`a"b`))
}

func TestBulkIsolatesFailures(t *testing.T) {
	b, coll := openTest(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureCollection(ctx, coll, map[string]any{docstore.SettingRequiredFields: []any{"title"}}))

	errs, err := b.Bulk(ctx, []docstore.Action{
		{Collection: coll, ID: "1", Body: document.Document{"title": "a"}},
		{Collection: coll, ID: "2", Body: document.Document{"body": "x"}},
		{Collection: coll, ID: "3", Body: document.Document{"title": "c"}},
	}, true)
	require.NoError(t, err)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.NoError(t, errs[2])

	counts, err := b.CountBy(ctx, coll, "title")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 1, "c": 1}, counts)
}

func TestUpsertKeepsTimestamp(t *testing.T) {
	b, coll := openTest(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureCollection(ctx, coll, nil))

	_, err := b.Bulk(ctx, []docstore.Action{{Collection: coll, ID: "1", Body: document.Document{"@timestamp": "t0", "a": "x"}}}, false)
	require.NoError(t, err)
	_, err = b.Bulk(ctx, []docstore.Action{{Collection: coll, ID: "1", Upsert: true, Body: document.Document{"@timestamp": "t1", "b": "y"}}}, false)
	require.NoError(t, err)

	got, err := b.Get(ctx, coll, "1")
	require.NoError(t, err)
	assert.Equal(t, document.Document{"@timestamp": "t0", "a": "x", "b": "y"}, got)
}

func TestScanKeyset(t *testing.T) {
	b, coll := openTest(t)
	ctx := context.Background()
	require.NoError(t, b.EnsureCollection(ctx, coll, nil))

	var actions []docstore.Action
	for i := range 5 {
		actions = append(actions, docstore.Action{Collection: coll, ID: fmt.Sprintf("d%d", i), Body: document.Document{"k": i % 2}})
	}
	_, err := b.Bulk(ctx, actions, false)
	require.NoError(t, err)

	page, next, err := b.Scan(ctx, coll, docstore.Query{}, "", 3)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Equal(t, "d2", next)

	page, next, err = b.Scan(ctx, coll, docstore.Query{}, next, 3)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Empty(t, next)

	odd, _, err := b.Scan(ctx, coll, docstore.Query{Match: map[string]any{"k": 1}}, "", 10)
	require.NoError(t, err)
	assert.Len(t, odd, 2)
}

func TestMissingTableReadsEmpty(t *testing.T) {
	b, _ := openTest(t)
	ctx := context.Background()

	got, err := b.Get(ctx, "no-such-collection", "1")
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := b.Delete(ctx, "no-such-collection", "1")
	require.NoError(t, err)
	assert.False(t, ok)
}
