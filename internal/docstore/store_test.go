package docstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/document"
	"docflow/internal/keys"
)

// fakeBackend keeps collections in maps and rejects any body with
// "bad": true, the way a document engine rejects a mapping conflict.
type fakeBackend struct {
	mu          sync.Mutex
	colls       map[string]map[string]document.Document
	ensureCalls map[string]int
	failBulk    error
	// commitBeforeFail is how many actions a failing Bulk still applies.
	commitBeforeFail int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		colls:       make(map[string]map[string]document.Document),
		ensureCalls: make(map[string]int),
	}
}

func (f *fakeBackend) EnsureCollection(_ context.Context, name string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls[name]++
	if _, ok := f.colls[name]; !ok {
		f.colls[name] = make(map[string]document.Document)
	}
	return nil
}

func (f *fakeBackend) DropCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.colls, name)
	return nil
}

func (f *fakeBackend) Collections(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for n := range f.colls {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeBackend) Bulk(_ context.Context, actions []Action, _ bool) ([]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBulk != nil {
		actions = actions[:min(f.commitBeforeFail, len(actions))]
	}
	errs := make([]error, len(actions))
	for i, a := range actions {
		if a.Body["bad"] == true {
			errs[i] = fmt.Errorf("mapper_parsing_exception: field bad")
			continue
		}
		coll, ok := f.colls[a.Collection]
		if !ok {
			errs[i] = fmt.Errorf("no such collection %s", a.Collection)
			continue
		}
		if existing, ok := coll[a.ID]; ok && a.Upsert {
			coll[a.ID] = document.Merge(existing, a.Body)
			continue
		}
		coll[a.ID] = a.Body.Clone()
	}
	return errs, f.failBulk
}

func (f *fakeBackend) Get(_ context.Context, collection, id string) (document.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.colls[collection][id]
	if !ok {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (f *fakeBackend) Scan(_ context.Context, collection string, q Query, after string, limit int) ([]document.Document, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := slices.Sorted(maps.Keys(f.colls[collection]))
	var out []document.Document
	for _, id := range ids {
		if id <= after {
			continue
		}
		doc := f.colls[collection][id]
		if !matches(doc, q) {
			continue
		}
		out = append(out, doc.Clone())
		if len(out) == limit {
			return out, id, nil
		}
	}
	return out, "", nil
}

func matches(doc document.Document, q Query) bool {
	for k, v := range q.Match {
		if !reflect.DeepEqual(doc[k], v) {
			return false
		}
	}
	return true
}

func (f *fakeBackend) CountBy(_ context.Context, collection, field string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for _, d := range f.colls[collection] {
		out[d.String(field)]++
	}
	return out, nil
}

func (f *fakeBackend) Delete(_ context.Context, collection, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.colls[collection][id]
	delete(f.colls[collection], id)
	return ok, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) count(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.colls[collection])
}

func doc(id string, extra ...any) document.Document {
	d := document.Document{"_id": id, "id": id, "doc_type": "T"}
	for i := 0; i+1 < len(extra); i += 2 {
		d[extra[i].(string)] = extra[i+1]
	}
	return d
}

func batchOfFour() []document.Document {
	return []document.Document{
		doc("1"),
		doc("2", "bad", true),
		doc("3", "bad", true),
		doc("4"),
	}
}

func TestStoreBatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	s := New(fb, keys.Default())

	res, err := s.StoreBatch(ctx, batchOfFour(), StoreOptions{})
	require.NoError(t, err)

	assert.Equal(t, []document.Ref{{DocType: "T", ID: "1"}, {DocType: "T", ID: "4"}}, res.Stored())
	assert.Equal(t, 2, res.Count(Stored))
	assert.Equal(t, 2, res.Count(Diverted))
	assert.Equal(t, 2, fb.count("docflow-default-document-t"))
	assert.Equal(t, 2, fb.count("docflow-default-error-bulk_index"))
}

func TestStoreBatchRaiseOnError(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	s := New(fb, keys.Default())

	res, err := s.StoreBatch(ctx, batchOfFour(), StoreOptions{RaiseOnError: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBulk)

	var bulkErr *BulkError
	require.True(t, errors.As(err, &bulkErr))
	assert.Len(t, bulkErr.Items, 2)
	assert.Equal(t, 2, res.Count(Stored), "valid siblings are still written")
	assert.Equal(t, 2, fb.count("docflow-default-error-bulk_index"))
}

func TestStoreBatchDivertsMissingFields(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	s := New(fb, keys.Default())

	res, err := s.StoreBatch(ctx, []document.Document{
		{"doc_type": "T", "id": "x"},
		doc("ok"),
	}, StoreOptions{RaiseOnError: true})
	require.NoError(t, err, "malformed documents never raise")

	require.Len(t, res.Items, 2)
	assert.Equal(t, Diverted, res.Items[0].Outcome)
	assert.Equal(t, ReasonMissingFields, res.Items[0].Reason)
	assert.Equal(t, Stored, res.Items[1].Outcome)
	assert.Equal(t, 1, fb.count("docflow-default-error-missing_fields"))
}

func TestStoreBatchWholeFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.failBulk = errors.New("connection refused")
	s := New(fb, keys.Default())

	res, err := s.StoreBatch(ctx, []document.Document{doc("1"), doc("2")}, StoreOptions{})
	require.Error(t, err)
	assert.Equal(t, 2, res.Count(Fatal))
	assert.Empty(t, res.Stored())
}

func TestStoreBatchFailureAfterPartialCommit(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.failBulk = errors.New("connection reset")
	fb.commitBeforeFail = 2
	s := New(fb, keys.Default())

	docs := []document.Document{doc("1"), doc("2", "bad", true), doc("3"), doc("4")}
	res, err := s.StoreBatch(ctx, docs, StoreOptions{})
	require.Error(t, err)
	assert.Equal(t, []document.Ref{{DocType: "T", ID: "1"}}, res.Stored())
	assert.Equal(t, 1, res.Count(Diverted))
	assert.Equal(t, 2, res.Count(Fatal))
}

func TestCollectionCache(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	s := New(fb, keys.Default())

	_, err := s.StoreBatch(ctx, []document.Document{doc("1")}, StoreOptions{})
	require.NoError(t, err)
	_, err = s.StoreBatch(ctx, []document.Document{doc("2")}, StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, fb.ensureCalls["docflow-default-document-t"])

	require.NoError(t, s.DeleteIndex(ctx, "T", false))
	_, err = s.StoreBatch(ctx, []document.Document{doc("3")}, StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, fb.ensureCalls["docflow-default-document-t"], "cache is invalidated by DeleteIndex")
	assert.Equal(t, 1, fb.count("docflow-default-document-t"))
}

func TestGetRestoresInternalID(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeBackend(), keys.Default())

	_, err := s.StoreBatch(ctx, []document.Document{doc("1", "_op_type", "update")}, StoreOptions{})
	require.NoError(t, err)

	got, err := s.Get(ctx, "T", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", got["_id"])
	assert.NotContains(t, got, "_op_type")

	missing, err := s.Get(ctx, "T", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ok, err := s.Exists(ctx, "T", "1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpsertKeepsTimestamp(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeBackend(), keys.Default())

	_, err := s.StoreBatch(ctx, []document.Document{doc("1", "@timestamp", "t0", "a", "x")}, StoreOptions{})
	require.NoError(t, err)
	_, err = s.StoreBatch(ctx, []document.Document{doc("1", "@timestamp", "t1", "b", "y", "_op_type", "update")}, StoreOptions{})
	require.NoError(t, err)

	got, err := s.Get(ctx, "T", "1")
	require.NoError(t, err)
	assert.Equal(t, "t0", got["@timestamp"])
	assert.Equal(t, "x", got["a"])
	assert.Equal(t, "y", got["b"])
}

func TestQueryPagesAcrossCollections(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeBackend(), keys.Default())

	var docs []document.Document
	for i := range 5 {
		docs = append(docs, doc(fmt.Sprintf("t%d", i), "color", "red"))
	}
	other := document.Document{"_id": "u1", "id": "u1", "doc_type": "U", "color": "blue"}
	_, err := s.StoreBatch(ctx, append(docs, other), StoreOptions{})
	require.NoError(t, err)

	var ids []string
	for d, err := range s.Query(ctx, AllTypes, Query{}, 2) {
		require.NoError(t, err)
		ids = append(ids, d.ID())
	}
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4", "u1"}, ids)

	var red int
	for _, err := range s.Query(ctx, "T", Query{Match: map[string]any{"color": "red"}}, 3) {
		require.NoError(t, err)
		red++
	}
	assert.Equal(t, 5, red)

	page, cur, err := s.Page(ctx, "T", Query{}, 3, nil)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	require.NotNil(t, cur)
	page, cur, err = s.Page(ctx, "T", Query{}, 3, cur)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Nil(t, cur)
}

func TestDocumentCounts(t *testing.T) {
	ctx := context.Background()
	s := New(newFakeBackend(), keys.Default())

	_, err := s.StoreBatch(ctx, []document.Document{
		doc("1"), doc("2"),
		{"_id": "3", "id": "3", "doc_type": "U"},
	}, StoreOptions{})
	require.NoError(t, err)

	counts, err := s.DocumentCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"T": 2, "U": 1}, counts)
}

func TestFlushThresholds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	fb := newFakeBackend()
	s := New(fb, keys.Default(), WithBuffer(2, 2*time.Second), WithClock(clock))

	assert.False(t, s.IsTimeToFlush(), "empty buffer never flushes")
	s.Enqueue(doc("1"))
	s.Enqueue(doc("2"))
	assert.False(t, s.IsTimeToFlush())
	s.Enqueue(doc("3"))
	assert.True(t, s.IsTimeToFlush(), "size threshold")

	res, err := s.Flush(ctx, StoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Count(Stored))
	assert.Zero(t, s.Buffered())

	s.Enqueue(doc("4"))
	assert.False(t, s.IsTimeToFlush())
	now = now.Add(3 * time.Second)
	assert.True(t, s.IsTimeToFlush(), "time threshold")
}

func TestTimePartitionedCollections(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	names := keys.Default()
	names.TimePartitioned = true
	fb := newFakeBackend()
	s := New(fb, names, WithClock(func() time.Time { return now }))

	_, err := s.StoreBatch(ctx, []document.Document{doc("1")}, StoreOptions{})
	require.NoError(t, err)
	now = now.AddDate(0, 0, 1)
	_, err = s.StoreBatch(ctx, []document.Document{doc("2")}, StoreOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, fb.count("docflow-default-document-t-20240101"))
	assert.Equal(t, 1, fb.count("docflow-default-document-t-20240102"))

	got, err := s.Get(ctx, "T", "1")
	require.NoError(t, err)
	assert.NotNil(t, got)

	counts, err := s.DocumentCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["T"])
}

func TestWriteAnalyticStatus(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	s := New(fb, keys.Default())

	err := s.WriteAnalyticStatus(ctx, document.Document{"analytic_name": "Counter", "analytic_session_id": "s1", "finished": true})
	require.NoError(t, err)
	assert.Equal(t, 1, fb.count("docflow-default-analytic-counter"))

	assert.Error(t, s.WriteAnalyticStatus(ctx, document.Document{"analytic_name": "x"}))
}

// hangingBackend never answers a read or a write until the caller gives up.
type hangingBackend struct{ *fakeBackend }

func (hangingBackend) Get(ctx context.Context, _, _ string) (document.Document, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingBackend) Bulk(ctx context.Context, _ []Action, _ bool) ([]error, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingBackend) Collections(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRequestTimeout(t *testing.T) {
	ctx := context.Background()
	s := New(hangingBackend{newFakeBackend()}, keys.Default(), WithRequestTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := s.Get(ctx, "T", "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	res, err := s.StoreBatch(ctx, []document.Document{doc("1")}, StoreOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, res.Count(Fatal))

	_, err = s.DocumentCounts(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
