// Package badger is an embedded docstore.Backend on BadgerDB. Documents are
// stored under c/<collection>/<id> as msgpack; collection settings under
// m/<collection>.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/vmihailenco/msgpack/v5"

	"docflow/internal/docstore"
	"docflow/internal/document"
)

const (
	docPrefix  = "c/"
	metaPrefix = "m/"
)

var errNoCollection = errors.New("collection does not exist")

// Backend wraps a BadgerDB instance.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ docstore.Backend = (*Backend)(nil)

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(strings.TrimSpace(fmt.Sprintf(msg, items...)))
}

// Open opens a database at dir, creating it if needed. An empty dir opens
// an in-memory database.
func Open(dir string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger")

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		info, err := os.Stat(dir)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%s is not a directory", dir)
		}
		opts = badger.DefaultOptions(dir)
	}
	return open(opts, logger)
}

func open(opts badger.Options, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default().With("component", "badger")
	}
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Backend{db: db, logger: logger}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func docKey(collection, id string) []byte {
	return []byte(docPrefix + collection + "/" + id)
}

func collPrefix(collection string) []byte {
	return []byte(docPrefix + collection + "/")
}

func metaKey(collection string) []byte {
	return []byte(metaPrefix + collection)
}

func encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeDoc(val []byte) (document.Document, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(val, &m); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}
	return document.Document(m), nil
}

func (b *Backend) EnsureCollection(_ context.Context, name string, settings map[string]any) error {
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if settings == nil {
			settings = map[string]any{}
		}
		val, err := encode(settings)
		if err != nil {
			return err
		}
		return txn.Set(metaKey(name), val)
	})
}

func (b *Backend) DropCollection(_ context.Context, name string) error {
	if err := b.db.DropPrefix(collPrefix(name)); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(name))
	})
}

func (b *Backend) Collections(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(metaPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			out = append(out, strings.TrimPrefix(string(it.Item().Key()), metaPrefix))
		}
		return nil
	})
	return out, err
}

func (b *Backend) settings(txn *badger.Txn, collection string) (map[string]any, error) {
	item, err := txn.Get(metaKey(collection))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errNoCollection
	}
	if err != nil {
		return nil, err
	}
	var settings map[string]any
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &settings)
	})
	return settings, err
}

// Bulk writes actions in as few transactions as badger allows. Writes are
// visible as soon as Bulk returns, so refresh needs no extra work. When a
// transaction fills up it is committed and a new one started; a later failure
// then returns the results of the committed prefix with the error.
func (b *Backend) Bulk(ctx context.Context, actions []docstore.Action, _ bool) ([]error, error) {
	errs := make([]error, len(actions))
	committed := 0
	txn := b.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for i, a := range actions {
		if err := ctx.Err(); err != nil {
			return errs[:committed], err
		}
		err := b.apply(txn, a)
		if errors.Is(err, badger.ErrTxnTooBig) {
			if err := txn.Commit(); err != nil {
				return errs[:committed], err
			}
			committed = i
			txn = b.db.NewTransaction(true)
			err = b.apply(txn, a)
		}
		if err != nil && !isItemError(err) {
			return errs[:committed], err
		}
		errs[i] = err
	}
	if err := txn.Commit(); err != nil {
		return errs[:committed], err
	}
	return errs, nil
}

type itemError struct{ err error }

func (e itemError) Error() string { return e.err.Error() }
func (e itemError) Unwrap() error { return e.err }

func isItemError(err error) bool {
	var ie itemError
	return errors.As(err, &ie)
}

func (b *Backend) apply(txn *badger.Txn, a docstore.Action) error {
	settings, err := b.settings(txn, a.Collection)
	if errors.Is(err, errNoCollection) {
		return itemError{fmt.Errorf("%s: %w", a.Collection, err)}
	}
	if err != nil {
		return err
	}

	body, err := document.Normalize(a.Body)
	if err != nil {
		return itemError{err}
	}
	key := docKey(a.Collection, a.ID)
	if a.Upsert {
		existing, err := getDoc(txn, key)
		if err != nil {
			return err
		}
		if existing != nil {
			body = document.Merge(existing, body)
		}
	}
	if err := docstore.CheckRequired(settings, body); err != nil {
		return itemError{err}
	}
	val, err := encode(map[string]any(body))
	if err != nil {
		return itemError{err}
	}
	return txn.Set(key, val)
}

func getDoc(txn *badger.Txn, key []byte) (document.Document, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc document.Document
	err = item.Value(func(val []byte) error {
		var err error
		doc, err = decodeDoc(val)
		return err
	})
	return doc, err
}

func (b *Backend) Get(_ context.Context, collection, id string) (document.Document, error) {
	var doc document.Document
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getDoc(txn, docKey(collection, id))
		return err
	})
	return doc, err
}

func (b *Backend) Scan(ctx context.Context, collection string, q docstore.Query, after string, limit int) ([]document.Document, string, error) {
	match, err := normalizeMatch(q.Match)
	if err != nil {
		return nil, "", err
	}

	var (
		out  []document.Document
		next string
	)
	prefix := collPrefix(collection)
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		start := prefix
		if after != "" {
			start = docKey(collection, after)
		}
		for it.Seek(start); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			if after != "" && bytes.Equal(key, start) {
				continue
			}
			doc, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			if !matches(doc, match) {
				continue
			}
			out = append(out, doc)
			if len(out) == limit {
				next = string(key[len(prefix):])
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, next, nil
}

func decodeItem(item *badger.Item) (document.Document, error) {
	var doc document.Document
	err := item.Value(func(val []byte) error {
		var err error
		doc, err = decodeDoc(val)
		return err
	})
	return doc, err
}

func normalizeMatch(m map[string]any) (document.Document, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return document.Normalize(document.Document(m))
}

// matches compares top-level fields. Both sides are normalized, so numbers
// are float64 and nested values are plain maps and slices.
func matches(doc, match document.Document) bool {
	for k, want := range match {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func (b *Backend) CountBy(ctx context.Context, collection, field string) (map[string]int64, error) {
	out := map[string]int64{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = collPrefix(collection)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := decodeItem(it.Item())
			if err != nil {
				return err
			}
			out[doc.String(field)]++
		}
		return nil
	})
	return out, err
}

func (b *Backend) Delete(_ context.Context, collection, id string) (bool, error) {
	deleted := false
	err := b.db.Update(func(txn *badger.Txn) error {
		key := docKey(collection, id)
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		return txn.Delete(key)
	})
	return deleted, err
}
