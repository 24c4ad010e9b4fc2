// Package postgres is a docstore.Backend on PostgreSQL. Each collection is a
// table of (id, body jsonb); a registry table records collections and their
// settings.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"docflow/internal/docstore"
	"docflow/internal/document"
)

const (
	registryTable = "docflow_collections"
	// undefinedTable is the SQLSTATE for a missing relation.
	undefinedTable = "42P01"
)

// Backend stores collections in PostgreSQL.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ docstore.Backend = (*Backend)(nil)

// Open connects to dsn and creates the collection registry.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b := &Backend{pool: pool, logger: logger.With("component", "postgres")}

	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+registryTable+` (
		name text PRIMARY KEY,
		settings jsonb NOT NULL DEFAULT '{}'::jsonb,
		created_at timestamptz NOT NULL DEFAULT now()
	)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create collection registry: %w", err)
	}
	b.logger.Info("connected to postgres")
	return b, nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

func table(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}

func (b *Backend) EnsureCollection(ctx context.Context, name string, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id text PRIMARY KEY,
				body jsonb NOT NULL,
				updated_at timestamptz NOT NULL DEFAULT now()
			)`, table(name)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING gin (body jsonb_path_ops)`,
				pgx.Identifier{name + "_body_idx"}.Sanitize(), table(name)),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO `+registryTable+` (name, settings) VALUES ($1, $2::jsonb) ON CONFLICT (name) DO NOTHING`,
			name, string(raw))
		return err
	})
}

func (b *Backend) DropCollection(ctx context.Context, name string) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DROP TABLE IF EXISTS `+table(name)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM `+registryTable+` WHERE name = $1`, name)
		return err
	})
}

func (b *Backend) Collections(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT name FROM `+registryTable+` WHERE left(name, length($1)) = $1 ORDER BY name`, prefix)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (b *Backend) settings(ctx context.Context, tx pgx.Tx, collection string) (map[string]any, bool, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `SELECT settings FROM `+registryTable+` WHERE name = $1`, collection).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, false, err
	}
	return settings, true, nil
}

// Bulk runs every action in one transaction, each under its own savepoint so
// a rejected document does not abort its siblings. Committed rows are
// visible immediately, so refresh needs no extra work.
func (b *Backend) Bulk(ctx context.Context, actions []docstore.Action, _ bool) ([]error, error) {
	errs := make([]error, len(actions))
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		cache := map[string]map[string]any{}
		for i, a := range actions {
			settings, ok := cache[a.Collection]
			if !ok {
				s, exists, err := b.settings(ctx, tx, a.Collection)
				if err != nil {
					return err
				}
				if !exists {
					errs[i] = fmt.Errorf("%s: collection does not exist", a.Collection)
					continue
				}
				settings = s
				cache[a.Collection] = s
			}
			if err := docstore.CheckRequired(settings, a.Body); err != nil && !a.Upsert {
				errs[i] = err
				continue
			}
			errs[i] = b.write(ctx, tx, a, settings)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return errs, nil
}

func (b *Backend) write(ctx context.Context, tx pgx.Tx, a docstore.Action, settings map[string]any) error {
	raw, err := json.Marshal(map[string]any(a.Body))
	if err != nil {
		return err
	}

	sp, err := tx.Begin(ctx)
	if err != nil {
		return err
	}
	t := table(a.Collection)
	var sql string
	if a.Upsert {
		// Merge into the stored body, keeping its @timestamp.
		sql = fmt.Sprintf(`INSERT INTO %s AS t (id, body) VALUES ($1, $2::jsonb)
			ON CONFLICT (id) DO UPDATE SET
				body = t.body || EXCLUDED.body || jsonb_strip_nulls(jsonb_build_object('@timestamp', t.body->'@timestamp')),
				updated_at = now()
			RETURNING body`, t)
	} else {
		sql = fmt.Sprintf(`INSERT INTO %s AS t (id, body) VALUES ($1, $2::jsonb)
			ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()
			RETURNING body`, t)
	}

	var stored []byte
	if err := sp.QueryRow(ctx, sql, a.ID, string(raw)).Scan(&stored); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	if a.Upsert {
		merged, err := document.Decode(stored)
		if err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
		if err := docstore.CheckRequired(settings, merged); err != nil {
			_ = sp.Rollback(ctx)
			return err
		}
	}
	return sp.Commit(ctx)
}

func (b *Backend) Get(ctx context.Context, collection, id string) (document.Document, error) {
	var raw []byte
	err := b.pool.QueryRow(ctx, `SELECT body FROM `+table(collection)+` WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return document.Decode(raw)
}

func (b *Backend) Scan(ctx context.Context, collection string, q docstore.Query, after string, limit int) ([]document.Document, string, error) {
	match := q.Match
	if match == nil {
		match = map[string]any{}
	}
	raw, err := json.Marshal(match)
	if err != nil {
		return nil, "", err
	}

	rows, err := b.pool.Query(ctx,
		`SELECT id, body FROM `+table(collection)+` WHERE body @> $1::jsonb AND id > $2 ORDER BY id LIMIT $3`,
		string(raw), after, limit)
	if isUndefinedTable(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var (
		out    []document.Document
		lastID string
	)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&lastID, &body); err != nil {
			return nil, "", err
		}
		doc, err := document.Decode(body)
		if err != nil {
			return nil, "", err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(out) < limit {
		return out, "", nil
	}
	return out, lastID, nil
}

func (b *Backend) CountBy(ctx context.Context, collection, field string) (map[string]int64, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT coalesce(body->>$1, ''), count(*) FROM `+table(collection)+` GROUP BY 1`, field)
	if isUndefinedTable(err) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil && !isUndefinedTable(err) {
		return nil, err
	}
	return out, nil
}

func (b *Backend) Delete(ctx context.Context, collection, id string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM `+table(collection)+` WHERE id = $1`, id)
	if isUndefinedTable(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
