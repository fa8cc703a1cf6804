// Package pgstore is a Postgres store.Backend.
//
// Records live in one table (default "cart_records") keyed by record key.
// The quota check and the upsert run in the same transaction, so two
// writers cannot both squeeze under the limit.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/cartengine/internal/store"
)

// DefaultTable is the table used when WithTable is not given.
const DefaultTable = "cart_records"

// Tx is the subset of pgx.Tx the backend uses.
type Tx interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DBPool matches the methods from *pgxpool.Pool that we use.
// This allows us to mock the database in tests.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (Tx, error)
}

type poolAdapter struct {
	*pgxpool.Pool
}

func (p poolAdapter) BeginTx(ctx context.Context, opts pgx.TxOptions) (Tx, error) {
	return p.Pool.BeginTx(ctx, opts)
}

// FromPool adapts a pgxpool.Pool.
func FromPool(pool *pgxpool.Pool) DBPool {
	return poolAdapter{Pool: pool}
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Backend stores cart records in Postgres.
type Backend struct {
	pool    DBPool
	table   string
	quota   int64
	builder squirrel.StatementBuilderType
}

// Option configures a Backend.
type Option func(*Backend)

// WithTable overrides the table name.
func WithTable(name string) Option {
	return func(b *Backend) {
		if name != "" {
			b.table = name
		}
	}
}

// WithQuota limits the total size of stored values in bytes. Zero means
// unlimited.
func WithQuota(bytes int64) Option {
	return func(b *Backend) {
		b.quota = bytes
	}
}

// New creates a backend on pool.
func New(pool DBPool, opts ...Option) *Backend {
	b := &Backend{
		pool:    pool,
		table:   DefaultTable,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ store.Backend = (*Backend)(nil)

// EnsureSchema creates the records table if it does not exist.
func (b *Backend) EnsureSchema(ctx context.Context) error {
	_, err := b.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key        TEXT        PRIMARY KEY,
			value      BYTEA       NOT NULL,
			size       BIGINT      NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, pgx.Identifier{b.table}.Sanitize()))
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query, args, err := b.builder.
		Select("value").
		From(b.table).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build get: %w", err)
	}

	var value []byte
	if err := b.pool.QueryRow(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if b.quota > 0 {
		query, args, err := b.builder.
			Select("COALESCE(SUM(size), 0)::bigint").
			From(b.table).
			Where(squirrel.NotEq{"key": key}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build usage: %w", err)
		}
		var used int64
		if err := tx.QueryRow(ctx, query, args...).Scan(&used); err != nil {
			return fmt.Errorf("measure usage: %w", err)
		}
		if used+int64(len(value)) > b.quota {
			return store.ErrQuotaExceeded
		}
	}

	query, args, err := b.builder.
		Insert(b.table).
		Columns("key", "value", "size", "updated_at").
		Values(key, value, int64(len(value)), squirrel.Expr("now()")).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, size = EXCLUDED.size, updated_at = EXCLUDED.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build put: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	query, args, err := b.builder.
		Delete(b.table).
		Where(squirrel.Eq{"key": key}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := b.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (b *Backend) Keys(ctx context.Context, prefix string) ([]string, error) {
	query, args, err := b.builder.
		Select("COALESCE(array_agg(key ORDER BY key), '{}')").
		From(b.table).
		Where(squirrel.Like{"key": escapeLike(prefix) + "%"}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build keys: %w", err)
	}
	var keys []string
	if err := b.pool.QueryRow(ctx, query, args...).Scan(&keys); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally in a LIKE pattern (default escape
// character is backslash).
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
