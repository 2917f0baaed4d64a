package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresKV implements cluster.KeyValueAccessor on tables of the form
// (key TEXT PRIMARY KEY, value TEXT NOT NULL).
type PostgresKV struct {
	pool *pgxpool.Pool
}

// PostgresOptions configures the connection pool.
type PostgresOptions struct {
	URL            string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

func ConnectPostgres(ctx context.Context, opts PostgresOptions) (*PostgresKV, error) {
	poolConfig, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}

	// N.B. Use QueryExecModeExec because the default uses statement
	// caching, which doesn't work with pgbouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	poolConfig.ConnConfig.ConnectTimeout = 2 * time.Second
	if opts.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = opts.ConnectTimeout
	}
	poolConfig.MaxConns = 4
	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	}
	poolConfig.MinConns = 1
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	return NewPostgresKV(pool), nil
}

func NewPostgresKV(pool *pgxpool.Pool) *PostgresKV {
	return &PostgresKV{pool: pool}
}

func quoteTable(table string) string {
	return pgx.Identifier{table}.Sanitize()
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
)`, quoteTable(table))
}

func upsertSQL(table string) string {
	return fmt.Sprintf(
		`INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		quoteTable(table))
}

// EnsureTable creates the table if it does not exist.
func (p *PostgresKV) EnsureTable(ctx context.Context, table string) error {
	if _, err := p.pool.Exec(ctx, createTableSQL(table)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// DropTable removes the table. Only used for benchmark scratch tables.
func (p *PostgresKV) DropTable(ctx context.Context, table string) error {
	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoteTable(table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

func (p *PostgresKV) Put(ctx context.Context, table, key, value string) error {
	if _, err := p.pool.Exec(ctx, upsertSQL(table), key, value); err != nil {
		return fmt.Errorf("failed to upsert %s in %s: %w", key, table, err)
	}
	return nil
}

func (p *PostgresKV) Get(ctx context.Context, table, key string) (string, bool, error) {
	var value string
	query := fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, quoteTable(table))
	err := p.pool.QueryRow(ctx, query, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s from %s: %w", key, table, err)
	}
	return value, true, nil
}

func (p *PostgresKV) Keys(ctx context.Context, table string) ([]string, error) {
	query := fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, quoteTable(table))
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", table, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan keys of %s: %w", table, err)
	}
	return keys, nil
}

func (p *PostgresKV) Delete(ctx context.Context, table, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, quoteTable(table))
	if _, err := p.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete %s from %s: %w", key, table, err)
	}
	return nil
}

func (p *PostgresKV) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresKV) Close() {
	p.pool.Close()
}
