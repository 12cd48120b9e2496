package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlhub/crawlhub/internal/spider"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresWriter writes ingested items into an external Postgres datasource.
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter connects to the datasource URI.
func NewPostgresWriter(ctx context.Context, ds spider.DataSource) (spider.Writer, error) {
	pool, err := pgxpool.New(ctx, ds.URI)
	if err != nil {
		return nil, fmt.Errorf("connect external postgres: %w", err)
	}
	return &PostgresWriter{pool: pool}, nil
}

// WriteItems inserts each item's payload as a JSONB row.
func (w *PostgresWriter) WriteItems(ctx context.Context, table string, items []spider.Item) error {
	if err := checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (payload) VALUES ($1)`, table)
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item: %w", err)
		}
		if _, err := w.pool.Exec(ctx, query, payload); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

// ReadItems returns up to limit recent items from the table.
func (w *PostgresWriter) ReadItems(ctx context.Context, table string, limit int) ([]spider.Item, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT payload FROM %s ORDER BY id DESC LIMIT $1`, table)
	rows, err := w.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select from %s: %w", table, err)
	}
	defer rows.Close()

	var out []spider.Item
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		var item spider.Item
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

// EnsureTable creates the target table if it does not exist.
func (w *PostgresWriter) EnsureTable(ctx context.Context, table string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, table)
	if _, err := w.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}
	return nil
}

// TestConnection pings the datasource.
func (w *PostgresWriter) TestConnection(ctx context.Context) error {
	if err := w.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping external postgres: %w", err)
	}
	return nil
}

// CreateDatabase creates the named database, tolerating an existing one.
func (w *PostgresWriter) CreateDatabase(ctx context.Context, name string) error {
	if err := checkTable(name); err != nil {
		return err
	}
	if _, err := w.pool.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s`, name)); err != nil {
		var pgErr *pgconn.PgError
		// 42P04: duplicate_database
		if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
			return nil
		}
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// Close releases the connection pool.
func (w *PostgresWriter) Close(_ context.Context) error {
	w.pool.Close()
	return nil
}

func checkTable(table string) error {
	if !validTableName.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}
