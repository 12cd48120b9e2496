package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// SpiderStore reads crawler definitions owned by the admin console.
type SpiderStore struct {
	pool dbConn
}

// NewSpiderStore constructs a SpiderStore from an existing pool.
func NewSpiderStore(pool dbConn) *SpiderStore {
	return &SpiderStore{pool: pool}
}

const spiderColumns = `id, name, cron, is_active, dedup_fields, max_retries`

// Get fetches a spider by ID.
func (s *SpiderStore) Get(ctx context.Context, spiderID string) (spider.Spider, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+spiderColumns+` FROM spiders WHERE id = $1`, spiderID)
	sp, err := scanSpider(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return spider.Spider{}, spider.ErrSpiderNotFound
	}
	if err != nil {
		return spider.Spider{}, fmt.Errorf("get spider: %w", err)
	}
	return sp, nil
}

// List returns all spiders.
func (s *SpiderStore) List(ctx context.Context) ([]spider.Spider, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+spiderColumns+` FROM spiders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list spiders: %w", err)
	}
	defer rows.Close()
	return collectSpiders(rows)
}

// ListScheduled returns active spiders with a non-empty cron expression.
func (s *SpiderStore) ListScheduled(ctx context.Context) ([]spider.Spider, error) {
	query := `SELECT ` + spiderColumns + ` FROM spiders WHERE is_active AND cron <> ''`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list scheduled spiders: %w", err)
	}
	defer rows.Close()
	return collectSpiders(rows)
}

func scanSpider(row pgx.Row) (spider.Spider, error) {
	var sp spider.Spider
	err := row.Scan(&sp.ID, &sp.Name, &sp.Cron, &sp.IsActive, &sp.DedupFields, &sp.MaxRetries)
	if err != nil {
		return spider.Spider{}, err
	}
	return sp, nil
}

func collectSpiders(rows pgx.Rows) ([]spider.Spider, error) {
	var out []spider.Spider
	for rows.Next() {
		sp, err := scanSpider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan spider: %w", err)
		}
		out = append(out, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spiders: %w", err)
	}
	return out, nil
}
