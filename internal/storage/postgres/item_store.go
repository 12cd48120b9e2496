package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// ItemStore is the Postgres default store for ingested items.
//
// Deduplication is a best-effort existence check, not a unique constraint:
// two concurrent batches carrying the same new item can both pass
// ExistingHashes before either insert lands. That rare duplicate is accepted.
type ItemStore struct {
	pool dbConn
}

// NewItemStore constructs an ItemStore from an existing pool.
func NewItemStore(pool dbConn) *ItemStore {
	return &ItemStore{pool: pool}
}

// ExistingHashes reports which of the given dedup hashes already exist for
// the spider.
func (s *ItemStore) ExistingHashes(ctx context.Context, spiderID string, hashes []string) (map[string]bool, error) {
	if len(hashes) == 0 {
		return map[string]bool{}, nil
	}
	query := `SELECT DISTINCT dedup_hash FROM items WHERE spider_id = $1 AND dedup_hash = ANY($2)`
	rows, err := s.pool.Query(ctx, query, spiderID, hashes)
	if err != nil {
		return nil, fmt.Errorf("query existing hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool, len(hashes))
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		out[h] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hashes: %w", err)
	}
	return out, nil
}

// InsertItems stores the items with their dedup hashes.
func (s *ItemStore) InsertItems(ctx context.Context, spiderID, taskID string, items []spider.StoredItem) error {
	query := `INSERT INTO items (spider_id, task_id, dedup_hash, payload) VALUES ($1, $2, $3, $4)`
	for _, it := range items {
		payload, err := json.Marshal(it.Payload)
		if err != nil {
			return fmt.Errorf("marshal item payload: %w", err)
		}
		if _, err := s.pool.Exec(ctx, query, spiderID, taskID, it.Hash, payload); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
	}
	return nil
}
