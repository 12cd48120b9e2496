package memory

import (
	"context"
	"sync"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// ItemStore is an in-memory default store for ingested items.
type ItemStore struct {
	mu     sync.RWMutex
	hashes map[string]map[string]bool // spiderID -> dedup hash set
	items  map[string][]spider.StoredItem
}

// NewItemStore constructs an ItemStore.
func NewItemStore() *ItemStore {
	return &ItemStore{
		hashes: make(map[string]map[string]bool),
		items:  make(map[string][]spider.StoredItem),
	}
}

// ExistingHashes reports which hashes are already stored for the spider.
func (s *ItemStore) ExistingHashes(_ context.Context, spiderID string, hashes []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(hashes))
	seen := s.hashes[spiderID]
	for _, h := range hashes {
		if seen[h] {
			out[h] = true
		}
	}
	return out, nil
}

// InsertItems stores the items and records their hashes.
func (s *ItemStore) InsertItems(_ context.Context, spiderID, _ string, items []spider.StoredItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.hashes[spiderID]
	if seen == nil {
		seen = make(map[string]bool)
		s.hashes[spiderID] = seen
	}
	for _, it := range items {
		seen[it.Hash] = true
	}
	s.items[spiderID] = append(s.items[spiderID], items...)
	return nil
}

// Items returns everything stored for a spider. Test helper.
func (s *ItemStore) Items(spiderID string) []spider.StoredItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]spider.StoredItem, len(s.items[spiderID]))
	copy(out, s.items[spiderID])
	return out
}
