package memory

import (
	"context"
	"sync"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// SpiderStore is an in-memory spider.SpiderStore.
type SpiderStore struct {
	mu      sync.RWMutex
	spiders map[string]spider.Spider
	order   []string
}

// NewSpiderStore constructs a SpiderStore.
func NewSpiderStore() *SpiderStore {
	return &SpiderStore{spiders: make(map[string]spider.Spider)}
}

// Put inserts or replaces a spider definition.
func (s *SpiderStore) Put(sp spider.Spider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spiders[sp.ID]; !ok {
		s.order = append(s.order, sp.ID)
	}
	s.spiders[sp.ID] = sp
}

// Get fetches a spider by ID.
func (s *SpiderStore) Get(_ context.Context, spiderID string) (spider.Spider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spiders[spiderID]
	if !ok {
		return spider.Spider{}, spider.ErrSpiderNotFound
	}
	return sp, nil
}

// List returns all spiders in insertion order.
func (s *SpiderStore) List(_ context.Context) ([]spider.Spider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]spider.Spider, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.spiders[id])
	}
	return out, nil
}

// ListScheduled returns active spiders with a non-empty cron expression.
func (s *SpiderStore) ListScheduled(_ context.Context) ([]spider.Spider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []spider.Spider
	for _, id := range s.order {
		sp := s.spiders[id]
		if sp.IsActive && sp.Cron != "" {
			out = append(out, sp)
		}
	}
	return out, nil
}
