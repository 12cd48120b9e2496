package memory

import (
	"context"
	"sync"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// DataSourceStore is an in-memory spider.DataSourceStore.
type DataSourceStore struct {
	mu           sync.RWMutex
	associations map[string][]spider.Association // spiderID -> associations
}

// NewDataSourceStore constructs a DataSourceStore.
func NewDataSourceStore() *DataSourceStore {
	return &DataSourceStore{associations: make(map[string][]spider.Association)}
}

// Associate attaches an association to a spider.
func (s *DataSourceStore) Associate(spiderID string, assoc spider.Association) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.associations[spiderID] = append(s.associations[spiderID], assoc)
}

// ActiveAssociations returns enabled associations with an active datasource.
func (s *DataSourceStore) ActiveAssociations(_ context.Context, spiderID string) ([]spider.Association, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []spider.Association
	for _, a := range s.associations[spiderID] {
		if a.Enabled && a.DataSource.Status == "active" {
			out = append(out, a)
		}
	}
	return out, nil
}
