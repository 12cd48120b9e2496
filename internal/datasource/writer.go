// Package datasource provides the per-backend writer implementations used by
// ingestion fan-out. Each writer owns its connection lifecycle and schema
// bootstrap.
package datasource

import (
	"context"
	"fmt"
	"sync"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// Factory opens a writer for a datasource.
type Factory func(ctx context.Context, ds spider.DataSource) (spider.Writer, error)

// Registry maps datasource types to writer factories and caches open writers
// per datasource id.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	writers   map[string]spider.Writer
}

// NewRegistry constructs a Registry with the built-in writer types.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		writers:   make(map[string]spider.Writer),
	}
	r.Register("postgres", NewPostgresWriter)
	r.Register("mongo", NewMongoWriter)
	return r
}

// Register adds a factory for a datasource type.
func (r *Registry) Register(dsType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[dsType] = factory
}

// Writer returns an open writer for the datasource, creating one on first
// use.
func (r *Registry) Writer(ctx context.Context, ds spider.DataSource) (spider.Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[ds.ID]; ok {
		return w, nil
	}
	factory, ok := r.factories[ds.Type]
	if !ok {
		return nil, fmt.Errorf("unknown datasource type %q", ds.Type)
	}
	w, err := factory(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("open %s writer: %w", ds.Type, err)
	}
	r.writers[ds.ID] = w
	return w, nil
}

// Close closes every cached writer.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, w := range r.writers {
		_ = w.Close(ctx)
		delete(r.writers, id)
	}
}
