// Package ingest implements the item ingestion pipeline: validation, routing,
// deduplication and bounded fan-out to associated datasources.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/dedup"
	"github.com/crawlhub/crawlhub/internal/metrics"
	"github.com/crawlhub/crawlhub/internal/spider"
)

// Routing modes reported back to callers and metrics.
const (
	ModeDefault = "default"
	ModeFanout  = "fanout"
)

// WriterProvider opens (or returns a cached) writer for a datasource.
type WriterProvider interface {
	Writer(ctx context.Context, ds spider.DataSource) (spider.Writer, error)
}

// Result summarizes one ingested batch.
type Result struct {
	Mode         string `json:"mode"`
	Accepted     int    `json:"accepted"`
	Deduplicated int    `json:"deduplicated"`
	WriteErrors  int    `json:"write_errors"`
}

// Pipeline accepts item batches from running tasks and routes them to the
// default item store or fans them out to the spider's associated datasources.
type Pipeline struct {
	tasks   spider.TaskStore
	spiders spider.SpiderStore
	sources spider.DataSourceStore
	items   spider.ItemStore
	writers WriterProvider

	// archive is optional; nil disables batch archiving.
	archive       spider.BlobStore
	archivePrefix string

	ids    spider.IDGenerator
	logger *zap.Logger

	fanout int
}

// Options carries the optional pipeline collaborators.
type Options struct {
	Archive       spider.BlobStore
	ArchivePrefix string
}

// New constructs a Pipeline. fanout caps concurrent writer invocations.
func New(
	tasks spider.TaskStore,
	spiders spider.SpiderStore,
	sources spider.DataSourceStore,
	items spider.ItemStore,
	writers WriterProvider,
	ids spider.IDGenerator,
	fanout int,
	logger *zap.Logger,
	opts Options,
) *Pipeline {
	if fanout < 1 {
		fanout = 1
	}
	return &Pipeline{
		tasks:         tasks,
		spiders:       spiders,
		sources:       sources,
		items:         items,
		writers:       writers,
		archive:       opts.Archive,
		archivePrefix: opts.ArchivePrefix,
		ids:           ids,
		logger:        logger,
		fanout:        fanout,
	}
}

// Ingest validates the batch against the task, routes it and bumps the task's
// counters by the number of accepted items. Fan-out write failures are
// tolerated per datasource and surface only in the result and metrics.
func (p *Pipeline) Ingest(ctx context.Context, taskID, spiderID string, batch []spider.Item) (Result, error) {
	task, err := p.tasks.Get(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if task.SpiderID != spiderID {
		return Result{}, spider.ErrSpiderMismatch
	}
	if task.Status != spider.TaskStatusRunning {
		return Result{}, spider.ErrTaskNotRunning
	}
	sp, err := p.spiders.Get(ctx, task.SpiderID)
	if err != nil {
		return Result{}, err
	}
	if len(batch) == 0 {
		return Result{Mode: ModeDefault}, nil
	}

	associations, err := p.sources.ActiveAssociations(ctx, sp.ID)
	if err != nil {
		return Result{}, fmt.Errorf("load datasource associations: %w", err)
	}

	var result Result
	if len(associations) == 0 {
		result, err = p.ingestDefault(ctx, task, sp, batch)
	} else {
		result, err = p.ingestFanout(ctx, task, associations, batch)
	}
	if err != nil {
		return Result{}, err
	}

	if result.Accepted > 0 {
		if err := p.tasks.AddCounts(ctx, task.ID, int64(result.Accepted)); err != nil {
			return Result{}, fmt.Errorf("bump task counters: %w", err)
		}
	}

	p.archiveBatch(ctx, task.ID, batch)
	metrics.ObserveIngest(result.Mode, result.Accepted, result.Deduplicated)
	return result, nil
}

// ingestDefault deduplicates against stored hashes and within the batch, then
// writes the fresh items to the default item store.
func (p *Pipeline) ingestDefault(ctx context.Context, task spider.Task, sp spider.Spider, batch []spider.Item) (Result, error) {
	hashes := make([]string, len(batch))
	for i, item := range batch {
		hashes[i] = dedup.Hash(item, sp.DedupFields)
	}

	existing, err := p.items.ExistingHashes(ctx, sp.ID, hashes)
	if err != nil {
		return Result{}, fmt.Errorf("look up dedup hashes: %w", err)
	}

	seen := make(map[string]bool, len(batch))
	fresh := make([]spider.StoredItem, 0, len(batch))
	for i, item := range batch {
		h := hashes[i]
		if existing[h] || seen[h] {
			continue
		}
		seen[h] = true
		fresh = append(fresh, spider.StoredItem{Hash: h, Payload: item})
	}

	if len(fresh) > 0 {
		if err := p.items.InsertItems(ctx, sp.ID, task.ID, fresh); err != nil {
			return Result{}, fmt.Errorf("insert items: %w", err)
		}
	}

	return Result{
		Mode:         ModeDefault,
		Accepted:     len(fresh),
		Deduplicated: len(batch) - len(fresh),
	}, nil
}

// ingestFanout writes the whole batch to every enabled association, at most
// p.fanout writers at a time. One datasource failing does not block the rest.
func (p *Pipeline) ingestFanout(ctx context.Context, task spider.Task, associations []spider.Association, batch []spider.Item) (Result, error) {
	sem := make(chan struct{}, p.fanout)
	var wg sync.WaitGroup
	var mu sync.Mutex
	failures := 0

	for _, assoc := range associations {
		wg.Add(1)
		sem <- struct{}{}
		go func(assoc spider.Association) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := p.writeAssociation(ctx, assoc, batch); err != nil {
				p.logger.Warn("fan-out write failed",
					zap.String("task_id", task.ID),
					zap.String("datasource_id", assoc.DataSource.ID),
					zap.String("datasource_type", assoc.DataSource.Type),
					zap.String("table", assoc.TargetTable),
					zap.Error(err))
				metrics.ObserveFanoutFailure(assoc.DataSource.Type)
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(assoc)
	}
	wg.Wait()

	return Result{
		Mode:        ModeFanout,
		Accepted:    len(batch),
		WriteErrors: failures,
	}, nil
}

func (p *Pipeline) writeAssociation(ctx context.Context, assoc spider.Association, batch []spider.Item) error {
	w, err := p.writers.Writer(ctx, assoc.DataSource)
	if err != nil {
		return err
	}
	if err := w.EnsureTable(ctx, assoc.TargetTable); err != nil {
		return err
	}
	return w.WriteItems(ctx, assoc.TargetTable, batch)
}

// archiveBatch uploads the raw batch for later replay. Best effort only.
func (p *Pipeline) archiveBatch(ctx context.Context, taskID string, batch []spider.Item) {
	if p.archive == nil {
		return
	}
	batchID, err := p.ids.NewID()
	if err != nil {
		p.logger.Warn("generate archive batch id", zap.Error(err))
		return
	}
	data, err := json.Marshal(batch)
	if err != nil {
		p.logger.Warn("marshal archive batch", zap.Error(err))
		return
	}
	object := fmt.Sprintf("%s/%s/%s.json", p.archivePrefix, taskID, batchID)
	if err := p.archive.Save(ctx, object, data); err != nil {
		p.logger.Warn("archive batch",
			zap.String("object", object),
			zap.Error(err))
	}
}
