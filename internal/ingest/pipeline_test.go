package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/spider"
	"github.com/crawlhub/crawlhub/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

// fakeWriter records writes and optionally fails them. It also tracks the
// maximum number of concurrent WriteItems calls across all fakeWriters
// sharing the same gauge.
type fakeWriter struct {
	mu      sync.Mutex
	written int
	tables  map[string]bool
	fail    bool
	gauge   *concurrencyGauge
}

type concurrencyGauge struct {
	mu      sync.Mutex
	current int
	max     int
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	g.current++
	if g.current > g.max {
		g.max = g.current
	}
	g.mu.Unlock()
}

func (g *concurrencyGauge) leave() {
	g.mu.Lock()
	g.current--
	g.mu.Unlock()
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{tables: make(map[string]bool)}
}

func (w *fakeWriter) WriteItems(_ context.Context, table string, items []spider.Item) error {
	if w.gauge != nil {
		w.gauge.enter()
		time.Sleep(5 * time.Millisecond)
		defer w.gauge.leave()
	}
	if w.fail {
		return errors.New("write refused")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written += len(items)
	return nil
}

func (w *fakeWriter) ReadItems(context.Context, string, int) ([]spider.Item, error) {
	return nil, nil
}

func (w *fakeWriter) EnsureTable(_ context.Context, table string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[table] = true
	return nil
}

func (w *fakeWriter) TestConnection(context.Context) error         { return nil }
func (w *fakeWriter) CreateDatabase(context.Context, string) error { return nil }
func (w *fakeWriter) Close(context.Context) error                  { return nil }

func (w *fakeWriter) totalWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// fakeProvider maps datasource IDs to pre-built writers.
type fakeProvider struct {
	writers map[string]*fakeWriter
}

func (p *fakeProvider) Writer(_ context.Context, ds spider.DataSource) (spider.Writer, error) {
	w, ok := p.writers[ds.ID]
	if !ok {
		return nil, fmt.Errorf("unknown datasource %q", ds.ID)
	}
	return w, nil
}

type pipelineFixture struct {
	tasks    *memory.TaskStore
	spiders  *memory.SpiderStore
	sources  *memory.DataSourceStore
	items    *memory.ItemStore
	provider *fakeProvider
	archive  *memory.BlobStore
}

func newFixture(t *testing.T, fanout int, withArchive bool) (*Pipeline, *pipelineFixture) {
	t.Helper()
	f := &pipelineFixture{
		tasks:    memory.NewTaskStore(),
		spiders:  memory.NewSpiderStore(),
		sources:  memory.NewDataSourceStore(),
		items:    memory.NewItemStore(),
		provider: &fakeProvider{writers: make(map[string]*fakeWriter)},
	}
	opts := Options{}
	if withArchive {
		f.archive = memory.NewBlobStore()
		opts.Archive = f.archive
		opts.ArchivePrefix = "batches"
	}
	p := New(f.tasks, f.spiders, f.sources, f.items, f.provider, &seqIDs{}, fanout, zap.NewNop(), opts)
	return p, f
}

func seedRunningTask(f *pipelineFixture, taskID, spiderID string, dedupFields []string) {
	started := time.Now().Add(-time.Minute)
	f.spiders.Put(spider.Spider{ID: spiderID, Name: spiderID, IsActive: true, DedupFields: dedupFields})
	f.tasks.Seed(spider.Task{
		ID:        taskID,
		SpiderID:  spiderID,
		Status:    spider.TaskStatusRunning,
		StartedAt: &started,
	})
}

func TestIngest_UnknownTask(t *testing.T) {
	t.Parallel()

	p, _ := newFixture(t, 5, false)

	_, err := p.Ingest(context.Background(), "missing", "s1", []spider.Item{{"url": "u"}})
	require.ErrorIs(t, err, spider.ErrTaskNotFound)
}

func TestIngest_SpiderMismatch(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	seedRunningTask(f, "t1", "s1", nil)

	_, err := p.Ingest(context.Background(), "t1", "other", []spider.Item{{"url": "u"}})
	require.ErrorIs(t, err, spider.ErrSpiderMismatch)
}

func TestIngest_TaskNotRunning(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	f.spiders.Put(spider.Spider{ID: "s1"})
	f.tasks.Seed(spider.Task{ID: "t1", SpiderID: "s1", Status: spider.TaskStatusPending})

	_, err := p.Ingest(context.Background(), "t1", "s1", []spider.Item{{"url": "u"}})
	require.ErrorIs(t, err, spider.ErrTaskNotRunning)
}

func TestIngest_EmptyBatchIsNoOp(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	seedRunningTask(f, "t1", "s1", nil)

	res, err := p.Ingest(context.Background(), "t1", "s1", nil)
	require.NoError(t, err)
	require.Zero(t, res.Accepted)

	task, err := f.tasks.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Zero(t, task.TotalCount)
}

func TestIngest_DefaultModeDeduplicatesAcrossBatches(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	seedRunningTask(f, "t1", "s1", []string{"url"})
	ctx := context.Background()

	batch := []spider.Item{
		{"url": "https://example.com/a", "title": "A"},
		{"url": "https://example.com/b", "title": "B"},
	}

	res, err := p.Ingest(ctx, "t1", "s1", batch)
	require.NoError(t, err)
	require.Equal(t, ModeDefault, res.Mode)
	require.Equal(t, 2, res.Accepted)
	require.Zero(t, res.Deduplicated)

	// Same urls with different titles still hash identically.
	rerun := []spider.Item{
		{"url": "https://example.com/a", "title": "A v2"},
		{"url": "https://example.com/b", "title": "B v2"},
		{"url": "https://example.com/c", "title": "C"},
	}
	res, err = p.Ingest(ctx, "t1", "s1", rerun)
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)
	require.Equal(t, 2, res.Deduplicated)

	require.Len(t, f.items.Items("s1"), 3)

	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 3, task.TotalCount)
	require.EqualValues(t, 3, task.SuccessCount)
}

func TestIngest_DefaultModeCollapsesInBatchDuplicates(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	seedRunningTask(f, "t1", "s1", []string{"url"})

	res, err := p.Ingest(context.Background(), "t1", "s1", []spider.Item{
		{"url": "u1"},
		{"url": "u1"},
		{"url": "u2"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Accepted)
	require.Equal(t, 1, res.Deduplicated)
}

func TestIngest_FanoutWritesEveryAssociation(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	seedRunningTask(f, "t1", "s1", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("ds-%d", i)
		f.provider.writers[id] = newFakeWriter()
		f.sources.Associate("s1", spider.Association{
			DataSource:  spider.DataSource{ID: id, Type: "postgres", Status: "active"},
			TargetTable: "results",
			Enabled:     true,
		})
	}

	res, err := p.Ingest(ctx, "t1", "s1", []spider.Item{{"url": "u1"}, {"url": "u2"}})
	require.NoError(t, err)
	require.Equal(t, ModeFanout, res.Mode)
	require.Equal(t, 2, res.Accepted)
	require.Zero(t, res.WriteErrors)

	for id, w := range f.provider.writers {
		require.Equal(t, 2, w.totalWritten(), "writer %s", id)
		require.True(t, w.tables["results"])
	}

	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 2, task.TotalCount)
}

func TestIngest_FanoutToleratesPartialFailure(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	seedRunningTask(f, "t1", "s1", nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("ds-%d", i)
		w := newFakeWriter()
		w.fail = i == 2
		f.provider.writers[id] = w
		f.sources.Associate("s1", spider.Association{
			DataSource:  spider.DataSource{ID: id, Type: "mongo", Status: "active"},
			TargetTable: "results",
			Enabled:     true,
		})
	}

	res, err := p.Ingest(ctx, "t1", "s1", []spider.Item{{"url": "u1"}})
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)
	require.Equal(t, 1, res.WriteErrors)

	for i, id := range []string{"ds-0", "ds-1", "ds-2", "ds-3", "ds-4"} {
		want := 1
		if i == 2 {
			want = 0
		}
		require.Equal(t, want, f.provider.writers[id].totalWritten(), "writer %s", id)
	}

	// Counters advance even when one datasource rejected the batch.
	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 1, task.TotalCount)
}

func TestIngest_FanoutSkipsDisabledAndInactive(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	seedRunningTask(f, "t1", "s1", []string{"url"})
	ctx := context.Background()

	f.sources.Associate("s1", spider.Association{
		DataSource:  spider.DataSource{ID: "off", Type: "postgres", Status: "active"},
		TargetTable: "results",
		Enabled:     false,
	})
	f.sources.Associate("s1", spider.Association{
		DataSource:  spider.DataSource{ID: "down", Type: "postgres", Status: "error"},
		TargetTable: "results",
		Enabled:     true,
	})

	// With no eligible association the batch routes to the default store.
	res, err := p.Ingest(ctx, "t1", "s1", []spider.Item{{"url": "u1"}})
	require.NoError(t, err)
	require.Equal(t, ModeDefault, res.Mode)
	require.Len(t, f.items.Items("s1"), 1)
}

func TestIngest_ConcurrentBatchesCountExactly(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, false)
	seedRunningTask(f, "t1", "s1", []string{"url"})
	ctx := context.Background()

	const batches = 10
	const perBatch = 5
	var wg sync.WaitGroup
	errs := make(chan error, batches)
	for b := 0; b < batches; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			batch := make([]spider.Item, perBatch)
			for i := range batch {
				batch[i] = spider.Item{"url": fmt.Sprintf("u-%d-%d", b, i)}
			}
			_, err := p.Ingest(ctx, "t1", "s1", batch)
			errs <- err
		}(b)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	task, err := f.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	require.EqualValues(t, batches*perBatch, task.TotalCount)
	require.EqualValues(t, batches*perBatch, task.SuccessCount)
}

func TestIngest_FanoutConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 2, false)
	seedRunningTask(f, "t1", "s1", nil)
	gauge := &concurrencyGauge{}

	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("ds-%d", i)
		w := newFakeWriter()
		w.gauge = gauge
		f.provider.writers[id] = w
		f.sources.Associate("s1", spider.Association{
			DataSource:  spider.DataSource{ID: id, Type: "postgres", Status: "active"},
			TargetTable: "results",
			Enabled:     true,
		})
	}

	_, err := p.Ingest(context.Background(), "t1", "s1", []spider.Item{{"url": "u1"}})
	require.NoError(t, err)
	require.LessOrEqual(t, gauge.max, 2)
}

func TestIngest_ArchivesRawBatch(t *testing.T) {
	t.Parallel()

	p, f := newFixture(t, 5, true)
	seedRunningTask(f, "t1", "s1", []string{"url"})

	_, err := p.Ingest(context.Background(), "t1", "s1", []spider.Item{{"url": "u1"}})
	require.NoError(t, err)

	require.Equal(t, 1, f.archive.Len())
	data, ok := f.archive.Get("batches/t1/id-1.json")
	require.True(t, ok)
	require.Contains(t, string(data), "u1")
}
