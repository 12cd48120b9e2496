package proxypool

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/config"
	"github.com/crawlhub/crawlhub/internal/spider"
	"github.com/crawlhub/crawlhub/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestPool(t *testing.T, store *memory.ProxyStore) *Pool {
	t.Helper()
	cfg := config.ProxyConfig{
		MinSuccessRate:      0.5,
		SweepSeconds:        60,
		CheckTimeoutSeconds: 1,
		AcquireRetries:      3,
	}
	return New(store, cfg, fixedClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}, zap.NewNop())
}

func seedProxy(t *testing.T, store *memory.ProxyStore, id string, rate float64, status spider.ProxyStatus) {
	t.Helper()
	err := store.Create(context.Background(), spider.Proxy{
		ID:          id,
		Host:        "10.0.0.1",
		Port:        8080,
		Protocol:    "http",
		Status:      status,
		SuccessRate: rate,
	})
	require.NoError(t, err)
}

func TestAcquire_ReservesProxy(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "p1", 0.9, spider.ProxyStatusActive)
	pool := newTestPool(t, store)

	got, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "p1", got.ID)

	stored, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, spider.ProxyStatusCooldown, stored.Status)

	_, err = pool.Acquire(context.Background(), 0)
	require.ErrorIs(t, err, spider.ErrNoProxyAvailable)
}

func TestAcquire_SkipsLowRateAndInactive(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "low", 0.2, spider.ProxyStatusActive)
	seedProxy(t, store, "dead", 0.9, spider.ProxyStatusInactive)
	seedProxy(t, store, "good", 0.8, spider.ProxyStatusActive)
	pool := newTestPool(t, store)

	got, err := pool.Acquire(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, "good", got.ID)
}

func TestAcquire_PerCallThresholdOverridesDefault(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "p1", 0.6, spider.ProxyStatusActive)
	pool := newTestPool(t, store)
	ctx := context.Background()

	// 0.6 clears the configured 0.5 floor but not a stricter caller's.
	_, err := pool.Acquire(ctx, 0.9)
	require.ErrorIs(t, err, spider.ErrNoProxyAvailable)

	got, err := pool.Acquire(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "p1", got.ID)
}

func TestAcquire_EmptyPool(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, memory.NewProxyStore())

	_, err := pool.Acquire(context.Background(), 0)
	require.ErrorIs(t, err, spider.ErrNoProxyAvailable)
}

func TestAcquire_ConcurrentCallersGetDistinctProxies(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "p1", 0.9, spider.ProxyStatusActive)
	seedProxy(t, store, "p2", 0.9, spider.ProxyStatusActive)
	pool := newTestPool(t, store)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := pool.Acquire(context.Background(), 0)
			if err == nil {
				results <- p.ID
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]int{}
	for id := range results {
		seen[id]++
	}
	require.Len(t, seen, 2)
	require.Equal(t, 1, seen["p1"])
	require.Equal(t, 1, seen["p2"])
}

func TestReport_ThreeStrikesDeactivates(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "p1", 0.10, spider.ProxyStatusActive)
	pool := newTestPool(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, pool.Report(ctx, "p1", false))
	}

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, spider.ProxyStatusInactive, got.Status)
	require.Equal(t, 3, got.FailCount)
	require.InDelta(t, 0.0, got.SuccessRate, 1e-9)
	require.NotNil(t, got.LastCheckAt)
}

func TestReport_SuccessResetsStrikesAndClampsRate(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "p1", 0.995, spider.ProxyStatusActive)
	pool := newTestPool(t, store)
	ctx := context.Background()

	require.NoError(t, pool.Report(ctx, "p1", false))
	require.NoError(t, pool.Report(ctx, "p1", true))

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, got.FailCount)
	require.InDelta(t, 0.955, got.SuccessRate, 1e-9)

	require.NoError(t, pool.Report(ctx, "p1", true))
	require.NoError(t, pool.Report(ctx, "p1", true))
	require.NoError(t, pool.Report(ctx, "p1", true))
	require.NoError(t, pool.Report(ctx, "p1", true))
	require.NoError(t, pool.Report(ctx, "p1", true))

	got, err = store.Get(ctx, "p1")
	require.NoError(t, err)
	require.LessOrEqual(t, got.SuccessRate, 1.0)
}

func TestCheck_ReportsDialOutcome(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "p1", 0.8, spider.ProxyStatusActive)
	pool := newTestPool(t, store)
	pool.SetDialFunc(func(_, _ string, _ time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})

	reachable, err := pool.Check(context.Background(), "p1")
	require.NoError(t, err)
	require.False(t, reachable)

	got, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, 1, got.FailCount)
	require.InDelta(t, 0.75, got.SuccessRate, 1e-9)
}

func TestCheck_UnknownProxy(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, memory.NewProxyStore())

	_, err := pool.Check(context.Background(), "missing")
	require.ErrorIs(t, err, spider.ErrProxyNotFound)
}

func TestCheckAll_CoversEveryProxy(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "p1", 0.8, spider.ProxyStatusActive)
	seedProxy(t, store, "p2", 0.8, spider.ProxyStatusActive)
	pool := newTestPool(t, store)
	pool.SetDialFunc(func(_, addr string, _ time.Duration) (net.Conn, error) {
		return nil, errors.New("unreachable")
	})

	out, err := pool.CheckAll(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.False(t, out["p1"])
	require.False(t, out["p2"])
}

func TestReleaseCooldowns_MakesProxyAcquirableAgain(t *testing.T) {
	t.Parallel()

	store := memory.NewProxyStore()
	seedProxy(t, store, "p1", 0.9, spider.ProxyStatusActive)
	pool := newTestPool(t, store)
	ctx := context.Background()

	_, err := pool.Acquire(ctx, 0)
	require.NoError(t, err)
	_, err = pool.Acquire(ctx, 0)
	require.ErrorIs(t, err, spider.ErrNoProxyAvailable)

	released, err := store.ReleaseCooldowns(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	got, err := pool.Acquire(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "p1", got.ID)
}
