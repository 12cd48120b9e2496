// Package proxypool implements weighted proxy acquisition, usage reporting
// and cooldown recycling on top of a spider.ProxyStore.
package proxypool

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/crawlhub/crawlhub/internal/config"
	"github.com/crawlhub/crawlhub/internal/metrics"
	"github.com/crawlhub/crawlhub/internal/spider"
)

// DialFunc opens a TCP connection for connectivity checks. It matches
// net.DialTimeout and exists so tests can stub the network.
type DialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

// Pool hands out proxies weighted by success rate. A handed-out proxy sits in
// cooldown until the periodic sweep releases it, so two concurrent acquires
// never receive the same proxy.
type Pool struct {
	store  spider.ProxyStore
	cfg    config.ProxyConfig
	clock  spider.Clock
	logger *zap.Logger
	dial   DialFunc
}

// New constructs a Pool.
func New(store spider.ProxyStore, cfg config.ProxyConfig, clock spider.Clock, logger *zap.Logger) *Pool {
	return &Pool{
		store:  store,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		dial:   net.DialTimeout,
	}
}

// SetDialFunc overrides the connectivity-check dialer. Tests only.
func (p *Pool) SetDialFunc(dial DialFunc) {
	p.dial = dial
}

// Acquire picks an active proxy weighted by success rate and reserves it.
// Callers may pass a stricter per-call minSuccessRate; zero or negative falls
// back to the configured floor. When the reservation races with another
// acquire and loses, it retries with a fresh candidate list. Returns
// ErrNoProxyAvailable when no active proxy meets the threshold.
func (p *Pool) Acquire(ctx context.Context, minSuccessRate float64) (spider.Proxy, error) {
	if minSuccessRate <= 0 {
		minSuccessRate = p.cfg.MinSuccessRate
	}
	attempts := p.cfg.AcquireRetries
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		candidates, err := p.store.ListCandidates(ctx, minSuccessRate)
		if err != nil {
			return spider.Proxy{}, fmt.Errorf("list proxy candidates: %w", err)
		}
		if len(candidates) == 0 {
			break
		}

		chosen := pickWeighted(candidates)
		won, err := p.store.Reserve(ctx, chosen.ID)
		if err != nil {
			return spider.Proxy{}, fmt.Errorf("reserve proxy %s: %w", chosen.ID, err)
		}
		if won {
			metrics.ObserveProxyAcquire("hit")
			return chosen, nil
		}
		// Lost the compare-and-set to a concurrent acquire; re-list and retry.
	}
	metrics.ObserveProxyAcquire("empty")
	return spider.Proxy{}, spider.ErrNoProxyAvailable
}

// Report applies a caller's usage result to the proxy's health state.
func (p *Pool) Report(ctx context.Context, proxyID string, success bool) error {
	if err := p.store.ReportResult(ctx, proxyID, success, p.clock.Now()); err != nil {
		return fmt.Errorf("report proxy result: %w", err)
	}
	if success {
		metrics.ObserveProxyReport("success")
	} else {
		metrics.ObserveProxyReport("failure")
	}
	return nil
}

// Check dials the proxy address and folds the outcome into its health state
// like a regular usage report.
func (p *Pool) Check(ctx context.Context, proxyID string) (bool, error) {
	proxy, err := p.store.Get(ctx, proxyID)
	if err != nil {
		return false, err
	}

	conn, dialErr := p.dial("tcp", proxy.Address(), p.cfg.CheckTimeout())
	reachable := dialErr == nil
	if conn != nil {
		_ = conn.Close()
	}

	if err := p.Report(ctx, proxyID, reachable); err != nil {
		return reachable, err
	}
	if !reachable {
		p.logger.Info("proxy connectivity check failed",
			zap.String("proxy_id", proxyID),
			zap.String("address", proxy.Address()),
			zap.Error(dialErr))
	}
	return reachable, nil
}

// CheckAll runs a connectivity check against every proxy and returns the
// per-proxy outcome.
func (p *Pool) CheckAll(ctx context.Context) (map[string]bool, error) {
	proxies, err := p.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	out := make(map[string]bool, len(proxies))
	for _, proxy := range proxies {
		reachable, err := p.Check(ctx, proxy.ID)
		if err != nil {
			return out, err
		}
		out[proxy.ID] = reachable
	}
	return out, nil
}

// RunSweeper periodically releases cooldown proxies back to active until the
// context is cancelled.
func (p *Pool) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Sweep())
	defer ticker.Stop()

	p.logger.Info("proxy cooldown sweeper started",
		zap.Duration("interval", p.cfg.Sweep()))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("proxy cooldown sweeper stopped")
			return
		case <-ticker.C:
			released, err := p.store.ReleaseCooldowns(ctx)
			if err != nil {
				p.logger.Error("release cooldown proxies", zap.Error(err))
				continue
			}
			if released > 0 {
				p.logger.Debug("released cooldown proxies", zap.Int("count", released))
			}
		}
	}
}

// pickWeighted selects a proxy with probability proportional to its success
// rate. When every candidate has rate zero it falls back to uniform.
func pickWeighted(candidates []spider.Proxy) spider.Proxy {
	var total float64
	for _, c := range candidates {
		total += c.SuccessRate
	}
	if total <= 0 {
		return candidates[rand.Intn(len(candidates))]
	}
	target := rand.Float64() * total
	for _, c := range candidates {
		target -= c.SuccessRate
		if target < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}
