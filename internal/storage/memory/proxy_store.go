package memory

import (
	"context"
	"sync"
	"time"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// ProxyStore is an in-memory spider.ProxyStore.
type ProxyStore struct {
	mu      sync.Mutex
	proxies map[string]spider.Proxy
	order   []string
}

// NewProxyStore constructs a ProxyStore.
func NewProxyStore() *ProxyStore {
	return &ProxyStore{proxies: make(map[string]spider.Proxy)}
}

// Create inserts a proxy.
func (s *ProxyStore) Create(_ context.Context, proxy spider.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[proxy.ID]; !ok {
		s.order = append(s.order, proxy.ID)
	}
	s.proxies[proxy.ID] = proxy
	return nil
}

// Update replaces a proxy's admin fields, keeping pool-owned health state.
func (s *ProxyStore) Update(_ context.Context, proxy spider.Proxy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.proxies[proxy.ID]
	if !ok {
		return spider.ErrProxyNotFound
	}
	existing.Host = proxy.Host
	existing.Port = proxy.Port
	existing.Protocol = proxy.Protocol
	existing.Username = proxy.Username
	existing.Password = proxy.Password
	s.proxies[proxy.ID] = existing
	return nil
}

// Delete removes a proxy.
func (s *ProxyStore) Delete(_ context.Context, proxyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proxies[proxyID]; !ok {
		return spider.ErrProxyNotFound
	}
	delete(s.proxies, proxyID)
	for i, id := range s.order {
		if id == proxyID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get fetches a proxy by ID.
func (s *ProxyStore) Get(_ context.Context, proxyID string) (spider.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proxy, ok := s.proxies[proxyID]
	if !ok {
		return spider.Proxy{}, spider.ErrProxyNotFound
	}
	return proxy, nil
}

// List returns all proxies in insertion order.
func (s *ProxyStore) List(_ context.Context) ([]spider.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]spider.Proxy, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.proxies[id])
	}
	return out, nil
}

// ListCandidates returns active proxies at or above the minimum rate.
func (s *ProxyStore) ListCandidates(_ context.Context, minRate float64) ([]spider.Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []spider.Proxy
	for _, id := range s.order {
		p := s.proxies[id]
		if p.Status == spider.ProxyStatusActive && p.SuccessRate >= minRate {
			out = append(out, p)
		}
	}
	return out, nil
}

// Reserve flips a proxy from active to cooldown, returning false when the
// compare-and-set loses.
func (s *ProxyStore) Reserve(_ context.Context, proxyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proxy, ok := s.proxies[proxyID]
	if !ok {
		return false, spider.ErrProxyNotFound
	}
	if proxy.Status != spider.ProxyStatusActive {
		return false, nil
	}
	proxy.Status = spider.ProxyStatusCooldown
	s.proxies[proxyID] = proxy
	return true, nil
}

// ReportResult applies one usage report with clamping and the three-strikes
// rule.
func (s *ProxyStore) ReportResult(_ context.Context, proxyID string, success bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	proxy, ok := s.proxies[proxyID]
	if !ok {
		return spider.ErrProxyNotFound
	}
	if success {
		proxy.FailCount = 0
		proxy.SuccessRate = min(1.0, proxy.SuccessRate+0.01)
		proxy.Status = spider.ProxyStatusActive
	} else {
		proxy.FailCount++
		proxy.SuccessRate = max(0.0, proxy.SuccessRate-0.05)
		if proxy.FailCount >= 3 {
			proxy.Status = spider.ProxyStatusInactive
		}
	}
	ts := now
	proxy.LastCheckAt = &ts
	s.proxies[proxyID] = proxy
	return nil
}

// ReleaseCooldowns flips every cooldown proxy back to active.
func (s *ProxyStore) ReleaseCooldowns(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	for id, p := range s.proxies {
		if p.Status == spider.ProxyStatusCooldown {
			p.Status = spider.ProxyStatusActive
			s.proxies[id] = p
			released++
		}
	}
	return released, nil
}
