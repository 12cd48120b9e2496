package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// ProxyStore persists proxies in Postgres. The pool's exclusivity guarantee
// rests on Reserve being a single compare-and-set statement.
type ProxyStore struct {
	pool dbConn
}

// NewProxyStore constructs a ProxyStore from an existing pool.
func NewProxyStore(pool dbConn) *ProxyStore {
	return &ProxyStore{pool: pool}
}

const proxyColumns = `id, host, port, protocol, username, password, status, success_rate, fail_count, last_check_at`

// Create inserts a proxy.
func (s *ProxyStore) Create(ctx context.Context, proxy spider.Proxy) error {
	query := `
INSERT INTO proxies (id, host, port, protocol, username, password, status, success_rate, fail_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.pool.Exec(ctx, query,
		proxy.ID,
		proxy.Host,
		proxy.Port,
		proxy.Protocol,
		proxy.Username,
		proxy.Password,
		string(proxy.Status),
		proxy.SuccessRate,
		proxy.FailCount,
	)
	if err != nil {
		return fmt.Errorf("insert proxy: %w", err)
	}
	return nil
}

// Update replaces a proxy's admin fields. Health state stays pool-owned.
func (s *ProxyStore) Update(ctx context.Context, proxy spider.Proxy) error {
	query := `
UPDATE proxies SET host = $2, port = $3, protocol = $4, username = $5, password = $6
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		proxy.ID, proxy.Host, proxy.Port, proxy.Protocol, proxy.Username, proxy.Password)
	if err != nil {
		return fmt.Errorf("update proxy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrProxyNotFound
	}
	return nil
}

// Delete removes a proxy.
func (s *ProxyStore) Delete(ctx context.Context, proxyID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM proxies WHERE id = $1`, proxyID)
	if err != nil {
		return fmt.Errorf("delete proxy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrProxyNotFound
	}
	return nil
}

// Get fetches a proxy by ID.
func (s *ProxyStore) Get(ctx context.Context, proxyID string) (spider.Proxy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+proxyColumns+` FROM proxies WHERE id = $1`, proxyID)
	proxy, err := scanProxy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return spider.Proxy{}, spider.ErrProxyNotFound
	}
	if err != nil {
		return spider.Proxy{}, fmt.Errorf("get proxy: %w", err)
	}
	return proxy, nil
}

// List returns all proxies.
func (s *ProxyStore) List(ctx context.Context) ([]spider.Proxy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+proxyColumns+` FROM proxies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list proxies: %w", err)
	}
	defer rows.Close()
	return collectProxies(rows)
}

// ListCandidates returns active proxies at or above the minimum rate.
func (s *ProxyStore) ListCandidates(ctx context.Context, minRate float64) ([]spider.Proxy, error) {
	query := `SELECT ` + proxyColumns + ` FROM proxies WHERE status = 'active' AND success_rate >= $1`
	rows, err := s.pool.Query(ctx, query, minRate)
	if err != nil {
		return nil, fmt.Errorf("list proxy candidates: %w", err)
	}
	defer rows.Close()
	return collectProxies(rows)
}

// Reserve flips a proxy from active to cooldown. The WHERE clause on status
// makes this a compare-and-set: a concurrent caller that took the proxy first
// leaves zero rows for us.
func (s *ProxyStore) Reserve(ctx context.Context, proxyID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proxies SET status = 'cooldown' WHERE id = $1 AND status = 'active'`, proxyID)
	if err != nil {
		return false, fmt.Errorf("reserve proxy: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReportResult applies one usage report in a single atomic statement:
// clamped rate adjustment, consecutive-failure counting and the
// three-strikes transition to inactive.
func (s *ProxyStore) ReportResult(ctx context.Context, proxyID string, success bool, now time.Time) error {
	query := `
UPDATE proxies SET
	fail_count = CASE WHEN $2 THEN 0 ELSE fail_count + 1 END,
	success_rate = CASE WHEN $2 THEN LEAST(1.0, success_rate + 0.01)
		ELSE GREATEST(0.0, success_rate - 0.05) END,
	status = CASE WHEN $2 THEN 'active'
		WHEN fail_count + 1 >= 3 THEN 'inactive'
		ELSE status END,
	last_check_at = $3
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, proxyID, success, now)
	if err != nil {
		return fmt.Errorf("report proxy result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return spider.ErrProxyNotFound
	}
	return nil
}

// ReleaseCooldowns flips every cooldown proxy back to active.
func (s *ProxyStore) ReleaseCooldowns(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE proxies SET status = 'active' WHERE status = 'cooldown'`)
	if err != nil {
		return 0, fmt.Errorf("release cooldowns: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanProxy(row pgx.Row) (spider.Proxy, error) {
	var (
		proxy  spider.Proxy
		status string
	)
	err := row.Scan(
		&proxy.ID,
		&proxy.Host,
		&proxy.Port,
		&proxy.Protocol,
		&proxy.Username,
		&proxy.Password,
		&status,
		&proxy.SuccessRate,
		&proxy.FailCount,
		&proxy.LastCheckAt,
	)
	if err != nil {
		return spider.Proxy{}, err
	}
	proxy.Status = spider.ProxyStatus(status)
	return proxy, nil
}

func collectProxies(rows pgx.Rows) ([]spider.Proxy, error) {
	var out []spider.Proxy
	for rows.Next() {
		proxy, err := scanProxy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		out = append(out, proxy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxies: %w", err)
	}
	return out, nil
}
