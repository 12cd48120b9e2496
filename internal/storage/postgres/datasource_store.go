package postgres

import (
	"context"
	"fmt"

	"github.com/crawlhub/crawlhub/internal/spider"
)

// DataSourceStore reads spider/datasource associations owned by the admin
// console's schema.
type DataSourceStore struct {
	pool dbConn
}

// NewDataSourceStore constructs a DataSourceStore from an existing pool.
func NewDataSourceStore(pool dbConn) *DataSourceStore {
	return &DataSourceStore{pool: pool}
}

// ActiveAssociations returns associations for the spider whose datasource is
// active and whose is_enabled flag is set. Only these participate in fan-out.
func (s *DataSourceStore) ActiveAssociations(ctx context.Context, spiderID string) ([]spider.Association, error) {
	query := `
SELECT d.id, d.type, d.uri, d.database_name, d.status, a.target_table, a.is_enabled
FROM spider_datasources a
JOIN datasources d ON d.id = a.datasource_id
WHERE a.spider_id = $1 AND a.is_enabled AND d.status = 'active'`
	rows, err := s.pool.Query(ctx, query, spiderID)
	if err != nil {
		return nil, fmt.Errorf("query associations: %w", err)
	}
	defer rows.Close()

	var out []spider.Association
	for rows.Next() {
		var a spider.Association
		err := rows.Scan(
			&a.DataSource.ID,
			&a.DataSource.Type,
			&a.DataSource.URI,
			&a.DataSource.Database,
			&a.DataSource.Status,
			&a.TargetTable,
			&a.Enabled,
		)
		if err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate associations: %w", err)
	}
	return out, nil
}
