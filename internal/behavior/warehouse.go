package behavior

import (
	"context"
	"database/sql"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// WarehouseProvider implements segmentation.BehaviorProvider against the
// Snowflake events table.
type WarehouseProvider struct {
	db    *sql.DB
	table string
	log   *logger.Logger
}

// NewWarehouseProvider creates a provider reading from table, or
// DefaultEventsTable when table is empty.
func NewWarehouseProvider(db *sql.DB, table string, log *logger.Logger) (*WarehouseProvider, error) {
	if _, err := NewQueryBuilder(table); err != nil {
		return nil, err
	}
	if table == "" {
		table = DefaultEventsTable
	}
	if log == nil {
		log = logger.Default()
	}
	return &WarehouseProvider{db: db, table: table, log: log.With("component", "behavior_warehouse")}, nil
}

func (p *WarehouseProvider) UsersMatchingBehavior(ctx context.Context, def domain.BehavioralDefinition) ([]string, error) {
	qb, err := NewQueryBuilder(p.table)
	if err != nil {
		return nil, err
	}
	query, args, err := qb.Build(def)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, segmentation.SourceError("query behavior warehouse", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, segmentation.SourceError("scan behavior row", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, segmentation.SourceError("iterate behavior rows", err)
	}

	p.log.Debug("behavior query complete", "rules", len(def.Rules), "window_days", def.WindowDays,
		"matched", len(ids), "duration_ms", time.Since(start).Milliseconds())
	return ids, nil
}
