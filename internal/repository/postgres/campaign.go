package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/audience-engine/internal/domain"
)

// CampaignRefs implements segmentation.CampaignChecker against the campaigns
// table. Campaigns in a terminal state no longer hold their segment.
type CampaignRefs struct{ db *sql.DB }

// NewCampaignRefs creates a Postgres-backed campaign reference checker.
func NewCampaignRefs(db *sql.DB) *CampaignRefs { return &CampaignRefs{db: db} }

func (r *CampaignRefs) CountCampaignsUsingSegment(ctx context.Context, segmentID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM mailing_campaigns
		WHERE segment_id::text = $1
		  AND status <> ALL($2)
	`, segmentID, pq.Array(domain.TerminalCampaignStatuses())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count campaigns for segment: %w", err)
	}
	return n, nil
}
