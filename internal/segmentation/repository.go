package segmentation

import (
	"context"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
)

// Repository defines the data access contract for segment definitions and
// their cached evaluation state. Implementations must be safe for concurrent
// use and must return snapshots that callers may not mutate back into storage.
type Repository interface {
	// Create inserts a new segment. The caller assigns the id.
	Create(ctx context.Context, s *domain.Segment) error

	// Get returns a single segment. Returns a NotFoundError if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Segment, error)

	// Update applies the non-nil fields. A new Definition resets UserCount to
	// zero and clears LastEvaluatedAt and the materialized member list.
	Update(ctx context.Context, id string, u UpdateFields) (*domain.Segment, error)

	// Delete removes a segment. Returns a NotFoundError if it doesn't exist.
	Delete(ctx context.Context, id string) error

	// List returns segments ordered by name, optionally only active ones.
	List(ctx context.Context, activeOnly bool) ([]domain.Segment, error)

	// Search returns up to limit segments whose name or description contains
	// query, case-insensitively.
	Search(ctx context.Context, query string, limit int) ([]domain.Segment, error)

	// SetEvaluationResult stores the cached count and evaluation time of the
	// snapshot whose UpdatedAt is version. A nil matched slice clears any
	// previously materialized member list. It writes nothing and returns
	// ErrDefinitionChanged when the stored segment is no longer at version.
	SetEvaluationResult(ctx context.Context, id string, version time.Time, count int, evaluatedAt time.Time, matched []string) error
}

// UpdateFields holds the mutable fields for a segment update.
// Nil fields are not applied.
type UpdateFields struct {
	Name        *string
	Description *string
	IsActive    *bool
	Definition  domain.Definition
}

// UserSource pages through the user universe for dynamic segments.
type UserSource interface {
	// ScanUsers calls fn with consecutive pages of at most pageSize users until
	// the universe is exhausted, fn returns an error, or ctx is done.
	ScanUsers(ctx context.Context, pageSize int, fn func([]domain.User) error) error
}

// BehaviorProvider resolves behavioral definitions against tracked events.
type BehaviorProvider interface {
	UsersMatchingBehavior(ctx context.Context, def domain.BehavioralDefinition) ([]string, error)
}

// CampaignChecker reports how many campaigns still target a segment.
type CampaignChecker interface {
	CountCampaignsUsingSegment(ctx context.Context, segmentID string) (int, error)
}

// ResultSink is notified after a successful evaluation has been stored.
// MatchedUserIDs is only populated when the members were materialized.
type ResultSink interface {
	EvaluationCompleted(ctx context.Context, result domain.EvaluationResult) error
}

// Invalidator drops data derived from a segment's members, such as cached
// member sets, when its definition changes or it is deleted.
type Invalidator interface {
	Invalidate(ctx context.Context, segmentID string) error
}

// Scheduler queues a segment for asynchronous evaluation.
type Scheduler interface {
	Schedule(segmentID string) bool
}
