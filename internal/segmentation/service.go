package segmentation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

const defaultSearchLimit = 20

// Service manages segment definitions. It validates definitions when they are
// authored and hands (re)evaluation to a Scheduler.
type Service struct {
	repo         Repository
	campaigns    CampaignChecker
	scheduler    Scheduler
	invalidators []Invalidator
	newID        func() string
	now          func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithInvalidators adds hooks that drop derived member data when a
// definition changes or a segment is deleted.
func WithInvalidators(inv ...Invalidator) ServiceOption {
	return func(s *Service) { s.invalidators = append(s.invalidators, inv...) }
}

// NewService creates a definition service. campaigns and scheduler may be nil.
func NewService(repo Repository, campaigns CampaignChecker, scheduler Scheduler, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		campaigns: campaigns,
		scheduler: scheduler,
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput holds the fields of a new segment. The segment type is taken
// from the definition. IsActive defaults to true.
type CreateInput struct {
	Name        string
	Description string
	Definition  domain.Definition
	IsActive    *bool
}

// UpdateInput holds the mutable fields of a segment. Nil fields are left alone.
type UpdateInput struct {
	Name        *string
	Description *string
	IsActive    *bool
	Definition  domain.Definition
}

// Create validates and stores a new segment with no cached count, then queues
// non-static segments for their first evaluation.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Segment, error) {
	if in.Definition == nil {
		return nil, fmt.Errorf("%w: definition is required", ErrInvalidDefinition)
	}

	now := s.now().UTC()
	seg := &domain.Segment{
		ID:          s.newID(),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Type:        in.Definition.SegmentType(),
		Definition:  domain.CloneDefinition(in.Definition),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.IsActive != nil {
		seg.IsActive = *in.IsActive
	}

	if err := s.validate(ctx, seg); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, seg); err != nil {
		return nil, err
	}
	logger.Info("segment created", "segment_id", seg.ID, "type", seg.Type)

	if seg.Type != domain.SegmentStatic {
		s.schedule(seg.ID)
	}
	return seg, nil
}

// Get returns one segment.
func (s *Service) Get(ctx context.Context, id string) (*domain.Segment, error) {
	return s.repo.Get(ctx, id)
}

// Update applies the given fields. A new definition must keep the segment
// type; it invalidates the cached count and queues a re-evaluation.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.Segment, error) {
	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	candidate := existing.Clone()
	if in.Name != nil {
		candidate.Name = strings.TrimSpace(*in.Name)
	}
	if in.Definition != nil {
		if in.Definition.SegmentType() != existing.Type {
			return nil, fmt.Errorf("%w: %s segment %s cannot become %s", ErrTypeChange, existing.Type, id, in.Definition.SegmentType())
		}
		candidate.Definition = domain.CloneDefinition(in.Definition)
	}
	if err := s.validate(ctx, candidate); err != nil {
		return nil, err
	}

	fields := UpdateFields{
		Description: in.Description,
		IsActive:    in.IsActive,
		Definition:  candidate.Definition,
	}
	if in.Name != nil {
		fields.Name = &candidate.Name
	}
	if in.Definition == nil {
		fields.Definition = nil
	}

	updated, err := s.repo.Update(ctx, id, fields)
	if err != nil {
		return nil, err
	}
	if in.Definition != nil {
		logger.Info("segment definition changed", "segment_id", id)
		s.invalidate(ctx, id)
		if updated.Type != domain.SegmentStatic {
			s.schedule(id)
		}
	}
	return updated, nil
}

// Delete removes a segment unless a campaign or a composite segment still
// references it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}

	if s.campaigns != nil {
		n, err := s.campaigns.CountCampaignsUsingSegment(ctx, id)
		if err != nil {
			return fmt.Errorf("count campaigns using segment %s: %w", id, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %d campaign(s) target segment %s", ErrInUse, n, id)
		}
	}

	all, err := s.repo.List(ctx, false)
	if err != nil {
		return err
	}
	for i := range all {
		for _, child := range all[i].ReferencedSegments() {
			if child == id {
				return fmt.Errorf("%w: composite segment %s references %s", ErrInUse, all[i].ID, id)
			}
		}
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	logger.Info("segment deleted", "segment_id", id)
	s.invalidate(ctx, id)
	return nil
}

// List returns all segments, or only active ones.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]domain.Segment, error) {
	return s.repo.List(ctx, activeOnly)
}

// Search finds segments by name or description.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]domain.Segment, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	return s.repo.Search(ctx, strings.TrimSpace(query), limit)
}

// validate checks a definition before it is stored: structure, criteria that
// compile, and composite references that exist and do not loop back.
func (s *Service) validate(ctx context.Context, seg *domain.Segment) error {
	if err := seg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	switch def := seg.Definition.(type) {
	case domain.DynamicDefinition:
		if _, err := CompileRules(def.Rules, nil); err != nil {
			return withSegmentID(err, seg.ID)
		}
	case domain.BehavioralDefinition:
		if _, err := CompileRules(def.Rules, nil); err != nil {
			return withSegmentID(err, seg.ID)
		}
	case domain.CompositeDefinition:
		if err := checkAcyclic(ctx, s.repo, seg, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) schedule(id string) {
	if s.scheduler == nil {
		return
	}
	if !s.scheduler.Schedule(id) {
		logger.Warn("segment evaluation not queued", "segment_id", id)
	}
}

// invalidate runs the invalidation hooks. Failures are logged; the stored
// change has already happened.
func (s *Service) invalidate(ctx context.Context, id string) {
	for _, inv := range s.invalidators {
		if err := inv.Invalidate(ctx, id); err != nil {
			logger.Warn("segment invalidation failed", "segment_id", id, "invalidator", fmt.Sprintf("%T", inv), "error", err)
		}
	}
}
