package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// SegmentRepo implements segmentation.Repository in memory.
type SegmentRepo struct {
	mu       sync.RWMutex
	segments map[string]*domain.Segment
	now      func() time.Time
}

// NewSegmentRepo creates an empty repository.
func NewSegmentRepo() *SegmentRepo {
	return &SegmentRepo{segments: make(map[string]*domain.Segment), now: time.Now}
}

func (r *SegmentRepo) Create(_ context.Context, s *domain.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.segments[s.ID]; exists {
		return segmentation.StoreError("create segment", fmt.Errorf("duplicate id %s", s.ID))
	}
	r.segments[s.ID] = s.Clone()
	return nil
}

func (r *SegmentRepo) Get(_ context.Context, id string) (*domain.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.segments[id]
	if !ok {
		return nil, segmentation.NotFound(id)
	}
	return s.Clone(), nil
}

func (r *SegmentRepo) Update(_ context.Context, id string, u segmentation.UpdateFields) (*domain.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segments[id]
	if !ok {
		return nil, segmentation.NotFound(id)
	}
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.Description != nil {
		s.Description = *u.Description
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.Definition != nil {
		s.Definition = domain.CloneDefinition(u.Definition)
		s.Type = u.Definition.SegmentType()
		s.UserCount = 0
		s.LastEvaluatedAt = nil
		s.MatchedUserIDs = nil
	}
	s.UpdatedAt = r.now().UTC()
	return s.Clone(), nil
}

func (r *SegmentRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments[id]; !ok {
		return segmentation.NotFound(id)
	}
	delete(r.segments, id)
	return nil
}

func (r *SegmentRepo) List(_ context.Context, activeOnly bool) ([]domain.Segment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Segment, 0, len(r.segments))
	for _, s := range r.segments {
		if activeOnly && !s.IsActive {
			continue
		}
		out = append(out, *s.Clone())
	}
	sortSegments(out)
	return out, nil
}

func (r *SegmentRepo) Search(ctx context.Context, query string, limit int) ([]domain.Segment, error) {
	all, err := r.List(ctx, false)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(query)
	var out []domain.Segment
	for _, s := range all {
		if limit > 0 && len(out) == limit {
			break
		}
		if strings.Contains(strings.ToLower(s.Name), q) || strings.Contains(strings.ToLower(s.Description), q) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *SegmentRepo) SetEvaluationResult(_ context.Context, id string, version time.Time, count int, evaluatedAt time.Time, matched []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segments[id]
	if !ok {
		return segmentation.NotFound(id)
	}
	if !s.UpdatedAt.Equal(version) {
		return segmentation.ErrDefinitionChanged
	}
	at := evaluatedAt
	s.UserCount = count
	s.LastEvaluatedAt = &at
	s.MatchedUserIDs = nil
	if matched != nil {
		s.MatchedUserIDs = append(make([]string, 0, len(matched)), matched...)
	}
	return nil
}

func sortSegments(segs []domain.Segment) {
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].Name != segs[j].Name {
			return segs[i].Name < segs[j].Name
		}
		return segs[i].ID < segs[j].ID
	})
}
