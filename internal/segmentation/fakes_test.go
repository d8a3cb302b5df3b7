package segmentation

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
)

// fakeRepo is an in-memory Repository for tests.
type fakeRepo struct {
	mu       sync.Mutex
	segments map[string]*domain.Segment
	sets     int
	rejected int
	setErr   error
	listErr  error
}

func newFakeRepo(segs ...*domain.Segment) *fakeRepo {
	r := &fakeRepo{segments: make(map[string]*domain.Segment)}
	for _, s := range segs {
		r.segments[s.ID] = s.Clone()
	}
	return r
}

func (r *fakeRepo) Create(_ context.Context, s *domain.Segment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments[s.ID]; ok {
		return errors.New("duplicate id")
	}
	r.segments[s.ID] = s.Clone()
	return nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (*domain.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segments[id]
	if !ok {
		return nil, NotFound(id)
	}
	return s.Clone(), nil
}

func (r *fakeRepo) Update(_ context.Context, id string, u UpdateFields) (*domain.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segments[id]
	if !ok {
		return nil, NotFound(id)
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
		s.UserCount = 0
		s.LastEvaluatedAt = nil
		s.MatchedUserIDs = nil
	}
	s.UpdatedAt = s.UpdatedAt.Add(time.Second)
	return s.Clone(), nil
}

func (r *fakeRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments[id]; !ok {
		return NotFound(id)
	}
	delete(r.segments, id)
	return nil
}

func (r *fakeRepo) List(_ context.Context, activeOnly bool) ([]domain.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []domain.Segment
	for _, s := range r.segments {
		if activeOnly && !s.IsActive {
			continue
		}
		out = append(out, *s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *fakeRepo) Search(_ context.Context, query string, limit int) ([]domain.Segment, error) {
	all, _ := r.List(context.Background(), false)
	q := strings.ToLower(query)
	var out []domain.Segment
	for _, s := range all {
		if strings.Contains(strings.ToLower(s.Name), q) || strings.Contains(strings.ToLower(s.Description), q) {
			out = append(out, s)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) SetEvaluationResult(_ context.Context, id string, version time.Time, count int, at time.Time, matched []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setErr != nil {
		return StoreError("set evaluation result", r.setErr)
	}
	s, ok := r.segments[id]
	if !ok {
		return NotFound(id)
	}
	if !s.UpdatedAt.Equal(version) {
		r.rejected++
		return ErrDefinitionChanged
	}
	r.sets++
	s.UserCount = count
	s.LastEvaluatedAt = &at
	s.MatchedUserIDs = append([]string(nil), matched...)
	if matched == nil {
		s.MatchedUserIDs = nil
	}
	return nil
}

func (r *fakeRepo) snapshot(id string) *domain.Segment {
	s, _ := r.Get(context.Background(), id)
	return s
}

func (r *fakeRepo) setCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sets
}

func (r *fakeRepo) rejectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

// fakeUsers is a UserSource that counts scans and can block until released.
type fakeUsers struct {
	users   []domain.User
	err     error
	release chan struct{}
	scans   atomic.Int32
	pages   atomic.Int32
}

func (f *fakeUsers) ScanUsers(ctx context.Context, pageSize int, fn func([]domain.User) error) error {
	f.scans.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	for i := 0; i < len(f.users); i += pageSize {
		end := min(i+pageSize, len(f.users))
		f.pages.Add(1)
		if err := fn(f.users[i:end]); err != nil {
			return err
		}
	}
	return nil
}

type fakeBehavior struct {
	ids  []string
	err  error
	seen []domain.BehavioralDefinition
	mu   sync.Mutex
}

func (f *fakeBehavior) UsersMatchingBehavior(_ context.Context, def domain.BehavioralDefinition) ([]string, error) {
	f.mu.Lock()
	f.seen = append(f.seen, def)
	f.mu.Unlock()
	return f.ids, f.err
}

type fakeCampaigns struct {
	counts map[string]int
	err    error
}

func (f *fakeCampaigns) CountCampaignsUsingSegment(_ context.Context, id string) (int, error) {
	return f.counts[id], f.err
}

type fakeScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeScheduler) Schedule(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return true
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

type recordingSink struct {
	mu      sync.Mutex
	results []domain.EvaluationResult
	err     error
}

func (s *recordingSink) EvaluationCompleted(_ context.Context, r domain.EvaluationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

// =============================================================================
// FIXTURES
// =============================================================================

func staticSegment(id string, userIDs ...string) *domain.Segment {
	return &domain.Segment{
		ID:         id,
		Name:       "static " + id,
		Type:       domain.SegmentStatic,
		Definition: domain.StaticDefinition{UserIDs: userIDs},
		IsActive:   true,
	}
}

func dynamicSegment(id string, rules ...domain.SegmentRule) *domain.Segment {
	return &domain.Segment{
		ID:         id,
		Name:       "dynamic " + id,
		Type:       domain.SegmentDynamic,
		Definition: domain.DynamicDefinition{Rules: rules},
		IsActive:   true,
	}
}

func compositeSegment(id string, op domain.CompositeOperator, children ...string) *domain.Segment {
	return &domain.Segment{
		ID:         id,
		Name:       "composite " + id,
		Type:       domain.SegmentComposite,
		Definition: domain.CompositeDefinition{Rule: domain.CompositeRule{SegmentIDs: children, Operator: op}},
		IsActive:   true,
	}
}

func andRule(criteria ...domain.Criterion) domain.SegmentRule {
	return domain.SegmentRule{Criteria: criteria, Operator: domain.LogicAnd}
}

func orRule(criteria ...domain.Criterion) domain.SegmentRule {
	return domain.SegmentRule{Criteria: criteria, Operator: domain.LogicOr}
}

func eq(field string, value any) domain.Criterion {
	return domain.Criterion{Field: field, Operator: domain.OpEquals, Value: value}
}

// countryTierUsers is the three-user universe used by the dynamic scenarios.
func countryTierUsers() []domain.User {
	return []domain.User{
		{ID: "u1", Attributes: map[string]any{"country": "US", "tier": "gold"}},
		{ID: "u2", Attributes: map[string]any{"country": "US", "tier": "silver"}},
		{ID: "u3", Attributes: map[string]any{"country": "FR", "tier": "gold"}},
	}
}
