package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

// BehaviorProvider implements segmentation.BehaviorProvider over recorded
// events. Rules are applied to one aggregate row per (user, event name)
// carrying event, count, first_occurred_at, last_occurred_at and the
// properties of the latest event; a user matches when any of their rows does.
type BehaviorProvider struct {
	mu     sync.RWMutex
	events []domain.BehaviorEvent
	now    func() time.Time
}

// NewBehaviorProvider creates a provider with no events.
func NewBehaviorProvider() *BehaviorProvider {
	return &BehaviorProvider{now: time.Now}
}

// Record appends events.
func (p *BehaviorProvider) Record(events ...domain.BehaviorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

type behaviorKey struct{ user, event string }

type behaviorAggregate struct {
	count      int
	first      time.Time
	last       time.Time
	properties map[string]any
}

func (p *BehaviorProvider) UsersMatchingBehavior(ctx context.Context, def domain.BehavioralDefinition) ([]string, error) {
	rules, err := segmentation.CompileRules(def.Rules, behaviorAccessor{})
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if def.WindowDays > 0 {
		cutoff = p.now().AddDate(0, 0, -def.WindowDays)
	}

	p.mu.RLock()
	aggregates := make(map[behaviorKey]*behaviorAggregate)
	for _, e := range p.events {
		if !cutoff.IsZero() && e.OccurredAt.Before(cutoff) {
			continue
		}
		k := behaviorKey{user: e.UserID, event: e.Name}
		agg, ok := aggregates[k]
		if !ok {
			agg = &behaviorAggregate{first: e.OccurredAt, last: e.OccurredAt, properties: e.Properties}
			aggregates[k] = agg
		}
		agg.count++
		if e.OccurredAt.Before(agg.first) {
			agg.first = e.OccurredAt
		}
		if !e.OccurredAt.Before(agg.last) {
			agg.last = e.OccurredAt
			agg.properties = e.Properties
		}
	}
	p.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matched := segmentation.NewIDSet()
	for k, agg := range aggregates {
		if matched.Has(k.user) {
			continue
		}
		row := domain.User{ID: k.user, Attributes: map[string]any{
			domain.BehaviorFieldEvent:           k.event,
			domain.BehaviorFieldCount:           agg.count,
			domain.BehaviorFieldFirstOccurredAt: agg.first,
			domain.BehaviorFieldLastOccurredAt:  agg.last,
			domain.BehaviorFieldProperties:      agg.properties,
		}}
		if rules.Matches(row) {
			matched.Add(k.user)
		}
	}
	return matched.Sorted(), nil
}

// behaviorAccessor restricts rules to the aggregate fields.
type behaviorAccessor struct{}

func (behaviorAccessor) Attribute(u domain.User, path string) (any, bool) {
	if path == domain.BehaviorFieldProperties || strings.HasPrefix(path, domain.BehaviorFieldProperties+".") {
		return segmentation.LookupPath(u.Attributes, path)
	}
	switch path {
	case domain.BehaviorFieldEvent, domain.BehaviorFieldCount,
		domain.BehaviorFieldFirstOccurredAt, domain.BehaviorFieldLastOccurredAt:
		v, ok := u.Attributes[path]
		return v, ok
	}
	return nil, false
}
