package segmentation

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/audience-engine/internal/domain"
)

// DefaultPageSize is the number of users requested per ScanUsers page.
const DefaultPageSize = 1000

// ChildResolver resolves the member sets of composite children, in order.
type ChildResolver func(ctx context.Context, segmentIDs []string) ([]IDSet, error)

// Resolver computes the member set of one segment from its definition.
type Resolver struct {
	users    UserSource
	behavior BehaviorProvider
	accessor AttributeAccessor
	pageSize int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithAccessor replaces the default dotted-path attribute accessor.
func WithAccessor(acc AttributeAccessor) ResolverOption {
	return func(r *Resolver) { r.accessor = acc }
}

// WithPageSize sets the ScanUsers page size.
func WithPageSize(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.pageSize = n
		}
	}
}

// NewResolver creates a Resolver. behavior may be nil when no behavioral
// segments are defined.
func NewResolver(users UserSource, behavior BehaviorProvider, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		users:    users,
		behavior: behavior,
		accessor: PathAccessor{},
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the ids matching seg. Composite children are delegated to
// children so they go through the caller's caching and single-flight path.
func (r *Resolver) Resolve(ctx context.Context, seg *domain.Segment, children ChildResolver) (IDSet, error) {
	switch def := seg.Definition.(type) {
	case domain.StaticDefinition:
		return NewIDSet(def.UserIDs...), nil

	case domain.DynamicDefinition:
		return r.resolveDynamic(ctx, seg.ID, def)

	case domain.BehavioralDefinition:
		return r.resolveBehavioral(ctx, seg.ID, def)

	case domain.CompositeDefinition:
		if !def.Rule.Operator.Valid() {
			return nil, fmt.Errorf("%w: segment %s has composite operator %q", ErrInvalidDefinition, seg.ID, def.Rule.Operator)
		}
		if children == nil {
			return nil, fmt.Errorf("%w: segment %s is composite but no child resolver was given", ErrInvalidDefinition, seg.ID)
		}
		sets, err := children(ctx, def.Rule.SegmentIDs)
		if err != nil {
			return nil, err
		}
		return Combine(def.Rule.Operator, sets), nil
	}
	return nil, fmt.Errorf("%w: segment %s has no usable definition (%T)", ErrInvalidDefinition, seg.ID, seg.Definition)
}

func (r *Resolver) resolveDynamic(ctx context.Context, segmentID string, def domain.DynamicDefinition) (IDSet, error) {
	rules, err := CompileRules(def.Rules, r.accessor)
	if err != nil {
		return nil, withSegmentID(err, segmentID)
	}
	if r.users == nil {
		return nil, SourceError("scan users", errors.New("no user source configured"))
	}

	members := make(IDSet)
	err = r.users.ScanUsers(ctx, r.pageSize, func(page []domain.User) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, u := range page {
			if rules.Matches(u) {
				members.Add(u.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, SourceError("scan users", err)
	}
	return members, nil
}

func (r *Resolver) resolveBehavioral(ctx context.Context, segmentID string, def domain.BehavioralDefinition) (IDSet, error) {
	if r.behavior == nil {
		return nil, SourceError("match behavior", errors.New("no behavior provider configured"))
	}
	ids, err := r.behavior.UsersMatchingBehavior(ctx, def)
	if err != nil {
		if errors.Is(err, ErrInvalidCriterion) || errors.Is(err, ErrInvalidDefinition) {
			return nil, withSegmentID(err, segmentID)
		}
		return nil, SourceError("match behavior", err)
	}
	return NewIDSet(ids...), nil
}

// withSegmentID stamps the segment id onto criterion errors.
func withSegmentID(err error, segmentID string) error {
	var ice *InvalidCriterionError
	if errors.As(err, &ice) && ice.SegmentID == "" {
		stamped := *ice
		stamped.SegmentID = segmentID
		return &stamped
	}
	return err
}
