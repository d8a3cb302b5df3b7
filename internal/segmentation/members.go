package segmentation

import (
	"sort"

	"github.com/ignite/audience-engine/internal/domain"
)

// IDSet is a set of user ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids, dropping duplicates.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts id.
func (s IDSet) Add(id string) { s[id] = struct{}{} }

// Has reports whether id is a member.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Union returns the ids present in any set.
func Union(sets ...IDSet) IDSet {
	out := make(IDSet)
	for _, s := range sets {
		for id := range s {
			out[id] = struct{}{}
		}
	}
	return out
}

// Intersection returns the ids present in every set. No sets yields an empty set.
func Intersection(sets ...IDSet) IDSet {
	out := make(IDSet)
	if len(sets) == 0 {
		return out
	}
	smallest := 0
	for i, s := range sets {
		if len(s) < len(sets[smallest]) {
			smallest = i
		}
	}
	for id := range sets[smallest] {
		inAll := true
		for i, s := range sets {
			if i != smallest && !s.Has(id) {
				inAll = false
				break
			}
		}
		if inAll {
			out[id] = struct{}{}
		}
	}
	return out
}

// Difference returns the ids of first that are in none of rest.
func Difference(first IDSet, rest ...IDSet) IDSet {
	out := make(IDSet, len(first))
	for id := range first {
		excluded := false
		for _, s := range rest {
			if s.Has(id) {
				excluded = true
				break
			}
		}
		if !excluded {
			out[id] = struct{}{}
		}
	}
	return out
}

// Combine applies a composite operator to child sets in declaration order.
func Combine(op domain.CompositeOperator, sets []IDSet) IDSet {
	switch op {
	case domain.CompositeUnion:
		return Union(sets...)
	case domain.CompositeIntersection:
		return Intersection(sets...)
	case domain.CompositeDifference:
		if len(sets) == 0 {
			return make(IDSet)
		}
		return Difference(sets[0], sets[1:]...)
	}
	return make(IDSet)
}
