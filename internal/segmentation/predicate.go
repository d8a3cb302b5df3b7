package segmentation

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/audience-engine/internal/domain"
)

// Predicate reports whether a user satisfies a compiled criterion.
type Predicate func(u domain.User) bool

// valueMatcher tests a present, non-nil attribute value.
type valueMatcher func(actual any) bool

type matcherBuilder func(c domain.Criterion) (valueMatcher, error)

var matcherBuilders = map[domain.Operator]matcherBuilder{
	domain.OpEquals: func(c domain.Criterion) (valueMatcher, error) {
		return func(a any) bool { return valuesEqual(a, c.Value) }, nil
	},
	domain.OpNotEquals: func(c domain.Criterion) (valueMatcher, error) {
		return func(a any) bool { return !valuesEqual(a, c.Value) }, nil
	},
	domain.OpGreaterThan:    orderedMatcher(func(cmp int) bool { return cmp > 0 }),
	domain.OpGreaterOrEqual: orderedMatcher(func(cmp int) bool { return cmp >= 0 }),
	domain.OpLessThan:       orderedMatcher(func(cmp int) bool { return cmp < 0 }),
	domain.OpLessOrEqual:    orderedMatcher(func(cmp int) bool { return cmp <= 0 }),
	domain.OpContains: func(c domain.Criterion) (valueMatcher, error) {
		return func(a any) bool {
			found, ok := containsValue(a, c.Value)
			return ok && found
		}, nil
	},
	domain.OpNotContains: func(c domain.Criterion) (valueMatcher, error) {
		return func(a any) bool {
			found, ok := containsValue(a, c.Value)
			return ok && !found
		}, nil
	},
	domain.OpStartsWith: stringMatcher(strings.HasPrefix),
	domain.OpEndsWith:   stringMatcher(strings.HasSuffix),
	domain.OpIn: func(c domain.Criterion) (valueMatcher, error) {
		list, ok := toList(c.Value)
		if !ok {
			return nil, invalidCriterion(c, "value must be a list")
		}
		return func(a any) bool { return inList(a, list) }, nil
	},
	domain.OpNotIn: func(c domain.Criterion) (valueMatcher, error) {
		list, ok := toList(c.Value)
		if !ok {
			return nil, invalidCriterion(c, "value must be a list")
		}
		return func(a any) bool { return !inList(a, list) }, nil
	},
	domain.OpBetween: func(c domain.Criterion) (valueMatcher, error) {
		bounds, ok := toList(c.Value)
		if !ok || len(bounds) != 2 {
			return nil, invalidCriterion(c, "value must be a [lower, upper] pair")
		}
		lower, upper := bounds[0], bounds[1]
		return func(a any) bool {
			lo, okLo := compareValues(a, lower)
			hi, okHi := compareValues(a, upper)
			return okLo && okHi && lo >= 0 && hi <= 0
		}, nil
	},
	domain.OpMatches: func(c domain.Criterion) (valueMatcher, error) {
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, invalidCriterion(c, "value must be a regular expression string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, invalidCriterion(c, err.Error())
		}
		return func(a any) bool {
			s, isString := a.(string)
			return isString && re.MatchString(s)
		}, nil
	},
}

// KnownOperator reports whether op can be compiled.
func KnownOperator(op domain.Operator) bool {
	if op == domain.OpExists || op == domain.OpNotExists {
		return true
	}
	_, ok := matcherBuilders[op]
	return ok
}

// BuildPredicate compiles one criterion. A missing attribute satisfies only
// not_exists; every other operator, including the negated ones, fails on it.
func BuildPredicate(c domain.Criterion, acc AttributeAccessor) (Predicate, error) {
	if acc == nil {
		acc = PathAccessor{}
	}
	if strings.TrimSpace(c.Field) == "" {
		return nil, invalidCriterion(c, "field is required")
	}
	field := c.Field

	switch c.Operator {
	case domain.OpExists:
		return func(u domain.User) bool {
			_, ok := acc.Attribute(u, field)
			return ok
		}, nil
	case domain.OpNotExists:
		return func(u domain.User) bool {
			_, ok := acc.Attribute(u, field)
			return !ok
		}, nil
	}

	build, ok := matcherBuilders[c.Operator]
	if !ok {
		return nil, invalidCriterion(c, "unknown operator")
	}
	match, err := build(c)
	if err != nil {
		return nil, err
	}
	return func(u domain.User) bool {
		v, ok := acc.Attribute(u, field)
		if !ok {
			return false
		}
		return match(v)
	}, nil
}

func invalidCriterion(c domain.Criterion, reason string) error {
	return &InvalidCriterionError{Field: c.Field, Operator: c.Operator, Reason: reason}
}

func orderedMatcher(accept func(cmp int) bool) matcherBuilder {
	return func(c domain.Criterion) (valueMatcher, error) {
		return func(a any) bool {
			cmp, ok := compareValues(a, c.Value)
			return ok && accept(cmp)
		}, nil
	}
}

func stringMatcher(fn func(s, affix string) bool) matcherBuilder {
	return func(c domain.Criterion) (valueMatcher, error) {
		affix, ok := c.Value.(string)
		if !ok {
			return nil, invalidCriterion(c, "value must be a string")
		}
		return func(a any) bool {
			s, isString := a.(string)
			return isString && fn(s, affix)
		}, nil
	}
}

// =============================================================================
// VALUE HELPERS
// =============================================================================

func valuesEqual(a, b any) bool {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		return ok && an == bn
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Equal(bt)
		}
	}
	if al, ok := toList(a); ok {
		bl, ok := toList(b)
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !valuesEqual(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders a against b numerically, as RFC 3339 timestamps, or
// lexicographically. ok is false when the two values are not comparable.
func compareValues(a, b any) (int, bool) {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		return compareFloat(an, bn), true
	}
	if at, ok := toTime(a); ok {
		if bt, ok := toTime(b); ok {
			return at.Compare(bt), true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// containsValue is substring search for strings and membership for lists.
// ok is false when the attribute is neither.
func containsValue(a, v any) (found, ok bool) {
	if s, isString := a.(string); isString {
		needle, isNeedle := v.(string)
		if !isNeedle {
			return false, true
		}
		return strings.Contains(s, needle), true
	}
	if list, isList := toList(a); isList {
		for _, item := range list {
			if valuesEqual(item, v) {
				return true, true
			}
		}
		return false, true
	}
	return false, false
}

// inList matches a scalar against the list, or any element of a list attribute.
func inList(a any, list []any) bool {
	if items, ok := toList(a); ok {
		for _, item := range items {
			if inList(item, list) {
				return true
			}
		}
		return false
	}
	for _, candidate := range list {
		if valuesEqual(a, candidate) {
			return true
		}
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case nil, string, []byte:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
