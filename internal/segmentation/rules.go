package segmentation

import (
	"fmt"

	"github.com/ignite/audience-engine/internal/domain"
)

// RuleSet is a compiled list of rules. Rules are combined with AND.
type RuleSet struct {
	rules []compiledRule
}

type compiledRule struct {
	op    domain.LogicOperator
	preds []Predicate
}

// CompileRules builds the predicates of every rule up front so a bad
// criterion is reported before any user is scanned.
func CompileRules(rules []domain.SegmentRule, acc AttributeAccessor) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for i, rule := range rules {
		op := rule.Operator.Normalize()
		if op != domain.LogicAnd && op != domain.LogicOr {
			return nil, fmt.Errorf("%w: rule %d has operator %q", ErrInvalidDefinition, i, rule.Operator)
		}
		cr := compiledRule{op: op, preds: make([]Predicate, 0, len(rule.Criteria))}
		for _, c := range rule.Criteria {
			pred, err := BuildPredicate(c, acc)
			if err != nil {
				return nil, err
			}
			cr.preds = append(cr.preds, pred)
		}
		rs.rules = append(rs.rules, cr)
	}
	return rs, nil
}

// Matches reports whether u satisfies every rule. An empty rule set matches
// every user.
func (rs *RuleSet) Matches(u domain.User) bool {
	for _, r := range rs.rules {
		if !r.matches(u) {
			return false
		}
	}
	return true
}

func (r compiledRule) matches(u domain.User) bool {
	if len(r.preds) == 0 {
		return true
	}
	if r.op == domain.LogicOr {
		for _, p := range r.preds {
			if p(u) {
				return true
			}
		}
		return false
	}
	for _, p := range r.preds {
		if !p(u) {
			return false
		}
	}
	return true
}

// EvaluateRules compiles and applies rules to a single user.
func EvaluateRules(rules []domain.SegmentRule, u domain.User, acc AttributeAccessor) (bool, error) {
	rs, err := CompileRules(rules, acc)
	if err != nil {
		return false, err
	}
	return rs.Matches(u), nil
}

// EvaluateFilterCriteria applies the legacy flat filter map to a single user.
func EvaluateFilterCriteria(filter map[string]any, u domain.User, acc AttributeAccessor) (bool, error) {
	rules, err := domain.RulesFromFilterCriteria(filter)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return EvaluateRules(rules, u, acc)
}
