package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SegmentType selects which definition payload a segment carries.
type SegmentType string

const (
	SegmentStatic     SegmentType = "static"
	SegmentDynamic    SegmentType = "dynamic"
	SegmentBehavioral SegmentType = "behavioral"
	SegmentComposite  SegmentType = "composite"
)

// Valid reports whether t is one of the known segment types.
func (t SegmentType) Valid() bool {
	switch t {
	case SegmentStatic, SegmentDynamic, SegmentBehavioral, SegmentComposite:
		return true
	}
	return false
}

// Operator is a criterion comparison operator.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_than_or_equal"
	OpLessOrEqual    Operator = "less_than_or_equal"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpExists         Operator = "exists"
	OpNotExists      Operator = "not_exists"
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpBetween        Operator = "between"
	OpMatches        Operator = "matches_regex"
)

// LogicOperator combines the criteria of one rule.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// Normalize maps the empty and lowercase spellings onto AND / OR.
// Unknown values are returned upper-cased so validation can reject them.
func (l LogicOperator) Normalize() LogicOperator {
	if l == "" {
		return LogicAnd
	}
	return LogicOperator(strings.ToUpper(string(l)))
}

// CompositeOperator combines the member sets of child segments.
type CompositeOperator string

const (
	CompositeUnion        CompositeOperator = "union"
	CompositeIntersection CompositeOperator = "intersection"
	// CompositeDifference is the first listed segment minus the union of the rest.
	CompositeDifference CompositeOperator = "difference"
)

// Valid reports whether o is a known composite operator.
func (o CompositeOperator) Valid() bool {
	return o == CompositeUnion || o == CompositeIntersection || o == CompositeDifference
}

// Criterion is a single (field, operator, value) test against a user.
type Criterion struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// SegmentRule is a list of criteria combined with AND or OR.
type SegmentRule struct {
	Criteria []Criterion   `json:"criteria"`
	Operator LogicOperator `json:"operator"`
}

// CompositeRule names child segments and how to combine them.
type CompositeRule struct {
	SegmentIDs []string          `json:"segment_ids"`
	Operator   CompositeOperator `json:"operator"`
}

// =============================================================================
// DEFINITIONS
// =============================================================================

// Definition is the type-specific payload of a segment. Exactly one of
// StaticDefinition, DynamicDefinition, BehavioralDefinition and
// CompositeDefinition implements it.
type Definition interface {
	SegmentType() SegmentType
	isDefinition()
}

// StaticDefinition is an explicit list of user ids.
type StaticDefinition struct {
	UserIDs []string
}

// DynamicDefinition selects users by attribute rules. Rules are ANDed.
type DynamicDefinition struct {
	Rules []SegmentRule
}

// BehavioralDefinition selects users by tracked behavior. Rules address the
// behavior fields (event, count, first_occurred_at, last_occurred_at,
// properties.<key>). WindowDays limits the events considered; zero means all.
type BehavioralDefinition struct {
	Rules      []SegmentRule
	WindowDays int
}

// CompositeDefinition combines other segments.
type CompositeDefinition struct {
	Rule CompositeRule
}

func (StaticDefinition) SegmentType() SegmentType     { return SegmentStatic }
func (DynamicDefinition) SegmentType() SegmentType    { return SegmentDynamic }
func (BehavioralDefinition) SegmentType() SegmentType { return SegmentBehavioral }
func (CompositeDefinition) SegmentType() SegmentType  { return SegmentComposite }

func (StaticDefinition) isDefinition()     {}
func (DynamicDefinition) isDefinition()    {}
func (BehavioralDefinition) isDefinition() {}
func (CompositeDefinition) isDefinition()  {}

// CloneDefinition returns a deep copy of the slices held by d so callers can
// hand out snapshots.
func CloneDefinition(d Definition) Definition {
	switch def := d.(type) {
	case StaticDefinition:
		return StaticDefinition{UserIDs: append([]string(nil), def.UserIDs...)}
	case DynamicDefinition:
		return DynamicDefinition{Rules: cloneRules(def.Rules)}
	case BehavioralDefinition:
		return BehavioralDefinition{Rules: cloneRules(def.Rules), WindowDays: def.WindowDays}
	case CompositeDefinition:
		return CompositeDefinition{Rule: CompositeRule{
			SegmentIDs: append([]string(nil), def.Rule.SegmentIDs...),
			Operator:   def.Rule.Operator,
		}}
	}
	return d
}

func cloneRules(rules []SegmentRule) []SegmentRule {
	if rules == nil {
		return nil
	}
	out := make([]SegmentRule, len(rules))
	for i, r := range rules {
		out[i] = SegmentRule{Criteria: append([]Criterion(nil), r.Criteria...), Operator: r.Operator}
	}
	return out
}

// =============================================================================
// SEGMENT
// =============================================================================

// Segment is a named audience definition plus its cached evaluation state.
type Segment struct {
	ID              string      `json:"id" db:"id"`
	Name            string      `json:"name" db:"name"`
	Description     string      `json:"description" db:"description"`
	Type            SegmentType `json:"segment_type" db:"segment_type"`
	Definition      Definition  `json:"-" db:"definition"`
	UserCount       int         `json:"user_count" db:"user_count"`
	LastEvaluatedAt *time.Time  `json:"last_evaluated_at" db:"last_evaluated_at"`
	MatchedUserIDs  []string    `json:"matched_user_ids,omitempty" db:"matched_user_ids"`
	IsActive        bool        `json:"is_active" db:"is_active"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}

// Clone returns a snapshot of s that shares no mutable state with it.
func (s *Segment) Clone() *Segment {
	c := *s
	if s.Definition != nil {
		c.Definition = CloneDefinition(s.Definition)
	}
	if s.LastEvaluatedAt != nil {
		t := *s.LastEvaluatedAt
		c.LastEvaluatedAt = &t
	}
	if s.MatchedUserIDs != nil {
		c.MatchedUserIDs = append([]string(nil), s.MatchedUserIDs...)
	}
	return &c
}

// IsStale reports whether the cached count is missing or older than maxAge.
func (s *Segment) IsStale(now time.Time, maxAge time.Duration) bool {
	if s.LastEvaluatedAt == nil {
		return true
	}
	return now.Sub(*s.LastEvaluatedAt) > maxAge
}

// ReferencedSegments returns the child ids of a composite segment, nil otherwise.
func (s *Segment) ReferencedSegments() []string {
	if def, ok := s.Definition.(CompositeDefinition); ok {
		return def.Rule.SegmentIDs
	}
	return nil
}

// Validate checks the structural invariants that do not need other segments.
func (s *Segment) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("segment name is required")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("unknown segment type %q", s.Type)
	}
	if s.Definition == nil {
		return fmt.Errorf("segment %q has no definition", s.Name)
	}
	if s.Definition.SegmentType() != s.Type {
		return fmt.Errorf("segment type %q does not match %s definition", s.Type, s.Definition.SegmentType())
	}
	switch def := s.Definition.(type) {
	case CompositeDefinition:
		if !def.Rule.Operator.Valid() {
			return fmt.Errorf("unknown composite operator %q", def.Rule.Operator)
		}
		if len(def.Rule.SegmentIDs) == 0 {
			return fmt.Errorf("composite segment needs at least one child segment")
		}
	case BehavioralDefinition:
		if def.WindowDays < 0 {
			return fmt.Errorf("window_days must not be negative")
		}
	}
	return nil
}

type segmentJSON struct {
	*segmentAlias
	Definition json.RawMessage `json:"definition"`
}

type segmentAlias Segment

// MarshalJSON writes the segment with its definition as a nested document.
func (s Segment) MarshalJSON() ([]byte, error) {
	doc, err := EncodeDefinition(s.Definition)
	if err != nil {
		return nil, err
	}
	alias := segmentAlias(s)
	return json.Marshal(segmentJSON{segmentAlias: &alias, Definition: doc})
}

// UnmarshalJSON reads a segment, decoding the definition by segment type.
func (s *Segment) UnmarshalJSON(data []byte) error {
	aux := segmentJSON{segmentAlias: (*segmentAlias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	def, err := DecodeDefinition(s.Type, aux.Definition)
	if err != nil {
		return err
	}
	s.Definition = def
	return nil
}

// EvaluationResult is the outcome of resolving one segment.
type EvaluationResult struct {
	SegmentID      string      `json:"segment_id"`
	SegmentType    SegmentType `json:"segment_type"`
	UserCount      int         `json:"user_count"`
	EvaluatedAt    time.Time   `json:"evaluated_at"`
	MatchedUserIDs []string    `json:"matched_user_ids,omitempty"`
	Truncated      bool        `json:"truncated,omitempty"`
	DurationMs     int64       `json:"duration_ms"`
}

// =============================================================================
// PERSISTED DOCUMENT
// =============================================================================

// definitionDocument is the stored JSON shape of a definition. FilterCriteria
// is the legacy flat map form and is only read, never written.
type definitionDocument struct {
	UserIDs        []string       `json:"user_ids,omitempty"`
	Rules          []SegmentRule  `json:"rules,omitempty"`
	FilterCriteria map[string]any `json:"filter_criteria,omitempty"`
	CompositeRule  *CompositeRule `json:"composite_rule,omitempty"`
	WindowDays     int            `json:"window_days,omitempty"`
}

// EncodeDefinition renders d as its persisted JSON document.
func EncodeDefinition(d Definition) (json.RawMessage, error) {
	var doc definitionDocument
	switch def := d.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case StaticDefinition:
		doc.UserIDs = def.UserIDs
	case DynamicDefinition:
		doc.Rules = def.Rules
	case BehavioralDefinition:
		doc.Rules = def.Rules
		doc.WindowDays = def.WindowDays
	case CompositeDefinition:
		rule := def.Rule
		doc.CompositeRule = &rule
	default:
		return nil, fmt.Errorf("unsupported definition %T", d)
	}
	return json.Marshal(doc)
}

// DecodeDefinition parses a persisted definition document for a segment of
// type t. A legacy filter_criteria map becomes a single canonical rule.
func DecodeDefinition(t SegmentType, raw json.RawMessage) (Definition, error) {
	var doc definitionDocument
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode %s definition: %w", t, err)
		}
	}

	switch t {
	case SegmentStatic:
		ids := doc.UserIDs
		if ids == nil && doc.FilterCriteria != nil {
			ids = stringList(doc.FilterCriteria["user_ids"])
		}
		return StaticDefinition{UserIDs: ids}, nil
	case SegmentDynamic, SegmentBehavioral:
		rules := doc.Rules
		if rules == nil && doc.FilterCriteria != nil {
			legacy, err := RulesFromFilterCriteria(doc.FilterCriteria)
			if err != nil {
				return nil, err
			}
			rules = legacy
		}
		if t == SegmentDynamic {
			return DynamicDefinition{Rules: rules}, nil
		}
		return BehavioralDefinition{Rules: rules, WindowDays: doc.WindowDays}, nil
	case SegmentComposite:
		if doc.CompositeRule == nil {
			return CompositeDefinition{}, nil
		}
		return CompositeDefinition{Rule: *doc.CompositeRule}, nil
	}
	return nil, fmt.Errorf("unknown segment type %q", t)
}

// legacyOperatorKey is the reserved filter_criteria key that selects OR.
const legacyOperatorKey = "operator"

// RulesFromFilterCriteria converts the legacy flat filter map into one rule.
// Each key becomes an equality criterion unless its value is an object of the
// form {"operator": op, "value": v}. The criteria are combined with AND unless
// the map carries an "operator" key.
func RulesFromFilterCriteria(filter map[string]any) ([]SegmentRule, error) {
	rule := SegmentRule{Operator: LogicAnd}
	if op, ok := filter[legacyOperatorKey]; ok {
		s, isString := op.(string)
		if !isString {
			return nil, fmt.Errorf("filter_criteria operator must be a string, got %T", op)
		}
		rule.Operator = LogicOperator(s).Normalize()
		if rule.Operator != LogicAnd && rule.Operator != LogicOr {
			return nil, fmt.Errorf("filter_criteria operator must be AND or OR, got %q", s)
		}
	}

	fields := make([]string, 0, len(filter))
	for field := range filter {
		if field != legacyOperatorKey {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	for _, field := range fields {
		c := Criterion{Field: field, Operator: OpEquals, Value: filter[field]}
		if nested, ok := filter[field].(map[string]any); ok {
			if op, hasOp := nested["operator"].(string); hasOp {
				c.Operator = Operator(op)
				c.Value = nested["value"]
			}
		}
		rule.Criteria = append(rule.Criteria, c)
	}
	return []SegmentRule{rule}, nil
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}
