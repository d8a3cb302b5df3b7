package behavior

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

var (
	tableNamePattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*){0,2}$`)
	propertyPathPattern = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`)
)

type columnKind int

const (
	kindString columnKind = iota
	kindNumber
	kindTime
	kindBool
)

// QueryBuilder translates behavioral rules into a Snowflake query over an
// events table with columns USER_ID, EVENT_NAME, OCCURRED_AT and PROPERTIES
// (VARIANT). Rules are evaluated against one aggregate row per user and event.
type QueryBuilder struct {
	table string
	args  []any
}

// NewQueryBuilder creates a builder for the given events table.
func NewQueryBuilder(table string) (*QueryBuilder, error) {
	if table == "" {
		table = DefaultEventsTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid events table name %q", table)
	}
	return &QueryBuilder{table: table}, nil
}

// nextArg records value and returns its placeholder.
func (qb *QueryBuilder) nextArg(value any) string {
	qb.args = append(qb.args, normalizeArg(value))
	return "?"
}

// Build returns the query selecting the distinct matching user ids, ordered
// by id, together with its bind arguments.
func (qb *QueryBuilder) Build(def domain.BehavioralDefinition) (string, []any, error) {
	qb.args = make([]any, 0)

	var where []string
	for _, rule := range def.Rules {
		cond, err := qb.buildRule(rule)
		if err != nil {
			return "", nil, err
		}
		where = append(where, cond)
	}

	window := ""
	if def.WindowDays > 0 {
		// Placeholders are positional, so the window argument goes first.
		qb.args = append([]any{-def.WindowDays}, qb.args...)
		window = "\n  WHERE occurred_at >= DATEADD(day, ?, CURRENT_TIMESTAMP())"
	}

	query := `WITH agg AS (
  SELECT user_id, event_name,
    COUNT(*) AS event_count,
    MIN(occurred_at) AS first_occurred_at,
    MAX(occurred_at) AS last_occurred_at,
    MAX_BY(properties, occurred_at) AS properties
  FROM ` + qb.table + window + `
  GROUP BY user_id, event_name
)
SELECT DISTINCT user_id FROM agg`
	if len(where) > 0 {
		query += "\nWHERE " + strings.Join(where, "\n  AND ")
	}
	query += "\nORDER BY user_id"

	return query, qb.args, nil
}

func (qb *QueryBuilder) buildRule(rule domain.SegmentRule) (string, error) {
	if len(rule.Criteria) == 0 {
		return "TRUE", nil
	}
	joiner := " AND "
	switch rule.Operator.Normalize() {
	case domain.LogicAnd:
	case domain.LogicOr:
		joiner = " OR "
	default:
		return "", fmt.Errorf("%w: unknown logic operator %q", segmentation.ErrInvalidDefinition, rule.Operator)
	}

	parts := make([]string, 0, len(rule.Criteria))
	for _, c := range rule.Criteria {
		cond, err := qb.buildCriterion(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, cond)
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func (qb *QueryBuilder) buildCriterion(c domain.Criterion) (string, error) {
	if _, err := segmentation.BuildPredicate(c, nil); err != nil {
		return "", err
	}

	col, kind, err := column(c)
	if err != nil {
		return "", err
	}
	text := col
	if kind != kindString {
		text = "TO_VARCHAR(" + col + ")"
	}

	switch c.Operator {
	case domain.OpEquals:
		return col + " = " + qb.nextArg(c.Value), nil
	case domain.OpNotEquals:
		return col + " <> " + qb.nextArg(c.Value), nil
	case domain.OpGreaterThan:
		return col + " > " + qb.nextArg(c.Value), nil
	case domain.OpLessThan:
		return col + " < " + qb.nextArg(c.Value), nil
	case domain.OpGreaterOrEqual:
		return col + " >= " + qb.nextArg(c.Value), nil
	case domain.OpLessOrEqual:
		return col + " <= " + qb.nextArg(c.Value), nil
	case domain.OpContains:
		return "CONTAINS(" + text + ", " + qb.nextArg(c.Value) + ")", nil
	case domain.OpNotContains:
		return "NOT CONTAINS(" + text + ", " + qb.nextArg(c.Value) + ")", nil
	case domain.OpStartsWith:
		return "STARTSWITH(" + text + ", " + qb.nextArg(c.Value) + ")", nil
	case domain.OpEndsWith:
		return "ENDSWITH(" + text + ", " + qb.nextArg(c.Value) + ")", nil
	case domain.OpExists:
		return col + " IS NOT NULL", nil
	case domain.OpNotExists:
		return col + " IS NULL", nil
	case domain.OpIn, domain.OpNotIn:
		values := listOf(c.Value)
		if len(values) == 0 {
			if c.Operator == domain.OpIn {
				return "FALSE", nil
			}
			return col + " IS NOT NULL", nil
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = qb.nextArg(v)
		}
		op := " IN ("
		if c.Operator == domain.OpNotIn {
			op = " NOT IN ("
		}
		return col + op + strings.Join(placeholders, ", ") + ")", nil
	case domain.OpBetween:
		bounds := listOf(c.Value)
		return col + " BETWEEN " + qb.nextArg(bounds[0]) + " AND " + qb.nextArg(bounds[1]), nil
	case domain.OpMatches:
		return "REGEXP_INSTR(" + text + ", " + qb.nextArg(c.Value) + ") > 0", nil
	}
	return "", unsupported(c, "operator not supported by the behavior warehouse")
}

// column maps a behavior field onto its SQL expression. Property paths are
// cast according to the type of the comparison value.
func column(c domain.Criterion) (string, columnKind, error) {
	switch c.Field {
	case domain.BehaviorFieldEvent:
		return "event_name", kindString, nil
	case domain.BehaviorFieldCount:
		return "event_count", kindNumber, nil
	case domain.BehaviorFieldFirstOccurredAt:
		return "first_occurred_at", kindTime, nil
	case domain.BehaviorFieldLastOccurredAt:
		return "last_occurred_at", kindTime, nil
	}

	path, ok := strings.CutPrefix(c.Field, domain.BehaviorFieldProperties+".")
	if !ok {
		return "", 0, unsupported(c, "unknown behavior field")
	}
	if !propertyPathPattern.MatchString(path) {
		return "", 0, unsupported(c, "property path must contain only letters, digits and underscores")
	}
	raw := "GET_PATH(properties, '" + path + "')"

	sample := c.Value
	if list := listOf(c.Value); len(list) > 0 {
		sample = list[0]
	}
	switch normalizeArg(sample).(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "TRY_TO_DOUBLE(" + raw + "::STRING)", kindNumber, nil
	case bool:
		return raw + "::BOOLEAN", kindBool, nil
	}
	return raw + "::STRING", kindString, nil
}

func unsupported(c domain.Criterion, reason string) error {
	return &segmentation.InvalidCriterionError{Field: c.Field, Operator: c.Operator, Reason: reason}
}

func normalizeArg(v any) any {
	if n, ok := v.(json.Number); ok {
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return v
}

func listOf(v any) []any {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
