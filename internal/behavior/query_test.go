package behavior

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-engine/internal/domain"
	"github.com/ignite/audience-engine/internal/segmentation"
)

func crit(field string, op domain.Operator, value any) domain.Criterion {
	return domain.Criterion{Field: field, Operator: op, Value: value}
}

func TestQueryBuilder_AggregatesAndOrdersArgs(t *testing.T) {
	qb, err := NewQueryBuilder("")
	require.NoError(t, err)

	query, args, err := qb.Build(domain.BehavioralDefinition{
		WindowDays: 30,
		Rules: []domain.SegmentRule{
			{Criteria: []domain.Criterion{
				crit("event", domain.OpEquals, "purchase"),
				crit("count", domain.OpGreaterOrEqual, json.Number("3")),
			}},
			{Operator: domain.LogicOr, Criteria: []domain.Criterion{
				crit("properties.plan", domain.OpIn, []any{"pro", "team"}),
				crit("properties.cart.total", domain.OpBetween, []any{10, 100}),
			}},
		},
	})
	require.NoError(t, err)

	assert.Contains(t, query, "FROM USER_EVENTS")
	assert.Contains(t, query, "WHERE occurred_at >= DATEADD(day, ?, CURRENT_TIMESTAMP())")
	assert.Contains(t, query, "MAX_BY(properties, occurred_at) AS properties")
	assert.Contains(t, query, "(event_name = ? AND event_count >= ?)")
	assert.Contains(t, query, "(GET_PATH(properties, 'plan')::STRING IN (?, ?) OR TRY_TO_DOUBLE(GET_PATH(properties, 'cart.total')::STRING) BETWEEN ? AND ?)")
	assert.True(t, strings.HasSuffix(query, "ORDER BY user_id"))
	assert.Equal(t, []any{-30, "purchase", 3.0, "pro", "team", 10, 100}, args)
}

func TestQueryBuilder_Operators(t *testing.T) {
	tests := []struct {
		name string
		c    domain.Criterion
		want string
		args []any
	}{
		{"not equals", crit("event", domain.OpNotEquals, "login"), "event_name <> ?", []any{"login"}},
		{"contains", crit("event", domain.OpContains, "buy"), "CONTAINS(event_name, ?)", []any{"buy"}},
		{"not contains on number", crit("count", domain.OpNotContains, "1"), "NOT CONTAINS(TO_VARCHAR(event_count), ?)", []any{"1"}},
		{"starts with", crit("event", domain.OpStartsWith, "page_"), "STARTSWITH(event_name, ?)", []any{"page_"}},
		{"ends with", crit("event", domain.OpEndsWith, "_view"), "ENDSWITH(event_name, ?)", []any{"_view"}},
		{"exists", crit("properties.coupon", domain.OpExists, nil), "GET_PATH(properties, 'coupon')::STRING IS NOT NULL", nil},
		{"not exists", crit("properties.coupon", domain.OpNotExists, nil), "GET_PATH(properties, 'coupon')::STRING IS NULL", nil},
		{"empty in", crit("event", domain.OpIn, []any{}), "FALSE", nil},
		{"empty not in", crit("event", domain.OpNotIn, []string{}), "event_name IS NOT NULL", nil},
		{"not in", crit("event", domain.OpNotIn, []string{"a"}), "event_name NOT IN (?)", []any{"a"}},
		{"time", crit("last_occurred_at", domain.OpLessThan, "2026-01-01T00:00:00Z"), "last_occurred_at < ?", []any{"2026-01-01T00:00:00Z"}},
		{"bool property", crit("properties.gift", domain.OpEquals, true), "GET_PATH(properties, 'gift')::BOOLEAN = ?", []any{true}},
		{"regex", crit("event", domain.OpMatches, "^sign"), "REGEXP_INSTR(event_name, ?) > 0", []any{"^sign"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qb, err := NewQueryBuilder("analytics.events")
			require.NoError(t, err)
			query, args, err := qb.Build(domain.BehavioralDefinition{Rules: []domain.SegmentRule{{Criteria: []domain.Criterion{tt.c}}}})
			require.NoError(t, err)
			assert.Contains(t, query, "WHERE ("+tt.want+")")
			if tt.args == nil {
				assert.Empty(t, args)
			} else {
				assert.Equal(t, tt.args, args)
			}
		})
	}
}

func TestQueryBuilder_EmptyRulesSelectEveryone(t *testing.T) {
	qb, err := NewQueryBuilder("")
	require.NoError(t, err)
	query, args, err := qb.Build(domain.BehavioralDefinition{Rules: []domain.SegmentRule{{}}})
	require.NoError(t, err)
	assert.Contains(t, query, "WHERE TRUE")
	assert.Empty(t, args)

	query, _, err = qb.Build(domain.BehavioralDefinition{})
	require.NoError(t, err)
	assert.NotContains(t, query, "SELECT DISTINCT user_id FROM agg\nWHERE")
}

func TestQueryBuilder_Rejects(t *testing.T) {
	_, err := NewQueryBuilder("events; DROP TABLE x")
	assert.Error(t, err)

	qb, err := NewQueryBuilder("")
	require.NoError(t, err)

	cases := []domain.Criterion{
		crit("plan", domain.OpEquals, "pro"),
		crit("properties", domain.OpExists, nil),
		crit("properties.a'b", domain.OpEquals, "x"),
		crit("event", "approximately", "x"),
		crit("event", domain.OpBetween, []any{1}),
	}
	for _, c := range cases {
		_, _, err := qb.Build(domain.BehavioralDefinition{Rules: []domain.SegmentRule{{Criteria: []domain.Criterion{c}}}})
		assert.True(t, errors.Is(err, segmentation.ErrInvalidCriterion), "field %q operator %q: %v", c.Field, c.Operator, err)
	}

	_, _, err = qb.Build(domain.BehavioralDefinition{Rules: []domain.SegmentRule{{
		Operator: "XOR",
		Criteria: []domain.Criterion{crit("event", domain.OpEquals, "a")},
	}}})
	assert.True(t, errors.Is(err, segmentation.ErrInvalidDefinition))
}

func TestParseConnectionString(t *testing.T) {
	cfg := ParseConnectionString("scheme=https;ACCOUNT=HZ-1;HOST=hz-1.snowflakecomputing.com;port=443;USER=svc;PASSWORD=p@ss;DB=LAKE.EVENTS;WAREHOUSE=WH")

	assert.Equal(t, "HZ-1", cfg.Account)
	assert.Equal(t, "svc", cfg.User)
	assert.Equal(t, "LAKE", cfg.Database)
	assert.Equal(t, "EVENTS", cfg.Schema)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "svc:p%40ss@HZ-1/LAKE/EVENTS?warehouse=WH", cfg.DSN())

	assert.False(t, ParseConnectionString("USER=x").Enabled)
}
