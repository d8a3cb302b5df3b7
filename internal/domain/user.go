package domain

import "time"

// User is one member of the audience universe as seen by the engine: an
// opaque identifier plus an attribute document. Nested objects are
// map[string]any so dotted field paths can walk into them.
type User struct {
	ID         string         `json:"id" db:"id"`
	Attributes map[string]any `json:"attributes" db:"attributes"`
}

// BehaviorEvent is a single tracked user action.
type BehaviorEvent struct {
	UserID     string         `json:"user_id" db:"user_id"`
	Name       string         `json:"event_name" db:"event_name"`
	OccurredAt time.Time      `json:"occurred_at" db:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty" db:"properties"`
}

// Behavior rule fields. Behavioral rules are evaluated against one row per
// (user, event name) aggregate; properties are addressed as "properties.<key>".
const (
	BehaviorFieldEvent           = "event"
	BehaviorFieldCount           = "count"
	BehaviorFieldFirstOccurredAt = "first_occurred_at"
	BehaviorFieldLastOccurredAt  = "last_occurred_at"
	BehaviorFieldProperties      = "properties"
)
