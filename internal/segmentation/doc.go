// Package segmentation turns audience segment definitions into concrete sets
// of matching user ids.
//
// It contains the predicate builder (single criteria), the rule interpreter
// (AND/OR rule sets and the legacy filter map), the resolver (per segment
// type), the evaluation coordinator (single-flight evaluation, cached counts,
// scheduled refresh) and the definition service (authoring-time validation
// and CRUD). Storage, user attributes, behavior data and campaign references
// are reached through the interfaces in repository.go.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package segmentation
