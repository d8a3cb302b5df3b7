// Package domain defines the core types of the audience segmentation engine.
//
// Types in this package are value objects shared by the evaluation engine,
// the repositories and the result sinks. They carry no database handles and
// no transport concerns.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no redis clients, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation and conversion methods are allowed (pure functions on the type)
//   - Constants and enums belong here
package domain
