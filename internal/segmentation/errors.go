package segmentation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/audience-engine/internal/domain"
)

// Sentinel errors for the segmentation layer.
var (
	ErrInvalidCriterion  = errors.New("invalid criterion")
	ErrInvalidDefinition = errors.New("invalid segment definition")
	ErrSegmentNotFound   = errors.New("segment not found")
	ErrCyclicComposite   = errors.New("cyclic composite segment")
	ErrInUse             = errors.New("segment is in use")
	ErrTypeChange        = errors.New("segment type cannot be changed")
	ErrStoreUnavailable  = errors.New("segment store unavailable")
	ErrSourceUnavailable = errors.New("user source unavailable")

	// ErrDefinitionChanged is returned by Repository.SetEvaluationResult when
	// the segment was updated after the evaluated snapshot was read.
	ErrDefinitionChanged  = errors.New("segment changed since evaluation started")
	ErrCoordinatorStopped = errors.New("evaluation coordinator stopped")
)

// InvalidCriterionError describes a criterion that cannot be turned into a predicate.
type InvalidCriterionError struct {
	SegmentID string
	Field     string
	Operator  domain.Operator
	Reason    string
}

func (e *InvalidCriterionError) Error() string {
	var b strings.Builder
	b.WriteString("invalid criterion")
	if e.SegmentID != "" {
		fmt.Fprintf(&b, " in segment %s", e.SegmentID)
	}
	fmt.Fprintf(&b, " (field=%q operator=%q): %s", e.Field, e.Operator, e.Reason)
	return b.String()
}

func (e *InvalidCriterionError) Unwrap() error { return ErrInvalidCriterion }

// NotFoundError names the segment id that does not exist.
type NotFoundError struct {
	SegmentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("segment %s not found", e.SegmentID)
}

func (e *NotFoundError) Unwrap() error { return ErrSegmentNotFound }

// CyclicCompositeError carries the reference chain that closes the cycle,
// starting and ending with the same id.
type CyclicCompositeError struct {
	Chain []string
}

func (e *CyclicCompositeError) Error() string {
	return "cyclic composite segment: " + strings.Join(e.Chain, " -> ")
}

func (e *CyclicCompositeError) Unwrap() error { return ErrCyclicComposite }

// UnavailableError wraps an infrastructure failure with the kind of
// dependency that failed (ErrStoreUnavailable or ErrSourceUnavailable).
type UnavailableError struct {
	Kind error
	Op   string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{e.Kind, e.Err} }

// StoreError marks err as a segment store failure.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &UnavailableError{Kind: ErrStoreUnavailable, Op: op, Err: err}
}

// SourceError marks err as a user or behavior source failure. Errors that
// already carry a segmentation sentinel are returned unchanged.
func SourceError(op string, err error) error {
	if err == nil || errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return &UnavailableError{Kind: ErrSourceUnavailable, Op: op, Err: err}
}

// NotFound returns a NotFoundError for id.
func NotFound(id string) error {
	return &NotFoundError{SegmentID: id}
}
