package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels let callers test error families with errors.Is; the typed
// errors below carry the details and match their sentinel.
var (
	ErrValidation         = errors.New("validation failed")
	ErrUnknownTask        = errors.New("unknown task")
	ErrSelfDependency     = errors.New("self dependency")
	ErrCycle              = errors.New("dependency cycle")
	ErrHasDependents      = errors.New("task has dependents")
	ErrStaleSnapshot      = errors.New("stale snapshot")
	ErrInvalidProposal    = errors.New("invalid proposal")
	ErrInvariantViolation = errors.New("graph invariant violation")
)

type ValidationError struct {
	EntityID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("validation failed for %s: %s %s", e.EntityID, e.Field, e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

type UnknownTaskError struct {
	ID string
}

func (e *UnknownTaskError) Error() string { return fmt.Sprintf("unknown task %s", e.ID) }

func (e *UnknownTaskError) Is(target error) bool { return target == ErrUnknownTask }

type SelfDependencyError struct {
	ID string
}

func (e *SelfDependencyError) Error() string {
	return fmt.Sprintf("task %s cannot depend on itself", e.ID)
}

func (e *SelfDependencyError) Is(target error) bool { return target == ErrSelfDependency }

// CycleError rejects an edge From->To because To already reaches From.
// Path runs from To back to From through existing edges.
type CycleError struct {
	From string
	To   string
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return fmt.Sprintf("dependency %s -> %s would create a cycle", e.From, e.To)
	}
	return fmt.Sprintf("dependency %s -> %s would create a cycle: %s -> %s",
		e.From, e.To, e.From, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

type HasDependentsError struct {
	ID         string
	Dependents []string
}

func (e *HasDependentsError) Error() string {
	return fmt.Sprintf("task %s still has dependents: %s", e.ID, strings.Join(e.Dependents, ", "))
}

func (e *HasDependentsError) Is(target error) bool { return target == ErrHasDependents }

type StaleSnapshotError struct {
	Expected uint64
	Current  uint64
}

func (e *StaleSnapshotError) Error() string {
	return fmt.Sprintf("stale snapshot: expected version %d, store is at %d", e.Expected, e.Current)
}

func (e *StaleSnapshotError) Is(target error) bool { return target == ErrStaleSnapshot }

// InvalidProposalError wraps whatever made an externally supplied proposal
// unusable; the cause stays reachable through errors.As.
type InvalidProposalError struct {
	Reason string
	Err    error
}

func (e *InvalidProposalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid proposal: %s: %v", e.Reason, e.Err)
	}
	return "invalid proposal: " + e.Reason
}

func (e *InvalidProposalError) Unwrap() error { return e.Err }

func (e *InvalidProposalError) Is(target error) bool { return target == ErrInvalidProposal }

// GraphInvariantViolation means a cycle reached the read side. It is a store
// bug, not a caller mistake.
type GraphInvariantViolation struct {
	Nodes []string
}

func (e *GraphInvariantViolation) Error() string {
	return fmt.Sprintf("graph invariant violation: cycle among %d tasks: %s", len(e.Nodes), strings.Join(e.Nodes, ", "))
}

func (e *GraphInvariantViolation) Is(target error) bool { return target == ErrInvariantViolation }

func invalid(id, field, reason string) error {
	return &ValidationError{EntityID: id, Field: field, Reason: reason}
}
