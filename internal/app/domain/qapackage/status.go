// Package qapackage defines the QA package aggregate and its lifecycle
// state machine. The transition table is the single source of truth for
// which status changes are legal; everything that mutates a package's
// status goes through Transition.
package qapackage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status represents the lifecycle status of a QA package.
type Status string

const (
	// StatusRequested indicates the package has been created and is waiting
	// for its spec to be fetched.
	StatusRequested Status = "REQUESTED"

	// StatusSpecFetched indicates the OpenAPI spec has been retrieved and hashed.
	StatusSpecFetched Status = "SPEC_FETCHED"

	// StatusFailedSpecFetch indicates the spec source could not be retrieved.
	StatusFailedSpecFetch Status = "FAILED_SPEC_FETCH"

	// StatusAISuccess indicates scenario generation finished, possibly with a
	// fallback-flagged empty result.
	StatusAISuccess Status = "AI_SUCCESS"

	// StatusFailedGeneration indicates scenario generation failed fatally.
	StatusFailedGeneration Status = "FAILED_GENERATION"

	// StatusExecutionInProgress indicates scenarios are being executed against
	// the target API.
	StatusExecutionInProgress Status = "EXECUTION_IN_PROGRESS"

	// StatusFailedExecution indicates execution could not run or complete.
	StatusFailedExecution Status = "FAILED_EXECUTION"

	// StatusExecutionComplete indicates all scenarios have been executed.
	StatusExecutionComplete Status = "EXECUTION_COMPLETE"

	// StatusQAEvalInProgress indicates AI evaluation of the results is running.
	StatusQAEvalInProgress Status = "QA_EVAL_IN_PROGRESS"

	// StatusQAEvalDone indicates evaluation produced a report.
	StatusQAEvalDone Status = "QA_EVAL_DONE"

	// StatusComplete is the successful terminal state.
	StatusComplete Status = "COMPLETE"

	// StatusCancelled is the terminal state for operator-cancelled packages.
	StatusCancelled Status = "CANCELLED"
)

// AllStatuses lists every defined status. Used by exhaustive table tests
// and by the HTTP layer for validation.
var AllStatuses = []Status{
	StatusRequested,
	StatusSpecFetched,
	StatusFailedSpecFetch,
	StatusAISuccess,
	StatusFailedGeneration,
	StatusExecutionInProgress,
	StatusFailedExecution,
	StatusExecutionComplete,
	StatusQAEvalInProgress,
	StatusQAEvalDone,
	StatusComplete,
	StatusCancelled,
}

// ValidTransitions defines the allowed status transitions. Terminal states
// have no outgoing edges and are deliberately absent.
var ValidTransitions = map[Status][]Status{
	StatusRequested:           {StatusSpecFetched, StatusFailedSpecFetch, StatusCancelled},
	StatusSpecFetched:         {StatusAISuccess, StatusFailedGeneration, StatusCancelled},
	StatusAISuccess:           {StatusExecutionInProgress, StatusFailedExecution, StatusCancelled},
	StatusExecutionInProgress: {StatusExecutionComplete, StatusFailedExecution, StatusCancelled},
	StatusExecutionComplete:   {StatusQAEvalInProgress, StatusComplete, StatusCancelled},
	StatusQAEvalInProgress:    {StatusQAEvalDone, StatusComplete, StatusCancelled},
	StatusQAEvalDone:          {StatusComplete},
}

// ParseStatus converts a string to Status. Unknown strings yield an error
// rather than a zero value so persisted rows can never round-trip silently.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown package status %q", s)
}

// String returns the wire representation of the status.
func (s Status) String() string { return string(s) }

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsTerminal returns true for statuses with no outgoing edges.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusFailedSpecFetch,
		StatusFailedGeneration, StatusFailedExecution:
		return true
	}
	return false
}

// IsFailed returns true for the FAILED_* family.
func (s Status) IsFailed() bool {
	switch s {
	case StatusFailedSpecFetch, StatusFailedGeneration, StatusFailedExecution:
		return true
	}
	return false
}

// CanTransition returns true if the transition from -> to is in the table.
func CanTransition(from, to Status) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ReachableFrom returns the set of statuses directly reachable from s.
func ReachableFrom(s Status) []Status {
	allowed := ValidTransitions[s]
	out := make([]Status, len(allowed))
	copy(out, allowed)
	return out
}

// TransitionError reports an illegal status transition request. It is the
// one error class allowed to escape the orchestration core: it signals a
// bug in the caller (duplicated or racing orchestrator runs), never a
// downstream fault.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements error.
func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid package transition: %s -> %s", e.From, e.To)
}

// Transition returns a copy of pkg moved to the target status.
//
// Requesting the current status of a non-terminal package is an idempotent
// no-op success, which makes the orchestrator loop safe under at-least-once
// delivery. Every other request not present in the transition table fails
// with TransitionError and leaves the package untouched; illegal requests
// are never clamped or coerced.
//
// Successful transitions stamp UpdatedAt. Transitions into COMPLETE,
// CANCELLED or any FAILED_* state additionally stamp CompletedAt.
func Transition(pkg QaPackage, target Status) (QaPackage, error) {
	if pkg.Status == target && !pkg.Status.IsTerminal() {
		return pkg, nil
	}
	if !CanTransition(pkg.Status, target) {
		return pkg, TransitionError{From: pkg.Status, To: target}
	}

	now := time.Now().UTC()
	pkg.Status = target
	pkg.UpdatedAt = now
	if pkg.StartedAt.IsZero() && target != StatusCancelled {
		pkg.StartedAt = now
	}
	if target == StatusComplete || target == StatusCancelled || target.IsFailed() {
		pkg.CompletedAt = now
	}
	return pkg, nil
}
