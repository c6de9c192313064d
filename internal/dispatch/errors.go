package dispatch

import "fmt"

// Kind is one of the error taxonomy entries of spec.md §7. It is a kind,
// not a name: the dispatcher maps every internal subsystem error onto one
// of these before it ever reaches the wire.
type Kind string

const (
	KindInvalidArgument        Kind = "invalid-argument"
	KindResourceNotFound       Kind = "resource-not-found"
	KindResourceLimit          Kind = "resource-limit"
	KindExecutionFailure       Kind = "execution-failure"
	KindTimeout                Kind = "timeout"
	KindPolicyViolation        Kind = "policy-violation"
	KindSafetyRefusal          Kind = "safety-refusal"
	KindElicitationUnavailable Kind = "elicitation-unavailable"
)

// Error is the structured error every operation result carries instead of
// terminating the server (spec.md §7: "per-operation errors are structured
// results on the same response stream; they never terminate the server").
type Error struct {
	Kind    Kind           `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func withDetails(err *Error, details map[string]any) *Error {
	err.Details = details
	return err
}
