package schemas

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the closed taxonomy of failures that may cross the engine
// boundary. Every surfaced error carries a kind, the step index it occurred
// at, and a human-readable message; no uncategorized failure leaves the
// engine.
type ErrorKind string

const (
	KindPlanning     ErrorKind = "planning_error"
	KindResolution   ErrorKind = "resolution_error"
	KindAction       ErrorKind = "action_error"
	KindVerification ErrorKind = "verification_error"
	KindPrivacy      ErrorKind = "privacy_violation_risk"
	KindFatal        ErrorKind = "fatal_task_error"
)

// TaskError is the single error type the engine surfaces. StepIndex is -1
// for failures not attributable to a specific step.
type TaskError struct {
	Kind      ErrorKind
	StepIndex int
	Message   string
	Err       error
}

func (e *TaskError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StepIndex >= 0 {
		fmt.Fprintf(&b, " (step %d)", e.StepIndex)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError builds a TaskError; wrapped may be nil.
func NewTaskError(kind ErrorKind, stepIndex int, msg string, wrapped error) *TaskError {
	return &TaskError{Kind: kind, StepIndex: stepIndex, Message: msg, Err: wrapped}
}

// KindOf extracts the taxonomy kind of err, or empty if err is not (and
// does not wrap) a TaskError.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// IsKind reports whether err belongs to the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
