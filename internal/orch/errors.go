package orch

import (
	"context"
	"errors"
	"fmt"
)

// FailureClass is the closed taxonomy every external failure is mapped into
// before any retry or remediation decision is made. Raw error text is never
// acted on directly; anything that cannot be classified stays ClassUnknown
// and is treated as fatal.
type FailureClass string

const (
	// ClassTransient covers throttling, network flaps and 5xx responses;
	// retried in place by the runner.
	ClassTransient FailureClass = "transient"
	// ClassDriftConflict marks declarative-apply failures handed to the
	// conflict resolver.
	ClassDriftConflict FailureClass = "drift-conflict"
	// ClassDependencyBlocked marks deletes rejected because another resource
	// still references the target; handed to the teardown fallback.
	ClassDependencyBlocked FailureClass = "dependency-blocked"
	// ClassTimedOutWaiting marks health-gate expiries; escalated per phase
	// criticality.
	ClassTimedOutWaiting FailureClass = "timed-out-waiting"
	// ClassPreconditionUnmet marks guards that could not be remediated.
	ClassPreconditionUnmet FailureClass = "precondition-unmet"
	// ClassCancelled marks operator-initiated cancellation.
	ClassCancelled FailureClass = "operator-cancelled"
	// ClassUnknown is everything else. Always fatal; the system never
	// guesses a remediation for a pattern it hasn't been taught.
	ClassUnknown FailureClass = "unknown"
)

// Failure is a classified error. Guidance carries the manual command(s) that
// would resolve the condition, surfaced in the run report on fatal abort.
type Failure struct {
	Class    FailureClass
	Op       string
	Err      error
	Guidance []string
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Class, f.Op, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Op)
}

func (f *Failure) Unwrap() error { return f.Err }

// NewFailure wraps err with a class and the operation that produced it.
func NewFailure(class FailureClass, op string, err error) *Failure {
	return &Failure{Class: class, Op: op, Err: err}
}

// WithGuidance appends a manual-resolution command to the failure.
func (f *Failure) WithGuidance(cmd string) *Failure {
	f.Guidance = append(f.Guidance, cmd)
	return f
}

// ClassOf extracts the failure class from an error chain. Context
// cancellation maps to ClassCancelled; unwrapped errors are ClassUnknown.
func ClassOf(err error) FailureClass {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	return ClassUnknown
}

// IsTransient reports whether the runner may retry the operation in place.
func IsTransient(err error) bool {
	return ClassOf(err) == ClassTransient
}

// GuidanceOf collects manual-resolution commands from an error chain.
func GuidanceOf(err error) []string {
	var f *Failure
	if errors.As(err, &f) {
		return f.Guidance
	}
	return nil
}
