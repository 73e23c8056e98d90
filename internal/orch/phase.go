package orch

import (
	"context"
	"fmt"
	"time"
)

// Mode selects which plan the orchestrator builds and runs.
type Mode string

const (
	// ModeRebuild destroys and recreates the environment in place.
	ModeRebuild Mode = "rebuild"
	// ModeStandup stands the environment up in an alternate region as a
	// disaster-recovery stack.
	ModeStandup Mode = "standup"
)

// FailurePolicy determines how the orchestrator reacts when a phase fails
// after its own retries and remediations are exhausted.
type FailurePolicy string

const (
	// FailFatal stops the plan immediately. The checkpoint stays at the last
	// successful index; no rollback is attempted.
	FailFatal FailurePolicy = "fatal"
	// FailWarn records the failure in the run report, checkpoints the phase
	// as complete and advances.
	FailWarn FailurePolicy = "warn"
)

// Context carries values between phases. Phase actions return updates which
// the orchestrator merges and persists with the checkpoint; actions never
// write to shared process state directly.
type Context map[string]string

// Clone returns a copy safe to hand to a phase action.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge folds updates into the context, returning the receiver.
func (c Context) Merge(updates Context) Context {
	for k, v := range updates {
		c[k] = v
	}
	return c
}

// Action is the work a phase performs. It receives a copy of the phase
// context and returns updates to merge into it.
type Action func(ctx context.Context, pc Context) (Context, error)

// Unit is one independent piece of intra-phase work, e.g. one service's
// image build. Units within a phase have no ordering guarantee relative to
// each other.
type Unit struct {
	Name string
	Run  func(ctx context.Context) error
}

// Precondition guards a phase. If Check reports unmet and Remediate is set,
// the runner remediates inline and re-checks; an unmet precondition without
// remediation is a fatal outcome.
type Precondition struct {
	Name      string
	Check     func(ctx context.Context, pc Context) (bool, error)
	Remediate func(ctx context.Context, pc Context) error
}

// RetrySpec is the per-phase retry policy applied by the runner.
// MaxAttempts counts the first attempt; zero means exactly one attempt.
type RetrySpec struct {
	MaxAttempts int
	Delay       time.Duration
}

// Phase is one step of a plan. Phases are totally ordered; a later phase
// never starts before an earlier one reports success or warn-continue.
type Phase struct {
	Index       int
	Name        string
	Destructive bool

	// Idempotent marks the action safe to re-run after a partial attempt.
	// The runner retries only idempotent phases, whatever Retry says.
	Idempotent    bool
	OnFailure     FailurePolicy
	Retry         RetrySpec
	Preconditions []Precondition

	// Action and Units are alternatives. When Units is set the runner fans
	// the units out on a bounded worker pool and the phase completes when
	// all units complete.
	Action Action
	Units  func(pc Context) []Unit

	// UnitTolerance is the number of unit failures the phase absorbs before
	// it is considered failed. Infrastructure phases use zero.
	UnitTolerance int

	// Parallelism bounds the unit worker pool. Zero means the plan default.
	Parallelism int
}

// Plan is an immutable ordered sequence of phases plus identity.
type Plan struct {
	ID         string
	Mode       Mode
	Phases     []Phase
	FailOnWarn bool

	// DefaultParallelism bounds unit fan-out for phases that don't set
	// their own.
	DefaultParallelism int
}

// Validate checks the structural invariants a plan must satisfy before the
// orchestrator will run it.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("plan has no identifier")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan %s has no phases", p.ID)
	}
	seen := make(map[string]bool, len(p.Phases))
	for i, ph := range p.Phases {
		if ph.Index != i {
			return fmt.Errorf("plan %s: phase %q has index %d, want %d", p.ID, ph.Name, ph.Index, i)
		}
		if ph.Name == "" {
			return fmt.Errorf("plan %s: phase %d has no name", p.ID, i)
		}
		if seen[ph.Name] {
			return fmt.Errorf("plan %s: duplicate phase name %q", p.ID, ph.Name)
		}
		seen[ph.Name] = true
		if ph.Action == nil && ph.Units == nil {
			return fmt.Errorf("plan %s: phase %q has neither action nor units", p.ID, ph.Name)
		}
		if ph.OnFailure != FailFatal && ph.OnFailure != FailWarn {
			return fmt.Errorf("plan %s: phase %q has unknown failure policy %q", p.ID, ph.Name, ph.OnFailure)
		}
	}
	return nil
}

// OutcomeKind is the terminal classification of one phase execution.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeWarn      OutcomeKind = "warn"
	OutcomeFatal     OutcomeKind = "fatal"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is what the runner hands back to the orchestrator for one phase.
type Outcome struct {
	Kind     OutcomeKind
	Err      error
	Attempts int

	// ManualActions lists operator commands that would resolve the failure.
	// A healthy run produces none; their presence is a safety net, not an
	// accepted steady state.
	ManualActions []string
}
