package orch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PhaseResult is one append-only entry of the run report.
type PhaseResult struct {
	Index                 int         `json:"index"`
	Name                  string      `json:"name"`
	Outcome               OutcomeKind `json:"outcome"`
	DurationMs            int64       `json:"durationMs"`
	Attempts              int         `json:"attempts"`
	ManualActionsRequired int         `json:"manualActionsRequired"`
	ManualActions         []string    `json:"manualActions,omitempty"`
	Message               string      `json:"message,omitempty"`
	Skipped               bool        `json:"skipped,omitempty"`
}

// RunReport is the structured record of one orchestrator run. It is
// finalized exactly once, when the plan terminates.
type RunReport struct {
	RunID      string        `json:"runId"`
	PlanID     string        `json:"planId"`
	Mode       Mode          `json:"mode"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Phases     []PhaseResult `json:"phases"`

	Resumed     bool `json:"resumed"`
	ResumedFrom int  `json:"resumedFrom"`

	// FailedPhase is the index of the phase that aborted the run, or -1.
	FailedPhase int  `json:"failedPhase"`
	Cancelled   bool `json:"cancelled"`
}

// NewRunReport starts a report for one plan execution.
func NewRunReport(plan *Plan) *RunReport {
	return &RunReport{
		RunID:       uuid.New().String(),
		PlanID:      plan.ID,
		Mode:        plan.Mode,
		StartedAt:   time.Now().UTC(),
		ResumedFrom: -1,
		FailedPhase: -1,
	}
}

// Append records one phase outcome.
func (r *RunReport) Append(ph Phase, out Outcome, d time.Duration) {
	msg := ""
	if out.Err != nil {
		msg = out.Err.Error()
	}
	r.Phases = append(r.Phases, PhaseResult{
		Index:                 ph.Index,
		Name:                  ph.Name,
		Outcome:               out.Kind,
		DurationMs:            d.Milliseconds(),
		Attempts:              out.Attempts,
		ManualActionsRequired: len(out.ManualActions),
		ManualActions:         out.ManualActions,
		Message:               msg,
	})
}

// AppendSkipped records a phase skipped by resume. Skipped phases are never
// re-invoked or re-validated.
func (r *RunReport) AppendSkipped(ph Phase) {
	r.Phases = append(r.Phases, PhaseResult{
		Index:   ph.Index,
		Name:    ph.Name,
		Outcome: OutcomeSuccess,
		Skipped: true,
	})
}

// Finalize stamps the terminal state of the run.
func (r *RunReport) Finalize() {
	r.FinishedAt = time.Now().UTC()
}

// Succeeded reports whether the run reached its terminal phase without a
// fatal abort or cancellation. Warn outcomes do not block success.
func (r *RunReport) Succeeded() bool {
	return r.FailedPhase < 0 && !r.Cancelled
}

// ManualActionsTotal counts manual actions across all phases. The success
// criterion for a healthy run is zero.
func (r *RunReport) ManualActionsTotal() int {
	total := 0
	for _, p := range r.Phases {
		total += p.ManualActionsRequired
	}
	return total
}

// Warnings counts warn-continued phases.
func (r *RunReport) Warnings() int {
	n := 0
	for _, p := range r.Phases {
		if p.Outcome == OutcomeWarn {
			n++
		}
	}
	return n
}

// MarshalIndent renders the report as indented JSON for file emission.
func (r *RunReport) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
