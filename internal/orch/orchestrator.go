package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/envforge-io/envforge/internal/checkpoint"
	"github.com/envforge-io/envforge/internal/logging"
)

// Orchestrator owns the ordered phase list and drives the runner strictly
// sequentially. It is the only writer of the checkpoint store.
type Orchestrator struct {
	store  checkpoint.Store
	runner *Runner
}

// New builds an orchestrator on top of a checkpoint store.
func New(store checkpoint.Store, runner *Runner) *Orchestrator {
	if runner == nil {
		runner = NewRunner(0)
	}
	return &Orchestrator{store: store, runner: runner}
}

// Resume loads the checkpoint for the plan, or nil when none exists.
func (o *Orchestrator) Resume(ctx context.Context, planID string) (*checkpoint.Checkpoint, error) {
	cp, err := o.store.Load(ctx, planID)
	if err == checkpoint.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", planID, err)
	}
	return cp, nil
}

// Run executes the plan. When resume is non-nil, every phase with index at or
// below the checkpointed index is skipped outright: no re-invocation, no
// re-validation. That is the guarantee that resume never repeats destructive
// work. The report is always returned, alongside an error when the run did
// not reach terminal success.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan, resume *checkpoint.Checkpoint) (*RunReport, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	if locker, ok := o.store.(checkpoint.Locker); ok {
		if err := locker.Lock(ctx, plan.ID); err != nil {
			return nil, fmt.Errorf("failed to lock plan %s: %w", plan.ID, err)
		}
		defer func() {
			if err := locker.Unlock(context.WithoutCancel(ctx), plan.ID); err != nil {
				logging.Warn("failed to release plan lock", "plan", plan.ID, "error", err)
			}
		}()
	}

	report := NewRunReport(plan)
	pc := Context{}
	skipThrough := -1
	if resume != nil {
		if resume.PlanID != plan.ID {
			return nil, fmt.Errorf("checkpoint belongs to plan %s, not %s", resume.PlanID, plan.ID)
		}
		skipThrough = resume.CompletedPhaseIndex
		pc = Context(resume.PhaseContext).Clone()
		report.Resumed = true
		report.ResumedFrom = skipThrough + 1
		logging.Info("resuming plan", "plan", plan.ID, "from_phase", skipThrough+1)
	}

	for _, ph := range plan.Phases {
		if ph.Index <= skipThrough {
			report.AppendSkipped(ph)
			continue
		}

		// Operator cancellation between phases is a clean stop: the next
		// phase simply does not start.
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			report.Finalize()
			return report, NewFailure(ClassCancelled, "plan "+plan.ID, err)
		}

		log := logging.ForPhase(plan.ID, ph.Index, ph.Name)
		log.Info("phase starting", "destructive", ph.Destructive)

		start := time.Now()
		out, updates := o.runner.Execute(ctx, plan, ph, pc)
		report.Append(ph, out, time.Since(start))

		switch out.Kind {
		case OutcomeSuccess, OutcomeWarn:
			if out.Kind == OutcomeWarn {
				log.Warn("phase completed with warning", "error", out.Err)
				if plan.FailOnWarn {
					report.FailedPhase = ph.Index
					report.Finalize()
					return report, fmt.Errorf("phase %d (%s) warned and plan is fail-on-warn: %w", ph.Index, ph.Name, out.Err)
				}
			} else {
				log.Info("phase completed", "duration", time.Since(start), "attempts", out.Attempts)
			}
			pc.Merge(updates)
			if err := o.saveCheckpoint(ctx, plan, ph.Index, pc); err != nil {
				report.FailedPhase = ph.Index
				report.Finalize()
				return report, err
			}

		case OutcomeCancelled:
			log.Warn("phase cancelled")
			report.Cancelled = true
			report.Finalize()
			return report, NewFailure(ClassCancelled, fmt.Sprintf("phase %d (%s)", ph.Index, ph.Name), out.Err)

		default:
			// Fatal: leave the checkpoint at the last successful index and
			// stop. Rollback of a partially rebuilt environment is operator
			// driven, never automatic.
			log.Error("phase failed", "attempts", out.Attempts, "error", out.Err)
			for _, cmd := range out.ManualActions {
				log.Error("manual resolution available", "command", cmd)
			}
			report.FailedPhase = ph.Index
			report.Finalize()
			return report, fmt.Errorf("phase %d (%s) failed: %w", ph.Index, ph.Name, out.Err)
		}
	}

	// Terminal success: the checkpoint has served its purpose.
	if err := o.store.Delete(ctx, plan.ID); err != nil {
		logging.Warn("failed to delete checkpoint after terminal success", "plan", plan.ID, "error", err)
	}
	report.Finalize()
	return report, nil
}

// saveCheckpoint persists progress after a completed or warn-continued phase.
// Checkpoint writes are shielded from cancellation: losing the record of an
// already-executed destructive phase is worse than a late write.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, plan *Plan, index int, pc Context) error {
	cp := &checkpoint.Checkpoint{
		PlanID:              plan.ID,
		CompletedPhaseIndex: index,
		PhaseContext:        map[string]string(pc.Clone()),
	}
	if err := o.store.Save(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("failed to checkpoint phase %d: %w", index, err)
	}
	return nil
}
