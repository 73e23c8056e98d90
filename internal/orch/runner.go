package orch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/envforge-io/envforge/internal/logging"
)

// Runner executes a single phase: precondition gating, the phase's retry
// policy, and intra-phase unit fan-out. It never runs two phases at once;
// the orchestrator drives it strictly sequentially.
type Runner struct {
	defaultParallelism int
}

// NewRunner returns a runner whose unit pools default to parallelism.
func NewRunner(parallelism int) *Runner {
	if parallelism <= 0 {
		parallelism = 10
	}
	return &Runner{defaultParallelism: parallelism}
}

// Execute runs one phase against a copy of the phase context and returns the
// outcome plus the context updates to persist. A destructive phase, once
// started, runs to its own completion or failure: its action is shielded
// from cancellation so a half-finished delete never leaves a resource in a
// state the conflict resolver cannot classify.
func (r *Runner) Execute(ctx context.Context, plan *Plan, ph Phase, pc Context) (Outcome, Context) {
	log := logging.ForPhase(plan.ID, ph.Index, ph.Name)

	if err := r.checkPreconditions(ctx, ph, pc, log); err != nil {
		return r.outcomeFor(ph, err, 0), nil
	}

	actionCtx := ctx
	if ph.Destructive {
		actionCtx = context.WithoutCancel(ctx)
	}

	attempts := 0
	maxAttempts := ph.Retry.MaxAttempts
	if maxAttempts <= 0 || !ph.Idempotent {
		maxAttempts = 1
	}

	var updates Context
	var err error
	for attempts < maxAttempts {
		attempts++
		updates, err = r.runOnce(actionCtx, plan, ph, pc.Clone(), log)
		if err == nil {
			return Outcome{Kind: OutcomeSuccess, Attempts: attempts}, updates
		}
		if !IsTransient(err) || attempts >= maxAttempts {
			break
		}
		log.Warn("phase attempt failed, retrying", "attempt", attempts, "error", err)
		select {
		case <-time.After(ph.Retry.Delay):
		case <-ctx.Done():
			return Outcome{Kind: OutcomeCancelled, Err: ctx.Err(), Attempts: attempts}, nil
		}
	}

	return r.outcomeFor(ph, err, attempts), nil
}

func (r *Runner) runOnce(ctx context.Context, plan *Plan, ph Phase, pc Context, log *slog.Logger) (Context, error) {
	if ph.Units != nil {
		return nil, r.runUnits(ctx, plan, ph, pc, log)
	}
	return ph.Action(ctx, pc)
}

// runUnits fans independent units out on a bounded worker pool and waits for
// all of them. Unit failures are aggregated; the phase fails only when they
// exceed the phase's tolerance.
func (r *Runner) runUnits(ctx context.Context, plan *Plan, ph Phase, pc Context, log *slog.Logger) error {
	units := ph.Units(pc)
	if len(units) == 0 {
		return nil
	}

	parallelism := ph.Parallelism
	if parallelism <= 0 {
		parallelism = plan.DefaultParallelism
	}
	if parallelism <= 0 {
		parallelism = r.defaultParallelism
	}

	queue := make(chan Unit, len(units))
	for _, u := range units {
		queue <- u
	}
	close(queue)

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	workers := parallelism
	if len(units) < workers {
		workers = len(units)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range queue {
				start := time.Now()
				if err := u.Run(ctx); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("unit %s: %w", u.Name, err))
					mu.Unlock()
					log.Warn("unit failed", "unit", u.Name, "duration", time.Since(start), "error", err)
					continue
				}
				log.Info("unit completed", "unit", u.Name, "duration", time.Since(start))
			}
		}()
	}
	wg.Wait()

	if len(errs) > ph.UnitTolerance {
		return fmt.Errorf("%d/%d units failed (tolerance %d): %w",
			len(errs), len(units), ph.UnitTolerance, errors.Join(errs...))
	}
	if len(errs) > 0 {
		log.Warn("units failed within tolerance", "failed", len(errs), "tolerance", ph.UnitTolerance)
	}
	return nil
}

// checkPreconditions evaluates each guard, remediating inline where a
// remediation is defined and re-checking afterwards.
func (r *Runner) checkPreconditions(ctx context.Context, ph Phase, pc Context, log *slog.Logger) error {
	for _, pre := range ph.Preconditions {
		met, err := pre.Check(ctx, pc)
		if err != nil {
			return NewFailure(ClassPreconditionUnmet, "check "+pre.Name, err)
		}
		if met {
			continue
		}
		if pre.Remediate == nil {
			return NewFailure(ClassPreconditionUnmet, pre.Name, fmt.Errorf("unmet and no remediation defined"))
		}
		log.Info("remediating unmet precondition", "precondition", pre.Name)
		if err := pre.Remediate(ctx, pc); err != nil {
			return NewFailure(ClassPreconditionUnmet, "remediate "+pre.Name, err)
		}
		met, err = pre.Check(ctx, pc)
		if err != nil || !met {
			return NewFailure(ClassPreconditionUnmet, pre.Name, fmt.Errorf("still unmet after remediation: %v", err))
		}
	}
	return nil
}

func (r *Runner) outcomeFor(ph Phase, err error, attempts int) Outcome {
	if ClassOf(err) == ClassCancelled {
		return Outcome{Kind: OutcomeCancelled, Err: err, Attempts: attempts}
	}
	out := Outcome{Err: err, Attempts: attempts, ManualActions: GuidanceOf(err)}
	if ph.OnFailure == FailWarn {
		out.Kind = OutcomeWarn
	} else {
		out.Kind = OutcomeFatal
	}
	return out
}
