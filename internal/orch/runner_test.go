package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan(phases ...Phase) *Plan {
	for i := range phases {
		phases[i].Index = i
	}
	return &Plan{ID: "test-plan", Mode: ModeRebuild, Phases: phases, DefaultParallelism: 4}
}

func TestExecute_Success(t *testing.T) {
	r := NewRunner(0)
	ph := Phase{Name: "ok", OnFailure: FailFatal, Action: func(ctx context.Context, pc Context) (Context, error) {
		return Context{"k": "v"}, nil
	}}
	plan := testPlan(ph)

	out, updates := r.Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "v", updates["k"])
}

func TestExecute_RetriesOnlyTransient(t *testing.T) {
	var calls int32
	ph := Phase{
		Name:       "flaky",
		Idempotent: true,
		OnFailure:  FailFatal,
		Retry:      RetrySpec{MaxAttempts: 3, Delay: time.Millisecond},
		Action: func(ctx context.Context, pc Context) (Context, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, NewFailure(ClassTransient, "remote call", errors.New("throttled"))
			}
			return nil, nil
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, 3, out.Attempts)
}

func TestExecute_NoRetryOnFatalClass(t *testing.T) {
	var calls int32
	ph := Phase{
		Name:       "broken",
		Idempotent: true,
		OnFailure:  FailFatal,
		Retry:      RetrySpec{MaxAttempts: 3, Delay: time.Millisecond},
		Action: func(ctx context.Context, pc Context) (Context, error) {
			atomic.AddInt32(&calls, 1)
			return nil, NewFailure(ClassDriftConflict, "apply", errors.New("not converged"))
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeFatal, out.Kind)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestExecute_UnclassifiedErrorIsFatal(t *testing.T) {
	ph := Phase{
		Name:       "mystery",
		Idempotent: true,
		OnFailure:  FailFatal,
		Retry:      RetrySpec{MaxAttempts: 3, Delay: time.Millisecond},
		Action: func(ctx context.Context, pc Context) (Context, error) {
			return nil, errors.New("something nobody has seen before")
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeFatal, out.Kind)
	assert.Equal(t, 1, out.Attempts)
}

func TestExecute_WarnPolicy(t *testing.T) {
	ph := Phase{
		Name:      "best effort",
		OnFailure: FailWarn,
		Action: func(ctx context.Context, pc Context) (Context, error) {
			return nil, NewFailure(ClassTimedOutWaiting, "secondary domain", errors.New("not ready"))
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeWarn, out.Kind)
}

func TestExecute_DestructiveShieldedFromCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	ph := Phase{
		Name:        "delete things",
		Destructive: true,
		OnFailure:   FailFatal,
		Action: func(ctx context.Context, pc Context) (Context, error) {
			ran = true
			require.NoError(t, ctx.Err())
			return nil, nil
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(ctx, plan, plan.Phases[0], Context{})
	assert.True(t, ran)
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestExecute_PreconditionRemediation(t *testing.T) {
	met := false
	ph := Phase{
		Name:      "guarded",
		OnFailure: FailFatal,
		Preconditions: []Precondition{{
			Name: "thing exists",
			Check: func(ctx context.Context, pc Context) (bool, error) {
				return met, nil
			},
			Remediate: func(ctx context.Context, pc Context) error {
				met = true
				return nil
			},
		}},
		Action: func(ctx context.Context, pc Context) (Context, error) { return nil, nil },
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.True(t, met)
}

func TestExecute_PreconditionUnmetWithoutRemediation(t *testing.T) {
	ph := Phase{
		Name:      "guarded",
		OnFailure: FailFatal,
		Preconditions: []Precondition{{
			Name:  "never met",
			Check: func(ctx context.Context, pc Context) (bool, error) { return false, nil },
		}},
		Action: func(ctx context.Context, pc Context) (Context, error) { return nil, nil },
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeFatal, out.Kind)
	assert.Equal(t, ClassPreconditionUnmet, ClassOf(out.Err))
}

func TestRunUnits_ToleranceZero(t *testing.T) {
	ph := Phase{
		Name:      "fan out",
		OnFailure: FailFatal,
		Units: func(pc Context) []Unit {
			return []Unit{
				{Name: "a", Run: func(ctx context.Context) error { return nil }},
				{Name: "b", Run: func(ctx context.Context) error { return errors.New("build failed") }},
				{Name: "c", Run: func(ctx context.Context) error { return nil }},
			}
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeFatal, out.Kind)
	assert.Contains(t, out.Err.Error(), "unit b")
}

func TestRunUnits_WithinTolerance(t *testing.T) {
	ph := Phase{
		Name:          "best effort fan out",
		OnFailure:     FailFatal,
		UnitTolerance: 1,
		Units: func(pc Context) []Unit {
			return []Unit{
				{Name: "a", Run: func(ctx context.Context) error { return nil }},
				{Name: "b", Run: func(ctx context.Context) error { return errors.New("nope") }},
			}
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeSuccess, out.Kind)
}

func TestRunUnits_BoundedParallelism(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	unit := func(name string) Unit {
		return Unit{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}}
	}
	ph := Phase{
		Name:        "bounded",
		OnFailure:   FailFatal,
		Parallelism: 2,
		Units: func(pc Context) []Unit {
			var units []Unit
			for i := 0; i < 8; i++ {
				units = append(units, unit(fmt.Sprintf("u%d", i)))
			}
			return units
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.LessOrEqual(t, peak, 2)
}

func TestExecute_NonIdempotentNeverRetries(t *testing.T) {
	var calls int32
	ph := Phase{
		Name:      "one shot",
		OnFailure: FailFatal,
		Retry:     RetrySpec{MaxAttempts: 3, Delay: time.Millisecond},
		Action: func(ctx context.Context, pc Context) (Context, error) {
			atomic.AddInt32(&calls, 1)
			return nil, NewFailure(ClassTransient, "remote call", errors.New("throttled"))
		},
	}
	plan := testPlan(ph)

	out, _ := NewRunner(0).Execute(context.Background(), plan, plan.Phases[0], Context{})
	assert.Equal(t, OutcomeFatal, out.Kind)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
