package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/envforge-io/envforge/internal/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory checkpoint store for orchestrator tests.
type memStore struct {
	mu    sync.Mutex
	cps   map[string]*checkpoint.Checkpoint
	saves int
}

func newMemStore() *memStore {
	return &memStore{cps: map[string]*checkpoint.Checkpoint{}}
}

func (s *memStore) Load(_ context.Context, planID string) (*checkpoint.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[planID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	clone := *cp
	return &clone, nil
}

func (s *memStore) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cp
	s.cps[cp.PlanID] = &clone
	s.saves++
	return nil
}

func (s *memStore) Delete(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, planID)
	return nil
}

func countingPhase(name string, counts map[string]int, fail error) Phase {
	return Phase{
		Name:      name,
		OnFailure: FailFatal,
		Action: func(ctx context.Context, pc Context) (Context, error) {
			counts[name]++
			return nil, fail
		},
	}
}

func TestRun_AllPhasesInOrder(t *testing.T) {
	counts := map[string]int{}
	var order []string
	phases := make([]Phase, 0, 3)
	for _, name := range []string{"one", "two", "three"} {
		name := name
		phases = append(phases, Phase{
			Name:      name,
			OnFailure: FailFatal,
			Action: func(ctx context.Context, pc Context) (Context, error) {
				counts[name]++
				order = append(order, name)
				return nil, nil
			},
		})
	}
	plan := testPlan(phases...)
	store := newMemStore()

	report, err := New(store, nil).Run(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Equal(t, []string{"one", "two", "three"}, order)
	assert.Zero(t, report.ManualActionsTotal())

	// Checkpoint deleted at terminal success.
	_, err = store.Load(context.Background(), plan.ID)
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestRun_FatalStopsAndLeavesCheckpoint(t *testing.T) {
	counts := map[string]int{}
	plan := testPlan(
		countingPhase("one", counts, nil),
		countingPhase("boom", counts, NewFailure(ClassDriftConflict, "apply", errors.New("conflict"))),
		countingPhase("never", counts, nil),
	)
	store := newMemStore()

	report, err := New(store, nil).Run(context.Background(), plan, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "phase 1")
	assert.Equal(t, 1, report.FailedPhase)
	assert.Zero(t, counts["never"])

	cp, loadErr := store.Load(context.Background(), plan.ID)
	require.NoError(t, loadErr)
	assert.Equal(t, 0, cp.CompletedPhaseIndex)
}

func TestRun_ResumeNeverRepeatsDestruction(t *testing.T) {
	counts := map[string]int{}
	phases := make([]Phase, 0, 10)
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("phase-%d", i)
		ph := countingPhase(name, counts, nil)
		ph.Destructive = i < 5
		phases = append(phases, ph)
	}
	plan := testPlan(phases...)
	store := newMemStore()

	resume := &checkpoint.Checkpoint{
		PlanID:              plan.ID,
		CompletedPhaseIndex: 3,
		PhaseContext:        map[string]string{"carried": "forward"},
	}
	require.NoError(t, store.Save(context.Background(), resume))

	report, err := New(store, nil).Run(context.Background(), plan, resume)
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, 4, report.ResumedFrom)

	for i := 0; i < 4; i++ {
		assert.Zero(t, counts[fmt.Sprintf("phase-%d", i)], "phase %d must be skipped", i)
		assert.True(t, report.Phases[i].Skipped)
	}
	for i := 4; i < 10; i++ {
		assert.Equal(t, 1, counts[fmt.Sprintf("phase-%d", i)])
	}
}

func TestRun_InterruptedRunResumesCleanly(t *testing.T) {
	// First run fails at phase 5 of 10; the retry with the stored
	// checkpoint executes only 5-9.
	counts := map[string]int{}
	fail := true
	phases := make([]Phase, 0, 10)
	for i := 0; i < 10; i++ {
		i := i
		name := fmt.Sprintf("phase-%d", i)
		phases = append(phases, Phase{
			Name:      name,
			OnFailure: FailFatal,
			Action: func(ctx context.Context, pc Context) (Context, error) {
				if i == 5 && fail {
					return nil, NewFailure(ClassTimedOutWaiting, name, errors.New("gate timed out"))
				}
				counts[name]++
				return nil, nil
			},
		})
	}
	plan := testPlan(phases...)
	store := newMemStore()
	o := New(store, nil)

	_, err := o.Run(context.Background(), plan, nil)
	require.Error(t, err)

	fail = false
	resume, err := o.Resume(context.Background(), plan.ID)
	require.NoError(t, err)
	require.NotNil(t, resume)
	assert.Equal(t, 4, resume.CompletedPhaseIndex)

	report, err := o.Run(context.Background(), plan, resume)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, counts[fmt.Sprintf("phase-%d", i)], "phase %d ran twice", i)
	}
}

func TestRun_WarnContinuesAndCheckpoints(t *testing.T) {
	counts := map[string]int{}
	warn := countingPhase("warns", counts, NewFailure(ClassTimedOutWaiting, "gate", errors.New("slow")))
	warn.OnFailure = FailWarn
	plan := testPlan(warn, countingPhase("after", counts, nil))
	store := newMemStore()

	report, err := New(store, nil).Run(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Warnings())
	assert.Equal(t, 1, counts["after"])
}

func TestRun_FailOnWarn(t *testing.T) {
	counts := map[string]int{}
	warn := countingPhase("warns", counts, NewFailure(ClassTimedOutWaiting, "gate", errors.New("slow")))
	warn.OnFailure = FailWarn
	plan := testPlan(warn, countingPhase("after", counts, nil))
	plan.FailOnWarn = true

	report, err := New(newMemStore(), nil).Run(context.Background(), plan, nil)
	require.Error(t, err)
	assert.Equal(t, 0, report.FailedPhase)
	assert.Zero(t, counts["after"])
}

func TestRun_CancellationBetweenPhasesIsClean(t *testing.T) {
	counts := map[string]int{}
	ctx, cancel := context.WithCancel(context.Background())
	first := Phase{
		Name:      "first",
		OnFailure: FailFatal,
		Action: func(ctx context.Context, pc Context) (Context, error) {
			counts["first"]++
			cancel()
			return nil, nil
		},
	}
	plan := testPlan(first, countingPhase("second", counts, nil))
	store := newMemStore()

	report, err := New(store, nil).Run(ctx, plan, nil)
	require.Error(t, err)
	assert.Equal(t, ClassCancelled, ClassOf(err))
	assert.True(t, report.Cancelled)
	assert.Equal(t, 1, counts["first"])
	assert.Zero(t, counts["second"])

	// The completed phase is still checkpointed.
	cp, loadErr := store.Load(context.Background(), plan.ID)
	require.NoError(t, loadErr)
	assert.Equal(t, 0, cp.CompletedPhaseIndex)
}

func TestRun_ContextFlowsBetweenPhases(t *testing.T) {
	var seen string
	plan := testPlan(
		Phase{Name: "producer", OnFailure: FailFatal, Action: func(ctx context.Context, pc Context) (Context, error) {
			return Context{"endpoint": "db.internal:5432"}, nil
		}},
		Phase{Name: "consumer", OnFailure: FailFatal, Action: func(ctx context.Context, pc Context) (Context, error) {
			seen = pc["endpoint"]
			return nil, nil
		}},
	)

	_, err := New(newMemStore(), nil).Run(context.Background(), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, "db.internal:5432", seen)
}

func TestRun_RejectsForeignCheckpoint(t *testing.T) {
	plan := testPlan(Phase{Name: "only", OnFailure: FailFatal, Action: func(ctx context.Context, pc Context) (Context, error) {
		return nil, nil
	}})
	_, err := New(newMemStore(), nil).Run(context.Background(), plan, &checkpoint.Checkpoint{
		PlanID:              "someone-else",
		CompletedPhaseIndex: 2,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "someone-else")
}

func TestPlanValidate(t *testing.T) {
	plan := testPlan(Phase{Name: "a", OnFailure: FailFatal, Action: func(ctx context.Context, pc Context) (Context, error) {
		return nil, nil
	}})
	require.NoError(t, plan.Validate())

	bad := *plan
	bad.Phases = append([]Phase{}, plan.Phases...)
	bad.Phases[0].Index = 7
	assert.Error(t, bad.Validate())

	empty := &Plan{ID: "x"}
	assert.Error(t, empty.Validate())

	noPolicy := testPlan(Phase{Name: "p", Action: func(ctx context.Context, pc Context) (Context, error) { return nil, nil }})
	assert.Error(t, noPolicy.Validate())
}

// lockingStore is a memStore that also fences the plan.
type lockingStore struct {
	*memStore
	locks   []string
	unlocks []string
	lockErr error
}

func (s *lockingStore) Lock(_ context.Context, planID string) error {
	if s.lockErr != nil {
		return s.lockErr
	}
	s.locks = append(s.locks, planID)
	return nil
}

func (s *lockingStore) Unlock(_ context.Context, planID string) error {
	s.unlocks = append(s.unlocks, planID)
	return nil
}

func TestRun_HoldsPlanLockForWholeRun(t *testing.T) {
	store := &lockingStore{memStore: newMemStore()}
	plan := testPlan(
		countingPhase("one", map[string]int{}, nil),
		countingPhase("two", map[string]int{}, nil),
	)

	o := New(store, NewRunner(1))
	_, err := o.Run(context.Background(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{plan.ID}, store.locks)
	assert.Equal(t, []string{plan.ID}, store.unlocks)
}

func TestRun_HeldLockRefusesToStart(t *testing.T) {
	store := &lockingStore{memStore: newMemStore(), lockErr: errors.New("plan is locked by another orchestrator run")}
	counts := map[string]int{}
	plan := testPlan(countingPhase("one", counts, nil))

	o := New(store, NewRunner(1))
	_, err := o.Run(context.Background(), plan, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to lock plan")
	assert.Zero(t, counts["one"])
	assert.Empty(t, store.unlocks)
}
