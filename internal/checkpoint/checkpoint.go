package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Checkpoint is the durable record of run progress. It is written exclusively
// by the orchestrator after every completed (or warn-continued) phase and is
// the only state shared across process restarts.
type Checkpoint struct {
	PlanID              string            `json:"planId"`
	CompletedPhaseIndex int               `json:"completedPhaseIndex"`
	PhaseContext        map[string]string `json:"phaseContext"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// ErrNotFound is returned by Load when no checkpoint exists for the plan.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints addressed by plan identifier.
type Store interface {
	Load(ctx context.Context, planID string) (*Checkpoint, error)
	Save(ctx context.Context, cp *Checkpoint) error
	Delete(ctx context.Context, planID string) error
}

// Locker is implemented by stores that can fence a plan against concurrent
// orchestrator processes. The orchestrator holds the lock for the whole run.
type Locker interface {
	Lock(ctx context.Context, planID string) error
	Unlock(ctx context.Context, planID string) error
}
