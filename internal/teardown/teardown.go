// Package teardown deletes an environment's resources in strict dependency
// order. The order is a fixed table, not a graph walk: the dependency chain
// between compute, datastore, peering, address reservation and network is
// known and does not vary per environment.
package teardown

import (
	"context"
	"fmt"
	"time"

	"github.com/envforge-io/envforge/internal/logging"
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/envforge-io/envforge/internal/platform"
)

// Target names the resources of one environment in teardown order.
type Target struct {
	Cluster       string
	Services      []string
	DatastoreID   string
	PeeringName   string
	VpcName       string
	ReservedCidr  string
	DrainTimeout  time.Duration
	DeleteTimeout time.Duration
}

func (t Target) withDefaults() Target {
	if t.DrainTimeout == 0 {
		t.DrainTimeout = 5 * time.Minute
	}
	if t.DeleteTimeout == 0 {
		t.DeleteTimeout = 20 * time.Minute
	}
	return t
}

// Step is one row of the teardown table.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Platform is the slice of capability client surface teardown drives.
type Platform interface {
	StopWorkload(ctx context.Context, cluster, service string, wait time.Duration) error
	EnsureDatastoreDeleted(ctx context.Context, identifier string, wait time.Duration) error
	FindPeering(ctx context.Context, name string) (string, bool, error)
	ObservePeering(ctx context.Context, peeringID string) (platform.PeeringState, error)
	DeletePeering(ctx context.Context, peeringID string) error
	ReleasePeeringRoutes(ctx context.Context, peeringID string) error
	FindVpc(ctx context.Context, name string) (string, bool, error)
	EnsureCidrReservationReleased(ctx context.Context, vpcID, cidr string) error
	EnsureVpcDeleted(ctx context.Context, vpcID string) error
}

// Executor runs the teardown table against the platform.
type Executor struct {
	clients Platform

	// PeeringRetry bounds the service-level delete attempts before the
	// route-release fallback kicks in.
	PeeringRetry *orch.RetryPolicy

	// PollInterval paces the wait for asynchronous deletions.
	PollInterval time.Duration
}

// New returns an Executor with the default peering retry budget.
func New(clients Platform) *Executor {
	return &Executor{
		clients: clients,
		PeeringRetry: &orch.RetryPolicy{
			MaxRetries: 4,
			BaseDelay:  5 * time.Second,
			MaxDelay:   80 * time.Second,
		},
		PollInterval: 10 * time.Second,
	}
}

// Steps materializes the ordered table for a target. Callers run the steps
// in slice order; skipping ahead is never safe because each row's deletes
// unblock the next row's.
func (e *Executor) Steps(target Target) []Step {
	t := target.withDefaults()
	return []Step{
		{Name: "stop workloads", Run: func(ctx context.Context) error {
			return e.stopWorkloads(ctx, t)
		}},
		{Name: "delete datastore", Run: func(ctx context.Context) error {
			return e.deleteDatastore(ctx, t)
		}},
		{Name: "delete network peering", Run: func(ctx context.Context) error {
			return e.deletePeering(ctx, t)
		}},
		{Name: "release address reservation", Run: func(ctx context.Context) error {
			return e.releaseReservation(ctx, t)
		}},
		{Name: "delete network", Run: func(ctx context.Context) error {
			return e.deleteNetwork(ctx, t)
		}},
	}
}

// Run executes the full table, stopping at the first failure so nothing
// downstream is attempted against a still-referenced resource.
func (e *Executor) Run(ctx context.Context, target Target) error {
	for _, step := range e.Steps(target) {
		logging.Info("teardown step", "step", step.Name)
		if err := step.Run(ctx); err != nil {
			return fmt.Errorf("teardown step %q: %w", step.Name, err)
		}
	}
	return nil
}

func (e *Executor) stopWorkloads(ctx context.Context, t Target) error {
	for _, svc := range t.Services {
		if err := e.clients.StopWorkload(ctx, t.Cluster, svc, t.DrainTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) deleteDatastore(ctx context.Context, t Target) error {
	if t.DatastoreID == "" {
		return nil
	}
	return e.clients.EnsureDatastoreDeleted(ctx, t.DatastoreID, t.DeleteTimeout)
}

// deletePeering tries the service-level delete with backoff first. The
// service API refuses while routes still reference the connection; once the
// retry budget is spent, the routes are removed directly and the delete is
// attempted once more.
func (e *Executor) deletePeering(ctx context.Context, t Target) error {
	if t.PeeringName == "" {
		return nil
	}
	peeringID, exists, err := e.clients.FindPeering(ctx, t.PeeringName)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	err = orch.RetryWithBackoff(ctx, e.PeeringRetry, func() error {
		return e.clients.DeletePeering(ctx, peeringID)
	}, func(err error) bool {
		class := orch.ClassOf(err)
		return class == orch.ClassTransient || class == orch.ClassDependencyBlocked
	})
	if err == nil {
		return e.awaitPeeringGone(ctx, peeringID)
	}
	if orch.ClassOf(err) != orch.ClassDependencyBlocked {
		return err
	}

	logging.Warn("peering delete blocked, releasing routes directly", "peering", peeringID)
	if err := e.clients.ReleasePeeringRoutes(ctx, peeringID); err != nil {
		return err
	}
	if err := e.clients.DeletePeering(ctx, peeringID); err != nil {
		return err
	}
	return e.awaitPeeringGone(ctx, peeringID)
}

func (e *Executor) awaitPeeringGone(ctx context.Context, peeringID string) error {
	deadline := time.Now().Add(5 * time.Minute)
	for {
		state, err := e.clients.ObservePeering(ctx, peeringID)
		if err != nil {
			return err
		}
		if state == platform.PeeringAbsent {
			return nil
		}
		if time.Now().After(deadline) {
			return orch.NewFailure(orch.ClassTimedOutWaiting, "await peering deletion",
				fmt.Errorf("peering %s still %s", peeringID, state))
		}
		select {
		case <-time.After(e.PollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Executor) releaseReservation(ctx context.Context, t Target) error {
	if t.ReservedCidr == "" {
		return nil
	}
	vpcID, exists, err := e.clients.FindVpc(ctx, t.VpcName)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return e.clients.EnsureCidrReservationReleased(ctx, vpcID, t.ReservedCidr)
}

func (e *Executor) deleteNetwork(ctx context.Context, t Target) error {
	vpcID, exists, err := e.clients.FindVpc(ctx, t.VpcName)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return e.clients.EnsureVpcDeleted(ctx, vpcID)
}

// DeleteBlocker removes the known blocker of a dependency-blocked delete.
// The blocker per kind is fixed: peering deletes are blocked by routes,
// datastore deletes by connected workloads, network deletes by the peering.
func (e *Executor) DeleteBlocker(ctx context.Context, resourceKind, key string) error {
	switch resourceKind {
	case platform.KindPeering:
		peeringID, exists, err := e.clients.FindPeering(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			peeringID = key
		}
		return e.clients.ReleasePeeringRoutes(ctx, peeringID)
	case platform.KindVpc:
		peeringID, exists, err := e.clients.FindPeering(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if err := e.clients.ReleasePeeringRoutes(ctx, peeringID); err != nil {
			return err
		}
		return e.clients.DeletePeering(ctx, peeringID)
	default:
		return fmt.Errorf("no known blocker for resource kind %q", resourceKind)
	}
}
