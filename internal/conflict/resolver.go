// Package conflict classifies failed declarative-apply output and produces
// the one remediation each conflict kind allows. Pattern matching over
// engine error text is isolated here so every signature the system has been
// taught lives in a single auditable location.
package conflict

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/envforge-io/envforge/internal/logging"
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/envforge-io/envforge/internal/platform"
	"github.com/envforge-io/envforge/internal/terraform"
)

// Kind is the closed enumeration of conflicts the resolver knows how to
// remediate. Anything outside it is fatal; the system never guesses a
// remediation for a pattern it hasn't been taught.
type Kind string

const (
	KindNone                Kind = ""
	KindAlreadyExists       Kind = "already-exists"
	KindStaleStateReference Kind = "stale-state-reference"
	KindDependencyBlocked   Kind = "dependency-blocked"
	KindLockHeld            Kind = "lock-held"
)

// Claim models one resource's declared-vs-actual existence. After
// remediation the two sides must agree before the owning phase is complete.
type Claim struct {
	ResourceKind string
	ResourceKey  string
	Address      string

	DeclaredInStateStore bool
	ExistsRemotely       bool
}

// Converged reports whether state and reality agree for this claim.
func (c *Claim) Converged() bool {
	return c.DeclaredInStateStore == c.ExistsRemotely
}

// RemotePlatform looks up live resources directly on the platform, bypassing
// the declarative engine.
type RemotePlatform interface {
	Lookup(ctx context.Context, resourceKind, key string) (remoteID string, exists bool, err error)
}

// BlockerResolver deletes the fixed-table blocker of a dependency-blocked
// delete, via direct platform calls when the engine has no delete path.
type BlockerResolver interface {
	DeleteBlocker(ctx context.Context, resourceKind, key string) error
}

// LockChecker verifies, via the state store's own primitive rather than the
// engine, whether a held lock is stale.
type LockChecker interface {
	IsStale(ctx context.Context, lockID string) (bool, error)
}

// Resolver implements classify-then-remediate over engine apply output.
type Resolver struct {
	engine   terraform.Engine
	platform RemotePlatform
	blockers BlockerResolver
	locks    LockChecker

	// LockWait is how long to wait before the single retry when a live
	// (non-stale) lock is held.
	LockWait time.Duration

	// MaxRemediations bounds the apply-remediate loop for one phase.
	MaxRemediations int
}

// NewResolver wires the resolver's collaborators.
func NewResolver(engine terraform.Engine, platform RemotePlatform, blockers BlockerResolver, locks LockChecker) *Resolver {
	return &Resolver{
		engine:          engine,
		platform:        platform,
		blockers:        blockers,
		locks:           locks,
		LockWait:        30 * time.Second,
		MaxRemediations: 5,
	}
}

// Conflict signatures. The same textual symptom ("already exists") can need
// one of several distinct remediations, so each pattern binds to exactly one
// kind and extraction is as narrow as the engine's output allows.
var (
	lockHeldRe = regexp.MustCompile(`Error acquiring the state lock`)
	lockIDRe   = regexp.MustCompile(`ID:\s+([0-9a-fA-F-]+)`)

	alreadyExistsRe = regexp.MustCompile(`(?i)(already exists|AlreadyExists|EntityAlreadyExists|DuplicateResource)`)
	staleStateRe    = regexp.MustCompile(`(?i)(couldn't find resource|no matching .* found|NotFound|NoSuchEntity|does not exist)`)
	depBlockedRe    = regexp.MustCompile(`(?i)(DependencyViolation|has dependent objects|still in use|is in use by)`)

	// "with <address>," names the failing resource in engine diagnostics.
	addressRe = regexp.MustCompile(`with ([\w.\[\]"-]+),`)
	// Creation conflicts name the remote key in parentheses:
	// Error: creating RDS DB Instance (core-db): DBInstanceAlreadyExists ...
	remoteKeyRe = regexp.MustCompile(`Error: (?:creating|reading|deleting) [^(]+\(([^)]+)\)`)
)

// resourceKinds translates the engine's resource types, as they appear in
// diagnostic addresses, into the vocabulary Lookup and DeleteBlocker speak.
// A type with no entry leaves the claim's kind empty and its remediation
// fails closed.
var resourceKinds = map[string]string{
	"aws_vpc":                    platform.KindVpc,
	"aws_vpc_peering_connection": platform.KindPeering,
	"aws_db_instance":            platform.KindDatastore,
	"aws_rds_cluster":            platform.KindDatastore,
	"aws_ecs_service":            platform.KindWorkload,
	"aws_ecr_repository":         platform.KindRepo,
	"aws_secretsmanager_secret":  platform.KindSecret,
}

// Classify inspects engine output and returns the conflict kind plus the
// claim it concerns. KindNone means no signature matched.
func (r *Resolver) Classify(output string) (Kind, *Claim) {
	claim := extractClaim(output)

	switch {
	case lockHeldRe.MatchString(output):
		if m := lockIDRe.FindStringSubmatch(output); m != nil {
			claim.ResourceKey = m[1]
		}
		return KindLockHeld, claim
	case depBlockedRe.MatchString(output):
		return KindDependencyBlocked, claim
	case alreadyExistsRe.MatchString(output):
		claim.ExistsRemotely = true
		return KindAlreadyExists, claim
	case staleStateRe.MatchString(output):
		claim.DeclaredInStateStore = true
		return KindStaleStateReference, claim
	}
	return KindNone, nil
}

func extractClaim(output string) *Claim {
	claim := &Claim{}
	if m := addressRe.FindStringSubmatch(output); m != nil {
		claim.Address = strings.Trim(m[1], `"`)
		// The type segment is not always first: module-scoped addresses
		// prefix it with the module path.
		for _, seg := range strings.Split(claim.Address, ".") {
			if kind, ok := resourceKinds[seg]; ok {
				claim.ResourceKind = kind
				break
			}
		}
	}
	if m := remoteKeyRe.FindStringSubmatch(output); m != nil {
		claim.ResourceKey = m[1]
	}
	return claim
}

// Remediate applies the single remediation defined for kind. It returns nil
// when the claim has converged and the apply may be re-run.
func (r *Resolver) Remediate(ctx context.Context, kind Kind, claim *Claim) error {
	switch kind {
	case KindAlreadyExists:
		return r.remediateAlreadyExists(ctx, claim)
	case KindStaleStateReference:
		return r.remediateStaleState(ctx, claim)
	case KindDependencyBlocked:
		return r.remediateDependencyBlocked(ctx, claim)
	case KindLockHeld:
		_, err := r.remediateLockHeld(ctx, claim, true)
		return err
	}
	return orch.NewFailure(orch.ClassUnknown, "remediate", fmt.Errorf("no remediation for conflict kind %q", kind))
}

// remediateAlreadyExists queries the platform for the live resource and, if
// found, imports it into the state store at the failing address.
func (r *Resolver) remediateAlreadyExists(ctx context.Context, claim *Claim) error {
	if claim.Address == "" || claim.ResourceKey == "" {
		return orch.NewFailure(orch.ClassUnknown, "already-exists remediation",
			fmt.Errorf("could not extract address and key from engine output"))
	}
	if claim.ResourceKind == "" {
		return orch.NewFailure(orch.ClassUnknown, "already-exists remediation",
			fmt.Errorf("no platform mapping for the resource type in %s", claim.Address))
	}
	remoteID, exists, err := r.platform.Lookup(ctx, claim.ResourceKind, claim.ResourceKey)
	if err != nil {
		return fmt.Errorf("platform lookup of %s %q: %w", claim.ResourceKind, claim.ResourceKey, err)
	}
	if !exists {
		// The create conflicted but the resource is not visible: outcome
		// unknown, likely eventual consistency. Let the caller retry apply.
		logging.Warn("create conflict but resource not visible remotely", "key", claim.ResourceKey)
		claim.ExistsRemotely = false
		return nil
	}
	claim.ExistsRemotely = true
	logging.Info("importing live resource into state", "address", claim.Address, "id", remoteID)
	if err := r.engine.Import(ctx, claim.Address, remoteID); err != nil {
		f := orch.NewFailure(orch.ClassDriftConflict, "import "+claim.Address, err)
		return f.WithGuidance(fmt.Sprintf("terraform import %s %s", claim.Address, remoteID))
	}
	claim.DeclaredInStateStore = true
	return nil
}

// remediateStaleState removes the dangling address from the state store so
// the next apply recreates the resource. It deletes nothing remote.
func (r *Resolver) remediateStaleState(ctx context.Context, claim *Claim) error {
	if claim.Address == "" {
		return orch.NewFailure(orch.ClassUnknown, "stale-state remediation",
			fmt.Errorf("could not extract address from engine output"))
	}
	logging.Info("removing stale reference from state", "address", claim.Address)
	if err := r.engine.StateRemove(ctx, claim.Address); err != nil {
		f := orch.NewFailure(orch.ClassDriftConflict, "state rm "+claim.Address, err)
		return f.WithGuidance(fmt.Sprintf("terraform state rm %s", claim.Address))
	}
	claim.DeclaredInStateStore = false
	claim.ExistsRemotely = false
	return nil
}

// remediateDependencyBlocked deletes the blocking resource per the fixed
// dependency table, then lets the caller retry the original delete.
func (r *Resolver) remediateDependencyBlocked(ctx context.Context, claim *Claim) error {
	if claim.ResourceKind == "" {
		return orch.NewFailure(orch.ClassUnknown, "dependency-blocked remediation",
			fmt.Errorf("no platform mapping for the resource type in %s", claim.Address))
	}
	if err := r.blockers.DeleteBlocker(ctx, claim.ResourceKind, claim.ResourceKey); err != nil {
		return orch.NewFailure(orch.ClassDependencyBlocked, "delete blocker of "+claim.ResourceKind, err)
	}
	return nil
}

// remediateLockHeld force-clears a stale lock; a live lock gets one
// wait-and-retry, so canWait is false once the resolve loop has already
// spent its wait. The returned bool reports whether a wait happened.
func (r *Resolver) remediateLockHeld(ctx context.Context, claim *Claim, canWait bool) (bool, error) {
	stale, err := r.locks.IsStale(ctx, claim.ResourceKey)
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", claim.ResourceKey, err)
	}
	if stale {
		logging.Warn("force-clearing stale state lock", "lock_id", claim.ResourceKey)
		if err := r.engine.ForceUnlock(ctx, claim.ResourceKey); err != nil {
			f := orch.NewFailure(orch.ClassDriftConflict, "force-unlock", err)
			return false, f.WithGuidance(fmt.Sprintf("terraform force-unlock -force %s", claim.ResourceKey))
		}
		return false, nil
	}
	if !canWait {
		f := orch.NewFailure(orch.ClassDriftConflict, "state lock "+claim.ResourceKey,
			fmt.Errorf("lock held by a live process after one wait"))
		return false, f.WithGuidance(fmt.Sprintf(
			"inspect the lock holder, then terraform force-unlock -force %s if it is dead", claim.ResourceKey))
	}
	logging.Info("state lock is live, waiting before single retry", "wait", r.LockWait)
	select {
	case <-time.After(r.LockWait):
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ResolveApply runs apply, classifying and remediating conflicts until the
// apply succeeds, an unclassifiable error appears, or the remediation budget
// is exhausted. This is the state-mutating path: the raw apply is retried at
// most once per remediation, never blindly.
func (r *Resolver) ResolveApply(ctx context.Context, targets []string) (*terraform.Result, error) {
	var lastErr error
	var lockWaited bool
	for i := 0; i <= r.MaxRemediations; i++ {
		res, err := r.engine.Apply(ctx, targets)
		if err == nil {
			return res, nil
		}
		lastErr = err

		output := ""
		if res != nil {
			output = res.Output
		}
		kind, claim := r.Classify(output)
		if kind == KindNone {
			return res, orch.NewFailure(orch.ClassUnknown, "declarative apply", err)
		}
		logging.Warn("apply conflict detected", "kind", string(kind), "address", claim.Address, "key", claim.ResourceKey)

		if kind == KindLockHeld {
			waited, rerr := r.remediateLockHeld(ctx, claim, !lockWaited)
			if rerr != nil {
				return res, rerr
			}
			lockWaited = lockWaited || waited
			continue
		}
		if err := r.Remediate(ctx, kind, claim); err != nil {
			return res, err
		}
		if !claim.Converged() {
			return res, orch.NewFailure(orch.ClassDriftConflict, "post-remediation check",
				fmt.Errorf("claim %s not converged: declared=%v exists=%v",
					claim.Address, claim.DeclaredInStateStore, claim.ExistsRemotely))
		}
	}
	return nil, orch.NewFailure(orch.ClassDriftConflict, "declarative apply",
		fmt.Errorf("remediation budget (%d) exhausted: %w", r.MaxRemediations, lastErr))
}

// ResolveDestroy mirrors ResolveApply for the engine's destroy path. The
// remediations here are fewer: a stale reference is dropped from state, a
// held lock is cleared or waited out, everything else is fatal. A
// dependency-blocked destroy is NOT remediated here because state deletion
// order is owned by the teardown table, which runs first.
func (r *Resolver) ResolveDestroy(ctx context.Context) (*terraform.Result, error) {
	var lastErr error
	var lockWaited bool
	for i := 0; i <= r.MaxRemediations; i++ {
		res, err := r.engine.Destroy(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err

		output := ""
		if res != nil {
			output = res.Output
		}
		kind, claim := r.Classify(output)
		switch kind {
		case KindStaleStateReference, KindLockHeld:
		default:
			return res, orch.NewFailure(orch.ClassUnknown, "declarative destroy", err)
		}
		logging.Warn("destroy conflict detected", "kind", string(kind), "address", claim.Address)

		if kind == KindLockHeld {
			waited, rerr := r.remediateLockHeld(ctx, claim, !lockWaited)
			if rerr != nil {
				return res, rerr
			}
			lockWaited = lockWaited || waited
			continue
		}
		if err := r.Remediate(ctx, kind, claim); err != nil {
			return res, err
		}
	}
	return nil, orch.NewFailure(orch.ClassDriftConflict, "declarative destroy",
		fmt.Errorf("remediation budget (%d) exhausted: %w", r.MaxRemediations, lastErr))
}
