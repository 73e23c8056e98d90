// Package gate provides the bounded polling primitive that gates phase
// progression on asynchronous readiness: certificate issuance, datastore
// provisioning, cold-start warmup.
package gate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/envforge-io/envforge/internal/logging"
	"github.com/envforge-io/envforge/internal/orch"
)

// Status is what a probe observes. Fatal is distinct from NotReady: it means
// the probe positively detected an unrecoverable state, and the wait aborts
// instead of exhausting the timeout.
type Status int

const (
	NotReady Status = iota
	Ready
	Fatal
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case Fatal:
		return "fatal"
	default:
		return "not-ready"
	}
}

// Probe observes one readiness condition. The returned error carries detail
// for NotReady and Fatal statuses; it is informational for NotReady.
type Probe func(ctx context.Context) (Status, error)

// HTTPProbe probes an endpoint with GET. Any 2xx or 3xx answer is Ready;
// connection errors and server errors are NotReady. A 4xx is Fatal: the
// endpoint is up and answering, it just isn't the one we deployed.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) (Status, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Fatal, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return NotReady, err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode < 400:
			return Ready, nil
		case resp.StatusCode < 500:
			return Fatal, fmt.Errorf("%s answered %s", url, resp.Status)
		default:
			return NotReady, fmt.Errorf("%s answered %s", url, resp.Status)
		}
	}
}

// Condition is a health condition to await. It is never mutated, only
// evaluated.
type Condition struct {
	Name     string
	Probe    Probe
	Timeout  time.Duration
	Interval time.Duration

	// Critical marks conditions on the environment's minimum viable
	// readiness path. A timeout on a non-critical condition carries
	// manual-check guidance for the run report.
	Critical bool
}

// Await polls the condition's probe at its interval until Ready, Fatal or
// timeout. It never polls faster than the interval and never runs past
// timeout plus one interval. A nil return means Ready.
func Await(ctx context.Context, cond Condition) error {
	interval := cond.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cond.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	deadline := time.Now().Add(timeout)
	attempt := 0
	for {
		attempt++
		status, err := cond.Probe(ctx)
		switch status {
		case Ready:
			logging.Debug("condition ready", "condition", cond.Name, "attempts", attempt)
			return nil
		case Fatal:
			return orch.NewFailure(orch.ClassUnknown, "probe "+cond.Name,
				fmt.Errorf("probe reported unrecoverable state: %w", err))
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			f := orch.NewFailure(orch.ClassTimedOutWaiting, cond.Name,
				fmt.Errorf("not ready after %s (last: %v)", timeout, err))
			if !cond.Critical {
				return f.WithGuidance(fmt.Sprintf("check %s manually; it is off the critical path", cond.Name))
			}
			return f
		}

		// Sleep the interval, clipped to the deadline, so the timeout is
		// honored exactly: returned at or after it, never an interval late.
		sleep := interval
		if remaining < sleep {
			sleep = remaining
		}
		logging.Debug("condition not ready, polling", "condition", cond.Name, "attempt", attempt, "detail", err)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return orch.NewFailure(orch.ClassCancelled, cond.Name, ctx.Err())
		}
	}
}
