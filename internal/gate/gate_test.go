package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/envforge-io/envforge/internal/orch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_ReadyImmediately(t *testing.T) {
	err := Await(context.Background(), Condition{
		Name:     "instant",
		Timeout:  time.Second,
		Interval: 10 * time.Millisecond,
		Probe:    func(ctx context.Context) (Status, error) { return Ready, nil },
	})
	assert.NoError(t, err)
}

func TestAwait_ReadyAfterPolling(t *testing.T) {
	calls := 0
	err := Await(context.Background(), Condition{
		Name:     "eventually",
		Timeout:  time.Second,
		Interval: 5 * time.Millisecond,
		Probe: func(ctx context.Context) (Status, error) {
			calls++
			if calls < 4 {
				return NotReady, errors.New("warming up")
			}
			return Ready, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestAwait_FatalAbortsImmediately(t *testing.T) {
	calls := 0
	err := Await(context.Background(), Condition{
		Name:     "doomed",
		Timeout:  time.Second,
		Interval: 5 * time.Millisecond,
		Probe: func(ctx context.Context) (Status, error) {
			calls++
			return Fatal, errors.New("certificate validation failed permanently")
		},
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, orch.ClassUnknown, orch.ClassOf(err))
}

// The timing property: Await returns at or after the timeout, and never
// later than timeout plus one interval.
func TestAwait_TimeoutWindow(t *testing.T) {
	timeout := 60 * time.Millisecond
	interval := 25 * time.Millisecond

	start := time.Now()
	err := Await(context.Background(), Condition{
		Name:     "never ready",
		Timeout:  timeout,
		Interval: interval,
		Probe:    func(ctx context.Context) (Status, error) { return NotReady, errors.New("nope") },
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, orch.ClassTimedOutWaiting, orch.ClassOf(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+interval)
}

// Never polls faster than the interval.
func TestAwait_PollPacing(t *testing.T) {
	var times []time.Time
	Await(context.Background(), Condition{
		Name:     "paced",
		Timeout:  80 * time.Millisecond,
		Interval: 20 * time.Millisecond,
		Probe: func(ctx context.Context) (Status, error) {
			times = append(times, time.Now())
			return NotReady, errors.New("not yet")
		},
	})
	require.GreaterOrEqual(t, len(times), 2)
	for i := 1; i < len(times)-1; i++ {
		gap := times[i].Sub(times[i-1])
		assert.GreaterOrEqual(t, gap, 20*time.Millisecond, "poll %d too fast", i)
	}
}

func TestAwait_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Await(ctx, Condition{
		Name:     "cancelled",
		Timeout:  time.Second,
		Interval: 50 * time.Millisecond,
		Probe:    func(ctx context.Context) (Status, error) { return NotReady, errors.New("waiting") },
	})
	require.Error(t, err)
	assert.Equal(t, orch.ClassCancelled, orch.ClassOf(err))
}

func TestHTTPProbe(t *testing.T) {
	var code int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
	defer srv.Close()
	probe := HTTPProbe(srv.Client(), srv.URL)

	code = http.StatusOK
	status, err := probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Ready, status)

	code = http.StatusBadGateway
	status, err = probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, NotReady, status)

	code = http.StatusNotFound
	status, err = probe(context.Background())
	require.Error(t, err)
	assert.Equal(t, Fatal, status)
}

func TestHTTPProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	status, err := HTTPProbe(nil, srv.URL)(context.Background())
	require.Error(t, err)
	assert.Equal(t, NotReady, status)
}

func TestAwait_TimeoutGuidanceFollowsCriticality(t *testing.T) {
	notReady := func(ctx context.Context) (Status, error) { return NotReady, errors.New("pending") }

	err := Await(context.Background(), Condition{
		Name: "secondary domain", Timeout: 10 * time.Millisecond, Interval: 5 * time.Millisecond,
		Probe: notReady,
	})
	require.Error(t, err)
	require.Len(t, orch.GuidanceOf(err), 1)
	assert.Contains(t, orch.GuidanceOf(err)[0], "secondary domain")

	err = Await(context.Background(), Condition{
		Name: "primary datastore", Timeout: 10 * time.Millisecond, Interval: 5 * time.Millisecond,
		Critical: true, Probe: notReady,
	})
	require.Error(t, err)
	assert.Equal(t, orch.ClassTimedOutWaiting, orch.ClassOf(err))
	assert.Empty(t, orch.GuidanceOf(err))
}
