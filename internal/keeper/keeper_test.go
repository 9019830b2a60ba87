package keeper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjeanlab/sorotask/internal/auth"
	"github.com/alfredjeanlab/sorotask/internal/client"
	"github.com/alfredjeanlab/sorotask/internal/engine"
	"github.com/alfredjeanlab/sorotask/internal/invoke"
	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/server"
	"github.com/alfredjeanlab/sorotask/internal/store/memory"
)

func testKeeperConfig() *Config {
	return &Config{
		ServerURL:               "http://unused",
		Transport:               "http",
		PollSchedule:            "@every 1s",
		MaxConcurrentReads:      4,
		MaxConcurrentExecutions: 2,
		CallTimeout:             time.Second,
		MaxRetries:              2,
		BaseDelay:               time.Millisecond,
		MaxDelay:                5 * time.Millisecond,
		GasWarnThreshold:        100,
		HealthStaleThreshold:    time.Minute,
	}
}

func TestKeeper_Cycle(t *testing.T) {
	eng := newFakeEngine(1000)
	eng.put(1, 0, 100, 1000)   // due
	eng.put(2, 950, 100, 1000) // not due
	eng.put(3, 0, 100, 50)     // due, low gas
	eng.put(4, 0, 100, 0)      // exhausted
	k := New(testKeeperConfig(), eng, WithLogger(discardLogger()), WithClock(func() uint64 { return 1000 }))

	res := k.Cycle(context.Background())
	assert.Equal(t, PollStats{Checked: 4, Due: 2, Skipped: 1}, res.Poll)
	assert.Equal(t, CycleSummary{Queued: 2, Completed: 2}, res.Queue)
	assert.Equal(t, 1, eng.calls(1))
	assert.Equal(t, 0, eng.calls(2))
	assert.Equal(t, 1, eng.calls(3))
	assert.Equal(t, 0, eng.calls(4))

	snap := k.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TasksExecutedTotal)
	assert.Equal(t, int64(1), snap.LowGasTasks)
	assert.Equal(t, "ok", k.Health().Status().Status)
	assert.NotNil(t, k.Health().Status().LastPollAt)

	// Executed tasks now carry last_run = 1000, so nothing is due.
	res = k.Cycle(context.Background())
	assert.Equal(t, 0, res.Poll.Due)
}

func TestKeeper_RetriesTransientFailures(t *testing.T) {
	eng := newFakeEngine(1000)
	eng.put(1, 0, 100, 1000)
	eng.failNext(1, &client.APIError{StatusCode: http.StatusServiceUnavailable}, errors.New("connection reset"))
	k := New(testKeeperConfig(), eng, WithLogger(discardLogger()), WithClock(func() uint64 { return 1000 }))

	res := k.Cycle(context.Background())
	assert.Equal(t, 1, res.Queue.Completed)
	assert.Equal(t, 3, eng.calls(1))
}

func TestKeeper_RetryStopsWhenEarlierAttemptFired(t *testing.T) {
	for _, lost := range []error{
		context.DeadlineExceeded,
		&client.APIError{StatusCode: http.StatusInternalServerError},
		&client.APIError{StatusCode: http.StatusServiceUnavailable},
	} {
		t.Run(lost.Error(), func(t *testing.T) {
			eng := newFakeEngine(1000)
			eng.put(1, 0, 100, 1000)
			eng.loseReplies(1, lost)
			k := New(testKeeperConfig(), eng, WithLogger(discardLogger()), WithClock(func() uint64 { return 1000 }))

			res := k.Cycle(context.Background())
			assert.Equal(t, 1, res.Queue.Completed)
			assert.Equal(t, 1, eng.calls(1), "the target must fire once")

			cfg, err := eng.GetTask(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, uint64(1000), cfg.LastRun)
		})
	}
}

func TestKeeper_TargetFailureExcludesTask(t *testing.T) {
	eng := newFakeEngine(1000)
	eng.put(1, 0, 100, 1000)
	eng.failNext(1, &client.APIError{StatusCode: http.StatusBadGateway, Message: "target failed"})
	k := New(testKeeperConfig(), eng, WithLogger(discardLogger()), WithClock(func() uint64 { return 1000 }))

	res := k.Cycle(context.Background())
	assert.Equal(t, 1, res.Queue.Failed)
	assert.Equal(t, 1, eng.calls(1), "target failures are not retried")

	res = k.Cycle(context.Background())
	assert.Equal(t, 1, res.Queue.Excluded)
	assert.Equal(t, 1, eng.calls(1))
}

func TestKeeper_StartFailsFast(t *testing.T) {
	eng := newFakeEngine(0)
	eng.healthErr = errors.New("connection refused")
	k := New(testKeeperConfig(), eng, WithLogger(discardLogger()))
	assert.Error(t, k.Start(context.Background()))
}

func TestKeeper_StartStop(t *testing.T) {
	eng := newFakeEngine(1000)
	eng.put(1, 0, 100, 1000)
	eng.put(2, 0, 100, 1000)
	k := New(testKeeperConfig(), eng, WithLogger(discardLogger()), WithClock(func() uint64 { return 1000 }))

	require.NoError(t, k.Start(context.Background()))
	assert.Error(t, k.Start(context.Background()), "second start is rejected")
	assert.Equal(t, []model.TaskID{1, 2}, k.Registry().IDs())
	assert.True(t, k.Health().Status().EngineConnected)

	assert.Eventually(t, func() bool { return eng.calls(1) == 1 && eng.calls(2) == 1 },
		3*time.Second, 20*time.Millisecond)
	k.Stop()
	k.Stop()
}

// TestKeeper_AgainstEngine drives a real engine over HTTP.
func TestKeeper_AgainstEngine(t *testing.T) {
	var now atomic.Uint64
	now.Store(1_700_000_000)
	var fired atomic.Int32

	local := invoke.NewLocal()
	local.Register("T", func(context.Context, string, []model.Value) (model.Value, error) {
		fired.Add(1)
		return model.Value("null"), nil
	})
	allow := auth.SignerFunc(func(context.Context, model.Identity, string, *model.TaskConfig) error { return nil })
	eng := engine.New(memory.New(), allow, invoke.NewRouter(discardLogger()).Handle("local", local),
		engine.WithClock(engine.ClockFunc(now.Load)),
		engine.WithLogger(discardLogger()),
	)
	srv := httptest.NewServer(server.NewTaskServer(eng, discardLogger()).NewHTTPHandler(""))
	defer srv.Close()

	ctx := context.Background()
	cfg := &model.TaskConfig{Creator: "C", Target: "local:T", Function: "f", Args: []model.Value{}, Interval: 60, GasBalance: 1000}
	_, err := eng.Register(ctx, cfg, "prf")
	require.NoError(t, err)

	k := New(testKeeperConfig(), client.NewHTTPClient(srv.URL, ""),
		WithLogger(discardLogger()), WithClock(now.Load))

	res := k.Cycle(ctx)
	assert.Equal(t, 1, res.Queue.Completed)
	assert.Equal(t, int32(1), fired.Load())

	got, err := eng.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_000), got.LastRun)

	now.Add(30)
	k.Cycle(ctx)
	assert.Equal(t, int32(1), fired.Load(), "interval not yet elapsed")

	now.Add(30)
	k.Cycle(ctx)
	assert.Equal(t, int32(2), fired.Load())
}
