package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/auth"
	"github.com/alfredjeanlab/sorotask/internal/events"
	"github.com/alfredjeanlab/sorotask/internal/invoke"
	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/store"
	"github.com/alfredjeanlab/sorotask/internal/store/memory"
)

// allowAll accepts every proof.
var allowAll = auth.SignerFunc(func(context.Context, model.Identity, string, *model.TaskConfig) error { return nil })

// denyAll rejects every proof.
var denyAll = auth.SignerFunc(func(context.Context, model.Identity, string, *model.TaskConfig) error {
	return errors.New("bad signature")
})

// fixedClock returns a settable ledger time.
type fixedClock struct{ t atomic.Uint64 }

func (c *fixedClock) Now() uint64 { return c.t.Load() }

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

// capability counts calls and answers with a configurable result.
type capability struct {
	calls  atomic.Int64
	result string
	err    error
	panic  bool
	args   []model.Value
}

func (c *capability) fn(_ context.Context, _ string, args []model.Value) (model.Value, error) {
	c.calls.Add(1)
	c.args = args
	if c.panic {
		panic("trap")
	}
	if c.err != nil {
		return nil, c.err
	}
	return model.Value(c.result), nil
}

type harness struct {
	eng    *Engine
	store  *memory.MemoryStore
	clock  *fixedClock
	pub    *recordingPublisher
	local  *invoke.Local
	target *capability
	gate   *capability
}

func newHarness(t *testing.T, signer auth.Signer) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		clock:  &fixedClock{},
		pub:    &recordingPublisher{},
		local:  invoke.NewLocal(),
		target: &capability{result: "null"},
		gate:   &capability{result: "true"},
	}
	h.clock.t.Store(1_700_000_000)
	h.local.Register("T", h.target.fn)
	h.local.Register("R", h.gate.fn)
	router := invoke.NewRouter(discardLogger()).Handle("local", h.local)
	h.eng = New(h.store, signer, router,
		WithClock(h.clock),
		WithPublisher(h.pub),
		WithLogger(discardLogger()),
	)
	return h
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig() *model.TaskConfig {
	return &model.TaskConfig{
		Creator:    "C",
		Target:     "local:T",
		Function:   "f",
		Args:       []model.Value{},
		Interval:   100,
		GasBalance: 1000,
	}
}

func withResolver(cfg *model.TaskConfig, r model.Identity) *model.TaskConfig {
	cfg.Resolver = &r
	return cfg
}

func (h *harness) register(t *testing.T, cfg *model.TaskConfig) model.TaskID {
	t.Helper()
	id, err := h.eng.Register(context.Background(), cfg, "proof")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return id
}

func (h *harness) lastRun(t *testing.T, id model.TaskID) uint64 {
	t.Helper()
	cfg, err := h.eng.GetTask(context.Background(), id)
	if err != nil || cfg == nil {
		t.Fatalf("GetTask(%d) = %v, %v", id, cfg, err)
	}
	return cfg.LastRun
}

func TestRegister_IDsIncreaseFromOne(t *testing.T) {
	h := newHarness(t, allowAll)
	for want := model.TaskID(1); want <= 5; want++ {
		if got := h.register(t, baseConfig()); got != want {
			t.Fatalf("Register returned %d, want %d", got, want)
		}
	}
}

func TestRegister_ForcesLastRunZero(t *testing.T) {
	h := newHarness(t, allowAll)
	cfg := baseConfig()
	cfg.LastRun = 999
	id := h.register(t, cfg)

	got, err := h.eng.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.LastRun != 0 {
		t.Errorf("last_run = %d, want 0", got.LastRun)
	}
	if cfg.LastRun != 999 {
		t.Errorf("caller's config was mutated: last_run = %d", cfg.LastRun)
	}
	if got.Interval != 100 || got.GasBalance != 1000 || got.Target != "local:T" || got.Function != "f" {
		t.Errorf("stored config differs: %+v", got)
	}
}

func TestRegister_ZeroIntervalChangesNothing(t *testing.T) {
	h := newHarness(t, allowAll)
	h.register(t, baseConfig())

	cfg := baseConfig()
	cfg.Interval = 0
	_, err := h.eng.Register(context.Background(), cfg, "proof")
	if !errors.Is(err, model.ErrInvalidInterval) {
		t.Fatalf("expected ErrInvalidInterval, got %v", err)
	}
	var coded *model.Error
	if !errors.As(err, &coded) || coded.Code != 1 {
		t.Fatalf("expected code 1, got %v", err)
	}

	ctx := context.Background()
	if c, _ := h.store.Counter(ctx); c != 1 {
		t.Errorf("counter = %d, want 1", c)
	}
	if got, _ := h.store.GetTask(ctx, 2); got != nil {
		t.Errorf("task 2 should not exist, got %+v", got)
	}
	if evts, _ := h.store.ListEvents(ctx, 0); len(evts) != 1 {
		t.Errorf("events = %d, want 1", len(evts))
	}
	if len(h.pub.topics) != 1 {
		t.Errorf("published = %d, want 1", len(h.pub.topics))
	}
}

func TestRegister_Unauthorized(t *testing.T) {
	h := newHarness(t, denyAll)
	cfg := baseConfig()
	cfg.Interval = 0 // authorization is checked before the interval

	_, err := h.eng.Register(context.Background(), cfg, "forged")
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if c, _ := h.store.Counter(context.Background()); c != 0 {
		t.Errorf("counter = %d, want 0", c)
	}
	if len(h.pub.topics) != 0 {
		t.Errorf("expected no publish, got %v", h.pub.topics)
	}
}

func TestRegister_ValidationError(t *testing.T) {
	h := newHarness(t, allowAll)
	cfg := baseConfig()
	cfg.Function = "not-a-symbol"
	_, err := h.eng.Register(context.Background(), cfg, "proof")
	var ve *model.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if c, _ := h.store.Counter(context.Background()); c != 0 {
		t.Errorf("counter = %d, want 0", c)
	}
}

func TestRegister_NilConfig(t *testing.T) {
	h := newHarness(t, allowAll)
	var ve *model.ValidationError
	if _, err := h.eng.Register(context.Background(), nil, "proof"); !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestRegister_RecordsAndPublishesEvent(t *testing.T) {
	h := newHarness(t, allowAll)
	id := h.register(t, baseConfig())

	evts, err := h.eng.ListEvents(context.Background(), id)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(evts) != 1 || evts[0].Topic != events.TopicTaskRegistered || evts[0].Actor != "C" {
		t.Fatalf("unexpected events: %+v", evts)
	}
	var payload events.TaskRegistered
	if err := json.Unmarshal(evts[0].Payload, &payload); err != nil || payload.TaskID != id {
		t.Fatalf("payload = %s (%v)", evts[0].Payload, err)
	}

	if len(h.pub.topics) != 1 || h.pub.topics[0] != events.TopicTaskRegistered {
		t.Fatalf("published topics = %v", h.pub.topics)
	}
	if got := h.pub.events[0].(events.TaskRegistered); got.TaskID != id || got.Creator != "C" {
		t.Fatalf("published event = %+v", got)
	}
}

func TestRegister_PublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, allowAll)
	h.pub.err = errors.New("nats down")
	if id := h.register(t, baseConfig()); id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
}

func TestGetTask_AbsentNeverFails(t *testing.T) {
	h := newHarness(t, allowAll)
	for _, id := range []model.TaskID{1, 2, 1 << 40} {
		cfg, err := h.eng.GetTask(context.Background(), id)
		if err != nil || cfg != nil {
			t.Fatalf("GetTask(%d) = %v, %v; want nil, nil", id, cfg, err)
		}
	}
}

func TestExecute_NotFoundChangesNothing(t *testing.T) {
	h := newHarness(t, allowAll)
	h.register(t, baseConfig())

	_, err := h.eng.Execute(context.Background(), 42)
	if !errors.Is(err, model.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if h.target.calls.Load() != 0 {
		t.Error("target should not be called")
	}
	if c, _ := h.store.Counter(context.Background()); c != 1 {
		t.Errorf("counter = %d, want 1", c)
	}
	if h.lastRun(t, 1) != 0 {
		t.Error("task 1 should be untouched")
	}
}

func TestExecute_NoResolverAlwaysFires(t *testing.T) {
	h := newHarness(t, allowAll)
	id := h.register(t, baseConfig())

	for i, now := range []uint64{1_700_000_010, 1_700_000_010, 1_700_000_011} {
		h.clock.t.Store(now)
		out, err := h.eng.Execute(context.Background(), id)
		if err != nil {
			t.Fatalf("Execute #%d: %v", i, err)
		}
		if !out.Fired || out.LastRun != now {
			t.Fatalf("Execute #%d outcome = %+v", i, out)
		}
		if got := h.lastRun(t, id); got != now {
			t.Fatalf("last_run = %d, want %d", got, now)
		}
	}
	if n := h.target.calls.Load(); n != 3 {
		t.Fatalf("target calls = %d, want 3", n)
	}
}

func TestRegister_EmptyResolverMeansNone(t *testing.T) {
	h := newHarness(t, allowAll)
	h.gate.result = "false"
	id := h.register(t, withResolver(baseConfig(), ""))

	cfg, err := h.eng.GetTask(context.Background(), id)
	if err != nil || cfg == nil {
		t.Fatalf("GetTask = %v, %v", cfg, err)
	}
	if cfg.Resolver != nil {
		t.Fatalf("stored resolver = %q, want none", *cfg.Resolver)
	}

	out, err := h.eng.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Fired || h.target.calls.Load() != 1 {
		t.Fatalf("outcome = %+v, target calls = %d", out, h.target.calls.Load())
	}
	if n := h.gate.calls.Load(); n != 0 {
		t.Fatalf("resolver calls = %d, want 0", n)
	}
}

func TestExecute_ResolverNotReady(t *testing.T) {
	for _, tc := range []struct {
		name   string
		result string
		err    error
		panic  bool
	}{
		{"False", "false", nil, false},
		{"Error", "", errors.New("oracle offline"), false},
		{"Panic", "", nil, true},
		{"NonBoolean", `"true"`, nil, false},
		{"Number", `1`, nil, false},
		{"Null", `null`, nil, false},
		{"Malformed", `tru`, nil, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, allowAll)
			h.gate = &capability{result: tc.result, err: tc.err, panic: tc.panic}
			h.local.Register("R", h.gate.fn)
			id := h.register(t, withResolver(baseConfig(), "local:R"))

			out, err := h.eng.Execute(context.Background(), id)
			if err != nil {
				t.Fatalf("Execute should succeed as a no-op, got %v", err)
			}
			if out.Fired {
				t.Fatal("task should not fire")
			}
			if h.target.calls.Load() != 0 {
				t.Fatal("target should not be called")
			}
			if h.gate.calls.Load() != 1 {
				t.Fatalf("resolver calls = %d, want 1", h.gate.calls.Load())
			}
			if h.lastRun(t, id) != 0 {
				t.Fatal("last_run should stay 0")
			}
		})
	}
}

func TestExecute_UnroutableResolverIsNotReady(t *testing.T) {
	h := newHarness(t, allowAll)
	id := h.register(t, withResolver(baseConfig(), "ftp:R"))
	out, err := h.eng.Execute(context.Background(), id)
	if err != nil || out.Fired {
		t.Fatalf("Execute = %+v, %v; want no-op", out, err)
	}
}

func TestExecute_ResolverTrueFiresEveryCall(t *testing.T) {
	h := newHarness(t, allowAll)
	cfg := withResolver(baseConfig(), "local:R")
	cfg.Args = []model.Value{json.RawMessage(`"BTC"`), json.RawMessage(`42`)}
	id := h.register(t, cfg)

	// Two immediate calls at the same ledger time both fire: the interval
	// is not enforced here.
	for i := 0; i < 2; i++ {
		out, err := h.eng.Execute(context.Background(), id)
		if err != nil || !out.Fired {
			t.Fatalf("Execute #%d = %+v, %v", i, out, err)
		}
	}
	if n := h.target.calls.Load(); n != 2 {
		t.Fatalf("target calls = %d, want 2", n)
	}
	if n := h.gate.calls.Load(); n != 2 {
		t.Fatalf("resolver calls = %d, want 2", n)
	}
	if len(h.gate.args) != 2 || string(h.gate.args[0]) != `"BTC"` {
		t.Errorf("resolver args = %v", h.gate.args)
	}
	if len(h.target.args) != 2 || string(h.target.args[1]) != `42` {
		t.Errorf("target args = %v", h.target.args)
	}
	if h.lastRun(t, id) != 1_700_000_000 {
		t.Errorf("last_run = %d", h.lastRun(t, id))
	}
}

func TestExecute_TargetResponseBodyIgnored(t *testing.T) {
	// A 2xx reply larger than the response cap and not JSON.
	body := strings.Repeat("ok ", 1<<19)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	h := newHarness(t, allowAll)
	router := invoke.NewRouter(discardLogger()).
		Handle("local", h.local).
		Handle("http", invoke.NewHTTPInvoker(invoke.Directory{"payout": srv.URL}, time.Second))
	h.eng = New(h.store, allowAll, router, WithClock(h.clock), WithPublisher(h.pub), WithLogger(discardLogger()))

	cfg := baseConfig()
	cfg.Target = "http:payout"
	id := h.register(t, cfg)

	out, err := h.eng.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Fired || h.lastRun(t, id) != 1_700_000_000 {
		t.Fatalf("outcome = %+v, last_run = %d", out, h.lastRun(t, id))
	}
}

func TestExecute_TargetFailureAborts(t *testing.T) {
	for _, tc := range []struct {
		name  string
		err   error
		panic bool
	}{
		{"Error", errors.New("insufficient funds"), false},
		{"Panic", nil, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, allowAll)
			id := h.register(t, baseConfig())
			h.clock.t.Store(1_700_000_500)
			if _, err := h.eng.Execute(context.Background(), id); err != nil {
				t.Fatalf("first Execute: %v", err)
			}

			h.target = &capability{err: tc.err, panic: tc.panic}
			h.local.Register("T", h.target.fn)
			h.clock.t.Store(1_700_000_900)
			_, err := h.eng.Execute(context.Background(), id)
			var ce *model.CallError
			if !errors.As(err, &ce) {
				t.Fatalf("expected *CallError, got %v", err)
			}
			if ce.Identity != "local:T" || ce.Selector != "f" {
				t.Errorf("CallError = %+v", ce)
			}
			if got := h.lastRun(t, id); got != 1_700_000_500 {
				t.Fatalf("last_run = %d, want unchanged 1700000500", got)
			}
		})
	}
}

func TestExecute_CallTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, allowAll)
	h.eng.callTimeout = 20 * time.Millisecond
	h.local.Register("T", func(ctx context.Context, _ string, _ []model.Value) (model.Value, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	id := h.register(t, baseConfig())
	_, err := h.eng.Execute(context.Background(), id)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if h.lastRun(t, id) != 0 {
		t.Fatal("last_run should stay 0")
	}
}

func TestExecute_ConcurrentCallsSerialize(t *testing.T) {
	h := newHarness(t, allowAll)
	id := h.register(t, baseConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.eng.Execute(context.Background(), id); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := h.target.calls.Load(); n != 20 {
		t.Fatalf("target calls = %d, want 20", n)
	}
}

// Scenario: a task with no resolver fires once and records the ledger time.
func TestScenario_NoResolver(t *testing.T) {
	h := newHarness(t, allowAll)
	id := h.register(t, baseConfig())
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	cfg, _ := h.eng.GetTask(context.Background(), 1)
	if cfg.Interval != 100 || cfg.LastRun != 0 {
		t.Fatalf("before execute: interval=%d last_run=%d", cfg.Interval, cfg.LastRun)
	}

	h.clock.t.Store(1_700_000_123)
	if _, err := h.eng.Execute(context.Background(), 1); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := h.target.calls.Load(); n != 1 {
		t.Fatalf("target calls = %d, want 1", n)
	}
	if got := h.lastRun(t, 1); got != 1_700_000_123 {
		t.Fatalf("last_run = %d, want 1700000123", got)
	}
}

// Scenario: the same task gated by a resolver that answers false.
func TestScenario_ResolverFalse(t *testing.T) {
	h := newHarness(t, allowAll)
	h.gate.result = "false"
	id := h.register(t, withResolver(baseConfig(), "local:R"))
	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}
	if _, err := h.eng.Execute(context.Background(), 1); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.target.calls.Load() != 0 {
		t.Fatal("target should not be invoked")
	}
	if got := h.lastRun(t, 1); got != 0 {
		t.Fatalf("last_run = %d, want 0", got)
	}
}

func TestMonitor_NoOp(t *testing.T) {
	h := newHarness(t, allowAll)
	id := h.register(t, baseConfig())
	if err := h.eng.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if h.target.calls.Load() != 0 || h.lastRun(t, id) != 0 {
		t.Fatal("Monitor must not fire or change tasks")
	}
}

func TestExecute_StorageErrorPropagates(t *testing.T) {
	boom := errors.New("disk on fire")
	s := &failingStore{Store: memory.New(), err: boom}
	eng := New(s, allowAll, invoke.NewLocal(), WithLogger(discardLogger()))
	if _, err := eng.Execute(context.Background(), 1); !errors.Is(err, boom) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

// failingStore fails every transaction.
type failingStore struct {
	store.Store
	err error
}

func (f *failingStore) RunInTransaction(context.Context, func(tx store.Store) error) error {
	return f.err
}
