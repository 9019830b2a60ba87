// Package engine implements task registration and conditional dispatch
// on top of a transactional store.
//
// The engine never fires anything on its own. Every firing happens inside
// a call to Execute made by some external trigger, and Execute does not
// compare the time since LastRun with Interval: calling it twice in a row
// fires a ready task twice. Interval is persisted for off-ledger keepers,
// which apply it before they trigger.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/auth"
	"github.com/alfredjeanlab/sorotask/internal/events"
	"github.com/alfredjeanlab/sorotask/internal/invoke"
	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/store"
)

// Clock reports ledger time in unix seconds.
type Clock interface {
	Now() uint64
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() uint64

func (f ClockFunc) Now() uint64 { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(func() uint64 { return uint64(time.Now().Unix()) })

// Outcome describes what one Execute call did.
type Outcome struct {
	TaskID  model.TaskID `json:"task_id"`
	Fired   bool         `json:"fired"`
	LastRun uint64       `json:"last_run"`
}

// Engine coordinates the registry, authorization, and capability calls.
type Engine struct {
	store       store.Store
	signer      auth.Signer
	invoker     invoke.Invoker
	publisher   events.Publisher
	clock       Clock
	callTimeout time.Duration
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the publisher for registration notifications.
func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithClock overrides the ledger clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithCallTimeout bounds each resolver or target call. A call that runs
// out of time counts as a failed call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option { return func(e *Engine) { e.callTimeout = d } }

// New returns an Engine. The store, signer and invoker are required.
func New(s store.Store, signer auth.Signer, inv invoke.Invoker, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		signer:    signer,
		invoker:   inv,
		publisher: &events.NoopPublisher{},
		clock:     SystemClock,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Store returns the underlying registry.
func (e *Engine) Store() store.Store { return e.store }

// Register stores a new task on behalf of cfg.Creator and returns its ID.
//
// The creator's proof is checked first, then the interval, then the rest
// of the config. On any failure nothing is written. The stored LastRun is
// always 0 whatever the input carried.
func (e *Engine) Register(ctx context.Context, cfg *model.TaskConfig, proof string) (model.TaskID, error) {
	if cfg == nil {
		return 0, model.ValidateTask(nil)
	}
	if err := e.signer.Verify(ctx, cfg.Creator, proof, cfg); err != nil {
		if !errors.Is(err, model.ErrUnauthorized) {
			err = fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
		}
		e.logger.Info("registration rejected", "creator", cfg.Creator, "err", err)
		return 0, err
	}
	if err := model.ValidateTask(cfg); err != nil {
		return 0, err
	}

	stored := cfg.Clone()
	stored.LastRun = 0
	if stored.Args == nil {
		stored.Args = []model.Value{}
	}
	if stored.Resolver != nil && *stored.Resolver == "" {
		stored.Resolver = nil
	}

	var id model.TaskID
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		id, err = tx.AllocateID(ctx)
		if err != nil {
			return err
		}
		if err := tx.PutTask(ctx, id, stored); err != nil {
			return err
		}
		payload, err := json.Marshal(events.TaskRegistered{TaskID: id, Creator: stored.Creator})
		if err != nil {
			return err
		}
		return tx.RecordEvent(ctx, &model.Event{
			Topic:   events.TopicTaskRegistered,
			TaskID:  id,
			Actor:   stored.Creator,
			Payload: payload,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("register task: %w", err)
	}

	if err := e.publisher.Publish(ctx, events.TopicTaskRegistered, events.TaskRegistered{TaskID: id, Creator: stored.Creator}); err != nil {
		e.logger.Warn("failed to publish registration", "task_id", id, "err", err)
	}
	e.logger.Info("task registered", "task_id", id, "creator", stored.Creator,
		"target", stored.Target, "function", stored.Function, "interval", stored.Interval)
	return id, nil
}

// GetTask returns the stored config, or nil when id was never registered.
// It only fails on storage errors.
func (e *Engine) GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error) {
	cfg, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return cfg, nil
}

// ListTasks returns stored tasks ordered by ID.
func (e *Engine) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// ListEvents returns the persisted notifications for a task.
func (e *Engine) ListEvents(ctx context.Context, id model.TaskID) ([]*model.Event, error) {
	return e.store.ListEvents(ctx, id)
}

// Execute evaluates the task's readiness and fires its target if ready.
// Anyone may call it.
//
// The whole call runs in one transaction. An unknown ID returns
// model.ErrTaskNotFound. A resolver that fails, panics, or answers anything
// but true makes the call a successful no-op. A failing target returns a
// *model.CallError and nothing is persisted.
func (e *Engine) Execute(ctx context.Context, id model.TaskID) (Outcome, error) {
	out := Outcome{TaskID: id}
	err := e.store.RunInTransaction(ctx, func(tx store.Store) error {
		cfg, err := tx.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("load task %d: %w", id, err)
		}
		if cfg == nil {
			return model.ErrTaskNotFound
		}
		out.LastRun = cfg.LastRun

		if !e.ready(ctx, id, cfg) {
			return nil
		}

		if _, err := e.call(invoke.WithResultDiscarded(ctx), cfg.Target, cfg.Function, cfg.Args); err != nil {
			return &model.CallError{Identity: cfg.Target, Selector: cfg.Function, Err: err}
		}

		now := e.clock.Now()
		cfg.LastRun = now
		if err := tx.PutTask(ctx, id, cfg); err != nil {
			return fmt.Errorf("store task %d: %w", id, err)
		}
		out.Fired = true
		out.LastRun = now
		return nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrTaskNotFound) {
			e.logger.Warn("execute aborted", "task_id", id, "err", err)
		}
		return Outcome{TaskID: id}, err
	}
	if out.Fired {
		e.logger.Info("task fired", "task_id", id, "last_run", out.LastRun)
	} else {
		e.logger.Debug("task not ready", "task_id", id)
	}
	return out, nil
}

// ready reports whether the task may fire now. Only an explicit JSON true
// from the resolver counts.
func (e *Engine) ready(ctx context.Context, id model.TaskID, cfg *model.TaskConfig) bool {
	if !cfg.HasResolver() {
		return true
	}
	res, err := e.call(ctx, *cfg.Resolver, invoke.SelectorCheckCondition, cfg.Args)
	if err != nil {
		e.logger.Debug("resolver call failed", "task_id", id, "resolver", *cfg.Resolver, "err", err)
		return false
	}
	var ok bool
	if err := json.Unmarshal(res, &ok); err != nil {
		e.logger.Debug("resolver returned non-boolean", "task_id", id, "resolver", *cfg.Resolver, "result", string(res))
		return false
	}
	return ok
}

// call invokes a capability and turns a panic into an error.
func (e *Engine) call(ctx context.Context, identity model.Identity, selector string, args []model.Value) (res model.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability panicked: %v", r)
		}
	}()
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}
	return e.invoker.Call(ctx, identity, selector, args)
}

// Monitor is reserved for batch scanning and currently does nothing.
func (e *Engine) Monitor(ctx context.Context) error {
	e.logger.Debug("monitor called; no-op")
	return nil
}
