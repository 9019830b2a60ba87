// Package keeper is the off-ledger automation loop. It polls every known
// task on a schedule, executes the ones that are due, and reports health
// and metrics over HTTP.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alfredjeanlab/sorotask/internal/events"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

// cronParser accepts standard 5-field specs and descriptors like "@every 10s".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a poll schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Keeper ties the registry, poller, queue and retrier together.
type Keeper struct {
	cfg      *Config
	engine   Engine
	registry *Registry
	poller   *Poller
	queue    *Queue
	retrier  *Retrier
	gas      *GasMonitor
	metrics  *Metrics
	health   *Health
	logger   *slog.Logger
	sub      events.Subscriber
	pub      events.Publisher
	now      func() uint64

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithSubscriber adds newly registered tasks as their events arrive.
func WithSubscriber(sub events.Subscriber) Option {
	return func(k *Keeper) { k.sub = sub }
}

// WithPublisher publishes low gas alerts.
func WithPublisher(p events.Publisher) Option {
	return func(k *Keeper) { k.pub = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

// WithClock overrides the unix-seconds clock used to decide which tasks
// are due.
func WithClock(now func() uint64) Option {
	return func(k *Keeper) { k.now = now }
}

// New builds a Keeper. cfg must already be validated.
func New(cfg *Config, eng Engine, opts ...Option) *Keeper {
	k := &Keeper{
		cfg:      cfg,
		engine:   eng,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		health:   NewHealth(cfg.HealthStaleThreshold),
		logger:   slog.Default(),
		now:      func() uint64 { return uint64(time.Now().Unix()) },
	}
	for _, opt := range opts {
		opt(k)
	}

	var gasOpts []GasMonitorOption
	if cfg.AlertWebhookURL != "" {
		gasOpts = append(gasOpts, WithWebhook(cfg.AlertWebhookURL, cfg.AlertDebounce))
	}
	if k.pub != nil {
		gasOpts = append(gasOpts, WithGasPublisher(k.pub))
	}
	k.gas = NewGasMonitor(cfg.GasWarnThreshold, k.logger, gasOpts...)
	k.poller = NewPoller(eng, k.gas, cfg.MaxConcurrentReads, k.logger)
	k.queue = NewQueue(cfg.MaxConcurrentExecutions, cfg.ExecutionsPerSecond, k.logger)
	k.retrier = NewRetrier(cfg.RetryPolicy(), k.logger)
	return k
}

func (k *Keeper) Registry() *Registry { return k.registry }
func (k *Keeper) Metrics() *Metrics   { return k.metrics }
func (k *Keeper) Health() *Health     { return k.health }
func (k *Keeper) Queue() *Queue       { return k.queue }

// Start checks the engine, seeds the registry and schedules polling. It
// fails fast when the engine is unreachable.
func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cron != nil {
		return errors.New("keeper already started")
	}

	status, err := k.engine.Health(ctx)
	if err != nil {
		return fmt.Errorf("engine health check: %w", err)
	}
	if status != "ok" {
		return fmt.Errorf("engine health check: status %q", status)
	}
	k.health.SetEngineConnected(true)

	n, err := k.registry.Seed(ctx, k.engine)
	if err != nil {
		return err
	}
	k.logger.Info("keeper: registry seeded", "tasks", n)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if k.sub != nil {
		if err := k.registry.Follow(runCtx, k.sub, k.logger); err != nil {
			cancel()
			return err
		}
	}

	cl := cronLogger{k.logger}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(k.cfg.PollSchedule, func() { k.Cycle(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("scheduling poll %q: %w", k.cfg.PollSchedule, err)
	}
	c.Start()
	k.cron = c
	k.cancel = cancel
	k.logger.Info("keeper: started", "schedule", k.cfg.PollSchedule)
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (k *Keeper) Stop() {
	k.mu.Lock()
	c, cancel := k.cron, k.cancel
	k.cron, k.cancel = nil, nil
	k.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	k.logger.Info("keeper: stopped")
}

// Run starts the keeper and blocks until ctx is done.
func (k *Keeper) Run(ctx context.Context) error {
	if err := k.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	k.Stop()
	return nil
}

// CycleResult is what one Cycle did.
type CycleResult struct {
	Poll    PollStats     `json:"poll"`
	Queue   CycleSummary  `json:"queue"`
	Elapsed time.Duration `json:"elapsed"`
}

// Cycle picks up new registrations, polls every known task and executes
// the due ones.
func (k *Keeper) Cycle(ctx context.Context) CycleResult {
	start := time.Now()

	if n, err := k.registry.Seed(ctx, k.engine); err != nil {
		k.logger.Warn("keeper: refreshing registry", "error", err)
	} else if n > 0 {
		k.logger.Info("keeper: new tasks found", "tasks", n)
	}

	ids := k.registry.IDs()
	due, poll := k.poller.Poll(ctx, ids, k.now())
	k.health.MarkPoll(time.Now())
	k.health.SetEngineConnected(len(ids) == 0 || poll.Checked > 0 || poll.Errors == 0)

	sum := k.queue.Run(ctx, due, k.execute)
	res := CycleResult{Poll: poll, Queue: sum, Elapsed: time.Since(start)}
	k.metrics.RecordCycle(poll, sum, res.Elapsed, k.gas.LowCount())
	k.logger.Info("keeper: cycle complete",
		"checked", poll.Checked, "due", poll.Due, "skipped", poll.Skipped, "errors", poll.Errors,
		"completed", sum.Completed, "failed", sum.Failed, "elapsed", res.Elapsed)
	return res
}

// execute fires id under the retry policy. A timed-out or failed reply
// does not prove the call was not applied, so every retry first re-reads
// the task and stops once LastRun has moved past its pre-attempt value.
func (k *Keeper) execute(ctx context.Context, id model.TaskID) error {
	var before *model.TaskConfig
	if cfg, err := k.readTask(ctx, id); err != nil {
		k.logger.Debug("keeper: reading task before execute", "task_id", id, "error", err)
	} else {
		before = cfg
	}

	attempt := 0
	return k.retrier.Do(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && before != nil {
			cfg, err := k.readTask(ctx, id)
			if err != nil {
				return err
			}
			if cfg != nil && cfg.LastRun != before.LastRun {
				k.logger.Info("keeper: earlier attempt fired, not retrying",
					"task_id", id, "attempt", attempt, "last_run", cfg.LastRun)
				return nil
			}
		}

		cctx, cancel := context.WithTimeout(ctx, k.cfg.CallTimeout)
		defer cancel()
		res, err := k.engine.Execute(cctx, id)
		if err != nil {
			return err
		}
		if res.Fired {
			k.logger.Info("keeper: task fired", "task_id", id, "last_run", res.LastRun)
		} else {
			k.logger.Info("keeper: resolver declined", "task_id", id)
		}
		return nil
	})
}

func (k *Keeper) readTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error) {
	cctx, cancel := context.WithTimeout(ctx, k.cfg.CallTimeout)
	defer cancel()
	return k.engine.GetTask(cctx, id)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
