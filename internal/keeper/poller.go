package keeper

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alfredjeanlab/sorotask/internal/client"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

// Engine is the subset of the task API the keeper needs.
// client.TaskClient satisfies it.
type Engine interface {
	GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error)
	Execute(ctx context.Context, id model.TaskID) (*client.ExecuteResult, error)
	Health(ctx context.Context) (string, error)
}

// PollStats summarizes one poll.
type PollStats struct {
	Checked int `json:"checked"`
	Due     int `json:"due"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Poller reads every known task and picks the ones that are due.
type Poller struct {
	engine   Engine
	gas      *GasMonitor
	maxReads int
	logger   *slog.Logger
}

// NewPoller returns a Poller reading at most maxReads tasks at once.
func NewPoller(eng Engine, gas *GasMonitor, maxReads int, logger *slog.Logger) *Poller {
	if maxReads < 1 {
		maxReads = 1
	}
	return &Poller{engine: eng, gas: gas, maxReads: maxReads, logger: logger}
}

type checkResult int

const (
	checkNotDue checkResult = iota
	checkDue
	checkSkipped
	checkNotFound
)

// Poll returns the due IDs in the order given. A task is due when
// last_run + interval <= now. Read errors are counted, not returned.
func (p *Poller) Poll(ctx context.Context, ids []model.TaskID, now uint64) ([]model.TaskID, PollStats) {
	var stats PollStats
	if len(ids) == 0 {
		p.logger.Debug("poller: no tasks to check")
		return nil, stats
	}

	results := make([]checkResult, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxReads)
	for i, id := range ids {
		g.Go(func() error {
			res, err := p.check(gctx, id, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Errors++
				p.logger.Error("poller: checking task", "task_id", id, "error", err)
				return nil
			}
			results[i] = res
			stats.Checked++
			return nil
		})
	}
	_ = g.Wait()

	var due []model.TaskID
	for i, res := range results {
		switch res {
		case checkDue:
			due = append(due, ids[i])
			stats.Due++
		case checkSkipped:
			stats.Skipped++
		}
	}
	return due, stats
}

func (p *Poller) check(ctx context.Context, id model.TaskID, now uint64) (checkResult, error) {
	cfg, err := p.engine.GetTask(ctx, id)
	if err != nil {
		return checkNotDue, err
	}
	if cfg == nil {
		p.logger.Warn("poller: task not found", "task_id", id)
		return checkNotFound, nil
	}
	if p.gas != nil {
		if p.gas.Check(ctx, id, cfg.GasBalance) {
			return checkSkipped, nil
		}
	} else if cfg.GasBalance <= 0 {
		return checkSkipped, nil
	}
	// An interval that overflows past the end of time never comes due.
	if next := cfg.NextRun(); next < cfg.LastRun || next > now {
		return checkNotDue, nil
	}
	p.logger.Info("poller: task due", "task_id", id,
		"last_run", cfg.LastRun, "interval", cfg.Interval, "now", now)
	return checkDue, nil
}
