package keeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// CycleSummary reports one queue run.
type CycleSummary struct {
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Excluded  int `json:"excluded"`
}

// Queue runs executions with bounded concurrency and a rate limit. A task
// that fails is excluded from every later cycle until Forgive is called.
type Queue struct {
	limit   int
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	failed map[model.TaskID]struct{}

	inFlight atomic.Int64
}

// NewQueue returns a Queue running at most limit executions at once and
// starting them no faster than perSecond, evenly spaced. perSecond <= 0
// disables the rate limit.
func NewQueue(limit int, perSecond float64, logger *slog.Logger) *Queue {
	if limit < 1 {
		limit = 1
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Queue{
		limit:   limit,
		limiter: lim,
		logger:  logger,
		failed:  make(map[model.TaskID]struct{}),
	}
}

// Run calls exec for every ID not previously failed and waits for all of
// them.
func (q *Queue) Run(ctx context.Context, ids []model.TaskID, exec func(context.Context, model.TaskID) error) CycleSummary {
	var sum CycleSummary
	runnable := make([]model.TaskID, 0, len(ids))
	q.mu.Lock()
	for _, id := range ids {
		if _, bad := q.failed[id]; bad {
			sum.Excluded++
			continue
		}
		runnable = append(runnable, id)
	}
	q.mu.Unlock()
	sum.Queued = len(runnable)

	var completed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.limit)
	for _, id := range runnable {
		g.Go(func() error {
			if err := q.limiter.Wait(gctx); err != nil {
				q.logger.Warn("queue: rate limiter wait", "task_id", id, "error", err)
				failed.Add(1)
				return nil
			}
			q.inFlight.Add(1)
			defer q.inFlight.Add(-1)

			if err := exec(gctx, id); err != nil {
				failed.Add(1)
				q.markFailed(id)
				q.logger.Error("queue: task failed", "task_id", id, "error", err)
				return nil
			}
			completed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	sum.Completed = int(completed.Load())
	sum.Failed = int(failed.Load())
	q.logger.Info("queue: cycle complete",
		"queued", sum.Queued, "completed", sum.Completed, "failed", sum.Failed, "excluded", sum.Excluded)
	return sum
}

func (q *Queue) markFailed(id model.TaskID) {
	q.mu.Lock()
	q.failed[id] = struct{}{}
	q.mu.Unlock()
}

// Forgive lets a previously failed task run again.
func (q *Queue) Forgive(id model.TaskID) {
	q.mu.Lock()
	delete(q.failed, id)
	q.mu.Unlock()
}

// Failed reports whether id is excluded.
func (q *Queue) Failed(id model.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.failed[id]
	return ok
}

// InFlight is the number of executions currently running.
func (q *Queue) InFlight() int64 {
	return q.inFlight.Load()
}
