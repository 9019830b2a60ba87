package keeper

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/client"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEngine is an in-memory Engine. Execute fires unconditionally and
// stamps now, matching the real engine.
type fakeEngine struct {
	mu        sync.Mutex
	now       uint64
	tasks     map[model.TaskID]*model.TaskConfig
	getErr    map[model.TaskID]error
	execErrs  map[model.TaskID][]error
	lostErrs  map[model.TaskID][]error
	execCalls map[model.TaskID]int
	healthErr error
	getDelay  time.Duration

	inGet    int
	maxInGet int
}

func newFakeEngine(now uint64) *fakeEngine {
	return &fakeEngine{
		now:       now,
		tasks:     make(map[model.TaskID]*model.TaskConfig),
		getErr:    make(map[model.TaskID]error),
		execErrs:  make(map[model.TaskID][]error),
		lostErrs:  make(map[model.TaskID][]error),
		execCalls: make(map[model.TaskID]int),
	}
}

func (f *fakeEngine) put(id model.TaskID, lastRun, interval uint64, gas int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[id] = &model.TaskConfig{
		Creator: "C", Target: "local:T", Function: "f",
		Interval: interval, LastRun: lastRun, GasBalance: gas,
	}
}

// failNext queues errors returned by the next Execute calls for id.
func (f *fakeEngine) failNext(id model.TaskID, errs ...error) {
	f.mu.Lock()
	f.execErrs[id] = append(f.execErrs[id], errs...)
	f.mu.Unlock()
}

// loseReplies makes the next Execute calls for id fire the task and then
// return errs in place of the result.
func (f *fakeEngine) loseReplies(id model.TaskID, errs ...error) {
	f.mu.Lock()
	f.lostErrs[id] = append(f.lostErrs[id], errs...)
	f.mu.Unlock()
}

func (f *fakeEngine) calls(id model.TaskID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execCalls[id]
}

func (f *fakeEngine) GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error) {
	f.mu.Lock()
	f.inGet++
	f.maxInGet = max(f.maxInGet, f.inGet)
	delay := f.getDelay
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inGet--
		f.mu.Unlock()
	}()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	return f.tasks[id].Clone(), nil
}

func (f *fakeEngine) Execute(ctx context.Context, id model.TaskID) (*client.ExecuteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls[id]++
	if errs := f.execErrs[id]; len(errs) > 0 {
		f.execErrs[id] = errs[1:]
		return nil, errs[0]
	}
	cfg, ok := f.tasks[id]
	if !ok {
		return nil, model.ErrTaskNotFound
	}
	cfg.LastRun = f.now
	if errs := f.lostErrs[id]; len(errs) > 0 {
		f.lostErrs[id] = errs[1:]
		return nil, errs[0]
	}
	return &client.ExecuteResult{TaskID: id, Fired: true, LastRun: f.now}, nil
}

func (f *fakeEngine) Health(context.Context) (string, error) {
	if f.healthErr != nil {
		return "", f.healthErr
	}
	return "ok", nil
}
