package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/alfredjeanlab/sorotask/internal/events"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

// Registry is the set of task IDs the keeper polls.
type Registry struct {
	mu  sync.RWMutex
	ids map[model.TaskID]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[model.TaskID]struct{})}
}

func (r *Registry) Add(id model.TaskID) {
	r.mu.Lock()
	r.ids[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) Remove(id model.TaskID) {
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()
}

func (r *Registry) Has(id model.TaskID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// IDs returns the known IDs in ascending order.
func (r *Registry) IDs() []model.TaskID {
	r.mu.RLock()
	out := make([]model.TaskID, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// Seed adds every task after the highest known ID by reading IDs upward
// until the first absent one. IDs are dense since the counter never skips,
// so the first gap is the end of the registry. It returns the number of
// tasks added.
func (r *Registry) Seed(ctx context.Context, eng Engine) (int, error) {
	n := 0
	for id := r.highest() + 1; ; id++ {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		cfg, err := eng.GetTask(ctx, id)
		if err != nil {
			return n, fmt.Errorf("seeding registry at task %d: %w", id, err)
		}
		if cfg == nil {
			return n, nil
		}
		r.Add(id)
		n++
	}
}

func (r *Registry) highest() model.TaskID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var m model.TaskID
	for id := range r.ids {
		m = max(m, id)
	}
	return m
}

// Follow adds IDs from registration events until ctx is done or the
// subscription closes.
func (r *Registry) Follow(ctx context.Context, sub events.Subscriber, logger *slog.Logger) error {
	ch, cancel, err := sub.Subscribe(events.TopicTaskRegistered)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", events.TopicTaskRegistered, err)
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-ch:
				if !ok {
					return
				}
				ev, err := events.DecodeTaskRegistered(data)
				if err != nil {
					logger.Warn("ignoring malformed registration event", "error", err)
					continue
				}
				r.Add(ev.TaskID)
				logger.Debug("registry: task added", "task_id", ev.TaskID, "creator", ev.Creator)
			}
		}
	}()
	return nil
}
