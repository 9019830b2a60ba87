// Package memory implements store.Store in process memory. It backs the
// server when no database is configured and is the store used by tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/store"
)

// MemoryStore keeps every entry in a map addressed by store.Key.
//
// Transactions are serialized by txMu. Writes made inside a transaction are
// staged and only copied into the committed map when fn returns nil.
type MemoryStore struct {
	txMu sync.Mutex

	mu      sync.RWMutex
	entries map[store.Key][]byte
	events  []*model.Event
	nextEvt int64
	now     func() time.Time
}

var _ store.Store = (*MemoryStore)(nil)

// New returns an empty store.
func New() *MemoryStore {
	return &MemoryStore{
		entries: make(map[store.Key][]byte),
		now:     time.Now,
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) AllocateID(ctx context.Context) (model.TaskID, error) {
	var id model.TaskID
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		var err error
		id, err = tx.AllocateID(ctx)
		return err
	})
	return id, err
}

func (s *MemoryStore) PutTask(ctx context.Context, id model.TaskID, cfg *model.TaskConfig) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.PutTask(ctx, id, cfg)
	})
}

func (s *MemoryStore) GetTask(_ context.Context, id model.TaskID) (*model.TaskConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return decodeTask(s.entries[store.TaskKey(id)])
}

func (s *MemoryStore) ListTasks(_ context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTasks(s.entries, nil, filter)
}

func (s *MemoryStore) Counter(_ context.Context) (model.TaskID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return decodeCounter(s.entries[store.CounterKey()])
}

func (s *MemoryStore) RecordEvent(ctx context.Context, event *model.Event) error {
	return s.RunInTransaction(ctx, func(tx store.Store) error {
		return tx.RecordEvent(ctx, event)
	})
}

func (s *MemoryStore) ListEvents(_ context.Context, taskID model.TaskID) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterEvents(s.events, taskID), nil
}

func (s *MemoryStore) EventsAfter(_ context.Context, afterID int64, limit int) ([]*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return eventsAfter(s.events, afterID, limit), nil
}

func (s *MemoryStore) LastEventID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextEvt, nil
}

// RunInTransaction runs fn against a staged view of the store and commits
// the staged writes if fn succeeds. Nothing is applied when fn fails or
// panics.
func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &txStore{parent: s, staged: make(map[store.Key][]byte)}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range tx.staged {
		s.entries[k] = v
	}
	for _, e := range tx.events {
		s.nextEvt++
		e.ID = s.nextEvt
		s.events = append(s.events, e)
	}
	return nil
}

// txStore reads through its staged writes to the committed entries.
type txStore struct {
	parent *MemoryStore
	staged map[store.Key][]byte
	events []*model.Event
}

var _ store.Store = (*txStore)(nil)

func (t *txStore) get(k store.Key) []byte {
	if v, ok := t.staged[k]; ok {
		return v
	}
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	return t.parent.entries[k]
}

func (t *txStore) AllocateID(_ context.Context) (model.TaskID, error) {
	cur, err := decodeCounter(t.get(store.CounterKey()))
	if err != nil {
		return 0, err
	}
	if cur == model.TaskID(^uint64(0)) {
		return 0, fmt.Errorf("allocate id: counter exhausted")
	}
	next := cur + 1
	b, err := json.Marshal(uint64(next))
	if err != nil {
		return 0, err
	}
	t.staged[store.CounterKey()] = b
	return next, nil
}

func (t *txStore) PutTask(_ context.Context, id model.TaskID, cfg *model.TaskConfig) error {
	if cfg == nil {
		return fmt.Errorf("put task %d: nil config", id)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode task %d: %w", id, err)
	}
	t.staged[store.TaskKey(id)] = b
	return nil
}

func (t *txStore) GetTask(_ context.Context, id model.TaskID) (*model.TaskConfig, error) {
	return decodeTask(t.get(store.TaskKey(id)))
}

func (t *txStore) ListTasks(_ context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	return listTasks(t.parent.entries, t.staged, filter)
}

func (t *txStore) Counter(_ context.Context) (model.TaskID, error) {
	return decodeCounter(t.get(store.CounterKey()))
}

func (t *txStore) RecordEvent(_ context.Context, event *model.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = t.parent.now().UTC()
	}
	t.events = append(t.events, event)
	return nil
}

func (t *txStore) ListEvents(_ context.Context, taskID model.TaskID) ([]*model.Event, error) {
	t.parent.mu.RLock()
	defer t.parent.mu.RUnlock()
	return append(filterEvents(t.parent.events, taskID), filterEvents(t.events, taskID)...), nil
}

// EventsAfter sees committed events only; staged ones have no ID yet.
func (t *txStore) EventsAfter(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) {
	return t.parent.EventsAfter(ctx, afterID, limit)
}

func (t *txStore) LastEventID(ctx context.Context) (int64, error) {
	return t.parent.LastEventID(ctx)
}

// RunInTransaction joins the enclosing transaction.
func (t *txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(t)
}

func (t *txStore) Close() error { return nil }

func decodeTask(b []byte) (*model.TaskConfig, error) {
	if b == nil {
		return nil, nil
	}
	var cfg model.TaskConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &cfg, nil
}

func decodeCounter(b []byte) (model.TaskID, error) {
	if b == nil {
		return 0, nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return 0, fmt.Errorf("decode counter: %w", err)
	}
	return model.TaskID(n), nil
}

func listTasks(committed, staged map[store.Key][]byte, filter model.TaskFilter) ([]*model.Task, error) {
	merged := make(map[model.TaskID][]byte)
	for k, v := range committed {
		if k.Kind == store.KeyTask {
			merged[k.ID] = v
		}
	}
	for k, v := range staged {
		if k.Kind == store.KeyTask {
			merged[k.ID] = v
		}
	}

	ids := make([]model.TaskID, 0, len(merged))
	for id := range merged {
		if id > filter.AfterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*model.Task
	for _, id := range ids {
		cfg, err := decodeTask(merged[id])
		if err != nil {
			return nil, err
		}
		if filter.Creator != "" && cfg.Creator != filter.Creator {
			continue
		}
		out = append(out, &model.Task{ID: id, Config: cfg})
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func filterEvents(events []*model.Event, taskID model.TaskID) []*model.Event {
	var out []*model.Event
	for _, e := range events {
		if taskID == 0 || e.TaskID == taskID {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

// eventsAfter relies on events being appended in ID order.
func eventsAfter(events []*model.Event, afterID int64, limit int) []*model.Event {
	i := sort.Search(len(events), func(i int) bool { return events[i].ID > afterID })
	var out []*model.Event
	for _, e := range events[i:] {
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *e
		out = append(out, &c)
	}
	return out
}
