package store

import (
	"context"
	"strconv"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// KeyKind tags a storage key so task records and the ID counter can never
// collide.
type KeyKind int

const (
	KeyTask KeyKind = iota
	KeyCounter
)

// Key addresses one persistent entry.
type Key struct {
	Kind KeyKind
	ID   model.TaskID // only meaningful for KeyTask
}

// TaskKey returns the key for a task record.
func TaskKey(id model.TaskID) Key { return Key{Kind: KeyTask, ID: id} }

// CounterKey returns the key of the ID counter.
func CounterKey() Key { return Key{Kind: KeyCounter} }

// String renders the key with a prefix unique to its kind.
func (k Key) String() string {
	switch k.Kind {
	case KeyTask:
		return "task/" + strconv.FormatUint(uint64(k.ID), 10)
	case KeyCounter:
		return "counter"
	default:
		return "unknown/" + strconv.Itoa(int(k.Kind))
	}
}

// Store defines the persistence interface for the task registry.
type Store interface {
	// Registry
	AllocateID(ctx context.Context) (model.TaskID, error)
	PutTask(ctx context.Context, id model.TaskID, cfg *model.TaskConfig) error
	GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error) // nil, nil when absent
	ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error)
	Counter(ctx context.Context) (model.TaskID, error)

	// Events
	RecordEvent(ctx context.Context, event *model.Event) error
	ListEvents(ctx context.Context, taskID model.TaskID) ([]*model.Event, error)
	// EventsAfter tails the log in ID order; limit <= 0 returns everything.
	EventsAfter(ctx context.Context, afterID int64, limit int) ([]*model.Event, error)
	// LastEventID is 0 when no event was ever recorded.
	LastEventID(ctx context.Context) (int64, error)

	// Transaction support
	RunInTransaction(ctx context.Context, fn func(tx Store) error) error

	// Lifecycle
	Close() error
}
