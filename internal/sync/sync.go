// Package sync periodically exports the task registry to backup
// destinations.
package sync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/store"
)

// Destination stores registry snapshots somewhere outside the server.
type Destination interface {
	// Name identifies the destination in logs.
	Name() string
	// Write stores snap, labeled with its counter, task count and digest.
	Write(ctx context.Context, snap *Snapshot) error
}

// Scheduler snapshots the registry on an interval and hands each snapshot
// to every destination. A destination is skipped while the digest matches
// the last snapshot it accepted.
type Scheduler struct {
	store        store.Store
	destinations []Destination
	interval     time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	accepted map[Destination]string // digest last written per destination

	cancel context.CancelFunc
	wg     sync.WaitGroup
	runs   atomic.Int64
}

// NewScheduler returns a scheduler exporting from s every interval.
func NewScheduler(s store.Store, destinations []Destination, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        s,
		destinations: destinations,
		interval:     interval,
		logger:       logger,
		accepted:     make(map[Destination]string),
	}
}

// Runs reports how many snapshots have been taken.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

// SyncNow takes one snapshot immediately on the caller's goroutine.
func (s *Scheduler) SyncNow(ctx context.Context) { s.syncOnce(ctx) }

// Start syncs once immediately and then on every tick.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Stop cancels the scheduler and waits for a running sync to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	s.syncOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncOnce(ctx)
		}
	}
}

func (s *Scheduler) syncOnce(ctx context.Context) {
	snap, err := TakeSnapshot(ctx, s.store)
	if err != nil {
		s.logger.Error("sync: snapshot failed", "err", err)
		return
	}
	s.runs.Add(1)

	written := 0
	for _, dest := range s.destinations {
		s.mu.Lock()
		prev := s.accepted[dest]
		s.mu.Unlock()
		if prev == snap.Digest {
			continue
		}
		if err := dest.Write(ctx, snap); err != nil {
			s.logger.Error("sync: destination write failed",
				"destination", dest.Name(), "counter", snap.Counter, "err", err)
			continue
		}
		s.mu.Lock()
		s.accepted[dest] = snap.Digest
		s.mu.Unlock()
		written++
	}

	s.logger.Info("sync: snapshot taken",
		"tasks", snap.TaskCount,
		"counter", snap.Counter,
		"last_event_id", snap.LastEventID,
		"digest", snap.Digest[:12],
		"written", written,
		"destinations", len(s.destinations),
	)
}
