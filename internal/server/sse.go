package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/store"
)

const (
	// ssePageSize bounds each read from the event log.
	ssePageSize = 200

	// sseTailInterval is how often a stream re-reads the log without a
	// wake-up, picking up events committed by other server processes. It
	// doubles as the keepalive period.
	sseTailInterval = 15 * time.Second
)

// sseHub wakes streams when this process commits an event. Streams read
// the events themselves from the store, so IDs on the wire are the
// persisted event IDs and survive restarts.
type sseHub struct {
	mu      sync.Mutex
	waiters map[chan struct{}]struct{}
}

func newSSEHub() *sseHub {
	return &sseHub{waiters: make(map[chan struct{}]struct{})}
}

// notify wakes every stream. A stream that is still busy keeps one pending
// wake-up, which is enough because it reads everything after its cursor.
func (h *sseHub) notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *sseHub) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.waiters[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *sseHub) unsubscribe(ch chan struct{}) {
	h.mu.Lock()
	delete(h.waiters, ch)
	h.mu.Unlock()
}

// matchesAny reports whether topic matches one of the patterns. No
// patterns matches everything.
func matchesAny(patterns []string, topic string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchTopicPattern(p, topic) {
			return true
		}
	}
	return false
}

// matchTopicPattern matches a dot-separated topic against a pattern.
// Supports "*" as a single-segment wildcard and ">" as a multi-segment
// suffix wildcard (NATS-style).
func matchTopicPattern(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	patParts := strings.Split(pattern, ".")
	topParts := strings.Split(topic, ".")

	for i, pp := range patParts {
		if pp == ">" {
			return i < len(topParts)
		}
		if i >= len(topParts) {
			return false
		}
		if pp != "*" && pp != topParts[i] {
			return false
		}
	}

	return len(patParts) == len(topParts)
}

// tailEvents writes every event after cursor that matches topics and
// returns the new cursor. Non-matching events still advance it.
func tailEvents(ctx context.Context, st store.Store, w http.ResponseWriter, cursor int64, topics []string) (int64, error) {
	for {
		evts, err := st.EventsAfter(ctx, cursor, ssePageSize)
		if err != nil {
			return cursor, err
		}
		for _, e := range evts {
			if matchesAny(topics, e.Topic) {
				writeSSEEvent(w, e)
			}
			cursor = e.ID
		}
		if len(evts) < ssePageSize {
			return cursor, nil
		}
	}
}

// handleEventStream handles GET /v1/events/stream (SSE endpoint).
//
// A client resuming with Last-Event-ID gets every persisted event after
// that ID; a fresh client starts at the current end of the log.
func (s *TaskServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var topics []string
	if q := r.URL.Query().Get("topics"); q != "" {
		for _, t := range strings.Split(q, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				topics = append(topics, t)
			}
		}
	}

	ctx := r.Context()
	st := s.engine.Store()

	// Subscribe before reading the cursor so no commit falls in between.
	wake := s.sseHub.subscribe()
	defer s.sseHub.unsubscribe(wake)

	var cursor int64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		id, err := strconv.ParseInt(lastID, 10, 64)
		if err != nil || id < 0 {
			writeError(w, http.StatusBadRequest, "invalid Last-Event-ID")
			return
		}
		cursor = id
	} else {
		head, err := st.LastEventID(ctx)
		if err != nil {
			s.logger.Error("event stream: reading log head", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		cursor = head
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	tail := func() bool {
		next, err := tailEvents(ctx, st, w, cursor, topics)
		cursor = next
		flusher.Flush()
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("event stream: reading log", "after", cursor, "error", err)
		}
		return ctx.Err() == nil
	}
	if !tail() {
		return
	}

	ticker := time.NewTicker(sseTailInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
			fmt.Fprintf(w, ":keepalive\n\n")
		}
		if !tail() {
			return
		}
	}
}

// writeSSEEvent writes one persisted event as an SSE frame. The data line
// carries the event payload, e.g. a TaskRegistered record.
func writeSSEEvent(w http.ResponseWriter, e *model.Event) {
	fmt.Fprintf(w, "id:%d\n", e.ID)
	fmt.Fprintf(w, "event:%s\n", e.Topic)
	data := e.Payload
	if len(data) == 0 {
		data = []byte("{}")
	}
	fmt.Fprintf(w, "data:%s\n\n", data)
}
