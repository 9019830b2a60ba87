package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alfredjeanlab/sorotask/internal/events"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

// GasMonitor watches the advisory gas balance the keeper reads from each
// task. It never changes the balance.
type GasMonitor struct {
	threshold  int64
	webhookURL string
	debounce   time.Duration
	httpClient *http.Client
	publisher  events.Publisher
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	low       map[model.TaskID]struct{}
	lastAlert map[model.TaskID]time.Time
}

// GasMonitorOption configures a GasMonitor.
type GasMonitorOption func(*GasMonitor)

// WithWebhook enables POST alerts to url, at most once per task per
// debounce window.
func WithWebhook(url string, debounce time.Duration) GasMonitorOption {
	return func(g *GasMonitor) {
		g.webhookURL = url
		g.debounce = debounce
	}
}

// WithGasPublisher publishes a LowGas event for every low reading.
func WithGasPublisher(p events.Publisher) GasMonitorOption {
	return func(g *GasMonitor) { g.publisher = p }
}

// WithHTTPClient overrides the client used for webhook alerts.
func WithHTTPClient(c *http.Client) GasMonitorOption {
	return func(g *GasMonitor) { g.httpClient = c }
}

func withNow(now func() time.Time) GasMonitorOption {
	return func(g *GasMonitor) { g.now = now }
}

// NewGasMonitor returns a monitor that warns below threshold.
func NewGasMonitor(threshold int64, logger *slog.Logger, opts ...GasMonitorOption) *GasMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GasMonitor{
		threshold:  threshold,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
		low:        make(map[model.TaskID]struct{}),
		lastAlert:  make(map[model.TaskID]time.Time),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check records the balance for id and reports whether the task should be
// skipped this cycle (balance <= 0).
func (g *GasMonitor) Check(ctx context.Context, id model.TaskID, balance int64) bool {
	empty := balance <= 0
	low := !empty && balance < g.threshold

	g.mu.Lock()
	if low {
		g.low[id] = struct{}{}
	} else {
		delete(g.low, id)
	}
	g.mu.Unlock()

	switch {
	case empty:
		g.logger.Error("task gas exhausted, skipping", "task_id", id, "gas_balance", balance)
	case low:
		g.logger.Warn("task gas low", "task_id", id, "gas_balance", balance, "threshold", g.threshold)
	default:
		return false
	}

	if g.publisher != nil {
		ev := events.LowGas{TaskID: id, GasBalance: balance, Threshold: g.threshold}
		if err := g.publisher.Publish(ctx, events.TopicKeeperLowGas, ev); err != nil {
			g.logger.Warn("publishing low gas event", "task_id", id, "error", err)
		}
	}
	if g.webhookURL != "" {
		g.alert(ctx, id, balance)
	}
	return empty
}

// LowCount is the number of tasks currently below the threshold but
// still funded.
func (g *GasMonitor) LowCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.low)
}

type webhookPayload struct {
	Event      string `json:"event"`
	TaskID     string `json:"taskId"`
	GasBalance int64  `json:"gasBalance"`
	Timestamp  string `json:"timestamp"`
}

func (g *GasMonitor) alert(ctx context.Context, id model.TaskID, balance int64) {
	now := g.now()
	g.mu.Lock()
	last, seen := g.lastAlert[id]
	g.mu.Unlock()
	if seen && now.Sub(last) < g.debounce {
		return
	}

	if err := g.postAlert(ctx, webhookPayload{
		Event:      "low_gas",
		TaskID:     id.String(),
		GasBalance: balance,
		Timestamp:  now.UTC().Format(time.RFC3339Nano),
	}); err != nil {
		g.logger.Error("sending low gas webhook", "task_id", id, "error", err)
		return
	}

	g.mu.Lock()
	g.lastAlert[id] = now
	g.mu.Unlock()
	g.logger.Info("low gas webhook sent", "task_id", id)
}

func (g *GasMonitor) postAlert(ctx context.Context, p webhookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
