package keeper

import (
	"sync/atomic"
	"time"
)

// Metrics holds keeper counters. All methods are safe for concurrent use.
type Metrics struct {
	started time.Time

	tasksCheckedTotal  atomic.Int64
	tasksDueTotal      atomic.Int64
	tasksExecutedTotal atomic.Int64
	tasksFailedTotal   atomic.Int64
	cyclesTotal        atomic.Int64

	lastCycleDurationMs atomic.Int64
	lowGasTasks         atomic.Int64
}

// NewMetrics returns zeroed metrics with uptime starting now.
func NewMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

// RecordCycle folds one cycle's results into the counters.
func (m *Metrics) RecordCycle(poll PollStats, sum CycleSummary, took time.Duration, lowGas int) {
	m.tasksCheckedTotal.Add(int64(poll.Checked))
	m.tasksDueTotal.Add(int64(poll.Due))
	m.tasksExecutedTotal.Add(int64(sum.Completed))
	m.tasksFailedTotal.Add(int64(sum.Failed))
	m.cyclesTotal.Add(1)
	m.lastCycleDurationMs.Store(took.Milliseconds())
	m.lowGasTasks.Store(int64(lowGas))
}

// MetricsSnapshot is the JSON form served on /metrics.
type MetricsSnapshot struct {
	TasksCheckedTotal   int64 `json:"tasksCheckedTotal"`
	TasksDueTotal       int64 `json:"tasksDueTotal"`
	TasksExecutedTotal  int64 `json:"tasksExecutedTotal"`
	TasksFailedTotal    int64 `json:"tasksFailedTotal"`
	CyclesTotal         int64 `json:"cyclesTotal"`
	LastCycleDurationMs int64 `json:"lastCycleDurationMs"`
	LowGasTasks         int64 `json:"lowGasTasks"`
	UptimeSeconds       int64 `json:"uptimeSeconds"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TasksCheckedTotal:   m.tasksCheckedTotal.Load(),
		TasksDueTotal:       m.tasksDueTotal.Load(),
		TasksExecutedTotal:  m.tasksExecutedTotal.Load(),
		TasksFailedTotal:    m.tasksFailedTotal.Load(),
		CyclesTotal:         m.cyclesTotal.Load(),
		LastCycleDurationMs: m.lastCycleDurationMs.Load(),
		LowGasTasks:         m.lowGasTasks.Load(),
		UptimeSeconds:       int64(time.Since(m.started).Seconds()),
	}
}
