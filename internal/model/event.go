package model

import (
	"encoding/json"
	"time"
)

// Event is a persisted notification emitted by the engine.
type Event struct {
	ID        int64           `json:"id"`
	Topic     string          `json:"topic"`
	TaskID    TaskID          `json:"task_id"`
	Actor     Identity        `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Creator Identity `json:"creator,omitempty"`
	AfterID TaskID   `json:"after_id,omitempty"` // exclusive lower bound for paging
	Limit   int      `json:"limit,omitempty"`
}
