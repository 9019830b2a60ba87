package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// Event topic constants
const (
	// TopicTaskRegistered is published once per successful registration.
	TopicTaskRegistered = "sorotask.task.registered"

	// Keeper alerts. These never come from the engine.
	TopicKeeperLowGas = "sorotask.keeper.low_gas"

	// TopicAll matches every topic above.
	TopicAll = "sorotask.>"
)

// Event types

// TaskRegistered carries the new task's ID and its creator.
type TaskRegistered struct {
	TaskID  model.TaskID   `json:"task_id"`
	Creator model.Identity `json:"creator"`
}

// LowGas is raised by the keeper when a task's advisory balance drops
// below the warning threshold.
type LowGas struct {
	TaskID     model.TaskID `json:"task_id"`
	GasBalance int64        `json:"gas_balance"`
	Threshold  int64        `json:"threshold"`
}

// DecodeTaskRegistered parses a TopicTaskRegistered payload.
func DecodeTaskRegistered(data []byte) (TaskRegistered, error) {
	var ev TaskRegistered
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("decoding %s: %w", TopicTaskRegistered, err)
	}
	if ev.TaskID == 0 {
		return ev, fmt.Errorf("decoding %s: missing task_id", TopicTaskRegistered)
	}
	return ev, nil
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
