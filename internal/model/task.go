package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TaskID identifies a registered task. IDs are assigned from a single
// counter starting at 1 and are never reused.
type TaskID uint64

// String returns the decimal form of the ID.
func (id TaskID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTaskID parses a decimal task ID. Zero is rejected since no task
// ever receives it.
func ParseTaskID(s string) (TaskID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, strconv.ErrRange
	}
	return TaskID(n), nil
}

// Identity names an external party: a creator key, a target capability,
// or a resolver capability.
type Identity string

// String returns the identity as a plain string.
func (i Identity) String() string {
	return string(i)
}

// Scheme returns the part of the identity before the first colon, or ""
// when the identity has no scheme (e.g. a bare creator key).
func (i Identity) Scheme() string {
	if idx := strings.IndexByte(string(i), ':'); idx > 0 {
		return string(i)[:idx]
	}
	return ""
}

// Name returns the identity without its scheme.
func (i Identity) Name() string {
	if idx := strings.IndexByte(string(i), ':'); idx > 0 {
		return string(i)[idx+1:]
	}
	return string(i)
}

// Value is an opaque argument or result passed across the capability
// boundary. It holds one JSON value.
type Value = json.RawMessage

// TaskConfig is the persisted record of a registered task.
//
// Every field is fixed at registration except LastRun, which only the
// dispatch engine writes, and only after the target call succeeded.
type TaskConfig struct {
	Creator  Identity  `json:"creator" validate:"required"`
	Target   Identity  `json:"target" validate:"required"`
	Function string    `json:"function" validate:"required,max=32,selector"`
	Args     []Value   `json:"args"`
	Resolver *Identity `json:"resolver,omitempty"`

	// Interval is the minimum number of seconds between firings. It is
	// stored and reported but execute does not gate on it.
	Interval uint64 `json:"interval"`

	// LastRun is the ledger timestamp (unix seconds) of the last
	// successful firing; 0 means the task has never fired.
	LastRun uint64 `json:"last_run"`

	// GasBalance is advisory. Nothing in the engine debits it.
	GasBalance int64 `json:"gas_balance"`
}

// HasResolver reports whether a readiness predicate is configured.
func (c *TaskConfig) HasResolver() bool {
	return c.Resolver != nil && *c.Resolver != ""
}

// NeverRun reports whether the task has not fired yet.
func (c *TaskConfig) NeverRun() bool {
	return c.LastRun == 0
}

// NextRun returns the earliest timestamp at which an off-ledger keeper
// considers the task due.
func (c *TaskConfig) NextRun() uint64 {
	return c.LastRun + c.Interval
}

// Clone returns a deep copy so callers can mutate the result without
// touching stored state.
func (c *TaskConfig) Clone() *TaskConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.Args != nil {
		out.Args = make([]Value, len(c.Args))
		for i, a := range c.Args {
			out.Args[i] = append(Value(nil), a...)
		}
	}
	if c.Resolver != nil {
		r := *c.Resolver
		out.Resolver = &r
	}
	return &out
}

// Task pairs a stored config with its ID, for listings and exports.
type Task struct {
	ID     TaskID      `json:"id"`
	Config *TaskConfig `json:"config"`
}
