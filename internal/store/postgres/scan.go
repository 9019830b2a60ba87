package postgres

import (
	"database/sql"
	"encoding/json"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanTask scans a single row into a model.Task.
// The row must contain columns in the order defined by taskColumns.
func scanTask(row scannable) (*model.Task, error) {
	var (
		id       int64
		c        model.TaskConfig
		creator  string
		target   string
		args     []byte
		resolver sql.NullString
		interval int64
		lastRun  int64
	)

	err := row.Scan(
		&id,
		&creator,
		&target,
		&c.Function,
		&args,
		&resolver,
		&interval,
		&lastRun,
		&c.GasBalance,
	)
	if err != nil {
		return nil, err
	}

	c.Creator = model.Identity(creator)
	c.Target = model.Identity(target)
	c.Interval = uint64(interval)
	c.LastRun = uint64(lastRun)
	if resolver.Valid {
		r := model.Identity(resolver.String)
		c.Resolver = &r
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &c.Args); err != nil {
			return nil, err
		}
	}
	return &model.Task{ID: model.TaskID(id), Config: &c}, nil
}

// scanTasks scans multiple rows into a slice of model.Task pointers.
func scanTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// scanEvent scans a single row into a model.Event.
func scanEvent(row scannable) (*model.Event, error) {
	var e model.Event
	var (
		taskID  int64
		actor   sql.NullString
		payload []byte
	)
	err := row.Scan(&e.ID, &e.Topic, &taskID, &actor, &payload, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.TaskID = model.TaskID(taskID)
	e.Actor = model.Identity(actor.String)
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// scanEvents scans multiple rows into a slice of model.Event pointers.
func scanEvents(rows *sql.Rows) ([]*model.Event, error) {
	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullIdentity converts an optional identity to sql.NullString.
func nullIdentity(id *model.Identity) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return nullString(string(*id))
}

// jsonbBytes converts json.RawMessage to a []byte suitable for JSONB columns.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}
