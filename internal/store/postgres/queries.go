package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/alfredjeanlab/sorotask/internal/model"
)

// taskColumns is the column list used for SELECT statements on the tasks table.
const taskColumns = `id, creator, target, function, args, resolver, interval, last_run, gas_balance`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryAllocateID bumps the counter row, creating it on first use. The
// upsert holds the row lock until the enclosing transaction ends.
func queryAllocateID(ctx context.Context, db executor) (model.TaskID, error) {
	var next int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO task_counter (id, value) VALUES (1, 1)
		ON CONFLICT (id) DO UPDATE SET value = task_counter.value + 1
		RETURNING value`,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("allocate task id: %w", err)
	}
	return model.TaskID(next), nil
}

func queryCounter(ctx context.Context, db executor) (model.TaskID, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT value FROM task_counter WHERE id = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return model.TaskID(v), nil
}

func queryPutTask(ctx context.Context, db executor, id model.TaskID, c *model.TaskConfig) error {
	if c == nil {
		return fmt.Errorf("put task %d: nil config", id)
	}
	sid, err := toBigint(uint64(id))
	if err != nil {
		return fmt.Errorf("put task %d: id: %w", id, err)
	}
	interval, err := toBigint(c.Interval)
	if err != nil {
		return fmt.Errorf("put task %d: interval: %w", id, err)
	}
	lastRun, err := toBigint(c.LastRun)
	if err != nil {
		return fmt.Errorf("put task %d: last_run: %w", id, err)
	}
	args, err := argsBytes(c.Args)
	if err != nil {
		return fmt.Errorf("put task %d: args: %w", id, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, creator, target, function, args, resolver, interval, last_run, gas_balance
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (id) DO UPDATE SET
			creator = $2, target = $3, function = $4, args = $5,
			resolver = $6, interval = $7, last_run = $8, gas_balance = $9`,
		sid,
		string(c.Creator),
		string(c.Target),
		c.Function,
		args,
		nullIdentity(c.Resolver),
		interval,
		lastRun,
		c.GasBalance,
	)
	return err
}

// queryGetTask returns nil, nil when no row exists. forUpdate locks the
// row for the rest of the transaction.
func queryGetTask(ctx context.Context, db executor, id model.TaskID, forUpdate bool) (*model.TaskConfig, error) {
	if uint64(id) > math.MaxInt64 {
		return nil, nil
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	task, err := scanTask(db.QueryRowContext(ctx, q, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task.Config, nil
}

func queryListTasks(ctx context.Context, db executor, filter model.TaskFilter) ([]*model.Task, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	if filter.Creator != "" {
		whereClauses = append(whereClauses, "creator = "+nextArg())
		args = append(args, string(filter.Creator))
	}
	if filter.AfterID > 0 {
		if uint64(filter.AfterID) >= math.MaxInt64 {
			return nil, nil
		}
		whereClauses = append(whereClauses, "id > "+nextArg())
		args = append(args, int64(filter.AfterID))
	}

	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(whereClauses) > 0 {
		q += " WHERE " + strings.Join(whereClauses, " AND ")
	}
	q += " ORDER BY id ASC"
	if filter.Limit > 0 {
		q += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func queryRecordEvent(ctx context.Context, db executor, e *model.Event) error {
	tid, err := toBigint(uint64(e.TaskID))
	if err != nil {
		return fmt.Errorf("record event: task id: %w", err)
	}
	return db.QueryRowContext(ctx, `
		INSERT INTO events (topic, task_id, actor, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		e.Topic, tid, nullString(string(e.Actor)), jsonbBytes(e.Payload),
	).Scan(&e.ID, &e.CreatedAt)
}

// queryListEvents returns events for one task, or all events when taskID is 0.
func queryListEvents(ctx context.Context, db executor, taskID model.TaskID) ([]*model.Event, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if taskID == 0 {
		rows, err = db.QueryContext(ctx, `
			SELECT id, topic, task_id, actor, payload, created_at
			FROM events
			ORDER BY id ASC`)
	} else {
		if uint64(taskID) > math.MaxInt64 {
			return nil, nil
		}
		rows, err = db.QueryContext(ctx, `
			SELECT id, topic, task_id, actor, payload, created_at
			FROM events
			WHERE task_id = $1
			ORDER BY id ASC`,
			int64(taskID),
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// queryEventsAfter tails the event log from afterID, exclusive.
func queryEventsAfter(ctx context.Context, db executor, afterID int64, limit int) ([]*model.Event, error) {
	q := `
		SELECT id, topic, task_id, actor, payload, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryLastEventID(ctx context.Context, db executor) (int64, error) {
	var id int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// errOutOfRange is returned for unsigned values that do not fit a BIGINT column.
var errOutOfRange = errors.New("value exceeds BIGINT range")

func toBigint(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errOutOfRange
	}
	return int64(v), nil
}

func argsBytes(args []model.Value) ([]byte, error) {
	if args == nil {
		args = []model.Value{}
	}
	return json.Marshal(args)
}
