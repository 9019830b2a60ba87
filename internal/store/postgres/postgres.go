// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/sorotask/internal/model"
	"github.com/alfredjeanlab/sorotask/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
// The counter lives in a single-row task_counter table and tasks in their
// own table, so the two key kinds never share storage.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewWithDB wraps an already-open database without running migrations.
func NewWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) AllocateID(ctx context.Context) (model.TaskID, error) {
	return queryAllocateID(ctx, s.db)
}

func (s *PostgresStore) PutTask(ctx context.Context, id model.TaskID, cfg *model.TaskConfig) error {
	return queryPutTask(ctx, s.db, id, cfg)
}

func (s *PostgresStore) GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error) {
	return queryGetTask(ctx, s.db, id, false)
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	return queryListTasks(ctx, s.db, filter)
}

func (s *PostgresStore) Counter(ctx context.Context) (model.TaskID, error) {
	return queryCounter(ctx, s.db)
}

func (s *PostgresStore) RecordEvent(ctx context.Context, event *model.Event) error {
	return queryRecordEvent(ctx, s.db, event)
}

func (s *PostgresStore) ListEvents(ctx context.Context, taskID model.TaskID) ([]*model.Event, error) {
	return queryListEvents(ctx, s.db, taskID)
}

func (s *PostgresStore) EventsAfter(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) {
	return queryEventsAfter(ctx, s.db, afterID, limit)
}

func (s *PostgresStore) LastEventID(ctx context.Context) (int64, error) {
	return queryLastEventID(ctx, s.db)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
// A panic in fn also rolls back before it propagates.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx. Task reads take a row
// lock so a concurrent execute of the same task waits for this one.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) AllocateID(ctx context.Context) (model.TaskID, error) {
	return queryAllocateID(ctx, s.tx)
}

func (s *txStore) PutTask(ctx context.Context, id model.TaskID, cfg *model.TaskConfig) error {
	return queryPutTask(ctx, s.tx, id, cfg)
}

func (s *txStore) GetTask(ctx context.Context, id model.TaskID) (*model.TaskConfig, error) {
	return queryGetTask(ctx, s.tx, id, true)
}

func (s *txStore) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	return queryListTasks(ctx, s.tx, filter)
}

func (s *txStore) Counter(ctx context.Context) (model.TaskID, error) {
	return queryCounter(ctx, s.tx)
}

func (s *txStore) RecordEvent(ctx context.Context, event *model.Event) error {
	return queryRecordEvent(ctx, s.tx, event)
}

func (s *txStore) ListEvents(ctx context.Context, taskID model.TaskID) ([]*model.Event, error) {
	return queryListEvents(ctx, s.tx, taskID)
}

func (s *txStore) EventsAfter(ctx context.Context, afterID int64, limit int) ([]*model.Event, error) {
	return queryEventsAfter(ctx, s.tx, afterID, limit)
}

func (s *txStore) LastEventID(ctx context.Context) (int64, error) {
	return queryLastEventID(ctx, s.tx)
}

// RunInTransaction on a txStore joins the existing transaction.
func (s *txStore) RunInTransaction(_ context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for txStore; the parent PostgresStore owns the connection.
func (s *txStore) Close() error {
	return nil
}
