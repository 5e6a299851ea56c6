package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/taskmill/taskmill/backend"
	"github.com/taskmill/taskmill/core"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

// NewInMemoryStore creates a store backed by an in-memory SQLite database.
func NewInMemoryStore(opts ...option) backend.Store {
	s := newSqliteStore("file::memory:?cache=shared", opts...)

	// A single connection keeps the in-memory database alive.
	s.db.SetMaxOpenConns(1)

	return s
}

// NewSqliteStore creates a store backed by a SQLite database at the given path.
func NewSqliteStore(path string, opts ...option) backend.Store {
	return newSqliteStore(fmt.Sprintf("file:%v?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path), opts...)
}

func newSqliteStore(dsn string, opts ...option) *sqliteStore {
	options := &options{
		Options:         backend.ApplyOptions(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	s := &sqliteStore{
		db:      db,
		options: options,
	}

	if options.ApplyMigrations {
		if err := s.Migrate(); err != nil {
			panic(err)
		}
	}

	return s
}

type sqliteStore struct {
	db      *sql.DB
	options *options
}

// Migrate applies any pending database migrations.
func (s *sqliteStore) Migrate() error {
	dbi, err := msqlite.WithInstance(s.db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "sqlite", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now

	res, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO workflows
			(id, correlation_id, status, parent_workflow_id, parent_workflow_task_id, def, input, output, failure_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.CorrelationID, w.Status, w.ParentWorkflowID, w.ParentWorkflowTaskID,
		mustJSON(w.Def), mustJSON(w.Input), mustJSON(w.Output), w.FailureReason, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting workflow: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if rows != 1 {
		return backend.ErrWorkflowAlreadyExists
	}

	if err := upsertTasks(ctx, tx, w.Tasks); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *sqliteStore) GetWorkflow(ctx context.Context, id string, includeTasks bool) (*core.Workflow, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, correlation_id, status, parent_workflow_id, parent_workflow_task_id, def, input, output, failure_reason, created_at, updated_at
			FROM workflows WHERE id = ?`, id)

	w, err := scanWorkflow(row)
	if err != nil {
		return nil, err
	}

	if includeTasks {
		rows, err := s.db.QueryContext(
			ctx,
			`SELECT id, workflow_id, reference_name, task_type, def_index, seq, status, retry_count, retry_limit, input, output, sub_workflow_id, subworkflow_changed, failure_reason, scheduled_at, updated_at
				FROM tasks WHERE workflow_id = ? ORDER BY seq`, id)
		if err != nil {
			return nil, fmt.Errorf("querying tasks: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return nil, err
			}

			w.Tasks = append(w.Tasks, t)
		}

		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return w, nil
}

func (s *sqliteStore) UpsertWorkflow(ctx context.Context, w *core.Workflow) error {
	w.UpdatedAt = time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = w.UpdatedAt
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO workflows
			(id, correlation_id, status, parent_workflow_id, parent_workflow_task_id, def, input, output, failure_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				correlation_id = excluded.correlation_id,
				status = excluded.status,
				parent_workflow_id = excluded.parent_workflow_id,
				parent_workflow_task_id = excluded.parent_workflow_task_id,
				def = excluded.def,
				input = excluded.input,
				output = excluded.output,
				failure_reason = excluded.failure_reason,
				updated_at = excluded.updated_at`,
		w.ID, w.CorrelationID, w.Status, w.ParentWorkflowID, w.ParentWorkflowTaskID,
		mustJSON(w.Def), mustJSON(w.Input), mustJSON(w.Output), w.FailureReason, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting workflow: %w", err)
	}

	return nil
}

func (s *sqliteStore) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, workflow_id, reference_name, task_type, def_index, seq, status, retry_count, retry_limit, input, output, sub_workflow_id, subworkflow_changed, failure_reason, scheduled_at, updated_at
			FROM tasks WHERE id = ?`, taskID)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrTaskNotFound
		}

		return nil, err
	}

	return t, nil
}

func (s *sqliteStore) UpsertTasks(ctx context.Context, tasks []*core.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertTasks(ctx, tx, tasks); err != nil {
		return err
	}

	return tx.Commit()
}

func upsertTasks(ctx context.Context, tx *sql.Tx, tasks []*core.Task) error {
	for _, t := range tasks {
		t.UpdatedAt = time.Now()

		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO tasks
				(id, workflow_id, reference_name, task_type, def_index, seq, status, retry_count, retry_limit, input, output, sub_workflow_id, subworkflow_changed, failure_reason, scheduled_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					status = excluded.status,
					retry_count = excluded.retry_count,
					input = excluded.input,
					output = excluded.output,
					sub_workflow_id = excluded.sub_workflow_id,
					subworkflow_changed = excluded.subworkflow_changed,
					failure_reason = excluded.failure_reason,
					updated_at = excluded.updated_at`,
			t.ID, t.WorkflowID, t.ReferenceName, t.Type, t.DefIndex, t.Seq, t.Status,
			t.RetryCount, t.RetryLimit, mustJSON(t.Input), mustJSON(t.Output),
			t.SubWorkflowID, t.SubworkflowChanged, t.FailureReason, t.ScheduledAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting task %v: %w", t.ID, err)
		}
	}

	return nil
}

func (s *sqliteStore) DeleteTasks(ctx context.Context, workflowID string, taskIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range taskIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE workflow_id = ? AND id = ?`, workflowID, id); err != nil {
			return fmt.Errorf("deleting task %v: %w", id, err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetRunningWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflows WHERE status = ? ORDER BY id`, core.WorkflowStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("querying running workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*core.Workflow, error) {
	var w core.Workflow
	var def, input, output []byte

	err := row.Scan(
		&w.ID, &w.CorrelationID, &w.Status, &w.ParentWorkflowID, &w.ParentWorkflowTaskID,
		&def, &input, &output, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("scanning workflow: %w", err)
	}

	if err := fromJSON(def, &w.Def); err != nil {
		return nil, err
	}
	if err := fromJSON(input, &w.Input); err != nil {
		return nil, err
	}
	if err := fromJSON(output, &w.Output); err != nil {
		return nil, err
	}

	return &w, nil
}

func scanTask(row scanner) (*core.Task, error) {
	var t core.Task
	var input, output []byte
	var scheduledAt, updatedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.WorkflowID, &t.ReferenceName, &t.Type, &t.DefIndex, &t.Seq, &t.Status,
		&t.RetryCount, &t.RetryLimit, &input, &output, &t.SubWorkflowID, &t.SubworkflowChanged,
		&t.FailureReason, &scheduledAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	if err := fromJSON(input, &t.Input); err != nil {
		return nil, err
	}
	if err := fromJSON(output, &t.Output); err != nil {
		return nil, err
	}

	t.ScheduledAt = scheduledAt.Time
	t.UpdatedAt = updatedAt.Time

	return &t, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return b
}

func fromJSON(b []byte, v any) error {
	if len(b) == 0 {
		return nil
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshaling json column: %w", err)
	}

	return nil
}
