package mysql

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	mmysql "github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/taskmill/taskmill/backend"
	"github.com/taskmill/taskmill/core"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewMysqlStore(host string, port int, user, password, database string, opts ...option) backend.Store {
	options := &options{
		Options:         backend.ApplyOptions(),
		ApplyMigrations: true,
	}

	for _, opt := range opts {
		opt(options)
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	s := &mysqlStore{
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

type mysqlStore struct {
	db      *sql.DB
	options *options
}

// Migrate applies any pending database migrations.
func (s *mysqlStore) Migrate() error {
	dbi, err := mmysql.WithInstance(s.db, &mmysql.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "mysql", dbi)
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

func (s *mysqlStore) Close() error {
	return s.db.Close()
}

func (s *mysqlStore) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now

	res, err := tx.ExecContext(
		ctx,
		`INSERT IGNORE INTO workflows
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

func (s *mysqlStore) GetWorkflow(ctx context.Context, id string, includeTasks bool) (*core.Workflow, error) {
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

func (s *mysqlStore) UpsertWorkflow(ctx context.Context, w *core.Workflow) error {
	w.UpdatedAt = time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = w.UpdatedAt
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO workflows
			(id, correlation_id, status, parent_workflow_id, parent_workflow_task_id, def, input, output, failure_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				correlation_id = VALUES(correlation_id),
				status = VALUES(status),
				parent_workflow_id = VALUES(parent_workflow_id),
				parent_workflow_task_id = VALUES(parent_workflow_task_id),
				def = VALUES(def),
				input = VALUES(input),
				output = VALUES(output),
				failure_reason = VALUES(failure_reason),
				updated_at = VALUES(updated_at)`,
		w.ID, w.CorrelationID, w.Status, w.ParentWorkflowID, w.ParentWorkflowTaskID,
		mustJSON(w.Def), mustJSON(w.Input), mustJSON(w.Output), w.FailureReason, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting workflow: %w", err)
	}

	return nil
}

func (s *mysqlStore) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
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

func (s *mysqlStore) UpsertTasks(ctx context.Context, tasks []*core.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
				ON DUPLICATE KEY UPDATE
					status = VALUES(status),
					retry_count = VALUES(retry_count),
					input = VALUES(input),
					output = VALUES(output),
					sub_workflow_id = VALUES(sub_workflow_id),
					subworkflow_changed = VALUES(subworkflow_changed),
					failure_reason = VALUES(failure_reason),
					updated_at = VALUES(updated_at)`,
			t.ID, t.WorkflowID, t.ReferenceName, t.Type, t.DefIndex, t.Seq, t.Status,
			t.RetryCount, t.RetryLimit, mustJSON(t.Input), mustJSON(t.Output),
			t.SubWorkflowID, t.SubworkflowChanged, t.FailureReason, nullTime(t.ScheduledAt), t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting task %v: %w", t.ID, err)
		}
	}

	return nil
}

func (s *mysqlStore) DeleteTasks(ctx context.Context, workflowID string, taskIDs []string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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

func (s *mysqlStore) GetRunningWorkflowIDs(ctx context.Context) ([]string, error) {
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
	var failureReason sql.NullString

	err := row.Scan(
		&w.ID, &w.CorrelationID, &w.Status, &w.ParentWorkflowID, &w.ParentWorkflowTaskID,
		&def, &input, &output, &failureReason, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, backend.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("scanning workflow: %w", err)
	}

	w.FailureReason = failureReason.String

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
	var failureReason sql.NullString
	var scheduledAt, updatedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.WorkflowID, &t.ReferenceName, &t.Type, &t.DefIndex, &t.Seq, &t.Status,
		&t.RetryCount, &t.RetryLimit, &input, &output, &t.SubWorkflowID, &t.SubworkflowChanged,
		&failureReason, &scheduledAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning task: %w", err)
	}

	t.FailureReason = failureReason.String

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

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
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
