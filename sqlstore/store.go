// Package sqlstore implements taskpipe.Checkpointer on database/sql. It
// supports PostgreSQL through lib/pq and SQLite through a pure Go driver.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskpipe"
	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Dialect identifies the SQL flavor of the database
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var _ taskpipe.Checkpointer = (*Store)(nil)

// Store persists tasks and step checkpoints in two tables. Timestamps are
// stored as unix nanoseconds so both dialects share the same queries.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open opens a database for the given driver ("postgres" or "sqlite") and
// creates the schema if needed.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}
	store := New(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an open database. Call Migrate before use.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// ParseDialect maps a driver name to a Dialect
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate creates the tables and indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

func (s *Store) schema() []string {
	jsonType, idColumn := "TEXT", "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		jsonType, idColumn = "JSONB", "id BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			params ` + jsonType + ` NOT NULL,
			status TEXT NOT NULL,
			last_step TEXT NOT NULL DEFAULT '',
			artifact_ref TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_steps (
			` + idColumn + `,
			task_id TEXT NOT NULL,
			step_name TEXT NOT NULL,
			input_data ` + jsonType + ` NOT NULL,
			output_data ` + jsonType + ` NOT NULL,
			history ` + jsonType + ` NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (task_id, step_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
	}
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) InitTask(ctx context.Context, taskID, topic string, params map[string]any) error {
	paramsJSON, err := marshalJSON(params, "{}")
	if err != nil {
		return err
	}
	now := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tasks (task_id, topic, params, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			topic = excluded.topic,
			params = excluded.params,
			updated_at = excluded.updated_at`),
		taskID, topic, paramsJSON, string(taskpipe.TaskStatusRunning), now, now)
	if err != nil {
		return fmt.Errorf("failed to init task %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, output, input taskpipe.Payload) error {
	inputJSON, err := marshalJSON(input.Data, "{}")
	if err != nil {
		return err
	}
	outputJSON, err := marshalJSON(output.Data, "{}")
	if err != nil {
		return err
	}
	historyJSON, err := marshalJSON(output.History, "[]")
	if err != nil {
		return err
	}
	now := s.now().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO task_steps (task_id, step_name, input_data, output_data, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id, step_name) DO UPDATE SET
			input_data = excluded.input_data,
			output_data = excluded.output_data,
			history = excluded.history,
			updated_at = excluded.updated_at`),
		output.TaskID, output.Step, inputJSON, outputJSON, historyJSON, now, now)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%s: %w", output.TaskID, output.Step, err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET last_step = ?, updated_at = ? WHERE task_id = ?`),
		output.Step, now, output.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", output.TaskID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

func (s *Store) MarkTaskDone(ctx context.Context, taskID, artifactRef string) error {
	return s.finish(ctx, taskID, taskpipe.TaskStatusDone, artifactRef, "")
}

func (s *Store) MarkTaskFailed(ctx context.Context, taskID, reason string) error {
	return s.finish(ctx, taskID, taskpipe.TaskStatusFailed, "", reason)
}

func (s *Store) finish(ctx context.Context, taskID string, status taskpipe.TaskStatus, artifactRef, reason string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tasks SET
			status = ?,
			artifact_ref = CASE WHEN ? = '' THEN artifact_ref ELSE ? END,
			error = ?,
			updated_at = ?
		WHERE task_id = ?`),
		string(status), artifactRef, artifactRef, reason, s.now().UnixNano(), taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", taskID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", taskID, status, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to mark task %s %s: %w", taskID, status, taskpipe.ErrTaskNotFound)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*taskpipe.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT task_id, topic, params, status, last_step, artifact_ref, error, created_at, updated_at
		FROM tasks WHERE task_id = ?`), taskID)

	var task taskpipe.TaskRecord
	var params []byte
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&task.TaskID, &task.Topic, &params, &status, &task.LastStep,
		&task.ArtifactRef, &task.Error, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, taskpipe.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", taskID, err)
	}
	if err := json.Unmarshal(params, &task.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params of task %s: %w", taskID, err)
	}
	task.Status = taskpipe.TaskStatus(status)
	task.CreatedAt = time.Unix(0, createdAt).UTC()
	task.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &task, nil
}

func (s *Store) ListSteps(ctx context.Context, taskID string) ([]*taskpipe.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT task_id, step_name, input_data, output_data, history, created_at, updated_at
		FROM task_steps WHERE task_id = ?
		ORDER BY created_at, id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of task %s: %w", taskID, err)
	}
	defer rows.Close()

	steps := []*taskpipe.StepRecord{}
	for rows.Next() {
		var step taskpipe.StepRecord
		var input, output, history []byte
		var createdAt, updatedAt int64
		if err := rows.Scan(&step.TaskID, &step.Step, &input, &output, &history, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if err := json.Unmarshal(input, &step.InputData); err != nil {
			return nil, fmt.Errorf("failed to decode input of step %s: %w", step.Step, err)
		}
		if err := json.Unmarshal(output, &step.OutputData); err != nil {
			return nil, fmt.Errorf("failed to decode output of step %s: %w", step.Step, err)
		}
		if err := json.Unmarshal(history, &step.History); err != nil {
			return nil, fmt.Errorf("failed to decode history of step %s: %w", step.Step, err)
		}
		step.CreatedAt = time.Unix(0, createdAt).UTC()
		step.UpdatedAt = time.Unix(0, updatedAt).UTC()
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// ListTasks returns tasks with the given status, newest first. An empty
// status lists all tasks.
func (s *Store) ListTasks(ctx context.Context, status taskpipe.TaskStatus, limit int) ([]*taskpipe.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT task_id FROM tasks`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tasks := make([]*taskpipe.TaskRecord, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", taskpipe.NewMalformedError("checkpoint", "failed to encode: "+err.Error())
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}
