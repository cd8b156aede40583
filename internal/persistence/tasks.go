package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alexhall/foreman/internal/task"
)

// SaveTask upserts a task and its dependencies. ON CONFLICT keeps saves
// idempotent so the engine can snapshot after every mutation.
func (s *SQLiteStore) SaveTask(ctx context.Context, t *task.Task) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ecJSON, err := marshalErrorContext(t.ErrorContext)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, description, target, status, attempts, priority, error_context, result, reactivations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			target = excluded.target,
			status = excluded.status,
			attempts = excluded.attempts,
			priority = excluded.priority,
			error_context = excluded.error_context,
			result = excluded.result,
			reactivations = excluded.reactivations,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.Description, t.Target, t.Status, t.Attempts, t.Priority, ecJSON, t.Result, t.Reactivations, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, t.ID)
	if err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}

	for _, depID := range t.DependsOn {
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return fmt.Errorf("dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, t.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", t.ID, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	t := &task.Task{}
	var ecJSON sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, description, target, status, attempts, priority, error_context, result, reactivations, created_at
		FROM tasks
		WHERE id = ?
	`, taskID).Scan(&t.ID, &t.Description, &t.Target, &t.Status, &t.Attempts, &t.Priority, &ecJSON, &t.Result, &t.Reactivations, &t.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if t.ErrorContext, err = unmarshalErrorContext(ecJSON); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		t.DependsOn = append(t.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}

	return t, nil
}

// ListTasks returns all tasks with their dependencies, in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, target, status, attempts, priority, error_context, result, reactivations, created_at
		FROM tasks
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t := &task.Task{}
		var ecJSON sql.NullString

		err := rows.Scan(&t.ID, &t.Description, &t.Target, &t.Status, &t.Attempts, &t.Priority, &ecJSON, &t.Result, &t.Reactivations, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if t.ErrorContext, err = unmarshalErrorContext(ecJSON); err != nil {
			return nil, err
		}

		depRows, err := s.db.QueryContext(ctx, `
			SELECT depends_on_id
			FROM task_dependencies
			WHERE task_id = ?
		`, t.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to query dependencies for task %s: %w", t.ID, err)
		}
		for depRows.Next() {
			var depID string
			if err := depRows.Scan(&depID); err != nil {
				depRows.Close()
				return nil, fmt.Errorf("failed to scan dependency: %w", err)
			}
			t.DependsOn = append(t.DependsOn, depID)
		}
		depRows.Close()
		if err := depRows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating dependencies: %w", err)
		}

		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

func marshalErrorContext(ec *task.ErrorContext) (sql.NullString, error) {
	if ec == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ec)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling error context: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalErrorContext(raw sql.NullString) (*task.ErrorContext, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var ec task.ErrorContext
	if err := json.Unmarshal([]byte(raw.String), &ec); err != nil {
		return nil, fmt.Errorf("parsing error context: %w", err)
	}
	return &ec, nil
}
