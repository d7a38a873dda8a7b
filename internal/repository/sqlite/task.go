package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/tasklist/internal/apperror"
	"github.com/sakif/tasklist/internal/model"
	"github.com/sakif/tasklist/internal/repository"
)

// compile-time check that *DB implements repository.TaskRepository
var _ repository.TaskRepository = (*DB)(nil)

const taskColumns = `id, user_id, title, completed, created_at, updated_at`

// CreateTask inserts a new task for task.UserID.
//
// POINTER RECEIVER (*model.Task):
// After CreateTask, the caller's task has the generated ID and timestamps.
// New tasks always start incomplete, whatever the caller passed in.
func (db *DB) CreateTask(ctx context.Context, task *model.Task) error {
	task.ID = xid.New().String()
	ts := now()
	task.CreatedAt = ts
	task.UpdatedAt = ts
	task.Completed = false

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.UserID,
		task.Title,
		task.Completed,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID regardless of owner. The service uses it to
// tell "does not exist" (404) apart from "belongs to someone else" (403).
func (db *DB) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	err := db.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.Title, &t.Completed, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("task", id)
		}
		return nil, fmt.Errorf("sqlite: getting task %s: %w", id, err)
	}

	return &t, nil
}

// ListTasks returns every task owned by userID, newest first.
//
// ORDER BY created_at DESC, id DESC:
// Two tasks created within the same clock tick would otherwise come back in
// arbitrary order. xid ids grow with time, so id DESC breaks the tie the
// same way.
func (db *DB) ListTasks(ctx context.Context, userID string) ([]model.Task, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing tasks: %w", err)
	}
	// CRITICAL: always close rows when done!
	defer rows.Close()

	// Non-nil so an empty list encodes as [] rather than null.
	tasks := make([]model.Task, 0)
	for rows.Next() {
		var t model.Task
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Title, &t.Completed,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating tasks: %w", err)
	}

	return tasks, nil
}

// UpdateTask writes title and completed back to the row.
//
// The WHERE clause matches on BOTH id and user_id. Even if a caller skipped
// the service's ownership check, a foreign task would simply not match and
// we return NotFound.
func (db *DB) UpdateTask(ctx context.Context, task *model.Task) error {
	task.UpdatedAt = now()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE tasks
		 SET title = ?, completed = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		task.Title,
		task.Completed,
		task.UpdatedAt,
		task.ID,
		task.UserID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating task %s: %w", task.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("task", task.ID)
	}

	return nil
}

// DeleteTask removes the task if, and only if, userID owns it.
func (db *DB) DeleteTask(ctx context.Context, id, userID string) error {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = ? AND user_id = ?`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: deleting task %s: %w", id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("task", id)
	}

	return nil
}

// CountTasks computes the user's totals in one query so total and completed
// come from the same snapshot.
//
// SUM over zero rows is NULL in SQL, hence the COALESCE.
func (db *DB) CountTasks(ctx context.Context, userID string) (model.TaskStats, error) {
	var stats model.TaskStats
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(completed), 0)
		 FROM tasks WHERE user_id = ?`,
		userID,
	).Scan(&stats.Total, &stats.Completed)
	if err != nil {
		return model.TaskStats{}, fmt.Errorf("sqlite: counting tasks: %w", err)
	}

	stats.Pending = stats.Total - stats.Completed
	return stats, nil
}
