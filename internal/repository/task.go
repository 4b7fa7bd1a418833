package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/mailverify/mailverify/internal/bulk"
	"github.com/mailverify/mailverify/internal/model"
)

// Repository implements bulk.TaskStore.
var _ bulk.TaskStore = (*Repository)(nil)

const taskColumns = `
	id, user_id, filename, sources, status, total_emails, processed, progress,
	safe_count, role_count, catch_all_count, disposable_count, inbox_full_count,
	spam_trap_count, disabled_count, invalid_count, unknown_count,
	error, created_at, started_at, completed_at`

// CreateTask inserts a new bulk task.
func (r *Repository) CreateTask(ctx context.Context, task *model.BulkTask) error {
	query := `INSERT INTO bulk_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	c := task.Counters
	_, err := r.pool.Exec(ctx, query,
		task.ID,
		task.UserID,
		task.Filename,
		pq.Array(task.Sources),
		string(task.Status),
		task.TotalEmails,
		task.Processed,
		task.Progress,
		c.Safe, c.Role, c.CatchAll, c.Disposable, c.InboxFull,
		c.SpamTrap, c.Disabled, c.Invalid, c.Unknown,
		task.Error,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask retrieves a bulk task by ID.
func (r *Repository) GetTask(ctx context.Context, id string) (*model.BulkTask, error) {
	query := `SELECT ` + taskColumns + ` FROM bulk_tasks WHERE id = $1`

	task, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, bulk.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks returns a user's tasks, newest first.
func (r *Repository) ListTasks(ctx context.Context, userID string) ([]*model.BulkTask, error) {
	query := `SELECT ` + taskColumns + ` FROM bulk_tasks
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]*model.BulkTask, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// UpdateTask stores a task's mutable fields. Progress never moves
// backwards in storage.
func (r *Repository) UpdateTask(ctx context.Context, task *model.BulkTask) error {
	query := `
		UPDATE bulk_tasks SET
			status = $2, total_emails = $3, processed = $4,
			progress = GREATEST(progress, $5),
			safe_count = $6, role_count = $7, catch_all_count = $8, disposable_count = $9,
			inbox_full_count = $10, spam_trap_count = $11, disabled_count = $12,
			invalid_count = $13, unknown_count = $14,
			error = $15, started_at = $16, completed_at = $17
		WHERE id = $1
	`

	c := task.Counters
	result, err := r.pool.Exec(ctx, query,
		task.ID,
		string(task.Status),
		task.TotalEmails,
		task.Processed,
		task.Progress,
		c.Safe, c.Role, c.CatchAll, c.Disposable,
		c.InboxFull, c.SpamTrap, c.Disabled,
		c.Invalid, c.Unknown,
		task.Error,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return bulk.ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task record.
func (r *Repository) DeleteTask(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM bulk_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (*model.BulkTask, error) {
	var (
		task    model.BulkTask
		status  string
		sources []string
		c       model.TaskCounters
	)
	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Filename,
		pq.Array(&sources),
		&status,
		&task.TotalEmails,
		&task.Processed,
		&task.Progress,
		&c.Safe, &c.Role, &c.CatchAll, &c.Disposable, &c.InboxFull,
		&c.SpamTrap, &c.Disabled, &c.Invalid, &c.Unknown,
		&task.Error,
		&task.CreatedAt,
		&task.StartedAt,
		&task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Status = model.TaskStatus(status)
	task.Sources = sources
	task.Counters = c
	return &task, nil
}
