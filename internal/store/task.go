package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentdeck/agentdeck/internal/common/ids"
)

// CreateTask inserts a new task. A zero ID is assigned.
func (s *Store) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = ids.New()
	}
	if task.Status == "" {
		task.Status = TaskBacklog
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, title, description, notes, status, sort_order, session_id, workdir, model, mode,
			agent_mode, max_turns, attachments, depends_on, chain_id, source_session_id, failure_reason,
			retry_count, worker_pid, created_at, updated_at)
		VALUES (:id, :title, :description, :notes, :status, :sort_order, :session_id, :workdir, :model, :mode,
			:agent_mode, :max_turns, :attachments, :depends_on, :chain_id, :source_session_id, :failure_reason,
			:retry_count, :worker_pid, :created_at, :updated_at)
	`, task)
	return err
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	err := s.ro.GetContext(ctx, &task, `SELECT * FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &task, nil
}

// ListTasks returns all tasks ordered by (sort_order, created_at).
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	var tasks []*Task
	err := s.ro.SelectContext(ctx, &tasks, `SELECT * FROM tasks ORDER BY sort_order ASC, created_at ASC`)
	return tasks, err
}

// ListTasksByStatus returns tasks with the given status in
// (sort_order, created_at) order.
func (s *Store) ListTasksByStatus(ctx context.Context, status string) ([]*Task, error) {
	var tasks []*Task
	err := s.ro.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE status = ? ORDER BY sort_order ASC, created_at ASC`, status)
	return tasks, err
}

// ListTasksByChain returns all tasks sharing a chain id.
func (s *Store) ListTasksByChain(ctx context.Context, chainID string) ([]*Task, error) {
	var tasks []*Task
	err := s.ro.SelectContext(ctx, &tasks,
		`SELECT * FROM tasks WHERE chain_id = ? ORDER BY sort_order ASC, created_at ASC`, chainID)
	return tasks, err
}

// TaskUpdate holds the optional fields of a task update; nil fields are left
// untouched.
type TaskUpdate struct {
	Title         *string
	Description   *string
	Notes         *string
	Status        *string
	SortOrder     *int
	SessionID     *string // empty string clears
	FailureReason *string // empty string clears
	RetryCount    *int
	WorkerPID     *int64 // zero clears
}

// UpdateTask applies the non-nil fields of upd.
func (s *Store) UpdateTask(ctx context.Context, id string, upd TaskUpdate) error {
	return s.updateTask(ctx, s.db, id, upd)
}

// UpdateTaskTx is UpdateTask inside a caller-held transaction.
func (s *Store) UpdateTaskTx(ctx context.Context, tx *sqlx.Tx, id string, upd TaskUpdate) error {
	return s.updateTask(ctx, tx, id, upd)
}

func (s *Store) updateTask(ctx context.Context, ex sqlx.ExecerContext, id string, upd TaskUpdate) error {
	set := "updated_at = ?"
	args := []any{time.Now().UTC()}

	if upd.Title != nil {
		set += ", title = ?"
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		set += ", description = ?"
		args = append(args, *upd.Description)
	}
	if upd.Notes != nil {
		set += ", notes = ?"
		args = append(args, *upd.Notes)
	}
	if upd.Status != nil {
		set += ", status = ?"
		args = append(args, *upd.Status)
	}
	if upd.SortOrder != nil {
		set += ", sort_order = ?"
		args = append(args, *upd.SortOrder)
	}
	if upd.SessionID != nil {
		if *upd.SessionID == "" {
			set += ", session_id = NULL"
		} else {
			set += ", session_id = ?"
			args = append(args, *upd.SessionID)
		}
	}
	if upd.FailureReason != nil {
		if *upd.FailureReason == "" {
			set += ", failure_reason = NULL"
		} else {
			set += ", failure_reason = ?"
			args = append(args, *upd.FailureReason)
		}
	}
	if upd.RetryCount != nil {
		set += ", retry_count = ?"
		args = append(args, *upd.RetryCount)
	}
	if upd.WorkerPID != nil {
		if *upd.WorkerPID == 0 {
			set += ", worker_pid = NULL"
		} else {
			set += ", worker_pid = ?"
			args = append(args, *upd.WorkerPID)
		}
	}

	args = append(args, id)
	res, err := ex.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// DeleteTask removes a task by id.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTaskInProgress transitions a task to in_progress with its worker pid,
// and links the session in the same transaction when one was allocated.
func (s *Store) MarkTaskInProgress(ctx context.Context, id string, pid int64, sessionID string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		status := TaskInProgress
		upd := TaskUpdate{Status: &status, WorkerPID: &pid}
		if sessionID != "" {
			upd.SessionID = &sessionID
		}
		return s.updateTask(ctx, tx, id, upd)
	})
}

// Int64 is a convenience for building TaskUpdate fields.
func Int64(v int64) *int64 { return &v }

// NullStr wraps a string into sql.NullString, empty meaning NULL.
func NullStr(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

// EncodeList encodes a string list as its JSON column representation.
func EncodeList(items []string) string { return encodeStringList(items) }
