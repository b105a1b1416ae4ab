// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/skald-media/skald/internal/model"
)

const taskColumns = `id, owner_id, COALESCE(file_id, 0), kind, status, progress,
	COALESCE(error, ''), created_at_ms, started_at_ms, finished_at_ms, last_update_ms`

// CreateTask records a dispatched task in Queued state.
func (s *Store) CreateTask(ctx context.Context, t *model.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.LastUpdate = now
	if t.Status == "" {
		t.Status = model.TaskQueued
	}
	var fileID any
	if t.FileID != 0 {
		fileID = t.FileID
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task (id, owner_id, file_id, kind, status, progress, created_at_ms, last_update_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, fileID, t.Kind, t.Status, t.Progress,
		t.CreatedAt.UnixMilli(), t.LastUpdate.UnixMilli())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetTask returns a task by broker id, ErrNotFound if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = ?`, id))
}

// UpdateTask applies fn inside a transaction. Progress is clamped
// monotonic non-decreasing within a run.
func (s *Store) UpdateTask(ctx context.Context, id string, fn func(*model.Task) error) (*model.Task, error) {
	var out *model.Task
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = ?`, id))
		if err != nil {
			return err
		}
		prev := t.Progress
		if err := fn(t); err != nil {
			return err
		}
		if t.Progress < prev {
			t.Progress = prev
		}
		t.LastUpdate = time.Now()
		var fileID any
		if t.FileID != 0 {
			fileID = t.FileID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE task SET owner_id = ?, file_id = ?, kind = ?, status = ?, progress = ?,
				error = ?, started_at_ms = ?, finished_at_ms = ?, last_update_ms = ?
			WHERE id = ?`,
			t.OwnerID, fileID, t.Kind, t.Status, t.Progress,
			nullStr(t.Error), toMS(t.StartedAt), toMS(t.FinishedAt),
			t.LastUpdate.UnixMilli(), t.ID)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

// TasksForFile lists all task executions for a file, newest first.
func (s *Store) TasksForFile(ctx context.Context, fileID int64) ([]*model.Task, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE file_id = ? ORDER BY created_at_ms DESC`, fileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ActiveTaskForFile returns the non-terminal task for a file, if any.
// Invariant: at most one exists.
func (s *Store) ActiveTaskForFile(ctx context.Context, fileID int64) (*model.Task, error) {
	return scanTask(s.DB.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM task
		WHERE file_id = ? AND status IN (?, ?)
		ORDER BY created_at_ms DESC LIMIT 1`,
		fileID, model.TaskQueued, model.TaskRunning))
}

func scanTask(scanner interface{ Scan(dest ...any) error }) (*model.Task, error) {
	var t model.Task
	var createdAt, lastUpdate int64
	var startedAt, finishedAt sql.NullInt64
	err := scanner.Scan(&t.ID, &t.OwnerID, &t.FileID, &t.Kind, &t.Status, &t.Progress,
		&t.Error, &createdAt, &startedAt, &finishedAt, &lastUpdate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.StartedAt = fromMS(startedAt)
	t.FinishedAt = fromMS(finishedAt)
	t.LastUpdate = time.UnixMilli(lastUpdate).UTC()
	return &t, nil
}
