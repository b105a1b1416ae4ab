// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/skald-media/skald/internal/model"
)

const fileColumns = `id, uuid, owner_id, display_name, content_hash, size_bytes,
	content_type, mime_class, storage_path, duration_sec, language, source_url,
	status, codec, sample_rate, device_make, encoded_by, recorded_at,
	blob_stored, has_thumbnail, has_waveform,
	active_task_id, task_started_at_ms, task_last_update_ms, progress,
	retry_count, max_retries, recovery_attempts, last_error,
	cancellation_requested, cancel_requested_at_ms, force_delete_eligible,
	summary_status, summary_json, uploaded_at_ms, completed_at_ms, updated_at_ms`

// CreateFile inserts a new Pending row. A duplicate (owner, content_hash)
// returns ErrConflict; the caller recovers the existing row.
func (s *Store) CreateFile(ctx context.Context, f *model.MediaFile) error {
	now := time.Now()
	if f.UploadedAt.IsZero() {
		f.UploadedAt = now
	}
	f.UpdatedAt = now
	if f.Status == "" {
		f.Status = model.StatusPending
	}
	if f.MaxRetries == 0 {
		f.MaxRetries = 3
	}

	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO media_file (
			uuid, owner_id, display_name, content_hash, size_bytes, content_type,
			mime_class, storage_path, duration_sec, language, source_url, status,
			max_retries, uploaded_at_ms, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UUID, f.OwnerID, f.DisplayName, f.ContentHash, f.SizeBytes, f.ContentType,
		f.MimeClass, f.StoragePath, nullFloat(f.DurationSec), nullStr(f.Language),
		nullStr(f.SourceURL), f.Status, f.MaxRetries,
		f.UploadedAt.UnixMilli(), f.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	f.ID, err = res.LastInsertId()
	return err
}

// GetFile returns the row by surrogate id, ErrNotFound if absent.
func (s *Store) GetFile(ctx context.Context, id int64) (*model.MediaFile, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM media_file WHERE id = ?`, id)
	return scanFile(row)
}

// GetFileByUUID returns the row by storage uuid.
func (s *Store) GetFileByUUID(ctx context.Context, uuid string) (*model.MediaFile, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM media_file WHERE uuid = ?`, uuid)
	return scanFile(row)
}

// FindByOwnerHash resolves the dedup identity (owner, content_hash).
func (s *Store) FindByOwnerHash(ctx context.Context, ownerID int64, hash string) (*model.MediaFile, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM media_file WHERE owner_id = ? AND content_hash = ?`,
		ownerID, hash)
	return scanFile(row)
}

// UpdateFile applies fn to the current row inside one transaction and
// writes the result back. Used for transitions that need read-modify-write.
func (s *Store) UpdateFile(ctx context.Context, id int64, fn func(*model.MediaFile) error) (*model.MediaFile, error) {
	var out *model.MediaFile
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM media_file WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		f.UpdatedAt = time.Now()
		if err := writeFile(ctx, tx, f); err != nil {
			return err
		}
		out = f
		return nil
	})
	return out, err
}

// ClaimFile is the atomic Pending -> Processing compare-and-swap. It
// sets active_task_id and task_started_at and clears last_error. A
// second claimer loses and gets ErrConflict.
func (s *Store) ClaimFile(ctx context.Context, id int64, taskID string, from model.FileStatus) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE media_file SET
			status = ?, active_task_id = ?, task_started_at_ms = ?,
			task_last_update_ms = ?, progress = 0, last_error = NULL,
			cancellation_requested = 0, cancel_requested_at_ms = NULL,
			force_delete_eligible = 0, updated_at_ms = ?
		WHERE id = ? AND status = ? AND active_task_id IS NULL`,
		model.StatusProcessing, taskID, now, now, now, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetFile(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// SetProgress writes a progress checkpoint guarded by task ownership.
// A stale task (ownership lost) gets ErrConflict and must stop.
func (s *Store) SetProgress(ctx context.Context, id int64, taskID string, progress float64) error {
	now := time.Now().UnixMilli()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE media_file SET progress = MAX(progress, ?), task_last_update_ms = ?, updated_at_ms = ?
		WHERE id = ? AND active_task_id = ?`,
		progress, now, now, id, taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// Heartbeat refreshes task_last_update without touching progress, used
// by stage watchdogs between suspension points.
func (s *Store) Heartbeat(ctx context.Context, id int64, taskID string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx, `
		UPDATE media_file SET task_last_update_ms = ?, updated_at_ms = ?
		WHERE id = ? AND active_task_id = ?`, now, now, id, taskID)
	return err
}

// RequestCancel flags cooperative cancellation. Processing rows move to
// Cancelling; the running stage observes the flag at its next suspension
// point. Returns the updated row.
func (s *Store) RequestCancel(ctx context.Context, id int64) (*model.MediaFile, error) {
	return s.UpdateFile(ctx, id, func(f *model.MediaFile) error {
		if f.Status.IsTerminal() {
			return nil // idempotent: nothing to cancel
		}
		f.CancellationRequested = true
		f.CancelRequestedAt = time.Now()
		if f.Status == model.StatusProcessing {
			f.Status = model.StatusCancelling
		} else if f.Status == model.StatusPending || f.Status == model.StatusOrphaned {
			f.Status = model.StatusCancelled
			f.ActiveTaskID = ""
		}
		return nil
	})
}

// CancellationRequested is the DB-side cooperative cancellation predicate.
func (s *Store) CancellationRequested(ctx context.Context, id int64) (bool, error) {
	var v int
	err := s.DB.QueryRowContext(ctx,
		`SELECT cancellation_requested FROM media_file WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// DeleteFile removes the row; segments, per-file speakers, tags and
// comments cascade. Deleting an absent row is a no-op success.
func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM media_file WHERE id = ?`, id)
	return err
}

func writeFile(ctx context.Context, tx *sql.Tx, f *model.MediaFile) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE media_file SET
			display_name = ?, content_hash = ?, size_bytes = ?, content_type = ?,
			mime_class = ?, storage_path = ?, duration_sec = ?, language = ?,
			source_url = ?, status = ?, codec = ?, sample_rate = ?,
			device_make = ?, encoded_by = ?, recorded_at = ?, blob_stored = ?,
			has_thumbnail = ?, has_waveform = ?, active_task_id = ?,
			task_started_at_ms = ?, task_last_update_ms = ?, progress = ?,
			retry_count = ?, max_retries = ?, recovery_attempts = ?,
			last_error = ?, cancellation_requested = ?, cancel_requested_at_ms = ?,
			force_delete_eligible = ?, summary_status = ?, summary_json = ?,
			completed_at_ms = ?, updated_at_ms = ?
		WHERE id = ?`,
		f.DisplayName, f.ContentHash, f.SizeBytes, f.ContentType,
		f.MimeClass, f.StoragePath, nullFloat(f.DurationSec), nullStr(f.Language),
		nullStr(f.SourceURL), f.Status, nullStr(f.Codec), nullInt(int64(f.SampleRate)),
		nullStr(f.DeviceMake), nullStr(f.EncodedBy), nullStr(f.RecordedAt), boolInt(f.BlobStored),
		boolInt(f.HasThumb), boolInt(f.HasWaveform), nullStr(f.ActiveTaskID),
		toMS(f.TaskStartedAt), toMS(f.TaskLastUpdate), f.Progress,
		f.RetryCount, f.MaxRetries, f.RecoveryAttempts,
		nullStr(f.LastError), boolInt(f.CancellationRequested), toMS(f.CancelRequestedAt),
		boolInt(f.ForceDeleteEligible), nullStr(string(f.SummaryStatus)), nullStr(f.SummaryJSON),
		toMS(f.CompletedAt), f.UpdatedAt.UnixMilli(),
		f.ID,
	)
	return err
}

func scanFile(scanner interface{ Scan(dest ...any) error }) (*model.MediaFile, error) {
	var f model.MediaFile
	var duration sql.NullFloat64
	var language, sourceURL, codec, deviceMake, encodedBy, recordedAt sql.NullString
	var sampleRate sql.NullInt64
	var blobStored, hasThumb, hasWave, cancelReq, forceDel int
	var activeTask, lastError, summaryStatus, summaryJSON sql.NullString
	var taskStarted, taskUpdate, cancelAt, uploadedAt, completedAt, updatedAt sql.NullInt64

	err := scanner.Scan(
		&f.ID, &f.UUID, &f.OwnerID, &f.DisplayName, &f.ContentHash, &f.SizeBytes,
		&f.ContentType, &f.MimeClass, &f.StoragePath, &duration, &language, &sourceURL,
		&f.Status, &codec, &sampleRate, &deviceMake, &encodedBy, &recordedAt,
		&blobStored, &hasThumb, &hasWave,
		&activeTask, &taskStarted, &taskUpdate, &f.Progress,
		&f.RetryCount, &f.MaxRetries, &f.RecoveryAttempts, &lastError,
		&cancelReq, &cancelAt, &forceDel,
		&summaryStatus, &summaryJSON, &uploadedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan media_file: %w", err)
	}

	f.DurationSec = duration.Float64
	f.Language = language.String
	f.SourceURL = sourceURL.String
	f.Codec = codec.String
	f.SampleRate = int(sampleRate.Int64)
	f.DeviceMake = deviceMake.String
	f.EncodedBy = encodedBy.String
	f.RecordedAt = recordedAt.String
	f.BlobStored = blobStored != 0
	f.HasThumb = hasThumb != 0
	f.HasWaveform = hasWave != 0
	f.ActiveTaskID = activeTask.String
	f.TaskStartedAt = fromMS(taskStarted)
	f.TaskLastUpdate = fromMS(taskUpdate)
	f.LastError = lastError.String
	f.CancellationRequested = cancelReq != 0
	f.CancelRequestedAt = fromMS(cancelAt)
	f.ForceDeleteEligible = forceDel != 0
	f.SummaryStatus = model.SummaryStatus(summaryStatus.String)
	f.SummaryJSON = summaryJSON.String
	f.UploadedAt = fromMS(uploadedAt)
	f.CompletedAt = fromMS(completedAt)
	f.UpdatedAt = fromMS(updatedAt)
	return &f, nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat(v float64) sql.NullFloat64 {
	if v == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func nullInt(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
