// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/skald-media/skald/internal/model"
)

// FileFilter is the predicate set for owner-scoped file listings.
type FileFilter struct {
	OwnerID        int64
	Statuses       []model.FileStatus
	Tags           []string
	MimeClass      model.MimeClass
	UploadedAfter  time.Time
	UploadedBefore time.Time
	MinDuration    float64
	MaxDuration    float64
	Search         string
	Limit          int
	Offset         int
}

// ListFiles returns owner files matching the filter, newest first.
func (s *Store) ListFiles(ctx context.Context, filter FileFilter) ([]*model.MediaFile, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + fileColumns + ` FROM media_file WHERE owner_id = ?`)
	args := []any{filter.OwnerID}

	if len(filter.Statuses) > 0 {
		sb.WriteString(" AND status IN (")
		for i, st := range filter.Statuses {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("?")
			args = append(args, st)
		}
		sb.WriteString(")")
	}
	if filter.MimeClass != "" {
		sb.WriteString(" AND mime_class = ?")
		args = append(args, filter.MimeClass)
	}
	if !filter.UploadedAfter.IsZero() {
		sb.WriteString(" AND uploaded_at_ms >= ?")
		args = append(args, filter.UploadedAfter.UnixMilli())
	}
	if !filter.UploadedBefore.IsZero() {
		sb.WriteString(" AND uploaded_at_ms < ?")
		args = append(args, filter.UploadedBefore.UnixMilli())
	}
	if filter.MinDuration > 0 {
		sb.WriteString(" AND duration_sec >= ?")
		args = append(args, filter.MinDuration)
	}
	if filter.MaxDuration > 0 {
		sb.WriteString(" AND duration_sec <= ?")
		args = append(args, filter.MaxDuration)
	}
	if filter.Search != "" {
		sb.WriteString(" AND display_name LIKE ?")
		args = append(args, "%"+filter.Search+"%")
	}
	if len(filter.Tags) > 0 {
		sb.WriteString(` AND id IN (
			SELECT ft.file_id FROM file_tag ft JOIN tag t ON t.id = ft.tag_id
			WHERE t.name IN (`)
		for i, tag := range filter.Tags {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("?")
			args = append(args, tag)
		}
		sb.WriteString("))")
	}

	sb.WriteString(" ORDER BY uploaded_at_ms DESC, id DESC")
	if filter.Limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset))
	}

	rows, err := s.DB.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.MediaFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// StaleProcessing finds Processing rows whose last task heartbeat is
// older than cutoff. These are orphan candidates.
func (s *Store) StaleProcessing(ctx context.Context, cutoff time.Time) ([]*model.MediaFile, error) {
	return s.filesWhere(ctx,
		`status = ? AND (task_last_update_ms IS NULL OR task_last_update_ms < ?)`,
		model.StatusProcessing, cutoff.UnixMilli())
}

// AbandonedPending finds Pending rows that never received bytes and are
// older than cutoff. These are swept after the upload grace period.
func (s *Store) AbandonedPending(ctx context.Context, cutoff time.Time) ([]*model.MediaFile, error) {
	return s.filesWhere(ctx,
		`status = ? AND blob_stored = 0 AND uploaded_at_ms < ?`,
		model.StatusPending, cutoff.UnixMilli())
}

// ExpiredCancelling finds Cancelling rows past the cancel deadline.
func (s *Store) ExpiredCancelling(ctx context.Context, cutoff time.Time) ([]*model.MediaFile, error) {
	return s.filesWhere(ctx,
		`status = ? AND cancel_requested_at_ms IS NOT NULL AND cancel_requested_at_ms < ?`,
		model.StatusCancelling, cutoff.UnixMilli())
}

func (s *Store) filesWhere(ctx context.Context, where string, args ...any) ([]*model.MediaFile, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM media_file WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.MediaFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
