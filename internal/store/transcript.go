// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/skald-media/skald/internal/model"
)

// SpeakerIn is one detected speaker in a pipeline result.
type SpeakerIn struct {
	Label     string
	Embedding []float32
}

// SegmentIn is one transcript span in a pipeline result. SpeakerLabel
// refers into the SpeakerIn set; empty means no speaker attribution.
type SegmentIn struct {
	SpeakerLabel string
	StartTime    float64
	EndTime      float64
	Text         string
}

// SaveTranscriptParams is the single-transaction Completed transition.
type SaveTranscriptParams struct {
	FileID   int64
	TaskID   string
	OwnerID  int64
	Duration float64
	Language string
	Speakers []SpeakerIn
	Segments []SegmentIn
}

// SaveTranscript persists segments and speakers and finalizes the file
// row in one transaction. The write is guarded by active_task_id: if
// another task claimed the file (or cancellation won the race), nothing
// is written and ErrConflict is returned.
func (s *Store) SaveTranscript(ctx context.Context, p SaveTranscriptParams) ([]model.Speaker, error) {
	var out []model.Speaker
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		res, err := tx.ExecContext(ctx, `
			UPDATE media_file SET
				status = ?, duration_sec = ?, language = ?, progress = 1,
				active_task_id = NULL, completed_at_ms = ?, updated_at_ms = ?,
				task_last_update_ms = ?, last_error = NULL
			WHERE id = ? AND active_task_id = ? AND status = ?`,
			model.StatusCompleted, p.Duration, nullStr(p.Language),
			now, now, now, p.FileID, p.TaskID, model.StatusProcessing)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConflict
		}

		// Reprocess: replace any previous transcript wholesale.
		if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_segment WHERE file_id = ?`, p.FileID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM speaker WHERE file_id = ?`, p.FileID); err != nil {
			return err
		}

		byLabel := make(map[string]int64, len(p.Speakers))
		for _, sp := range p.Speakers {
			var emb any
			if len(sp.Embedding) > 0 {
				data, err := json.Marshal(sp.Embedding)
				if err != nil {
					return err
				}
				emb = string(data)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO speaker (owner_id, file_id, label, embedding_json) VALUES (?, ?, ?, ?)`,
				p.OwnerID, p.FileID, sp.Label, emb)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			byLabel[sp.Label] = id
			out = append(out, model.Speaker{
				ID: id, OwnerID: p.OwnerID, FileID: p.FileID,
				Label: sp.Label, Embedding: sp.Embedding,
			})
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO transcript_segment (file_id, speaker_id, start_time, end_time, text) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, seg := range p.Segments {
			var speakerID any
			if id, ok := byLabel[seg.SpeakerLabel]; ok {
				speakerID = id
			}
			if _, err := stmt.ExecContext(ctx, p.FileID, speakerID, seg.StartTime, seg.EndTime, seg.Text); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SegmentsForFile returns all segments ordered by start time.
func (s *Store) SegmentsForFile(ctx context.Context, fileID int64) ([]model.TranscriptSegment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, file_id, COALESCE(speaker_id, 0), start_time, end_time, text
		FROM transcript_segment WHERE file_id = ? ORDER BY start_time, id`, fileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.TranscriptSegment
	for rows.Next() {
		var seg model.TranscriptSegment
		if err := rows.Scan(&seg.ID, &seg.FileID, &seg.SpeakerID, &seg.StartTime, &seg.EndTime, &seg.Text); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// CountSegments returns the number of segments for a file.
func (s *Store) CountSegments(ctx context.Context, fileID int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transcript_segment WHERE file_id = ?`, fileID).Scan(&n)
	return n, err
}

// SaveAnalytics upserts the computed conversation profile for a file.
func (s *Store) SaveAnalytics(ctx context.Context, a *model.Analytics) error {
	speakers, err := json.Marshal(a.Speakers)
	if err != nil {
		return err
	}
	if a.ComputedAt.IsZero() {
		a.ComputedAt = time.Now()
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO analytics (file_id, total_time_sec, speakers_json, computed_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			total_time_sec = excluded.total_time_sec,
			speakers_json = excluded.speakers_json,
			computed_at_ms = excluded.computed_at_ms`,
		a.FileID, a.TotalTimeSec, string(speakers), a.ComputedAt.UnixMilli())
	return err
}

// GetAnalytics returns the stored profile, ErrNotFound if absent.
func (s *Store) GetAnalytics(ctx context.Context, fileID int64) (*model.Analytics, error) {
	var a model.Analytics
	var speakersJSON string
	var computedAt int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT file_id, total_time_sec, speakers_json, computed_at_ms
		FROM analytics WHERE file_id = ?`, fileID).
		Scan(&a.FileID, &a.TotalTimeSec, &speakersJSON, &computedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(speakersJSON), &a.Speakers); err != nil {
		return nil, err
	}
	a.ComputedAt = time.UnixMilli(computedAt).UTC()
	return &a, nil
}
