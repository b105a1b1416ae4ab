// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/skald-media/skald/internal/model"
)

const speakerColumns = `id, owner_id, file_id, label, COALESCE(name, ''),
	COALESCE(profile_id, 0), embedding_json, verified`

// GetSpeaker returns one speaker instance, ErrNotFound if absent.
func (s *Store) GetSpeaker(ctx context.Context, id int64) (*model.Speaker, error) {
	return scanSpeaker(s.DB.QueryRowContext(ctx,
		`SELECT `+speakerColumns+` FROM speaker WHERE id = ?`, id))
}

// SpeakersForFile returns the per-file speaker instances ordered by label.
func (s *Store) SpeakersForFile(ctx context.Context, fileID int64) ([]*model.Speaker, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+speakerColumns+` FROM speaker WHERE file_id = ? ORDER BY label`, fileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Speaker
	for rows.Next() {
		sp, err := scanSpeaker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SpeakersForProfile lists the instances linked to an owner-global
// profile across all files.
func (s *Store) SpeakersForProfile(ctx context.Context, profileID int64) ([]*model.Speaker, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+speakerColumns+` FROM speaker WHERE profile_id = ? ORDER BY id`, profileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Speaker
	for rows.Next() {
		sp, err := scanSpeaker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// RenameSpeaker sets the display name on a speaker instance.
func (s *Store) RenameSpeaker(ctx context.Context, id int64, name string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE speaker SET name = ? WHERE id = ?`, nullStr(name), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeSpeakers moves all segments from source to target and deletes the
// source row in one transaction. Both speakers must belong to the same
// owner and file. Input order is normalized by the caller passing any
// order; identity of the surviving speaker is always target.
func (s *Store) MergeSpeakers(ctx context.Context, sourceID, targetID int64) error {
	if sourceID == targetID {
		return fmt.Errorf("merge speakers: source and target are the same: %w", ErrConflict)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		src, err := scanSpeaker(tx.QueryRowContext(ctx, `SELECT `+speakerColumns+` FROM speaker WHERE id = ?`, sourceID))
		if err != nil {
			return err
		}
		tgt, err := scanSpeaker(tx.QueryRowContext(ctx, `SELECT `+speakerColumns+` FROM speaker WHERE id = ?`, targetID))
		if err != nil {
			return err
		}
		if src.OwnerID != tgt.OwnerID || src.FileID != tgt.FileID {
			return fmt.Errorf("merge speakers: different owner or file: %w", ErrConflict)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE transcript_segment SET speaker_id = ? WHERE speaker_id = ?`, targetID, sourceID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM speaker WHERE id = ?`, sourceID); err != nil {
			return err
		}
		return nil
	})
}

// LinkProfile attaches a speaker instance to an owner-global profile.
func (s *Store) LinkProfile(ctx context.Context, speakerID, profileID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		sp, err := scanSpeaker(tx.QueryRowContext(ctx, `SELECT `+speakerColumns+` FROM speaker WHERE id = ?`, speakerID))
		if err != nil {
			return err
		}
		var ownerID int64
		err = tx.QueryRowContext(ctx, `SELECT owner_id FROM speaker_profile WHERE id = ?`, profileID).Scan(&ownerID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if ownerID != sp.OwnerID {
			return fmt.Errorf("link profile: owner mismatch: %w", ErrConflict)
		}
		_, err = tx.ExecContext(ctx, `UPDATE speaker SET profile_id = ?, verified = 1 WHERE id = ?`, profileID, speakerID)
		return err
	})
}

// --- Speaker profiles (owner-global identities) ---

// CreateProfile inserts an owner-global named identity.
func (s *Store) CreateProfile(ctx context.Context, p *model.SpeakerProfile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO speaker_profile (owner_id, name, description, created_at_ms) VALUES (?, ?, ?, ?)`,
		p.OwnerID, p.Name, nullStr(p.Description), p.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

// ProfilesForOwner lists profiles by owner.
func (s *Store) ProfilesForOwner(ctx context.Context, ownerID int64) ([]*model.SpeakerProfile, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id, name, COALESCE(description, ''), created_at_ms
		FROM speaker_profile WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.SpeakerProfile
	for rows.Next() {
		var p model.SpeakerProfile
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProfile removes a profile. Linked speakers drop the link but
// remain (weak back-reference, enforced by ON DELETE SET NULL).
func (s *Store) DeleteProfile(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM speaker_profile WHERE id = ?`, id)
	return err
}

// PutMatch stores a speaker similarity edge with canonical ordering
// (a < b) so the pair behaves as a set.
func (s *Store) PutMatch(ctx context.Context, m model.SpeakerMatch) error {
	a, b := m.SpeakerA, m.SpeakerB
	if a == b {
		return fmt.Errorf("speaker match: self pair: %w", ErrConflict)
	}
	if a > b {
		a, b = b, a
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO speaker_match (speaker_a, speaker_b, score) VALUES (?, ?, ?)
		ON CONFLICT(speaker_a, speaker_b) DO UPDATE SET score = excluded.score`,
		a, b, m.Score)
	return err
}

// MatchesFor returns all similarity edges touching the speaker.
func (s *Store) MatchesFor(ctx context.Context, speakerID int64) ([]model.SpeakerMatch, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT speaker_a, speaker_b, score FROM speaker_match
		WHERE speaker_a = ? OR speaker_b = ? ORDER BY score DESC`, speakerID, speakerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.SpeakerMatch
	for rows.Next() {
		var m model.SpeakerMatch
		if err := rows.Scan(&m.SpeakerA, &m.SpeakerB, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanSpeaker(scanner interface{ Scan(dest ...any) error }) (*model.Speaker, error) {
	var sp model.Speaker
	var embedding sql.NullString
	var verified int
	err := scanner.Scan(&sp.ID, &sp.OwnerID, &sp.FileID, &sp.Label, &sp.Name,
		&sp.ProfileID, &embedding, &verified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if embedding.Valid && embedding.String != "" {
		_ = json.Unmarshal([]byte(embedding.String), &sp.Embedding)
	}
	sp.Verified = verified != 0
	return &sp, nil
}
