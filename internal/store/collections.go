// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/skald-media/skald/internal/model"
)

// CreateCollection inserts an owner-scoped collection. Names are unique
// per owner.
func (s *Store) CreateCollection(ctx context.Context, c *model.Collection) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO collection (owner_id, name, description, created_at_ms) VALUES (?, ?, ?, ?)`,
		c.OwnerID, c.Name, nullStr(c.Description), c.CreatedAt.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// AddToCollection is idempotent: adding a member twice is a no-op.
func (s *Store) AddToCollection(ctx context.Context, collectionID, fileID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO collection_member (collection_id, file_id) VALUES (?, ?)`,
		collectionID, fileID)
	return err
}

// RemoveFromCollection removes a member; absent members are a no-op.
func (s *Store) RemoveFromCollection(ctx context.Context, collectionID, fileID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM collection_member WHERE collection_id = ? AND file_id = ?`,
		collectionID, fileID)
	return err
}

// DeleteCollection removes the collection and its memberships. Files
// are untouched.
func (s *Store) DeleteCollection(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM collection WHERE id = ?`, id)
	return err
}

// CollectionsForOwner lists collections by owner.
func (s *Store) CollectionsForOwner(ctx context.Context, ownerID int64) ([]*model.Collection, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, owner_id, name, COALESCE(description, ''), created_at_ms
		FROM collection WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Collection
	for rows.Next() {
		var c model.Collection
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Description, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// TagFile attaches a tag by name, creating the tag row on first use.
// Tag names are unique globally; (file, tag) is unique.
func (s *Store) TagFile(ctx context.Context, fileID int64, name string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tag (name) VALUES (?)`, name); err != nil {
			return err
		}
		var tagID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM tag WHERE name = ?`, name).Scan(&tagID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO file_tag (file_id, tag_id) VALUES (?, ?)`, fileID, tagID)
		return err
	})
}

// UntagFile removes a tag from a file; absent pairs are a no-op.
func (s *Store) UntagFile(ctx context.Context, fileID int64, name string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM file_tag WHERE file_id = ? AND tag_id = (SELECT id FROM tag WHERE name = ?)`,
		fileID, name)
	return err
}

// TagsForFile returns the tag names attached to a file.
func (s *Store) TagsForFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT t.name FROM tag t JOIN file_tag ft ON ft.tag_id = t.id
		WHERE ft.file_id = ? ORDER BY t.name`, fileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// AddComment inserts a user annotation on a file.
func (s *Store) AddComment(ctx context.Context, c *model.Comment) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO comment (file_id, owner_id, text, media_ts, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		c.FileID, c.OwnerID, c.Text, nullFloat(c.Timestamp), c.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// CommentsForFile lists annotations in creation order.
func (s *Store) CommentsForFile(ctx context.Context, fileID int64) ([]*model.Comment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, file_id, owner_id, text, COALESCE(media_ts, 0), created_at_ms
		FROM comment WHERE file_id = ? ORDER BY created_at_ms, id`, fileID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Comment
	for rows.Next() {
		var c model.Comment
		var createdAt int64
		if err := rows.Scan(&c.ID, &c.FileID, &c.OwnerID, &c.Text, &c.Timestamp, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteComment removes the caller's annotation. Deleting a foreign
// or absent comment reports ErrNotFound.
func (s *Store) DeleteComment(ctx context.Context, id, ownerID int64) error {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM comment WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
