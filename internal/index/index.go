// SPDX-License-Identifier: MIT

// Package index is the search gateway: an embedded badger-backed
// full-text index over transcripts plus a speaker-embedding vector
// store for cross-file speaker suggestions.
//
// Key layout:
//
//	doc:{fileID}            JSON Document
//	term:{term}:{fileID}    posting, value = occurrence count (uvarint)
//	emb:{profileID}         JSON embedding envelope
package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a document is absent from the index.
var ErrNotFound = errors.New("index: not found")

// Document is the indexed view of one media file's transcript.
type Document struct {
	FileID   int64     `json:"file_id"`
	OwnerID  int64     `json:"owner_id"`
	Title    string    `json:"title"`
	Language string    `json:"language,omitempty"`
	Speakers []string  `json:"speakers,omitempty"`
	Segments []Segment `json:"segments"`
}

// Segment is one transcript span inside a Document.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text"`
}

// Query is a transcript search request. Text terms are ANDed.
type Query struct {
	OwnerID int64
	Text    string
	Speaker string // restrict to documents naming this speaker
	Limit   int
	Offset  int
}

// Hit is one search result with snippet highlights.
type Hit struct {
	FileID     int64       `json:"file_id"`
	Title      string      `json:"title"`
	Score      float64     `json:"score"`
	Highlights []Highlight `json:"highlights,omitempty"`
}

// Highlight is a matching transcript span, usable as a deep link into
// playback.
type Highlight struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Snippet string  `json:"snippet"`
}

const maxHighlightsPerHit = 5

// Index wraps a badger instance. Safe for concurrent use.
type Index struct {
	db *badger.DB
}

// Open opens (or creates) the index at path.
func Open(path string) (*Index, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

func docKey(fileID int64) []byte {
	return []byte("doc:" + strconv.FormatInt(fileID, 10))
}

func termKey(term string, fileID int64) []byte {
	return []byte("term:" + term + ":" + strconv.FormatInt(fileID, 10))
}

func termPrefix(term string) []byte {
	return []byte("term:" + term + ":")
}

// IndexTranscript replaces the document and its postings. Re-indexing
// after a reprocess drops the previous generation's terms first.
func (ix *Index) IndexTranscript(ctx context.Context, doc *Document) error {
	if doc.FileID <= 0 {
		return fmt.Errorf("index: document needs a file id")
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("index: marshal document %d: %w", doc.FileID, err)
	}
	counts := termCounts(doc)

	return ix.db.Update(func(txn *badger.Txn) error {
		if err := deletePostings(txn, doc.FileID); err != nil {
			return err
		}
		if err := txn.Set(docKey(doc.FileID), buf); err != nil {
			return err
		}
		var val [binary.MaxVarintLen64]byte
		for term, n := range counts {
			w := binary.PutUvarint(val[:], uint64(n))
			if err := txn.Set(termKey(term, doc.FileID), append([]byte(nil), val[:w]...)); err != nil {
				return err
			}
		}
		return nil
	})
}

// deletePostings removes every term entry for the stored generation of
// the document, if one exists.
func deletePostings(txn *badger.Txn, fileID int64) error {
	item, err := txn.Get(docKey(fileID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var old Document
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &old)
	}); err != nil {
		return err
	}
	for term := range termCounts(&old) {
		if err := txn.Delete(termKey(term, fileID)); err != nil {
			return err
		}
	}
	return nil
}

// GetDocument returns the indexed document for a file.
func (ix *Index) GetDocument(ctx context.Context, fileID int64) (*Document, error) {
	var doc Document
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(fileID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteDocument removes the document and its postings. Idempotent.
func (ix *Index) DeleteDocument(ctx context.Context, fileID int64) error {
	return ix.db.Update(func(txn *badger.Txn) error {
		if err := deletePostings(txn, fileID); err != nil {
			return err
		}
		err := txn.Delete(docKey(fileID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// SearchTranscripts finds documents matching every query term, scored
// by total occurrence count, with per-segment highlights.
func (ix *Index) SearchTranscripts(ctx context.Context, q Query) ([]Hit, error) {
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	// Accumulate per-file occurrence totals; a file must match every
	// term to stay a candidate.
	scores := make(map[int64]uint64)
	err := ix.db.View(func(txn *badger.Txn) error {
		for i, term := range terms {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			matched := make(map[int64]uint64)
			prefix := termPrefix(term)
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				id, ok := fileIDFromTermKey(item.Key(), term)
				if !ok {
					continue
				}
				if i > 0 {
					if _, seen := scores[id]; !seen {
						continue
					}
				}
				var n uint64
				if err := item.Value(func(val []byte) error {
					n, _ = binary.Uvarint(val)
					return nil
				}); err != nil {
					continue
				}
				matched[id] = n
			}
			it.Close()

			if i == 0 {
				scores = matched
			} else {
				for id, prev := range scores {
					n, ok := matched[id]
					if !ok {
						delete(scores, id)
						continue
					}
					scores[id] = prev + n
				}
			}
			if len(scores) == 0 {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(scores))
	for id, score := range scores {
		doc, err := ix.GetDocument(ctx, id)
		if err != nil {
			// Posting without a document means a half-applied delete;
			// skip rather than fail the search.
			continue
		}
		if q.OwnerID != 0 && doc.OwnerID != q.OwnerID {
			continue
		}
		if q.Speaker != "" && !containsFold(doc.Speakers, q.Speaker) {
			continue
		}
		hits = append(hits, Hit{
			FileID:     id,
			Title:      doc.Title,
			Score:      float64(score),
			Highlights: highlights(doc, terms),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].FileID < hits[j].FileID
	})

	if q.Offset >= len(hits) {
		return nil, nil
	}
	hits = hits[q.Offset:]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func fileIDFromTermKey(key []byte, term string) (int64, bool) {
	s := string(key)
	rest := strings.TrimPrefix(s, "term:"+term+":")
	if rest == s {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	return id, err == nil
}

func highlights(doc *Document, terms []string) []Highlight {
	var out []Highlight
	for _, seg := range doc.Segments {
		lower := strings.ToLower(seg.Text)
		match := false
		for _, term := range terms {
			if strings.Contains(lower, term) {
				match = true
				break
			}
		}
		if !match {
			continue
		}
		out = append(out, Highlight{
			Start:   seg.Start,
			End:     seg.End,
			Speaker: seg.Speaker,
			Snippet: seg.Text,
		})
		if len(out) == maxHighlightsPerHit {
			break
		}
	}
	return out
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

// termCounts tokenizes every searchable field of the document.
func termCounts(doc *Document) map[string]int {
	counts := make(map[string]int)
	add := func(text string) {
		for _, t := range tokenize(text) {
			counts[t]++
		}
	}
	add(doc.Title)
	for _, seg := range doc.Segments {
		add(seg.Text)
	}
	return counts
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-rune tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
