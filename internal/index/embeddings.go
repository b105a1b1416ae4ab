// SPDX-License-Identifier: MIT

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/dgraph-io/badger/v4"
)

// embeddingEnvelope is the stored form of a speaker voice fingerprint.
type embeddingEnvelope struct {
	ProfileID int64     `json:"profile_id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	Vector    []float32 `json:"vector"`
}

// Neighbor is one similarity search result.
type Neighbor struct {
	ProfileID int64   `json:"profile_id"`
	Name      string  `json:"name"`
	Score     float64 `json:"score"` // cosine similarity in [-1, 1]
}

func embKey(profileID int64) []byte {
	return []byte("emb:" + strconv.FormatInt(profileID, 10))
}

// UpsertSpeakerEmbedding stores or replaces a profile's voice vector.
func (ix *Index) UpsertSpeakerEmbedding(ctx context.Context, profileID, ownerID int64, name string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("index: empty embedding for profile %d", profileID)
	}
	buf, err := json.Marshal(embeddingEnvelope{
		ProfileID: profileID,
		OwnerID:   ownerID,
		Name:      name,
		Vector:    vector,
	})
	if err != nil {
		return err
	}
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Set(embKey(profileID), buf)
	})
}

// DeleteSpeakerEmbedding removes a profile's vector. Idempotent.
func (ix *Index) DeleteSpeakerEmbedding(ctx context.Context, profileID int64) error {
	return ix.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(embKey(profileID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// SearchSimilarSpeakers returns the owner's profiles ranked by cosine
// similarity to the query vector, best first. Profiles below minScore
// are excluded. The scan is brute force; profile counts per owner are
// small enough that this beats maintaining an ANN structure.
func (ix *Index) SearchSimilarSpeakers(ctx context.Context, ownerID int64, vector []float32, limit int, minScore float64) ([]Neighbor, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("index: empty query vector")
	}
	if limit <= 0 {
		limit = 5
	}

	var found []Neighbor
	prefix := []byte("emb:")
	err := ix.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var env embeddingEnvelope
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				continue
			}
			if env.OwnerID != ownerID || len(env.Vector) != len(vector) {
				continue
			}
			score := Cosine(vector, env.Vector)
			if score < minScore {
				continue
			}
			found = append(found, Neighbor{
				ProfileID: env.ProfileID,
				Name:      env.Name,
				Score:     score,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Score > found[j].Score })
	if len(found) > limit {
		found = found[:limit]
	}
	return found, nil
}

// Cosine is the similarity measure used for voice vectors. Zero-norm
// inputs score 0.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
