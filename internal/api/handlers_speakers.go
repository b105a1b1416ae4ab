// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/skald-media/skald/internal/index"
	"github.com/skald-media/skald/internal/model"
)

func urlID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// ownedSpeaker loads the speaker and enforces ownership; foreign rows
// read as absent.
func (s *Server) ownedSpeaker(w http.ResponseWriter, r *http.Request) (*model.Speaker, bool) {
	id, ok := urlID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid speaker id")
		return nil, false
	}
	sp, err := s.Store.GetSpeaker(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return nil, false
	}
	if sp.OwnerID != ownerFrom(r.Context()) {
		writeError(w, r, http.StatusNotFound, "not found")
		return nil, false
	}
	return sp, true
}

func (s *Server) handleFileSpeakers(w http.ResponseWriter, r *http.Request) {
	speakers, err := s.Store.SpeakersForFile(r.Context(), fileFrom(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"speakers": speakers})
}

func (s *Server) handleRenameSpeaker(w http.ResponseWriter, r *http.Request) {
	sp, ok := s.ownedSpeaker(w, r)
	if !ok {
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.Store.RenameSpeaker(r.Context(), sp.ID, body.Name); err != nil {
		fail(w, r, err)
		return
	}
	s.Hub.Publish(sp.OwnerID, model.EventFileUpdated, map[string]any{"file_id": sp.FileID}, true)
	w.WriteHeader(http.StatusNoContent)
}

// handleMergeSpeakers folds the source speaker into the target:
// segments move, the source row disappears. Both must belong to the
// same file so cross-file identity stays in profiles.
func (s *Server) handleMergeSpeakers(w http.ResponseWriter, r *http.Request) {
	source, ok := s.ownedSpeaker(w, r)
	if !ok {
		return
	}
	var body struct {
		TargetID int64 `json:"target_id"`
	}
	if err := decodeJSON(r, &body); err != nil || body.TargetID == 0 {
		writeError(w, r, http.StatusBadRequest, "target_id is required")
		return
	}
	target, err := s.Store.GetSpeaker(r.Context(), body.TargetID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if target.OwnerID != ownerFrom(r.Context()) || target.FileID != source.FileID {
		writeError(w, r, http.StatusConflict, "speakers must belong to the same file")
		return
	}
	if err := s.Store.MergeSpeakers(r.Context(), source.ID, target.ID); err != nil {
		fail(w, r, err)
		return
	}
	// Transcript text did not change but speaker attribution did.
	if err := s.Lifecycle.Reindex(r.Context(), source.FileID); err != nil {
		fail(w, r, err)
		return
	}
	s.Hub.Publish(source.OwnerID, model.EventFileUpdated, map[string]any{"file_id": source.FileID}, false)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignProfile(w http.ResponseWriter, r *http.Request) {
	sp, ok := s.ownedSpeaker(w, r)
	if !ok {
		return
	}
	var body struct {
		ProfileID int64 `json:"profile_id"`
	}
	if err := decodeJSON(r, &body); err != nil || body.ProfileID == 0 {
		writeError(w, r, http.StatusBadRequest, "profile_id is required")
		return
	}
	profile, ok := s.ownedProfile(w, r, body.ProfileID)
	if !ok {
		return
	}
	if err := s.Store.LinkProfile(r.Context(), sp.ID, profile.ID); err != nil {
		fail(w, r, err)
		return
	}
	if len(sp.Embedding) > 0 {
		// Linking records similarity edges to the profile's other
		// instances so later lookups answer from stored matches.
		siblings, err := s.Store.SpeakersForProfile(r.Context(), profile.ID)
		if err != nil {
			fail(w, r, err)
			return
		}
		for _, other := range siblings {
			if other.ID == sp.ID || len(other.Embedding) != len(sp.Embedding) {
				continue
			}
			if err := s.Store.PutMatch(r.Context(), model.SpeakerMatch{
				SpeakerA: sp.ID,
				SpeakerB: other.ID,
				Score:    index.Cosine(sp.Embedding, other.Embedding),
			}); err != nil {
				fail(w, r, err)
				return
			}
		}
		// The profile's voice vector tracks its most recently linked
		// speaker instance.
		if err := s.Index.UpsertSpeakerEmbedding(r.Context(), profile.ID, profile.OwnerID, profile.Name, sp.Embedding); err != nil {
			fail(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// instanceMatch is a stored speaker-to-speaker similarity edge as
// surfaced to clients, keyed by the counterpart instance.
type instanceMatch struct {
	SpeakerID int64   `json:"speaker_id"`
	Score     float64 `json:"score"`
}

// handleSimilarSpeakers answers "who else sounds like this": profile
// candidates come from the embedding index, instance edges from the
// matches recorded at profile-assignment time.
func (s *Server) handleSimilarSpeakers(w http.ResponseWriter, r *http.Request) {
	sp, ok := s.ownedSpeaker(w, r)
	if !ok {
		return
	}
	stored, err := s.Store.MatchesFor(r.Context(), sp.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	instances := make([]instanceMatch, 0, len(stored))
	for _, m := range stored {
		other := m.SpeakerA
		if other == sp.ID {
			other = m.SpeakerB
		}
		instances = append(instances, instanceMatch{SpeakerID: other, Score: m.Score})
	}

	if len(sp.Embedding) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"matches": []any{}, "instances": instances})
		return
	}
	limit := queryInt(r.URL.Query().Get("limit"), 5)
	minScore := 0.5
	if v := r.URL.Query().Get("min_score"); v != "" {
		minScore = queryFloat(v)
	}
	matches, err := s.Index.SearchSimilarSpeakers(r.Context(), sp.OwnerID, sp.Embedding, limit, minScore)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "instances": instances})
}

func (s *Server) ownedProfile(w http.ResponseWriter, r *http.Request, id int64) (*model.SpeakerProfile, bool) {
	profiles, err := s.Store.ProfilesForOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		fail(w, r, err)
		return nil, false
	}
	for _, p := range profiles {
		if p.ID == id {
			return p, true
		}
	}
	writeError(w, r, http.StatusNotFound, "not found")
	return nil, false
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.Store.ProfilesForOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	p := &model.SpeakerProfile{
		OwnerID:     ownerFrom(r.Context()),
		Name:        body.Name,
		Description: body.Description,
	}
	if err := s.Store.CreateProfile(r.Context(), p); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"profile": p})
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid profile id")
		return
	}
	if _, ok := s.ownedProfile(w, r, id); !ok {
		return
	}
	if err := s.Store.DeleteProfile(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	if err := s.Index.DeleteSpeakerEmbedding(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
