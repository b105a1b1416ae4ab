// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/skald-media/skald/internal/index"
	"github.com/skald-media/skald/internal/model"
)

func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.Store.CollectionsForOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": cols})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	c := &model.Collection{
		OwnerID:     ownerFrom(r.Context()),
		Name:        body.Name,
		Description: body.Description,
	}
	if err := s.Store.CreateCollection(r.Context(), c); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"collection": c})
}

func (s *Server) ownedCollection(w http.ResponseWriter, r *http.Request, id int64) bool {
	cols, err := s.Store.CollectionsForOwner(r.Context(), ownerFrom(r.Context()))
	if err != nil {
		fail(w, r, err)
		return false
	}
	for _, c := range cols {
		if c.ID == id {
			return true
		}
	}
	writeError(w, r, http.StatusNotFound, "not found")
	return false
}

func (s *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid collection id")
		return
	}
	if !s.ownedCollection(w, r, id) {
		return
	}
	if err := s.Store.DeleteCollection(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) collectionMembership(w http.ResponseWriter, r *http.Request) (collectionID, fileID int64, ok bool) {
	collectionID, ok = urlID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid collection id")
		return 0, 0, false
	}
	fileID, ok = urlID(r, "fileID")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid file id")
		return 0, 0, false
	}
	if !s.ownedCollection(w, r, collectionID) {
		return 0, 0, false
	}
	f, err := s.Store.GetFile(r.Context(), fileID)
	if err != nil {
		fail(w, r, err)
		return 0, 0, false
	}
	if f.OwnerID != ownerFrom(r.Context()) {
		writeError(w, r, http.StatusNotFound, "not found")
		return 0, 0, false
	}
	return collectionID, fileID, true
}

func (s *Server) handleCollectionAdd(w http.ResponseWriter, r *http.Request) {
	collectionID, fileID, ok := s.collectionMembership(w, r)
	if !ok {
		return
	}
	if err := s.Store.AddToCollection(r.Context(), collectionID, fileID); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCollectionRemove(w http.ResponseWriter, r *http.Request) {
	collectionID, fileID, ok := s.collectionMembership(w, r)
	if !ok {
		return
	}
	if err := s.Store.RemoveFromCollection(r.Context(), collectionID, fileID); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(chi.URLParam(r, "tag"))
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "tag name is required")
		return
	}
	if err := s.Store.TagFile(r.Context(), fileFrom(r.Context()).ID, name); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveTag(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.UntagFile(r.Context(), fileFrom(r.Context()).ID, chi.URLParam(r, "tag")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.Store.CommentsForFile(r.Context(), fileFrom(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text      string  `json:"text"`
		Timestamp float64 `json:"timestamp"`
	}
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Text) == "" {
		writeError(w, r, http.StatusBadRequest, "text is required")
		return
	}
	c := &model.Comment{
		FileID:    fileFrom(r.Context()).ID,
		OwnerID:   ownerFrom(r.Context()),
		Text:      body.Text,
		Timestamp: body.Timestamp,
	}
	if err := s.Store.AddComment(r.Context(), c); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": c})
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	id, ok := urlID(r, "id")
	if !ok {
		writeError(w, r, http.StatusBadRequest, "invalid comment id")
		return
	}
	if err := s.Store.DeleteComment(r.Context(), id, ownerFrom(r.Context())); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSearch runs full-text search over the caller's transcripts.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	text := strings.TrimSpace(q.Get("q"))
	if text == "" {
		writeError(w, r, http.StatusBadRequest, "q is required")
		return
	}
	hits, err := s.Index.SearchTranscripts(r.Context(), index.Query{
		OwnerID: ownerFrom(r.Context()),
		Text:    text,
		Speaker: q.Get("speaker"),
		Limit:   queryInt(q.Get("limit"), 20),
		Offset:  queryInt(q.Get("offset"), 0),
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// handleLLMTest verifies the summarization credentials end to end so
// misconfiguration surfaces here instead of on the first real task.
func (s *Server) handleLLMTest(w http.ResponseWriter, r *http.Request) {
	if s.Summarizer == nil {
		writeJSON(w, http.StatusOK, map[string]any{"configured": false})
		return
	}
	if err := s.Summarizer.TestConnection(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"configured": true,
			"ok":         false,
			"error":      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"configured": true, "ok": true})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.Hub.ServeWS(w, r, ownerFrom(r.Context()))
}
