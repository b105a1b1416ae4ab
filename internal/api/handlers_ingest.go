// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"net/url"

	"github.com/skald-media/skald/internal/ingest"
)

// maxUploadBytes caps a single upload body. Large enough for long
// recordings, small enough to stop runaway requests.
const maxUploadBytes = 8 << 30

// handlePrepare is step one of the two-step ingestion handshake: the
// client declares the content and either learns it already exists or
// receives a file id to upload against.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req ingest.PrepareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Filename == "" {
		writeError(w, r, http.StatusBadRequest, "filename is required")
		return
	}
	res, err := s.Ingest.Prepare(r.Context(), ownerFrom(r.Context()), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.IsDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// handleUpload is step two: raw bytes against a prepared file id. The
// declared hash rides the X-File-Hash header and is re-verified
// against the streamed bytes before anything becomes durable.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	f := fileFrom(r.Context())
	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	updated, err := s.Ingest.Upload(r.Context(), f.ID, r.Header.Get("X-File-Hash"), body)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": updated})
}

func (s *Server) handleIngestURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := url.Parse(body.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, r, http.StatusBadRequest, "url must be absolute http(s)")
		return
	}
	owner := ownerFrom(r.Context())
	if !s.urlIngests.allow(owner) {
		writeError(w, r, http.StatusTooManyRequests, "too many url ingests; try again shortly")
		return
	}
	f, err := s.Ingest.IngestURL(r.Context(), owner, body.URL)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"file": f})
}
