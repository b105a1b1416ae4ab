// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/ingest"
	"github.com/skald-media/skald/internal/lifecycle"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":      message,
		"request_id": log.RequestIDFromContext(r.Context()),
	})
}

// fail maps domain sentinels onto HTTP status codes. Unknown errors
// are logged with their request id and surfaced as an opaque 500.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), blob.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflicting concurrent update")
	case errors.Is(err, lifecycle.ErrNotSafeToDelete):
		writeError(w, r, http.StatusConflict, "file has an active task; cancel it or force delete")
	case errors.Is(err, lifecycle.ErrNotReprocessable):
		writeError(w, r, http.StatusConflict, "file is not in a reprocessable state")
	case errors.Is(err, lifecycle.ErrNotOrphaned):
		writeError(w, r, http.StatusConflict, "file is not orphaned")
	case errors.Is(err, ingest.ErrInvalidHash):
		writeError(w, r, http.StatusBadRequest, "malformed content hash")
	case errors.Is(err, ingest.ErrHashMismatch):
		writeError(w, r, http.StatusUnprocessableEntity, "uploaded bytes do not match the declared hash")
	case errors.Is(err, ingest.ErrAlreadyUploaded):
		writeError(w, r, http.StatusConflict, "content already uploaded")
	default:
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
