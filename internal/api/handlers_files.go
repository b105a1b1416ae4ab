// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/store"
)

const fileKey ctxKey = "file"

func fileFrom(ctx context.Context) *model.MediaFile {
	f, _ := ctx.Value(fileKey).(*model.MediaFile)
	return f
}

// withFile resolves {id}, enforces ownership, and stashes the row for
// the downstream handler. A foreign owner's file reads as absent.
func (s *Server) withFile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid file id")
			return
		}
		f, err := s.Store.GetFile(r.Context(), id)
		if err != nil {
			fail(w, r, err)
			return
		}
		if f.OwnerID != ownerFrom(r.Context()) {
			writeError(w, r, http.StatusNotFound, "not found")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), fileKey, f)))
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.FileFilter{
		OwnerID: ownerFrom(r.Context()),
		Search:  q.Get("search"),
		Limit:   queryInt(q.Get("limit"), 50),
		Offset:  queryInt(q.Get("offset"), 0),
	}
	for _, st := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, model.FileStatus(st))
	}
	filter.Tags = splitList(q.Get("tags"))
	if mc := q.Get("mime_class"); mc != "" {
		filter.MimeClass = model.MimeClass(mc)
	}
	if v := q.Get("after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.UploadedAfter = t
		}
	}
	if v := q.Get("before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.UploadedBefore = t
		}
	}
	filter.MinDuration = queryFloat(q.Get("min_duration"))
	filter.MaxDuration = queryFloat(q.Get("max_duration"))

	files, err := s.Store.ListFiles(r.Context(), filter)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f := fileFrom(r.Context())
	tags, err := s.Store.TagsForFile(r.Context(), f.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": f, "tags": tags})
}

func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DisplayName *string `json:"display_name"`
		Language    *string `json:"language"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	f, err := s.Store.UpdateFile(r.Context(), fileFrom(r.Context()).ID, func(mf *model.MediaFile) error {
		if body.DisplayName != nil {
			if *body.DisplayName == "" {
				return fmt.Errorf("display name must not be empty")
			}
			mf.DisplayName = *body.DisplayName
		}
		if body.Language != nil {
			mf.Language = *body.Language
		}
		return nil
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	s.Hub.Publish(f.OwnerID, model.EventFileUpdated, map[string]any{"file_id": f.ID}, true)
	writeJSON(w, http.StatusOK, map[string]any{"file": f})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.Lifecycle.Delete(r.Context(), fileFrom(r.Context()).ID, force); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream serves the original media with byte-range support so
// browsers can seek. The blob store does the actual range math.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	f := fileFrom(r.Context())
	if !f.BlobStored {
		writeError(w, r, http.StatusConflict, "content not uploaded yet")
		return
	}

	start, end, partial := parseRange(r.Header.Get("Range"))
	rc, br, err := s.Blob.Stream(r.Context(), f.StoragePath, start, end)
	if err != nil {
		fail(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", f.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(br.End-br.Start+1, 10))
	if partial {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, br.Total))
		w.WriteHeader(http.StatusPartialContent)
	}
	_, _ = io.Copy(w, rc)
}

// handleWaveform streams the rendered peak envelope to the client in
// pieces instead of buffering the whole document.
func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	f := fileFrom(r.Context())
	if !f.HasWaveform {
		writeError(w, r, http.StatusNotFound, "no waveform rendered")
		return
	}
	flusher, _ := w.(http.Flusher)
	started := false
	key := blob.Key(f.OwnerID, f.UUID, blob.RoleWaveform)
	err := blob.ReadChunks(r.Context(), s.Blob, key, 0, func(c blob.Chunk) error {
		if !started {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Length", strconv.FormatInt(c.Total, 10))
			started = true
		}
		if _, err := w.Write(c.Data); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && !started {
		fail(w, r, err)
	}
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	f := fileFrom(r.Context())
	if !f.HasThumb {
		writeError(w, r, http.StatusNotFound, "no thumbnail rendered")
		return
	}
	rc, info, err := s.Blob.Get(r.Context(), blob.Key(f.OwnerID, f.UUID, blob.RoleThumbnail))
	if err != nil {
		fail(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	f := fileFrom(r.Context())
	segments, err := s.Store.SegmentsForFile(r.Context(), f.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	speakers, err := s.Store.SpeakersForFile(r.Context(), f.ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":  f.ID,
		"language": f.Language,
		"segments": segments,
		"speakers": speakers,
	})
}

func (s *Server) handleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	a, err := s.Store.GetAnalytics(r.Context(), fileFrom(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleFileTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Store.TasksForFile(r.Context(), fileFrom(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	f, err := s.Lifecycle.RequestCancel(r.Context(), fileFrom(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"file": f})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.Lifecycle.Reprocess(r.Context(), fileFrom(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	taskID, err := s.Lifecycle.Recover(r.Context(), fileFrom(r.Context()).ID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

// handleEnqueueJob schedules an auxiliary job on a completed file.
// The main transcription kinds go through reprocess/recover instead.
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind string `json:"kind"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	kind := model.TaskKind(body.Kind)
	switch kind {
	case model.KindSummarization, model.KindAnalytics, model.KindWaveform, model.KindReindex:
	default:
		writeError(w, r, http.StatusBadRequest, "kind must be one of summarization, analytics, waveform, reindex")
		return
	}
	f := fileFrom(r.Context())
	if f.Status != model.StatusCompleted {
		writeError(w, r, http.StatusConflict, "file has no completed transcript")
		return
	}
	taskID, err := s.Lifecycle.Enqueue(r.Context(), f, kind, nil)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID})
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseRange handles the single-range form "bytes=a-b". A missing or
// malformed header means the whole object.
func parseRange(h string) (start, end int64, partial bool) {
	end = -1
	if !strings.HasPrefix(h, "bytes=") {
		return 0, -1, false
	}
	spec := strings.TrimPrefix(h, "bytes=")
	if strings.Contains(spec, ",") {
		return 0, -1, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, -1, false
	}
	if parts[0] != "" {
		v, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, -1, false
		}
		start = v
	}
	if parts[1] != "" {
		v, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, -1, false
		}
		end = v
	}
	return start, end, true
}
