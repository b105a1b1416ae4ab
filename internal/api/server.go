// SPDX-License-Identifier: MIT

// Package api is the HTTP façade over the orchestrator: ingestion
// handshake, file queries, lifecycle controls, transcript search, and
// the websocket event stream. Handlers stay thin; all state machine
// logic lives behind the lifecycle manager and the ingest coordinator.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/index"
	"github.com/skald-media/skald/internal/ingest"
	"github.com/skald-media/skald/internal/lifecycle"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/notify"
	"github.com/skald-media/skald/internal/pipeline"
	"github.com/skald-media/skald/internal/queue"
	"github.com/skald-media/skald/internal/store"
)

// Server carries the façade's dependencies. Summarizer may be nil
// when no LLM is configured.
type Server struct {
	Store      *store.Store
	Index      *index.Index
	Blob       blob.Store
	Broker     queue.Broker
	Lifecycle  *lifecycle.Manager
	Ingest     *ingest.Coordinator
	Hub        *notify.Hub
	Config     *config.Holder
	Summarizer pipeline.Summarizer

	// urlIngests throttles URL submissions per owner.
	urlIngests *ownerLimiter
}

// Router builds the full route tree with the canonical middleware
// stack: panic recovery, request ids, logging, and rate limiting.
func (s *Server) Router() *chi.Mux {
	if s.urlIngests == nil {
		s.urlIngests = newOwnerLimiter(6, 3)
	}
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if limit := s.Config.Get().Server.RateLimit; limit > 0 {
			r.Use(httprate.LimitByIP(limit, time.Minute))
		}
		r.Use(s.authenticate)

		r.Post("/files/prepare", s.handlePrepare)
		r.Post("/files/url", s.handleIngestURL)
		r.Get("/files", s.handleListFiles)

		r.Route("/files/{id}", func(r chi.Router) {
			r.Use(s.withFile)
			r.Get("/", s.handleGetFile)
			r.Patch("/", s.handleUpdateFile)
			r.Delete("/", s.handleDeleteFile)
			r.Put("/content", s.handleUpload)
			r.Get("/stream", s.handleStream)
			r.Get("/waveform", s.handleWaveform)
			r.Get("/thumbnail", s.handleThumbnail)
			r.Get("/transcript", s.handleTranscript)
			r.Get("/analytics", s.handleGetAnalytics)
			r.Get("/tasks", s.handleFileTasks)
			r.Get("/speakers", s.handleFileSpeakers)
			r.Post("/cancel", s.handleCancel)
			r.Post("/reprocess", s.handleReprocess)
			r.Post("/recover", s.handleRecover)
			r.Post("/jobs", s.handleEnqueueJob)
			r.Put("/tags/{tag}", s.handleAddTag)
			r.Delete("/tags/{tag}", s.handleRemoveTag)
			r.Get("/comments", s.handleListComments)
			r.Post("/comments", s.handleAddComment)
		})
		r.Delete("/comments/{id}", s.handleDeleteComment)

		r.Patch("/speakers/{id}", s.handleRenameSpeaker)
		r.Post("/speakers/{id}/merge", s.handleMergeSpeakers)
		r.Post("/speakers/{id}/assign", s.handleAssignProfile)
		r.Get("/speakers/{id}/similar", s.handleSimilarSpeakers)

		r.Get("/profiles", s.handleListProfiles)
		r.Post("/profiles", s.handleCreateProfile)
		r.Delete("/profiles/{id}", s.handleDeleteProfile)

		r.Get("/collections", s.handleListCollections)
		r.Post("/collections", s.handleCreateCollection)
		r.Delete("/collections/{id}", s.handleDeleteCollection)
		r.Put("/collections/{id}/files/{fileID}", s.handleCollectionAdd)
		r.Delete("/collections/{id}/files/{fileID}", s.handleCollectionRemove)

		r.Get("/search", s.handleSearch)
		r.Post("/llm/test", s.handleLLMTest)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz checks the daemon's hard dependencies: the job broker
// must answer, the store must answer a trivial query.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.Broker.Depth(ctx, model.QueueUtility); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "broker unavailable")
		return
	}
	if err := s.Store.DB.PingContext(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
