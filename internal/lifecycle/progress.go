// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/model"
)

const (
	progressMinInterval = 250 * time.Millisecond
	progressMinDelta    = 0.01
)

// ProgressSink throttles pipeline progress callbacks before they hit
// the store and the event stream. Updates are fire-and-forget: a write
// error is logged and the run continues.
type ProgressSink struct {
	m      *Manager
	file   *model.MediaFile
	taskID string

	mu       sync.Mutex
	lastAt   time.Time
	lastProg float64
}

// Progress builds the throttled sink for one run. The returned function
// is safe for concurrent use and matches pipeline.ProgressFn.
func (m *Manager) Progress(ctx context.Context, file *model.MediaFile, taskID string) func(stage string, progress float64, message string) {
	sink := &ProgressSink{m: m, file: file, taskID: taskID, lastProg: -1}
	return func(stage string, progress float64, message string) {
		sink.report(ctx, stage, progress, message)
	}
}

func (s *ProgressSink) report(ctx context.Context, stage string, progress float64, message string) {
	now := s.m.now()

	s.mu.Lock()
	// Pass when enough time elapsed or the bar moved a full point.
	// Terminal progress always goes through.
	due := now.Sub(s.lastAt) >= progressMinInterval ||
		progress-s.lastProg >= progressMinDelta ||
		progress >= 1
	if !due {
		s.mu.Unlock()
		return
	}
	s.lastAt = now
	s.lastProg = progress
	s.mu.Unlock()

	if err := s.m.Store.SetProgress(ctx, s.file.ID, s.taskID, progress); err != nil {
		logger := log.WithComponentFromContext(ctx, "lifecycle")
		logger.Debug().
			Err(err).
			Int64(log.FieldFileID, s.file.ID).
			Msg("progress write skipped")
		return
	}
	_, _ = s.m.Store.UpdateTask(ctx, s.taskID, func(t *model.Task) error {
		t.Progress = progress
		return nil
	})

	s.m.notify(s.file.OwnerID, model.EventTranscriptionStatus, map[string]any{
		"file_id":  s.file.ID,
		"status":   "processing",
		"stage":    stage,
		"progress": progress,
		"message":  message,
	}, true)
}

// Heartbeat refreshes task_last_update so the reaper can tell a slow
// run from a dead one. Called by the dispatcher watchdog between
// progress reports.
func (m *Manager) Heartbeat(ctx context.Context, fileID int64, taskID string) {
	if err := m.Store.Heartbeat(ctx, fileID, taskID); err != nil {
		logger := log.WithComponentFromContext(ctx, "lifecycle")
		logger.Debug().
			Err(err).
			Int64(log.FieldFileID, fileID).
			Msg("heartbeat skipped")
	}
}
