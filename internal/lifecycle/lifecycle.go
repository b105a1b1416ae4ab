// SPDX-License-Identifier: MIT

// Package lifecycle is the task lifecycle manager: the single authority
// over the per-file state machine. Pipelines never touch rows; every
// transition (claim, progress, completion, failure, retry, cancel,
// recovery, delete) goes through here.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/index"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/metrics"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/queue"
	"github.com/skald-media/skald/internal/store"
)

// ErrNotSafeToDelete is returned when a file with a live task is
// deleted without force.
var ErrNotSafeToDelete = errors.New("file is processing and not force-delete eligible")

// ErrNotReprocessable is returned when reprocess is requested on a file
// that is queued or running.
var ErrNotReprocessable = errors.New("file is not in a reprocessable state")

// ErrNotOrphaned is returned when recovery is requested on a file the
// reaper has not marked orphaned.
var ErrNotOrphaned = errors.New("file is not orphaned")

// Publisher is the notification fan-out contract implemented by the
// websocket hub. Publish must never block the caller.
type Publisher interface {
	Publish(ownerID int64, typ model.EventType, data map[string]any, silent bool)
}

// NopPublisher drops events; used in tests and tools.
type NopPublisher struct{}

func (NopPublisher) Publish(int64, model.EventType, map[string]any, bool) {}

// Manager wires the state machine to its collaborators.
type Manager struct {
	Store  *store.Store
	Broker queue.Broker
	Blob   blob.Store
	Index  *index.Index
	Notify Publisher
	Config *config.Holder

	// Clock is swappable in tests.
	Clock func() time.Time
}

func (m *Manager) now() time.Time {
	if m.Clock != nil {
		return m.Clock()
	}
	return time.Now()
}

func (m *Manager) notify(ownerID int64, typ model.EventType, data map[string]any, silent bool) {
	if m.Notify != nil {
		m.Notify.Publish(ownerID, typ, data, silent)
	}
}

func (m *Manager) recovery() config.RecoveryConfig {
	if m.Config != nil {
		return m.Config.Get().Recovery
	}
	return config.Default().Recovery
}

// Enqueue creates a task record and places the job on its class queue.
// Returns the generated job id.
func (m *Manager) Enqueue(ctx context.Context, file *model.MediaFile, kind model.TaskKind, payload map[string]string) (string, error) {
	return m.EnqueueDelayed(ctx, file, kind, payload, 0)
}

// EnqueueDelayed is Enqueue with the job held back for a backoff window.
func (m *Manager) EnqueueDelayed(ctx context.Context, file *model.MediaFile, kind model.TaskKind, payload map[string]string, delay time.Duration) (string, error) {
	jobID := uuid.NewString()
	task := &model.Task{
		ID:      jobID,
		OwnerID: file.OwnerID,
		FileID:  file.ID,
		Kind:    kind,
		Status:  model.TaskQueued,
	}
	if err := m.Store.CreateTask(ctx, task); err != nil {
		return "", err
	}

	job := &model.Job{
		ID:            jobID,
		Kind:          kind,
		Queue:         model.QueueFor(kind),
		OwnerID:       file.OwnerID,
		FileID:        file.ID,
		CorrelationID: log.CorrelationIDFromContext(ctx),
		Payload:       payload,
	}
	if err := m.Broker.EnqueueDelayed(ctx, job, delay); err != nil {
		return "", err
	}

	logger := log.WithComponentFromContext(ctx, "lifecycle")
	logger.Info().
		Str(log.FieldTaskID, jobID).
		Int64(log.FieldFileID, file.ID).
		Str(log.FieldQueue, string(job.Queue)).
		Str("kind", string(kind)).
		Dur("delay", delay).
		Msg("task enqueued")
	return jobID, nil
}

// Claim performs the Pending -> Processing compare-and-swap and marks
// the task Running. The from status is Pending for fresh dispatch and
// Orphaned is not claimed directly (recovery moves it to Pending first).
func (m *Manager) Claim(ctx context.Context, fileID int64, taskID string) (*model.MediaFile, error) {
	if err := m.Store.ClaimFile(ctx, fileID, taskID, model.StatusPending); err != nil {
		return nil, err
	}
	_, _ = m.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskRunning
		t.StartedAt = m.now()
		return nil
	})
	metrics.RecordTransition(string(model.StatusPending), string(model.StatusProcessing))

	file, err := m.Store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	m.notify(file.OwnerID, model.EventTranscriptionStatus, map[string]any{
		"file_id": fileID,
		"status":  "processing",
	}, false)
	return file, nil
}

// CancelCheck builds the cooperative cancellation predicate for a run,
// consulting both the broker flag and the DB flag. Errors count as
// not-cancelled so an infra blip cannot abort a healthy run.
func (m *Manager) CancelCheck(fileID int64, taskID string) func(ctx context.Context) bool {
	return func(ctx context.Context) bool {
		if flagged, err := m.Broker.CancelRequested(ctx, taskID); err == nil && flagged {
			return true
		}
		if flagged, err := m.Store.CancellationRequested(ctx, fileID); err == nil && flagged {
			return true
		}
		return false
	}
}

// RequestCancel flags cancellation on both sides. Processing rows move
// to Cancelling and wait for the stage to observe the flag; queued rows
// cancel immediately.
func (m *Manager) RequestCancel(ctx context.Context, fileID int64) (*model.MediaFile, error) {
	file, err := m.Store.RequestCancel(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.ActiveTaskID != "" {
		// Best-effort: the DB flag alone is sufficient.
		_ = m.Broker.RequestCancel(ctx, file.ActiveTaskID)
	}
	if file.Status == model.StatusCancelled {
		// Queued rows cancel immediately; the dispatcher finalizes the
		// queued task record when the job surfaces.
		m.notify(file.OwnerID, model.EventTranscriptionStatus, map[string]any{
			"file_id": fileID,
			"status":  "cancelled",
		}, false)
	}
	return file, nil
}

// backoffDelay is base * 2^attempt, capped.
func backoffDelay(rc config.RecoveryConfig, attempt int) time.Duration {
	d := rc.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= rc.RetryMax {
			return rc.RetryMax
		}
	}
	if d > rc.RetryMax {
		return rc.RetryMax
	}
	return d
}
