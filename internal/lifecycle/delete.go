// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/metrics"
	"github.com/skald-media/skald/internal/model"
)

// Delete removes a file and everything derived from it. A file with a
// live task is refused unless force is set and the row is force-delete
// eligible. Order matters: cancel signal first, then index, then blobs,
// then the row; a crash mid-way leaves artifacts the next delete call
// can still reach through the row.
func (m *Manager) Delete(ctx context.Context, fileID int64, force bool) error {
	logger := log.WithComponentFromContext(ctx, "lifecycle")

	file, err := m.Store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file.Status.TaskActive() {
		if !force || !file.Deletable() {
			return ErrNotSafeToDelete
		}
		// Best-effort: the worker discovers the flag and aborts.
		if file.ActiveTaskID != "" {
			_ = m.Broker.RequestCancel(ctx, file.ActiveTaskID)
		}
	}

	if err := m.Index.DeleteDocument(ctx, fileID); err != nil {
		logger.Warn().Err(err).Int64(log.FieldFileID, fileID).Msg("index cleanup failed")
	}

	for _, role := range []string{blob.RoleOriginal, blob.RoleWaveform, blob.RoleThumbnail} {
		key := blob.Key(file.OwnerID, file.UUID, role)
		if err := m.Blob.Delete(ctx, key); err != nil && !blob.IsNotFound(err) {
			logger.Warn().Err(err).Str("key", key).Msg("blob cleanup failed")
		}
	}

	if err := m.Store.DeleteFile(ctx, fileID); err != nil {
		return err
	}

	logger.Info().Int64(log.FieldFileID, fileID).Bool("force", force).Msg("file deleted")
	m.notify(file.OwnerID, model.EventFileDeleted, map[string]any{
		"file_id": fileID,
	}, false)
	return nil
}

// Reprocess resets a finished or failed file to Pending and enqueues a
// fresh transcription. Existing transcript rows are replaced on the
// next successful run.
func (m *Manager) Reprocess(ctx context.Context, fileID int64) (string, error) {
	file, err := m.Store.UpdateFile(ctx, fileID, func(f *model.MediaFile) error {
		switch f.Status {
		case model.StatusCompleted, model.StatusError, model.StatusCancelled, model.StatusOrphaned:
		default:
			return ErrNotReprocessable
		}
		metrics.RecordTransition(string(f.Status), string(model.StatusPending))
		f.Status = model.StatusPending
		f.ActiveTaskID = ""
		f.Progress = 0
		f.RetryCount = 0
		f.LastError = ""
		f.CancellationRequested = false
		f.ForceDeleteEligible = false
		return nil
	})
	if err != nil {
		return "", err
	}
	return m.Enqueue(ctx, file, model.KindTranscription, nil)
}

// Recover returns an Orphaned file to Pending and re-enqueues it. The
// reaper suggests this; users trigger it.
func (m *Manager) Recover(ctx context.Context, fileID int64) (string, error) {
	file, err := m.Store.UpdateFile(ctx, fileID, func(f *model.MediaFile) error {
		if f.Status != model.StatusOrphaned {
			return ErrNotOrphaned
		}
		metrics.RecordTransition(string(model.StatusOrphaned), string(model.StatusPending))
		f.Status = model.StatusPending
		f.ActiveTaskID = ""
		f.Progress = 0
		return nil
	})
	if err != nil {
		return "", err
	}
	return m.Enqueue(ctx, file, model.KindTranscription, nil)
}
