// SPDX-License-Identifier: MIT

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/skald-media/skald/internal/index"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/metrics"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/pipeline"
	"github.com/skald-media/skald/internal/store"
)

// CompleteTranscription finalizes a successful run: segments and
// speakers land with the Processing -> Completed flip in one
// transaction, then the transcript is indexed and follow-up utility
// work is enqueued. Index failures do not undo completion; a reindex
// task repairs the document later.
func (m *Manager) CompleteTranscription(ctx context.Context, file *model.MediaFile, taskID string, res *pipeline.TranscriptionResult) error {
	logger := log.WithComponentFromContext(ctx, "lifecycle")

	speakers := make([]store.SpeakerIn, 0, len(res.Speakers))
	for _, sp := range res.Speakers {
		speakers = append(speakers, store.SpeakerIn{Label: sp.Label, Embedding: sp.Embedding})
	}
	segments := make([]store.SegmentIn, 0, len(res.Segments))
	for _, seg := range res.Segments {
		segments = append(segments, store.SegmentIn{
			SpeakerLabel: seg.Speaker,
			StartTime:    seg.Start,
			EndTime:      seg.End,
			Text:         seg.Text,
		})
	}

	saved, err := m.Store.SaveTranscript(ctx, store.SaveTranscriptParams{
		FileID:   file.ID,
		TaskID:   taskID,
		OwnerID:  file.OwnerID,
		Duration: res.Duration,
		Language: res.Language,
		Speakers: speakers,
		Segments: segments,
	})
	if err != nil {
		return err
	}
	metrics.RecordTransition(string(model.StatusProcessing), string(model.StatusCompleted))

	_, _ = m.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskSucceeded
		t.Progress = 1
		t.FinishedAt = m.now()
		return nil
	})

	if err := m.indexTranscript(ctx, file, res, saved); err != nil {
		logger.Warn().Err(err).
			Int64(log.FieldFileID, file.ID).
			Msg("transcript indexing failed, scheduling reindex")
		if _, qerr := m.Enqueue(ctx, file, model.KindReindex, nil); qerr != nil {
			logger.Error().Err(qerr).Int64(log.FieldFileID, file.ID).Msg("reindex enqueue failed")
		}
	}

	// Waveform (and video thumbnail) rendering runs as a utility job so
	// the GPU queue is released as early as possible.
	if file.MimeClass == model.MimeAudio || file.MimeClass == model.MimeVideo {
		if _, err := m.Enqueue(ctx, file, model.KindWaveform, nil); err != nil {
			logger.Warn().Err(err).Int64(log.FieldFileID, file.ID).Msg("waveform enqueue failed")
		}
	}

	m.notify(file.OwnerID, model.EventTranscriptionStatus, map[string]any{
		"file_id":  file.ID,
		"status":   "completed",
		"duration": res.Duration,
		"segments": len(segments),
	}, false)
	return nil
}

func (m *Manager) indexTranscript(ctx context.Context, file *model.MediaFile, res *pipeline.TranscriptionResult, saved []model.Speaker) error {
	doc := &index.Document{
		FileID:   file.ID,
		OwnerID:  file.OwnerID,
		Title:    file.DisplayName,
		Language: res.Language,
	}
	for _, sp := range saved {
		name := sp.Name
		if name == "" {
			name = sp.Label
		}
		doc.Speakers = append(doc.Speakers, name)
	}
	labelOf := make(map[string]string)
	for _, sp := range saved {
		if sp.Name != "" {
			labelOf[sp.Label] = sp.Name
		} else {
			labelOf[sp.Label] = sp.Label
		}
	}
	for _, seg := range res.Segments {
		doc.Segments = append(doc.Segments, index.Segment{
			Start:   seg.Start,
			End:     seg.End,
			Speaker: labelOf[seg.Speaker],
			Text:    seg.Text,
		})
	}
	return m.Index.IndexTranscript(ctx, doc)
}

// Reindex rebuilds the index document from stored rows. Used by the
// reindex utility task after an indexing failure.
func (m *Manager) Reindex(ctx context.Context, fileID int64) error {
	file, err := m.Store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	segments, err := m.Store.SegmentsForFile(ctx, fileID)
	if err != nil {
		return err
	}
	speakers, err := m.Store.SpeakersForFile(ctx, fileID)
	if err != nil {
		return err
	}

	nameOf := make(map[int64]string, len(speakers))
	doc := &index.Document{
		FileID:   file.ID,
		OwnerID:  file.OwnerID,
		Title:    file.DisplayName,
		Language: file.Language,
	}
	for _, sp := range speakers {
		name := sp.Name
		if name == "" {
			name = sp.Label
		}
		nameOf[sp.ID] = name
		doc.Speakers = append(doc.Speakers, name)
	}
	for _, seg := range segments {
		doc.Segments = append(doc.Segments, index.Segment{
			Start:   seg.StartTime,
			End:     seg.EndTime,
			Speaker: nameOf[seg.SpeakerID],
			Text:    seg.Text,
		})
	}
	return m.Index.IndexTranscript(ctx, doc)
}

// Fail routes a pipeline failure: cancellation finalizes Cancelled,
// transient failures with remaining budget re-enqueue after backoff,
// everything else lands in Error. Auxiliary kinds (summarization,
// analytics, waveform, reindex) never touch the main file status; the
// transcript stays valid whatever happens to them.
func (m *Manager) Fail(ctx context.Context, file *model.MediaFile, job *model.Job, cause error) error {
	logger := log.WithComponentFromContext(ctx, "lifecycle")
	class := pipeline.ClassOf(cause)
	kind := job.Kind
	taskID := job.ID

	switch kind {
	case model.KindTranscription, model.KindURLIngest:
	default:
		return m.failAuxiliary(ctx, file, job, class, cause)
	}

	if class == pipeline.Cancelled {
		return m.finishCancel(ctx, file.ID, taskID)
	}

	retrying := false
	updated, err := m.Store.UpdateFile(ctx, file.ID, func(f *model.MediaFile) error {
		// A failure racing a cancel must not resurrect the file: once
		// the user asked to cancel, the only exit is Cancelled. Without
		// this check a transient error would re-enqueue the work and
		// the next claim would erase the cancel flag.
		if f.Status == model.StatusCancelling || f.CancellationRequested {
			return errCancelSupersedes
		}
		f.LastError = cause.Error()
		f.ActiveTaskID = ""
		f.Progress = 0
		f.RetryCount++

		if class == pipeline.TransientInfra && f.RetryCount < f.MaxRetries {
			f.Status = model.StatusPending
			retrying = true
			return nil
		}
		f.Status = model.StatusError
		return nil
	})
	if errors.Is(err, errCancelSupersedes) {
		return m.finishCancel(ctx, file.ID, taskID)
	}
	if err != nil {
		return err
	}

	_, _ = m.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskFailed
		t.Error = cause.Error()
		t.FinishedAt = m.now()
		return nil
	})

	if retrying {
		delay := backoffDelay(m.recovery(), updated.RetryCount-1)
		metrics.RetriesTotal.WithLabelValues(string(kind)).Inc()
		logger.Info().
			Int64(log.FieldFileID, file.ID).
			Int("attempt", updated.RetryCount).
			Dur("delay", delay).
			Msg("scheduling retry")

		if _, err := m.EnqueueDelayed(ctx, updated, kind, map[string]string{
			model.PayloadRetryAttempt: fmt.Sprint(updated.RetryCount),
		}, delay); err != nil {
			return err
		}
		m.notify(file.OwnerID, statusEventFor(kind), map[string]any{
			"file_id": file.ID,
			"status":  "retrying",
			"attempt": updated.RetryCount,
		}, true)
		return nil
	}

	metrics.RecordTransition(string(model.StatusProcessing), string(updated.Status))
	m.notify(file.OwnerID, statusEventFor(kind), map[string]any{
		"file_id": file.ID,
		"status":  "error",
		"error":   sanitize(class, cause),
	}, false)
	return nil
}

// failAuxiliary handles failures of follow-up jobs. The attempt counter
// travels in the job payload because these jobs do not own the file's
// retry budget.
func (m *Manager) failAuxiliary(ctx context.Context, file *model.MediaFile, job *model.Job, class pipeline.FailureClass, cause error) error {
	logger := log.WithComponentFromContext(ctx, "lifecycle")

	status := model.TaskFailed
	if class == pipeline.Cancelled {
		status = model.TaskCancelled
	}
	_, _ = m.Store.UpdateTask(ctx, job.ID, func(t *model.Task) error {
		t.Status = status
		t.Error = cause.Error()
		t.FinishedAt = m.now()
		return nil
	})
	if class == pipeline.Cancelled {
		return nil
	}

	rc := m.recovery()
	attempt := payloadAttempt(job)
	if class == pipeline.TransientInfra && attempt+1 < rc.MaxRetries {
		delay := backoffDelay(rc, attempt)
		metrics.RetriesTotal.WithLabelValues(string(job.Kind)).Inc()
		logger.Info().
			Int64(log.FieldFileID, file.ID).
			Str("kind", string(job.Kind)).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("scheduling retry")
		_, err := m.EnqueueDelayed(ctx, file, job.Kind, map[string]string{
			model.PayloadRetryAttempt: fmt.Sprint(attempt + 1),
		}, delay)
		return err
	}

	if job.Kind == model.KindSummarization {
		summaryStatus := model.SummaryFailed
		if class == pipeline.ModelAuth {
			// Credentials are a per-file verdict on the last attempt.
			summaryStatus = model.SummaryNotConfigured
		}
		if _, err := m.Store.UpdateFile(ctx, file.ID, func(f *model.MediaFile) error {
			f.SummaryStatus = summaryStatus
			return nil
		}); err != nil {
			return err
		}
		m.notify(file.OwnerID, model.EventSummarizationStatus, map[string]any{
			"file_id": file.ID,
			"status":  string(summaryStatus),
			"error":   sanitize(class, cause),
		}, false)
		return nil
	}

	logger.Warn().Err(cause).
		Int64(log.FieldFileID, file.ID).
		Str("kind", string(job.Kind)).
		Msg("auxiliary task failed")
	return nil
}

func payloadAttempt(job *model.Job) int {
	var n int
	if _, err := fmt.Sscanf(job.Payload[model.PayloadRetryAttempt], "%d", &n); err != nil || n < 0 {
		return 0
	}
	return n
}

// errCancelSupersedes aborts the failure transaction when the row is
// already in the cancel path.
var errCancelSupersedes = errors.New("cancellation supersedes failure")

// finishCancel is the Cancelling -> Cancelled edge, taken when a stage
// observes the flag. The file becomes force-delete eligible.
func (m *Manager) finishCancel(ctx context.Context, fileID int64, taskID string) error {
	file, err := m.Store.UpdateFile(ctx, fileID, func(f *model.MediaFile) error {
		f.Status = model.StatusCancelled
		f.ActiveTaskID = ""
		f.ForceDeleteEligible = true
		return nil
	})
	if err != nil {
		return err
	}
	_, _ = m.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskCancelled
		t.FinishedAt = m.now()
		return nil
	})
	metrics.RecordTransition(string(model.StatusCancelling), string(model.StatusCancelled))
	m.notify(file.OwnerID, model.EventTranscriptionStatus, map[string]any{
		"file_id": fileID,
		"status":  "cancelled",
	}, false)
	return nil
}

// CompleteSummary stores the summary JSON on the file row.
func (m *Manager) CompleteSummary(ctx context.Context, fileID int64, taskID, summaryJSON string) error {
	file, err := m.Store.UpdateFile(ctx, fileID, func(f *model.MediaFile) error {
		f.SummaryStatus = model.SummaryCompleted
		f.SummaryJSON = summaryJSON
		return nil
	})
	if err != nil {
		return err
	}
	_, _ = m.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskSucceeded
		t.Progress = 1
		t.FinishedAt = m.now()
		return nil
	})
	m.notify(file.OwnerID, model.EventSummarizationStatus, map[string]any{
		"file_id": fileID,
		"status":  "completed",
	}, false)
	return nil
}

// CompleteAnalytics persists the computed conversation profile.
func (m *Manager) CompleteAnalytics(ctx context.Context, file *model.MediaFile, taskID string, a *model.Analytics) error {
	if err := m.Store.SaveAnalytics(ctx, a); err != nil {
		return err
	}
	_, _ = m.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskSucceeded
		t.Progress = 1
		t.FinishedAt = m.now()
		return nil
	})
	m.notify(file.OwnerID, model.EventAnalyticsStatus, map[string]any{
		"file_id": file.ID,
		"status":  "completed",
	}, false)
	return nil
}

// CompleteWaveform records which derived artifacts now exist.
func (m *Manager) CompleteWaveform(ctx context.Context, fileID int64, taskID string, res *pipeline.WaveformResult) error {
	file, err := m.Store.UpdateFile(ctx, fileID, func(f *model.MediaFile) error {
		f.HasWaveform = f.HasWaveform || res.WaveformStored
		f.HasThumb = f.HasThumb || res.ThumbnailStored
		return nil
	})
	if err != nil {
		return err
	}
	_, _ = m.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskSucceeded
		t.Progress = 1
		t.FinishedAt = m.now()
		return nil
	})
	m.notify(file.OwnerID, model.EventFileUpdated, map[string]any{
		"file_id": fileID,
	}, true)
	return nil
}

func statusEventFor(kind model.TaskKind) model.EventType {
	switch kind {
	case model.KindSummarization:
		return model.EventSummarizationStatus
	case model.KindAnalytics:
		return model.EventAnalyticsStatus
	default:
		return model.EventTranscriptionStatus
	}
}

// sanitize keeps infrastructure detail out of user-facing messages;
// full traces go to logs only.
func sanitize(class pipeline.FailureClass, err error) string {
	switch class {
	case pipeline.InputQuality:
		return err.Error()
	case pipeline.ModelAuth:
		return "model credentials are missing or invalid"
	default:
		return "processing failed, please retry later"
	}
}
