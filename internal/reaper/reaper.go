// SPDX-License-Identifier: MIT

// Package reaper is the recovery sweeper: a background loop that finds
// files stuck mid-lifecycle after worker crashes or client abandonment
// and moves them to a recoverable state. It never re-runs work itself;
// orphaned files wait for an explicit recover call.
package reaper

import (
	"context"
	"time"

	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/lifecycle"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/metrics"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/store"
)

// Reaper sweeps on a fixed interval. Clock is swappable in tests.
type Reaper struct {
	Store     *store.Store
	Lifecycle *lifecycle.Manager
	Config    *config.Holder

	Clock func() time.Time
}

func (r *Reaper) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Reaper) recovery() config.RecoveryConfig {
	if r.Config != nil {
		return r.Config.Get().Recovery
	}
	return config.Default().Recovery
}

// Run blocks until ctx is done, sweeping every Recovery.SweepInterval.
// One sweep runs immediately on start so a restart after a crash does
// not wait a full interval to repair state.
func (r *Reaper) Run(ctx context.Context) error {
	logger := log.WithComponent("reaper")
	logger.Info().
		Dur("interval", r.recovery().SweepInterval).
		Msg("reaper started")

	r.Sweep(ctx)
	ticker := time.NewTicker(r.recovery().SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs all three passes once. Each pass is independent; a failing
// pass is logged and the others still run.
func (r *Reaper) Sweep(ctx context.Context) {
	logger := log.WithComponent("reaper")
	rc := r.recovery()
	now := r.now()

	if n, err := r.orphanStale(ctx, now.Add(-rc.StuckWindow)); err != nil {
		logger.Error().Err(err).Msg("stale-processing pass failed")
	} else if n > 0 {
		logger.Info().Int("files", n).Msg("orphaned stale files")
	}

	if n, err := r.deleteAbandoned(ctx, now.Add(-rc.AbandonedAfter)); err != nil {
		logger.Error().Err(err).Msg("abandoned-pending pass failed")
	} else if n > 0 {
		logger.Info().Int("files", n).Msg("deleted abandoned uploads")
	}

	if n, err := r.expireCancelling(ctx, now.Add(-rc.CancelDeadline)); err != nil {
		logger.Error().Err(err).Msg("expired-cancelling pass failed")
	} else if n > 0 {
		logger.Info().Int("files", n).Msg("forced expired cancellations")
	}
}

// orphanStale moves Processing rows without a recent heartbeat to
// Orphaned and suggests recovery to the owner. The CAS inside
// UpdateFile means a task that resumed between query and update keeps
// its row.
func (r *Reaper) orphanStale(ctx context.Context, cutoff time.Time) (int, error) {
	logger := log.WithComponent("reaper")
	stale, err := r.Store.StaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, f := range stale {
		taskID := f.ActiveTaskID
		updated, err := r.Store.UpdateFile(ctx, f.ID, func(mf *model.MediaFile) error {
			// Re-check under the row lock: a heartbeat may have landed.
			if mf.Status != model.StatusProcessing || mf.TaskLastUpdate.After(cutoff) {
				return store.ErrConflict
			}
			mf.Status = model.StatusOrphaned
			mf.ActiveTaskID = ""
			mf.RecoveryAttempts++
			mf.LastError = "task lost: no heartbeat from worker"
			return nil
		})
		if err != nil {
			continue
		}
		n++
		metrics.ReaperSweeps.WithLabelValues("orphaned").Inc()
		metrics.RecordTransition(string(model.StatusProcessing), string(model.StatusOrphaned))

		if taskID != "" {
			_, _ = r.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
				t.Status = model.TaskFailed
				t.Error = "worker lost"
				t.FinishedAt = r.now()
				return nil
			})
		}
		logger.Warn().
			Int64(log.FieldFileID, f.ID).
			Str(log.FieldTaskID, taskID).
			Int("recovery_attempts", updated.RecoveryAttempts).
			Msg("file orphaned")

		r.Lifecycle.Notify.Publish(f.OwnerID, model.EventRecoverySuggested, map[string]any{
			"file_id":           f.ID,
			"recovery_attempts": updated.RecoveryAttempts,
		}, false)
	}
	return n, nil
}

// deleteAbandoned removes Pending rows that never received their bytes.
// There is nothing to keep: no blob, no transcript, only the prepare
// handshake row.
func (r *Reaper) deleteAbandoned(ctx context.Context, cutoff time.Time) (int, error) {
	logger := log.WithComponent("reaper")
	abandoned, err := r.Store.AbandonedPending(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, f := range abandoned {
		if err := r.Store.DeleteFile(ctx, f.ID); err != nil {
			logger.Warn().Err(err).Int64(log.FieldFileID, f.ID).Msg("abandoned delete failed")
			continue
		}
		n++
		metrics.ReaperSweeps.WithLabelValues("abandoned_deleted").Inc()
		logger.Info().Int64(log.FieldFileID, f.ID).Msg("abandoned upload deleted")
	}
	return n, nil
}

// expireCancelling forces Cancelling rows past the deadline to
// Cancelled. The worker did not confirm in time; the file becomes
// force-delete eligible so the user is never blocked.
func (r *Reaper) expireCancelling(ctx context.Context, cutoff time.Time) (int, error) {
	logger := log.WithComponent("reaper")
	expired, err := r.Store.ExpiredCancelling(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, f := range expired {
		taskID := f.ActiveTaskID
		_, err := r.Store.UpdateFile(ctx, f.ID, func(mf *model.MediaFile) error {
			if mf.Status != model.StatusCancelling {
				return store.ErrConflict
			}
			mf.Status = model.StatusCancelled
			mf.ActiveTaskID = ""
			mf.ForceDeleteEligible = true
			return nil
		})
		if err != nil {
			continue
		}
		n++
		metrics.ReaperSweeps.WithLabelValues("cancel_expired").Inc()
		metrics.RecordTransition(string(model.StatusCancelling), string(model.StatusCancelled))

		if taskID != "" {
			_, _ = r.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
				t.Status = model.TaskCancelled
				t.Error = "cancel deadline expired"
				t.FinishedAt = r.now()
				return nil
			})
		}
		logger.Warn().Int64(log.FieldFileID, f.ID).Msg("cancellation forced after deadline")

		r.Lifecycle.Notify.Publish(f.OwnerID, model.EventTranscriptionStatus, map[string]any{
			"file_id": f.ID,
			"status":  "cancelled",
		}, false)
	}
	return n, nil
}
