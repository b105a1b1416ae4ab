// SPDX-License-Identifier: MIT

// Package dispatch runs the per-class worker pools: dequeue, claim,
// execute the pipeline for the job kind, and hand the outcome to the
// lifecycle manager. Jobs are acknowledged only after a terminal
// outcome is recorded; a worker crash leaves the job in flight for the
// recovery path.
package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/lifecycle"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/metrics"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/pipeline"
	"github.com/skald-media/skald/internal/queue"
	"github.com/skald-media/skald/internal/store"
)

const (
	dequeueWait       = 2 * time.Second
	heartbeatInterval = 30 * time.Second
	depthInterval     = 15 * time.Second
)

// DownloadFinisher completes URL ingest after the download pipeline:
// dedup, blob storage, metadata probe, and the transcription hand-off.
// Implemented by the ingestion coordinator.
type DownloadFinisher interface {
	CompleteDownload(ctx context.Context, file *model.MediaFile, res *pipeline.DownloadResult) error
}

// Deps wires a dispatcher. Summarizer may be nil (not configured).
type Deps struct {
	Lifecycle *lifecycle.Manager
	Broker    queue.Broker
	Store     *store.Store
	Config    *config.Holder

	Transcription *pipeline.Transcription
	Waveform      *pipeline.Waveform
	Download      *pipeline.Download
	Summarizer    pipeline.Summarizer
	Ingest        DownloadFinisher
}

// Dispatcher owns the worker pools. Workers maps queue class to pool
// size; classes absent from the map are not consumed by this process.
type Dispatcher struct {
	Deps
	Workers map[model.QueueClass]int
}

// DefaultWorkers is a single-process topology: one GPU worker (the GPU
// is exclusive), small pools elsewhere.
func DefaultWorkers() map[model.QueueClass]int {
	return map[model.QueueClass]int{
		model.QueueGPU:      1,
		model.QueueCPU:      2,
		model.QueueNLP:      2,
		model.QueueDownload: 2,
		model.QueueUtility:  2,
	}
}

// Run blocks until ctx is done, consuming all configured queues.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for class, n := range d.Workers {
		for i := 0; i < n; i++ {
			class := class
			g.Go(func() error { return d.consume(ctx, class) })
		}
	}
	g.Go(func() error { return d.reportDepths(ctx) })
	return g.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, class model.QueueClass) error {
	logger := log.WithComponent("dispatch").With().
		Str(log.FieldQueue, string(class)).Logger()
	logger.Info().Msg("worker started")

	for {
		if ctx.Err() != nil {
			logger.Info().Msg("worker stopped")
			return nil
		}
		job, err := d.Broker.Dequeue(ctx, class, dequeueWait)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn().Err(err).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		d.process(ctx, class, job)
	}
}

// process runs one job end to end and acknowledges it. Every exit from
// this function is a terminal outcome for this delivery.
func (d *Dispatcher) process(ctx context.Context, class model.QueueClass, job *model.Job) {
	if job.CorrelationID != "" {
		ctx = log.ContextWithCorrelationID(ctx, job.CorrelationID)
	}
	ctx = log.ContextWithTaskID(ctx, job.ID)
	logger := log.WithComponentFromContext(ctx, "dispatch")
	start := time.Now()

	outcome := d.execute(ctx, job)
	metrics.ObserveTask(string(job.Kind), outcome, start)
	logger.Info().
		Str(log.FieldKind, string(job.Kind)).
		Int64(log.FieldFileID, job.FileID).
		Str("outcome", outcome).
		Dur("elapsed", time.Since(start)).
		Msg("job finished")

	// A requeued job went back via Nack; acking it would destroy the
	// payload before redelivery.
	if outcome == "requeued" {
		return
	}
	if err := d.Broker.Ack(ctx, class, job.ID); err != nil {
		logger.Warn().Err(err).Msg("ack failed")
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *model.Job) (outcome string) {
	logger := log.WithComponentFromContext(ctx, "dispatch")

	file, err := d.Store.GetFile(ctx, job.FileID)
	if errors.Is(err, store.ErrNotFound) {
		// File deleted while queued; drop the job.
		d.finalizeTask(ctx, job.ID, model.TaskCancelled, "file deleted")
		return "dropped"
	}
	if err != nil {
		logger.Error().Err(err).Msg("file lookup failed")
		d.requeue(ctx, job)
		return "requeued"
	}

	switch job.Kind {
	case model.KindTranscription:
		return d.runTranscription(ctx, file, job)
	case model.KindURLIngest:
		return d.runDownload(ctx, file, job)
	case model.KindSummarization:
		return d.runSummarization(ctx, file, job)
	case model.KindAnalytics:
		return d.runAnalytics(ctx, file, job)
	case model.KindWaveform:
		return d.runWaveform(ctx, file, job)
	case model.KindReindex:
		return d.runReindex(ctx, file, job)
	default:
		logger.Error().Str(log.FieldKind, string(job.Kind)).Msg("unknown job kind")
		d.finalizeTask(ctx, job.ID, model.TaskFailed, "unknown job kind")
		return "dropped"
	}
}

func (d *Dispatcher) runTranscription(ctx context.Context, file *model.MediaFile, job *model.Job) string {
	logger := log.WithComponentFromContext(ctx, "dispatch")

	file, err := d.Lifecycle.Claim(ctx, file.ID, job.ID)
	if errors.Is(err, store.ErrConflict) {
		// Lost the claim: cancelled while queued, superseded by a
		// reprocess, or a duplicate redelivery.
		d.finalizeTask(ctx, job.ID, model.TaskCancelled, "claim lost")
		return "dropped"
	}
	if err != nil {
		logger.Error().Err(err).Msg("claim failed")
		d.requeue(ctx, job)
		return "requeued"
	}

	stop := d.watchdog(ctx, file.ID, job.ID)
	defer stop()

	req := &pipeline.Request{
		Job:        job,
		File:       file,
		Processing: d.Config.Get().Processing,
		Progress:   d.Lifecycle.Progress(ctx, file, job.ID),
		Cancelled:  d.Lifecycle.CancelCheck(file.ID, job.ID),
	}
	res, err := d.Transcription.Run(ctx, req)
	if err != nil {
		return d.fail(ctx, file, job, err)
	}
	if err := d.Lifecycle.CompleteTranscription(ctx, file, job.ID, res); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Ownership lost during the run; the result is discarded.
			return "dropped"
		}
		logger.Error().Err(err).Msg("completion failed")
		return d.fail(ctx, file, job, pipeline.Transient(pipeline.StageCleanup, "persist transcript", err))
	}
	return "succeeded"
}

func (d *Dispatcher) runDownload(ctx context.Context, file *model.MediaFile, job *model.Job) string {
	logger := log.WithComponentFromContext(ctx, "dispatch")
	if d.Download == nil {
		d.finalizeTask(ctx, job.ID, model.TaskFailed, "downloader not configured")
		return "dropped"
	}

	file, err := d.Lifecycle.Claim(ctx, file.ID, job.ID)
	if errors.Is(err, store.ErrConflict) {
		d.finalizeTask(ctx, job.ID, model.TaskCancelled, "claim lost")
		return "dropped"
	}
	if err != nil {
		logger.Error().Err(err).Msg("claim failed")
		d.requeue(ctx, job)
		return "requeued"
	}

	req := &pipeline.Request{
		Job:        job,
		File:       file,
		Processing: d.Config.Get().Processing,
		Progress:   d.Lifecycle.Progress(ctx, file, job.ID),
		Cancelled:  d.Lifecycle.CancelCheck(file.ID, job.ID),
	}
	res, err := d.Download.Run(ctx, req)
	if err != nil {
		return d.fail(ctx, file, job, err)
	}
	defer res.Cleanup()

	if err := d.Ingest.CompleteDownload(ctx, file, res); err != nil {
		return d.fail(ctx, file, job, err)
	}
	return "succeeded"
}

func (d *Dispatcher) runSummarization(ctx context.Context, file *model.MediaFile, job *model.Job) string {
	if d.Summarizer == nil {
		_, _ = d.Store.UpdateFile(ctx, file.ID, func(f *model.MediaFile) error {
			f.SummaryStatus = model.SummaryNotConfigured
			return nil
		})
		d.finalizeTask(ctx, job.ID, model.TaskFailed, "no llm configured")
		return "dropped"
	}
	d.startTask(ctx, job.ID)

	transcript, err := d.loadTranscript(ctx, file.ID)
	if err != nil {
		return d.fail(ctx, file, job, pipeline.Transient(pipeline.StageSummarize, "load transcript", err))
	}
	if transcript == "" {
		return d.fail(ctx, file, job, pipeline.BadInput(pipeline.StageSummarize, "file has no transcript"))
	}

	summary, err := d.Summarizer.Summarize(ctx, transcript)
	if err != nil {
		return d.fail(ctx, file, job, err)
	}
	if err := d.Lifecycle.CompleteSummary(ctx, file.ID, job.ID, summary); err != nil {
		return d.fail(ctx, file, job, pipeline.Transient(pipeline.StageSummarize, "persist summary", err))
	}
	return "succeeded"
}

func (d *Dispatcher) runAnalytics(ctx context.Context, file *model.MediaFile, job *model.Job) string {
	d.startTask(ctx, job.ID)

	segments, err := d.Store.SegmentsForFile(ctx, file.ID)
	if err != nil {
		return d.fail(ctx, file, job, pipeline.Transient(pipeline.StageAnalytics, "load segments", err))
	}
	labels, err := d.speakerLabels(ctx, file.ID)
	if err != nil {
		return d.fail(ctx, file, job, pipeline.Transient(pipeline.StageAnalytics, "load speakers", err))
	}

	a := pipeline.ComputeAnalytics(file.ID, segments, labels)
	if err := d.Lifecycle.CompleteAnalytics(ctx, file, job.ID, a); err != nil {
		return d.fail(ctx, file, job, pipeline.Transient(pipeline.StageAnalytics, "persist analytics", err))
	}
	return "succeeded"
}

func (d *Dispatcher) runWaveform(ctx context.Context, file *model.MediaFile, job *model.Job) string {
	if d.Waveform == nil {
		d.finalizeTask(ctx, job.ID, model.TaskFailed, "waveform renderer not configured")
		return "dropped"
	}
	d.startTask(ctx, job.ID)

	req := &pipeline.Request{
		Job:        job,
		File:       file,
		Processing: d.Config.Get().Processing,
		Cancelled:  d.Lifecycle.CancelCheck(file.ID, job.ID),
	}
	res, err := d.Waveform.Run(ctx, req)
	if err != nil {
		return d.fail(ctx, file, job, err)
	}
	if err := d.Lifecycle.CompleteWaveform(ctx, file.ID, job.ID, res); err != nil {
		return d.fail(ctx, file, job, pipeline.Transient(pipeline.StageWaveform, "persist artifacts", err))
	}
	return "succeeded"
}

func (d *Dispatcher) runReindex(ctx context.Context, file *model.MediaFile, job *model.Job) string {
	d.startTask(ctx, job.ID)

	if err := d.Lifecycle.Reindex(ctx, file.ID); err != nil {
		return d.fail(ctx, file, job, pipeline.Transient(pipeline.StageAnalytics, "reindex", err))
	}
	d.finalizeTask(ctx, job.ID, model.TaskSucceeded, "")
	return "succeeded"
}

func (d *Dispatcher) fail(ctx context.Context, file *model.MediaFile, job *model.Job, cause error) string {
	logger := log.WithComponentFromContext(ctx, "dispatch")
	if err := d.Lifecycle.Fail(ctx, file, job, cause); err != nil {
		logger.Error().Err(err).Msg("failure handling failed")
	}
	if pipeline.IsCancelled(cause) {
		return "cancelled"
	}
	return "failed"
}

// watchdog refreshes the heartbeat so a long stage without progress
// reports is still distinguishable from a dead worker.
func (d *Dispatcher) watchdog(ctx context.Context, fileID int64, taskID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				d.Lifecycle.Heartbeat(hbCtx, fileID, taskID)
			}
		}
	}()
	return cancel
}

func (d *Dispatcher) startTask(ctx context.Context, taskID string) {
	_, _ = d.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = model.TaskRunning
		t.StartedAt = time.Now()
		return nil
	})
}

func (d *Dispatcher) finalizeTask(ctx context.Context, taskID string, status model.TaskStatus, reason string) {
	_, _ = d.Store.UpdateTask(ctx, taskID, func(t *model.Task) error {
		t.Status = status
		t.Error = reason
		t.FinishedAt = time.Now()
		return nil
	})
}

// requeue returns a job on infrastructure errors upstream of the
// pipeline. Redelivery counts guard against hot loops.
func (d *Dispatcher) requeue(ctx context.Context, job *model.Job) {
	logger := log.WithComponentFromContext(ctx, "dispatch")
	if job.Deliveries >= 5 {
		logger.Error().Str(log.FieldTaskID, job.ID).Msg("redelivery budget exhausted, dropping job")
		d.finalizeTask(ctx, job.ID, model.TaskFailed, "redelivery budget exhausted")
		return
	}
	if err := d.Broker.Nack(ctx, job.Queue, job.ID); err != nil {
		logger.Warn().Err(err).Msg("nack failed")
	}
}

func (d *Dispatcher) loadTranscript(ctx context.Context, fileID int64) (string, error) {
	segments, err := d.Store.SegmentsForFile(ctx, fileID)
	if err != nil {
		return "", err
	}
	names, err := d.speakerLabels(ctx, fileID)
	if err != nil {
		return "", err
	}
	return pipeline.RenderTranscript(segments, names), nil
}

func (d *Dispatcher) speakerLabels(ctx context.Context, fileID int64) (map[int64]string, error) {
	speakers, err := d.Store.SpeakersForFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, len(speakers))
	for _, sp := range speakers {
		if sp.Name != "" {
			names[sp.ID] = sp.Name
		} else {
			names[sp.ID] = sp.Label
		}
	}
	return names, nil
}

func (d *Dispatcher) reportDepths(ctx context.Context) error {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for class := range d.Workers {
				depth, err := d.Broker.Depth(ctx, class)
				if err != nil {
					continue
				}
				metrics.QueueDepth.WithLabelValues(string(class)).Set(float64(depth))
			}
		}
	}
}
