// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/probe"
)

// TranscriptionResult is everything the lifecycle manager persists on
// success.
type TranscriptionResult struct {
	Language string
	Duration float64
	Segments []RawSegment
	Speakers []SpeakerOut
}

// Transcription runs the canonical pipeline: fetch, detect, transcribe,
// align, diarize, cleanup. Cancellation is polled at every suspension
// point; a run that observes the flag terminates without a result.
type Transcription struct {
	Blob    blob.Store
	Runner  Transcriber
	TempDir string // empty means the OS default

	// ProbeFile is swappable in tests; defaults to probe.File.
	ProbeFile func(ctx context.Context, path string) (probe.Metadata, error)
}

func (t *Transcription) Run(ctx context.Context, req *Request) (*TranscriptionResult, error) {
	logger := log.WithComponentFromContext(ctx, "pipeline.transcribe")

	req.progress(StageFetch, 0.01, "fetching media")
	path, cleanup, err := stageObject(ctx, t.Blob, req.File.StoragePath, t.TempDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// Suspension point: after stream open.
	if err := req.checkpoint(ctx, StageFetch); err != nil {
		return nil, err
	}

	duration := req.File.DurationSec
	if duration <= 0 {
		duration = t.probeDuration(ctx, path)
	}

	req.progress(StageDetect, 0.05, "detecting language")
	language := req.File.Language
	if language == "" {
		language, err = t.Runner.DetectLanguage(ctx, path)
		if err != nil {
			return nil, runnerFailure(ctx, StageDetect, err)
		}
	}
	if err := req.checkpoint(ctx, StageDetect); err != nil {
		return nil, err
	}

	req.progress(StageTranscribe, 0.10, "transcribing")
	segments, err := t.Runner.Transcribe(ctx, path, language, TranscribeOptions{
		Model:       req.Processing.WhisperModel,
		ComputeType: req.Processing.ComputeType,
		BatchSize:   req.Processing.BatchSize,
	})
	if err != nil {
		return nil, runnerFailure(ctx, StageTranscribe, err)
	}
	if len(segments) == 0 {
		return nil, BadInput(StageTranscribe, "no speech detected in media")
	}
	if err := req.checkpoint(ctx, StageTranscribe); err != nil {
		return nil, err
	}

	req.progress(StageAlign, 0.40, "aligning words")
	segments, err = t.Runner.Align(ctx, path, segments, func(done, total int) error {
		// Suspension point: per alignment chunk.
		if err := req.checkpoint(ctx, StageAlign); err != nil {
			return err
		}
		if total > 0 {
			req.progress(StageAlign, 0.40+0.30*float64(done)/float64(total), "")
		}
		return nil
	})
	if err != nil {
		return nil, runnerFailure(ctx, StageAlign, err)
	}
	if err := req.checkpoint(ctx, StageAlign); err != nil {
		return nil, err
	}

	req.progress(StageDiarize, 0.70, "identifying speakers")
	opts := DiarizeOptions{
		Model:       req.Processing.DiarizationModel,
		MinSpeakers: req.Processing.MinSpeakers,
		MaxSpeakers: req.Processing.MaxSpeakers,
		NumSpeakers: req.Processing.NumSpeakers,
	}
	if n, ok := numSpeakersOverride(req); ok {
		opts.NumSpeakers = n
	}
	segments, speakers, err := t.Runner.Diarize(ctx, path, segments, opts)
	if err != nil {
		return nil, runnerFailure(ctx, StageDiarize, err)
	}
	if err := req.checkpoint(ctx, StageDiarize); err != nil {
		return nil, err
	}

	if req.Processing.GarbageCleanup.Enabled {
		req.progress(StageCleanup, 0.90, "scrubbing artifacts")
		scrubbed := ScrubSegments(segments, req.Processing.GarbageCleanup.MaxWordLength)
		if scrubbed > 0 {
			logger.Debug().Int("tokens", scrubbed).Msg("replaced garbage tokens")
		}
	}

	if last := segments[len(segments)-1].End; last > duration {
		duration = last
	}

	req.progress(StageCleanup, 0.95, "finalizing")
	return &TranscriptionResult{
		Language: language,
		Duration: duration,
		Segments: segments,
		Speakers: speakers,
	}, nil
}

func (t *Transcription) probeDuration(ctx context.Context, path string) float64 {
	probeFn := t.ProbeFile
	if probeFn == nil {
		probeFn = probe.File
	}
	meta, err := probeFn(ctx, path)
	if err != nil {
		// Probe failures are best-effort; duration falls back to the
		// last segment end.
		return 0
	}
	return meta.DurationSeconds
}

func numSpeakersOverride(req *Request) (int, bool) {
	if req.Job == nil {
		return 0, false
	}
	v, ok := req.Job.Payload["num_speakers"]
	if !ok {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// runnerFailure classifies a model-runner error: a dead context means
// the run was cancelled, everything else is retryable infrastructure.
func runnerFailure(ctx context.Context, stage string, err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return Aborted(stage)
	}
	return Transient(stage, "model runner", err)
}

// ScrubSegments replaces tokens longer than maxWordLen that contain no
// whitespace with a background-noise marker, in place. Returns the
// number of tokens replaced.
func ScrubSegments(segments []RawSegment, maxWordLen int) int {
	if maxWordLen <= 0 {
		return 0
	}
	total := 0
	for i := range segments {
		text, n := scrubText(segments[i].Text, maxWordLen)
		if n > 0 {
			segments[i].Text = text
			total += n
		}
	}
	return total
}

const noiseMarker = "[background noise]"

func scrubText(text string, maxWordLen int) (string, int) {
	fields := strings.Fields(text)
	n := 0
	for i, f := range fields {
		// Length is measured in runes; multibyte scripts would trip a
		// byte count long before the limit.
		if utf8.RuneCountInString(f) > maxWordLen {
			fields[i] = noiseMarker
			n++
		}
	}
	if n == 0 {
		return text, 0
	}
	return strings.Join(fields, " "), n
}
