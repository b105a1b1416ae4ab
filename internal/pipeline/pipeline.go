// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"

	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/model"
)

// Stage names, used in progress events and failure reports.
const (
	StageFetch      = "fetch"
	StageDetect     = "language_detect"
	StageTranscribe = "transcribe"
	StageAlign      = "align"
	StageDiarize    = "diarize"
	StageCleanup    = "cleanup"
	StageSummarize  = "summarize"
	StageAnalytics  = "analytics"
	StageWaveform   = "waveform"
	StageThumbnail  = "thumbnail"
	StageDownload   = "download"
)

// ProgressFn receives overall task progress in [0,1] with the current
// stage name. Sinks are fire-and-forget: a failing sink never fails a
// stage.
type ProgressFn func(stage string, progress float64, message string)

// CancelCheck is the cooperative cancellation predicate, consulted at
// every suspension point. It combines the broker flag and the DB flag.
type CancelCheck func(ctx context.Context) bool

// Request is the per-run input handed to a pipeline by the dispatcher.
type Request struct {
	Job        *model.Job
	File       *model.MediaFile
	Processing config.ProcessingConfig
	Progress   ProgressFn
	Cancelled  CancelCheck
}

func (r *Request) progress(stage string, p float64, msg string) {
	if r.Progress != nil {
		r.Progress(stage, p, msg)
	}
}

// checkpoint returns an Aborted failure when cancellation is flagged.
func (r *Request) checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return Aborted(stage)
	}
	if r.Cancelled != nil && r.Cancelled(ctx) {
		return Aborted(stage)
	}
	return nil
}

// Word is one aligned token inside a segment.
type Word struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// RawSegment is the model runners' unit of transcript exchange. The
// Speaker field is empty until diarization assigns labels.
type RawSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// SpeakerOut is one diarized voice identity with its embedding.
type SpeakerOut struct {
	Label     string
	Embedding []float32
}

// TranscribeOptions carries model configuration into the runner.
type TranscribeOptions struct {
	Model       string
	ComputeType string
	BatchSize   int
}

// DiarizeOptions bounds the speaker search. NumSpeakers > 0 pins the
// count and overrides the min/max window.
type DiarizeOptions struct {
	Model       string
	MinSpeakers int
	MaxSpeakers int
	NumSpeakers int
}

// Transcriber is the opaque model-runner contract, split per stage so
// the pipeline owns the suspension points between them.
type Transcriber interface {
	DetectLanguage(ctx context.Context, mediaPath string) (string, error)
	Transcribe(ctx context.Context, mediaPath, language string, opts TranscribeOptions) ([]RawSegment, error)
	// Align refines word timings chunk by chunk; onChunk is invoked
	// after each chunk so the caller can poll cancellation.
	Align(ctx context.Context, mediaPath string, segments []RawSegment, onChunk func(done, total int) error) ([]RawSegment, error)
	Diarize(ctx context.Context, mediaPath string, segments []RawSegment, opts DiarizeOptions) ([]RawSegment, []SpeakerOut, error)
}
