// SPDX-License-Identifier: MIT

// Package pipeline holds the stage pipelines: transcription,
// summarization, analytics, waveform rendering, and URL download. Each
// pipeline is a deterministic function of its input plus model
// configuration; persistence of results is the lifecycle manager's job.
package pipeline

import (
	"errors"
	"fmt"
)

// FailureClass drives the retry decision in the lifecycle manager.
type FailureClass string

const (
	// TransientInfra covers network, broker, and storage hiccups.
	// Retried with capped backoff up to the file's retry budget.
	TransientInfra FailureClass = "transient_infra"
	// InputQuality means the media itself is unusable (no audio, corrupt
	// container, no speech). Terminal, human-actionable.
	InputQuality FailureClass = "input_quality"
	// ModelAuth means missing or rejected model credentials. Terminal,
	// admin-actionable.
	ModelAuth FailureClass = "model_auth"
	// Cancelled means cooperative cancellation was observed. Terminal.
	Cancelled FailureClass = "cancelled"
)

// Failure is the typed error pipelines raise into the lifecycle
// manager. Stage names the phase that failed.
type Failure struct {
	Class   FailureClass
	Stage   string
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", f.Stage, f.Class, f.Message, f.Err)
	}
	return fmt.Sprintf("%s (%s): %s", f.Stage, f.Class, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Transient wraps err as a retryable infrastructure failure.
func Transient(stage, message string, err error) *Failure {
	return &Failure{Class: TransientInfra, Stage: stage, Message: message, Err: err}
}

// BadInput marks the media itself as the problem.
func BadInput(stage, message string) *Failure {
	return &Failure{Class: InputQuality, Stage: stage, Message: message}
}

// AuthFailure marks missing or rejected model credentials.
func AuthFailure(stage, message string, err error) *Failure {
	return &Failure{Class: ModelAuth, Stage: stage, Message: message, Err: err}
}

// Aborted marks a run stopped by cooperative cancellation.
func Aborted(stage string) *Failure {
	return &Failure{Class: Cancelled, Stage: stage, Message: "cancellation requested"}
}

// ClassOf extracts the failure class; unclassified errors count as
// transient so a real bug gets the retry budget rather than silently
// burning the file.
func ClassOf(err error) FailureClass {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	return TransientInfra
}

// IsCancelled reports whether the error is a cancellation failure.
func IsCancelled(err error) bool {
	return ClassOf(err) == Cancelled
}
