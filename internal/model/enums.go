// SPDX-License-Identifier: MIT

// Package model holds the core domain types for the media processing
// orchestrator: file and task lifecycles, queue classes, and the typed
// failure taxonomy shared by pipelines and the lifecycle manager.
package model

// FileStatus is the persisted per-file lifecycle state.
// It is intentionally coarse-grained and stable across pipelines.
type FileStatus string

const (
	StatusPending    FileStatus = "PENDING"
	StatusProcessing FileStatus = "PROCESSING"
	StatusCompleted  FileStatus = "COMPLETED"
	StatusError      FileStatus = "ERROR"
	StatusCancelling FileStatus = "CANCELLING"
	StatusCancelled  FileStatus = "CANCELLED"
	StatusOrphaned   FileStatus = "ORPHANED"
)

// IsTerminal reports whether the state is final for the current task
// instance. A new task instance (retry, reprocess) may follow.
func (s FileStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// TaskActive reports whether the state implies a live owning task.
// Invariant: active_task_id is non-null exactly in these states.
func (s FileStatus) TaskActive() bool {
	return s == StatusProcessing || s == StatusCancelling
}

// TaskStatus is the lifecycle of one pipeline execution.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// IsTerminal returns true if the task will never be updated again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskKind identifies which pipeline a task executes.
type TaskKind string

const (
	KindTranscription TaskKind = "transcription"
	KindSummarization TaskKind = "summarization"
	KindAnalytics     TaskKind = "analytics"
	KindURLIngest     TaskKind = "url_ingest"
	KindWaveform      TaskKind = "waveform"
	KindReindex       TaskKind = "reindex"
)

// QueueClass is a capability tag routing work to appropriate workers.
type QueueClass string

const (
	QueueGPU      QueueClass = "gpu"
	QueueCPU      QueueClass = "cpu"
	QueueNLP      QueueClass = "nlp"
	QueueDownload QueueClass = "download"
	QueueUtility  QueueClass = "utility"
)

// QueueFor maps a task kind onto the queue class its workers consume.
func QueueFor(kind TaskKind) QueueClass {
	switch kind {
	case KindTranscription:
		return QueueGPU
	case KindSummarization, KindAnalytics:
		return QueueNLP
	case KindURLIngest:
		return QueueDownload
	case KindWaveform, KindReindex:
		return QueueUtility
	default:
		return QueueCPU
	}
}

// SummaryStatus is the per-file state of the summarization pipeline.
type SummaryStatus string

const (
	SummaryPending       SummaryStatus = "PENDING"
	SummaryProcessing    SummaryStatus = "PROCESSING"
	SummaryCompleted     SummaryStatus = "COMPLETED"
	SummaryFailed        SummaryStatus = "FAILED"
	SummaryNotConfigured SummaryStatus = "NOT_CONFIGURED"
)

// MimeClass is the coarse media classification used for routing utility jobs.
type MimeClass string

const (
	MimeAudio MimeClass = "audio"
	MimeVideo MimeClass = "video"
	MimeOther MimeClass = "other"
)
