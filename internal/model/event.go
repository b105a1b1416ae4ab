// SPDX-License-Identifier: MIT

package model

import "time"

// EventType discriminates notification frames sent to clients.
type EventType string

const (
	EventTranscriptionStatus EventType = "transcription_status"
	EventSummarizationStatus EventType = "summarization_status"
	EventAnalyticsStatus     EventType = "analytics_status"
	EventFileDeleted         EventType = "file_deleted"
	EventFileUpdated         EventType = "file_updated"
	EventRecoverySuggested   EventType = "recovery_suggested"
	EventPing                EventType = "ping"
)

// Event is the JSON envelope delivered on the per-user notification
// channel. IDs are monotonic per connection; clients dedup on ID.
type Event struct {
	ID        uint64         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`

	// Silent events (keep-alives, progress ticks) must not count as
	// unread in client UIs.
	Silent bool `json:"silent,omitempty"`
}

// FileID extracts the file scope of the event, 0 if unscoped.
func (e *Event) FileID() int64 {
	if e.Data == nil {
		return 0
	}
	switch v := e.Data["file_id"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}
