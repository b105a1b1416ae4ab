// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldFileID        = "file_id"
	FieldTaskID        = "task_id"
	FieldUserID        = "user_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldSpeakerID     = "speaker_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldQueue     = "queue"
	FieldStage     = "stage"
	FieldKind      = "kind"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"

	// Storage fields
	FieldKey  = "key"
	FieldPath = "path"
	FieldHash = "hash"
)
