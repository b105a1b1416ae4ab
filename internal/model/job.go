// SPDX-License-Identifier: MIT

package model

import "time"

// Job is the broker payload for one unit of work. Payload carries
// kind-specific parameters as explicit tagged values (no runtime
// introspection on the wire).
type Job struct {
	ID            string            `json:"id"`
	Kind          TaskKind          `json:"kind"`
	Queue         QueueClass        `json:"queue"`
	OwnerID       int64             `json:"ownerId"`
	FileID        int64             `json:"fileId,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueuedAt"`

	// Deliveries is the broker redelivery count, 1 on first delivery.
	// Set by the consumer side; never serialized by producers.
	Deliveries int `json:"-"`
}

// Well-known payload keys.
const (
	PayloadURL          = "url"
	PayloadNumSpeakers  = "num_speakers"
	PayloadRetryAttempt = "retry_attempt"
)
