// SPDX-License-Identifier: MIT

package model

import "time"

// MediaFile is the store source of truth for one user-owned media object.
// Mutated only by the lifecycle manager and the recovery reaper.
type MediaFile struct {
	ID          int64      `json:"id"`
	UUID        string     `json:"uuid"`
	OwnerID     int64      `json:"ownerId"`
	DisplayName string     `json:"displayName"`
	ContentHash string     `json:"contentHash"`
	SizeBytes   int64      `json:"sizeBytes"`
	ContentType string     `json:"contentType"`
	MimeClass   MimeClass  `json:"mimeClass"`
	StoragePath string     `json:"storagePath"`
	DurationSec float64    `json:"durationSec,omitempty"`
	Language    string     `json:"language,omitempty"`
	SourceURL   string     `json:"sourceUrl,omitempty"`
	Status      FileStatus `json:"status"`

	// Media probe metadata, captured at ingest.
	Codec       string `json:"codec,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
	DeviceMake  string `json:"deviceMake,omitempty"`
	EncodedBy   string `json:"encodedBy,omitempty"`
	RecordedAt  string `json:"recordedAt,omitempty"`
	BlobStored  bool   `json:"blobStored"`
	HasThumb    bool   `json:"hasThumbnail"`
	HasWaveform bool   `json:"hasWaveform"`

	// Task ownership and recovery bookkeeping.
	ActiveTaskID          string    `json:"activeTaskId,omitempty"`
	TaskStartedAt         time.Time `json:"taskStartedAt,omitempty"`
	TaskLastUpdate        time.Time `json:"taskLastUpdate,omitempty"`
	Progress              float64   `json:"progress"`
	RetryCount            int       `json:"retryCount"`
	MaxRetries            int       `json:"maxRetries"`
	RecoveryAttempts      int       `json:"recoveryAttempts"`
	LastError             string    `json:"lastError,omitempty"`
	CancellationRequested bool      `json:"cancellationRequested"`
	CancelRequestedAt     time.Time `json:"cancelRequestedAt,omitempty"`
	ForceDeleteEligible   bool      `json:"forceDeleteEligible"`

	SummaryStatus SummaryStatus `json:"summaryStatus,omitempty"`
	SummaryJSON   string        `json:"summaryJson,omitempty"`

	UploadedAt  time.Time `json:"uploadedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Deletable reports whether a plain (non-forced) delete is allowed.
func (f *MediaFile) Deletable() bool {
	return f.ForceDeleteEligible || !f.Status.TaskActive()
}

// Task records one pipeline execution for audit. The file reference is a
// weak back-pointer: tasks never own files.
type Task struct {
	ID         string     `json:"id"`
	OwnerID    int64      `json:"ownerId"`
	FileID     int64      `json:"fileId,omitempty"`
	Kind       TaskKind   `json:"kind"`
	Status     TaskStatus `json:"status"`
	Progress   float64    `json:"progress"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  time.Time  `json:"startedAt,omitempty"`
	FinishedAt time.Time  `json:"finishedAt,omitempty"`
	LastUpdate time.Time  `json:"lastUpdate"`
}

// TranscriptSegment is a contiguous text span with word-level timing.
type TranscriptSegment struct {
	ID        int64   `json:"id"`
	FileID    int64   `json:"fileId"`
	SpeakerID int64   `json:"speakerId,omitempty"`
	StartTime float64 `json:"startTime"`
	EndTime   float64 `json:"endTime"`
	Text      string  `json:"text"`
}

// Speaker is a per-file detected voice identity.
type Speaker struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"ownerId"`
	FileID    int64     `json:"fileId"`
	Label     string    `json:"label"`
	Name      string    `json:"name,omitempty"`
	ProfileID int64     `json:"profileId,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	Verified  bool      `json:"verified"`
}

// SpeakerProfile is a user-global named identity. Speakers reference
// profiles weakly: deleting a profile unlinks but keeps the speakers.
type SpeakerProfile struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// SpeakerMatch is a scored similarity edge between two speaker instances.
// Rows are stored with SpeakerA < SpeakerB to enforce set semantics.
type SpeakerMatch struct {
	SpeakerA int64   `json:"speakerA"`
	SpeakerB int64   `json:"speakerB"`
	Score    float64 `json:"score"`
}

// Collection is a user-level grouping of files.
type Collection struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Tag names are unique globally; file-tag pairs are unique.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Comment is a timestamped user annotation on a file.
type Comment struct {
	ID        int64     `json:"id"`
	FileID    int64     `json:"fileId"`
	OwnerID   int64     `json:"ownerId"`
	Text      string    `json:"text"`
	Timestamp float64   `json:"timestamp,omitempty"` // position in media, seconds
	CreatedAt time.Time `json:"createdAt"`
}

// SpeakerStat is one speaker's share of the analytics result.
type SpeakerStat struct {
	SpeakerLabel  string  `json:"speakerLabel"`
	TalkTimeSec   float64 `json:"talkTimeSec"`
	TurnCount     int     `json:"turnCount"`
	Interruptions int     `json:"interruptions"`
	Questions     int     `json:"questions"`
}

// Analytics is the computed conversation profile for one file.
type Analytics struct {
	FileID       int64         `json:"fileId"`
	TotalTimeSec float64       `json:"totalTimeSec"`
	Speakers     []SpeakerStat `json:"speakers"`
	ComputedAt   time.Time     `json:"computedAt"`
}
