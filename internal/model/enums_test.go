// SPDX-License-Identifier: MIT

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileStatusTerminal(t *testing.T) {
	terminal := []FileStatus{StatusCompleted, StatusError, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s terminal", s)
	}
	nonTerminal := []FileStatus{StatusPending, StatusProcessing, StatusCancelling, StatusOrphaned}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %s non-terminal", s)
	}
}

func TestFileStatusTaskActive(t *testing.T) {
	assert.True(t, StatusProcessing.TaskActive())
	assert.True(t, StatusCancelling.TaskActive())
	assert.False(t, StatusPending.TaskActive())
	assert.False(t, StatusCompleted.TaskActive())
	assert.False(t, StatusOrphaned.TaskActive())
}

func TestQueueFor(t *testing.T) {
	cases := map[TaskKind]QueueClass{
		KindTranscription: QueueGPU,
		KindSummarization: QueueNLP,
		KindAnalytics:     QueueNLP,
		KindURLIngest:     QueueDownload,
		KindWaveform:      QueueUtility,
		KindReindex:       QueueUtility,
		TaskKind("other"): QueueCPU,
	}
	for kind, want := range cases {
		assert.Equal(t, want, QueueFor(kind), "kind %s", kind)
	}
}

func TestFileDeletable(t *testing.T) {
	f := &MediaFile{Status: StatusProcessing}
	assert.False(t, f.Deletable())

	f.ForceDeleteEligible = true
	assert.True(t, f.Deletable())

	g := &MediaFile{Status: StatusCompleted}
	assert.True(t, g.Deletable())
}

func TestEventFileID(t *testing.T) {
	e := &Event{Data: map[string]any{"file_id": float64(42)}}
	assert.Equal(t, int64(42), e.FileID())

	e = &Event{}
	assert.Zero(t, e.FileID())
}
