// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-media/skald/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "skald.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFile(owner int64, hash string) *model.MediaFile {
	id := uuid.New().String()
	return &model.MediaFile{
		UUID:        id,
		OwnerID:     owner,
		DisplayName: "hello.wav",
		ContentHash: hash,
		SizeBytes:   10 << 20,
		ContentType: "audio/wav",
		MimeClass:   model.MimeAudio,
		StoragePath: "1/" + id + "/original",
	}
}

func TestCreateFileDedup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))
	require.NotZero(t, f.ID)
	assert.Equal(t, model.StatusPending, f.Status)
	assert.Equal(t, 3, f.MaxRetries)

	// Same (owner, hash) must conflict; the caller recovers the
	// canonical row.
	dup := newFile(1, "h1")
	err := s.CreateFile(ctx, dup)
	require.ErrorIs(t, err, ErrConflict)

	existing, err := s.FindByOwnerHash(ctx, 1, "h1")
	require.NoError(t, err)
	assert.Equal(t, f.ID, existing.ID)

	// A different owner with the same hash is a distinct file.
	other := newFile(2, "h1")
	require.NoError(t, s.CreateFile(ctx, other))
}

func TestClaimFileCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))

	require.NoError(t, s.ClaimFile(ctx, f.ID, "task-1", model.StatusPending))

	got, err := s.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, "task-1", got.ActiveTaskID)
	assert.False(t, got.TaskStartedAt.IsZero())

	// Second claim loses the CAS.
	err = s.ClaimFile(ctx, f.ID, "task-2", model.StatusPending)
	assert.ErrorIs(t, err, ErrConflict)

	// Claiming a missing file reports not found, not conflict.
	err = s.ClaimFile(ctx, 9999, "task-3", model.StatusPending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetProgressMonotonicAndOwned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))
	require.NoError(t, s.ClaimFile(ctx, f.ID, "task-1", model.StatusPending))

	require.NoError(t, s.SetProgress(ctx, f.ID, "task-1", 0.4))
	// Regressions are clamped: MAX(progress, new).
	require.NoError(t, s.SetProgress(ctx, f.ID, "task-1", 0.2))

	got, err := s.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Progress, 1e-9)

	// A task that lost ownership must not write.
	err = s.SetProgress(ctx, f.ID, "task-stale", 0.9)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSaveTranscriptCompletes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))
	require.NoError(t, s.ClaimFile(ctx, f.ID, "task-1", model.StatusPending))

	speakers, err := s.SaveTranscript(ctx, SaveTranscriptParams{
		FileID:   f.ID,
		TaskID:   "task-1",
		OwnerID:  1,
		Duration: 4.8,
		Language: "en",
		Speakers: []SpeakerIn{{Label: "SPEAKER_00", Embedding: []float32{0.1, 0.2}}},
		Segments: []SegmentIn{
			{SpeakerLabel: "SPEAKER_00", StartTime: 0.0, EndTime: 1.2, Text: "hello"},
			{SpeakerLabel: "SPEAKER_00", StartTime: 1.3, EndTime: 2.9, Text: "world"},
			{SpeakerLabel: "SPEAKER_00", StartTime: 3.0, EndTime: 4.8, Text: "again"},
		},
	})
	require.NoError(t, err)
	require.Len(t, speakers, 1)

	got, err := s.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Empty(t, got.ActiveTaskID)
	assert.InDelta(t, 4.8, got.DurationSec, 1e-9)
	assert.False(t, got.CompletedAt.IsZero())

	segs, err := s.SegmentsForFile(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, speakers[0].ID, segs[0].SpeakerID)

	// A stale task cannot complete the file again.
	_, err = s.SaveTranscript(ctx, SaveTranscriptParams{
		FileID: f.ID, TaskID: "task-1", OwnerID: 1, Duration: 4.8,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMergeSpeakersAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))
	require.NoError(t, s.ClaimFile(ctx, f.ID, "task-1", model.StatusPending))

	segments := make([]SegmentIn, 0, 8)
	for i := 0; i < 5; i++ {
		segments = append(segments, SegmentIn{SpeakerLabel: "A", StartTime: float64(i), EndTime: float64(i) + 0.5, Text: "a"})
	}
	for i := 5; i < 8; i++ {
		segments = append(segments, SegmentIn{SpeakerLabel: "B", StartTime: float64(i), EndTime: float64(i) + 0.5, Text: "b"})
	}
	speakers, err := s.SaveTranscript(ctx, SaveTranscriptParams{
		FileID: f.ID, TaskID: "task-1", OwnerID: 1, Duration: 8,
		Speakers: []SpeakerIn{{Label: "A"}, {Label: "B"}},
		Segments: segments,
	})
	require.NoError(t, err)
	require.Len(t, speakers, 2)

	a, b := speakers[0], speakers[1]
	require.NoError(t, s.MergeSpeakers(ctx, a.ID, b.ID))

	_, err = s.GetSpeaker(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	segs, err := s.SegmentsForFile(ctx, f.ID)
	require.NoError(t, err)
	for _, seg := range segs {
		assert.Equal(t, b.ID, seg.SpeakerID)
	}

	// Self-merge is rejected.
	assert.ErrorIs(t, s.MergeSpeakers(ctx, b.ID, b.ID), ErrConflict)
}

func TestMergeSpeakersRejectsCrossFile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	mkSpeakers := func(hash string) []model.Speaker {
		f := newFile(1, hash)
		require.NoError(t, s.CreateFile(ctx, f))
		require.NoError(t, s.ClaimFile(ctx, f.ID, "t-"+hash, model.StatusPending))
		sp, err := s.SaveTranscript(ctx, SaveTranscriptParams{
			FileID: f.ID, TaskID: "t-" + hash, OwnerID: 1, Duration: 1,
			Speakers: []SpeakerIn{{Label: "A"}},
			Segments: []SegmentIn{{SpeakerLabel: "A", StartTime: 0, EndTime: 1, Text: "x"}},
		})
		require.NoError(t, err)
		return sp
	}

	s1 := mkSpeakers("h1")
	s2 := mkSpeakers("h2")
	err := s.MergeSpeakers(ctx, s1[0].ID, s2[0].ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestProfileWeakReference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))
	require.NoError(t, s.ClaimFile(ctx, f.ID, "task-1", model.StatusPending))
	speakers, err := s.SaveTranscript(ctx, SaveTranscriptParams{
		FileID: f.ID, TaskID: "task-1", OwnerID: 1, Duration: 1,
		Speakers: []SpeakerIn{{Label: "A"}},
	})
	require.NoError(t, err)

	p := &model.SpeakerProfile{OwnerID: 1, Name: "Alice"}
	require.NoError(t, s.CreateProfile(ctx, p))
	require.NoError(t, s.LinkProfile(ctx, speakers[0].ID, p.ID))

	sp, err := s.GetSpeaker(ctx, speakers[0].ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, sp.ProfileID)
	assert.True(t, sp.Verified)

	// Deleting the profile unlinks but keeps the speaker.
	require.NoError(t, s.DeleteProfile(ctx, p.ID))
	sp, err = s.GetSpeaker(ctx, speakers[0].ID)
	require.NoError(t, err)
	assert.Zero(t, sp.ProfileID)
}

func TestSpeakerMatchCanonicalOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))
	require.NoError(t, s.ClaimFile(ctx, f.ID, "task-1", model.StatusPending))
	speakers, err := s.SaveTranscript(ctx, SaveTranscriptParams{
		FileID: f.ID, TaskID: "task-1", OwnerID: 1, Duration: 1,
		Speakers: []SpeakerIn{{Label: "A"}, {Label: "B"}},
	})
	require.NoError(t, err)

	a, b := speakers[0].ID, speakers[1].ID
	require.NoError(t, s.PutMatch(ctx, model.SpeakerMatch{SpeakerA: b, SpeakerB: a, Score: 0.9}))
	// Reversed input updates the same row (set semantics).
	require.NoError(t, s.PutMatch(ctx, model.SpeakerMatch{SpeakerA: a, SpeakerB: b, Score: 0.95}))

	matches, err := s.MatchesFor(ctx, a)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Less(t, matches[0].SpeakerA, matches[0].SpeakerB)
	assert.InDelta(t, 0.95, matches[0].Score, 1e-9)
}

func TestDeleteFileCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))
	require.NoError(t, s.ClaimFile(ctx, f.ID, "task-1", model.StatusPending))
	_, err := s.SaveTranscript(ctx, SaveTranscriptParams{
		FileID: f.ID, TaskID: "task-1", OwnerID: 1, Duration: 2,
		Speakers: []SpeakerIn{{Label: "A"}},
		Segments: []SegmentIn{{SpeakerLabel: "A", StartTime: 0, EndTime: 2, Text: "x"}},
	})
	require.NoError(t, err)
	require.NoError(t, s.TagFile(ctx, f.ID, "meeting"))

	require.NoError(t, s.DeleteFile(ctx, f.ID))

	_, err = s.GetFile(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	n, err := s.CountSegments(ctx, f.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Idempotent delete: removing an absent row is a no-op success.
	assert.NoError(t, s.DeleteFile(ctx, f.ID))
}

func TestListFilesFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	audio := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, audio))
	video := newFile(1, "h2")
	video.MimeClass = model.MimeVideo
	video.DisplayName = "standup.mp4"
	require.NoError(t, s.CreateFile(ctx, video))
	foreign := newFile(2, "h3")
	require.NoError(t, s.CreateFile(ctx, foreign))

	require.NoError(t, s.TagFile(ctx, audio.ID, "meeting"))

	all, err := s.ListFiles(ctx, FileFilter{OwnerID: 1})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byClass, err := s.ListFiles(ctx, FileFilter{OwnerID: 1, MimeClass: model.MimeVideo})
	require.NoError(t, err)
	require.Len(t, byClass, 1)
	assert.Equal(t, video.ID, byClass[0].ID)

	byTag, err := s.ListFiles(ctx, FileFilter{OwnerID: 1, Tags: []string{"meeting"}})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, audio.ID, byTag[0].ID)

	bySearch, err := s.ListFiles(ctx, FileFilter{OwnerID: 1, Search: "standup"})
	require.NoError(t, err)
	require.Len(t, bySearch, 1)

	byStatus, err := s.ListFiles(ctx, FileFilter{OwnerID: 1, Statuses: []model.FileStatus{model.StatusCompleted}})
	require.NoError(t, err)
	assert.Empty(t, byStatus)
}

func TestReaperQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stuck := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, stuck))
	require.NoError(t, s.ClaimFile(ctx, stuck.ID, "task-1", model.StatusPending))

	abandoned := newFile(1, "h2")
	require.NoError(t, s.CreateFile(ctx, abandoned))

	future := time.Now().Add(time.Minute)
	stale, err := s.StaleProcessing(ctx, future)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)

	pending, err := s.AbandonedPending(ctx, future)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, abandoned.ID, pending[0].ID)

	// A fresh heartbeat takes the file out of the stale set.
	require.NoError(t, s.Heartbeat(ctx, stuck.ID, "task-1"))
	stale, err = s.StaleProcessing(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRequestCancelStates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Pending file cancels immediately.
	pending := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, pending))
	got, err := s.RequestCancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	// Processing file moves to Cancelling, flag set, task untouched.
	active := newFile(1, "h2")
	require.NoError(t, s.CreateFile(ctx, active))
	require.NoError(t, s.ClaimFile(ctx, active.ID, "task-1", model.StatusPending))
	got, err = s.RequestCancel(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelling, got.Status)
	assert.True(t, got.CancellationRequested)
	assert.Equal(t, "task-1", got.ActiveTaskID)

	flagged, err := s.CancellationRequested(ctx, active.ID)
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))

	task := &model.Task{ID: "task-1", OwnerID: 1, FileID: f.ID, Kind: model.KindTranscription}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.Equal(t, model.TaskQueued, task.Status)

	// Duplicate broker ids conflict.
	assert.ErrorIs(t, s.CreateTask(ctx, &model.Task{ID: "task-1", OwnerID: 1, Kind: model.KindTranscription}), ErrConflict)

	_, err := s.UpdateTask(ctx, "task-1", func(t *model.Task) error {
		t.Status = model.TaskRunning
		t.StartedAt = time.Now()
		t.Progress = 0.5
		return nil
	})
	require.NoError(t, err)

	// Progress regressions are clamped within a run.
	updated, err := s.UpdateTask(ctx, "task-1", func(t *model.Task) error {
		t.Progress = 0.3
		return nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, updated.Progress, 1e-9)

	activeTask, err := s.ActiveTaskForFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "task-1", activeTask.ID)

	_, err = s.UpdateTask(ctx, "task-1", func(t *model.Task) error {
		t.Status = model.TaskSucceeded
		t.FinishedAt = time.Now()
		t.Progress = 1
		return nil
	})
	require.NoError(t, err)

	_, err = s.ActiveTaskForFile(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollectionsAndComments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	f := newFile(1, "h1")
	require.NoError(t, s.CreateFile(ctx, f))

	c := &model.Collection{OwnerID: 1, Name: "interviews"}
	require.NoError(t, s.CreateCollection(ctx, c))
	// Collection names unique per owner.
	assert.ErrorIs(t, s.CreateCollection(ctx, &model.Collection{OwnerID: 1, Name: "interviews"}), ErrConflict)
	// A different owner may reuse the name.
	require.NoError(t, s.CreateCollection(ctx, &model.Collection{OwnerID: 2, Name: "interviews"}))

	require.NoError(t, s.AddToCollection(ctx, c.ID, f.ID))
	require.NoError(t, s.AddToCollection(ctx, c.ID, f.ID)) // idempotent

	comment := &model.Comment{FileID: f.ID, OwnerID: 1, Text: "good take", Timestamp: 12.5}
	require.NoError(t, s.AddComment(ctx, comment))
	comments, err := s.CommentsForFile(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.InDelta(t, 12.5, comments[0].Timestamp, 1e-9)
}

func TestErrNotFoundDiscrimination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetFile(ctx, 12345)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetTask(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.GetSpeaker(ctx, 12345)
	assert.True(t, errors.Is(err, ErrNotFound))
}
