// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/index"
	"github.com/skald-media/skald/internal/lifecycle"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/pipeline"
	"github.com/skald-media/skald/internal/queue"
	"github.com/skald-media/skald/internal/store"
)

type stubSummarizer struct {
	out string
	err error
}

func (s *stubSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	return s.out, s.err
}

func (s *stubSummarizer) TestConnection(ctx context.Context) error { return s.err }

func newTestDispatcher(t *testing.T) (*Dispatcher, *lifecycle.Manager) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "skald.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ix, err := index.Open(filepath.Join(t.TempDir(), "index"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })

	bs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	broker := queue.NewMemoryBroker()
	m := &lifecycle.Manager{
		Store:  s,
		Broker: broker,
		Blob:   bs,
		Index:  ix,
		Notify: lifecycle.NopPublisher{},
	}
	d := &Dispatcher{
		Deps: Deps{
			Lifecycle:  m,
			Broker:     broker,
			Store:      s,
			Config:     config.NewHolder(config.Default(), ""),
			Summarizer: &stubSummarizer{out: `{"overall":"fine"}`},
		},
		Workers: DefaultWorkers(),
	}
	return d, m
}

func seedCompletedFile(t *testing.T, m *lifecycle.Manager) *model.MediaFile {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	f := &model.MediaFile{
		UUID:        id,
		OwnerID:     1,
		DisplayName: "standup.wav",
		ContentHash: uuid.NewString(),
		SizeBytes:   1 << 20,
		ContentType: "audio/wav",
		MimeClass:   model.MimeAudio,
		StoragePath: "1/" + id + "/original",
	}
	require.NoError(t, m.Store.CreateFile(ctx, f))

	taskID, err := m.Enqueue(ctx, f, model.KindTranscription, nil)
	require.NoError(t, err)
	file, err := m.Claim(ctx, f.ID, taskID)
	require.NoError(t, err)
	require.NoError(t, m.CompleteTranscription(ctx, file, taskID, &pipeline.TranscriptionResult{
		Language: "en",
		Duration: 3,
		Segments: []pipeline.RawSegment{{Start: 0, End: 3, Text: "status update", Speaker: "SPEAKER_00"}},
		Speakers: []pipeline.SpeakerOut{{Label: "SPEAKER_00"}},
	}))

	got, err := m.Store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	return got
}

func dequeue(t *testing.T, b queue.Broker, class model.QueueClass) *model.Job {
	t.Helper()
	job, err := b.Dequeue(context.Background(), class, 100*time.Millisecond)
	require.NoError(t, err)
	return job
}

func TestSummarizationJob(t *testing.T) {
	d, m := newTestDispatcher(t)
	ctx := context.Background()
	file := seedCompletedFile(t, m)

	_, err := m.Enqueue(ctx, file, model.KindSummarization, nil)
	require.NoError(t, err)
	job := dequeue(t, d.Broker, model.QueueNLP)

	d.process(ctx, model.QueueNLP, job)

	got, err := d.Store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryCompleted, got.SummaryStatus)
	assert.Contains(t, got.SummaryJSON, "fine")

	task, err := d.Store.GetTask(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSucceeded, task.Status)

	// Terminal outcome acknowledges the delivery.
	depth, err := d.Broker.Depth(ctx, model.QueueNLP)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSummarizationWithoutLLMMarksNotConfigured(t *testing.T) {
	d, m := newTestDispatcher(t)
	d.Summarizer = nil
	ctx := context.Background()
	file := seedCompletedFile(t, m)

	_, err := m.Enqueue(ctx, file, model.KindSummarization, nil)
	require.NoError(t, err)
	job := dequeue(t, d.Broker, model.QueueNLP)
	d.process(ctx, model.QueueNLP, job)

	got, err := d.Store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryNotConfigured, got.SummaryStatus)
}

func TestSummarizationAuthFailure(t *testing.T) {
	d, m := newTestDispatcher(t)
	d.Summarizer = &stubSummarizer{err: pipeline.AuthFailure(pipeline.StageSummarize, "model credentials rejected", errors.New("401"))}
	ctx := context.Background()
	file := seedCompletedFile(t, m)

	_, err := m.Enqueue(ctx, file, model.KindSummarization, nil)
	require.NoError(t, err)
	job := dequeue(t, d.Broker, model.QueueNLP)
	d.process(ctx, model.QueueNLP, job)

	got, err := d.Store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SummaryNotConfigured, got.SummaryStatus)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestAnalyticsJob(t *testing.T) {
	d, m := newTestDispatcher(t)
	ctx := context.Background()
	file := seedCompletedFile(t, m)

	_, err := m.Enqueue(ctx, file, model.KindAnalytics, nil)
	require.NoError(t, err)
	job := dequeue(t, d.Broker, model.QueueNLP)
	d.process(ctx, model.QueueNLP, job)

	a, err := d.Store.GetAnalytics(ctx, file.ID)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, a.TotalTimeSec, 1e-9)
	require.Len(t, a.Speakers, 1)
}

func TestReindexJob(t *testing.T) {
	d, m := newTestDispatcher(t)
	ctx := context.Background()
	file := seedCompletedFile(t, m)

	require.NoError(t, m.Index.DeleteDocument(ctx, file.ID))

	// Completion already queued a waveform render; drain it so the next
	// utility delivery is the reindex job.
	wf := dequeue(t, d.Broker, model.QueueUtility)
	require.Equal(t, model.KindWaveform, wf.Kind)
	require.NoError(t, d.Broker.Ack(ctx, model.QueueUtility, wf.ID))

	_, err := m.Enqueue(ctx, file, model.KindReindex, nil)
	require.NoError(t, err)
	job := dequeue(t, d.Broker, model.QueueUtility)
	d.process(ctx, model.QueueUtility, job)

	hits, err := m.Index.SearchTranscripts(ctx, index.Query{OwnerID: 1, Text: "status"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestWaveformWithoutRendererIsDropped(t *testing.T) {
	d, m := newTestDispatcher(t)
	ctx := context.Background()
	file := seedCompletedFile(t, m)

	// Completion queued the waveform job; the dispatcher has no renderer
	// wired, so the delivery must terminate instead of panicking.
	job := dequeue(t, d.Broker, model.QueueUtility)
	require.Equal(t, model.KindWaveform, job.Kind)
	d.process(ctx, model.QueueUtility, job)

	task, err := d.Store.GetTask(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, task.Status)
	assert.Contains(t, task.Error, "not configured")

	got, err := d.Store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.False(t, got.HasWaveform)
}

func TestJobForDeletedFileIsDropped(t *testing.T) {
	d, m := newTestDispatcher(t)
	ctx := context.Background()
	file := seedCompletedFile(t, m)

	_, err := m.Enqueue(ctx, file, model.KindSummarization, nil)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, file.ID, false))

	job := dequeue(t, d.Broker, model.QueueNLP)
	d.process(ctx, model.QueueNLP, job)

	task, err := d.Store.GetTask(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, task.Status)
}

func TestClaimLostDropsDelivery(t *testing.T) {
	d, m := newTestDispatcher(t)
	ctx := context.Background()

	id := uuid.NewString()
	f := &model.MediaFile{
		UUID: id, OwnerID: 1, DisplayName: "a.wav",
		ContentHash: uuid.NewString(), SizeBytes: 1, ContentType: "audio/wav",
		MimeClass: model.MimeAudio, StoragePath: "1/" + id + "/original",
	}
	require.NoError(t, m.Store.CreateFile(ctx, f))

	_, err := m.Enqueue(ctx, f, model.KindTranscription, nil)
	require.NoError(t, err)

	// Cancelled while queued: the claim CAS must lose.
	_, err = m.RequestCancel(ctx, f.ID)
	require.NoError(t, err)

	job := dequeue(t, d.Broker, model.QueueGPU)
	d.process(ctx, model.QueueGPU, job)

	task, err := d.Store.GetTask(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskCancelled, task.Status)

	got, err := d.Store.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
