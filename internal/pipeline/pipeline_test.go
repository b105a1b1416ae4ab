// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/hashid"
	"github.com/skald-media/skald/internal/model"
	"github.com/skald-media/skald/internal/probe"
)

// fakeTranscriber scripts the model-runner stages.
type fakeTranscriber struct {
	language string
	segments []RawSegment
	speakers []SpeakerOut

	transcribeErr error
	alignChunks   int
}

func (f *fakeTranscriber) DetectLanguage(ctx context.Context, path string) (string, error) {
	return f.language, nil
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path, lang string, opts TranscribeOptions) ([]RawSegment, error) {
	if f.transcribeErr != nil {
		return nil, f.transcribeErr
	}
	return f.segments, nil
}

func (f *fakeTranscriber) Align(ctx context.Context, path string, segs []RawSegment, onChunk func(done, total int) error) ([]RawSegment, error) {
	total := f.alignChunks
	if total == 0 {
		total = 1
	}
	for i := 1; i <= total; i++ {
		if err := onChunk(i, total); err != nil {
			return nil, err
		}
	}
	return segs, nil
}

func (f *fakeTranscriber) Diarize(ctx context.Context, path string, segs []RawSegment, opts DiarizeOptions) ([]RawSegment, []SpeakerOut, error) {
	for i := range segs {
		segs[i].Speaker = "SPEAKER_00"
	}
	return segs, f.speakers, nil
}

func newBlobWithFile(t *testing.T, key string, data []byte) blob.Store {
	t.Helper()
	s, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), key, bytes.NewReader(data), int64(len(data)), "audio/wav"))
	return s
}

func testRequest(file *model.MediaFile) *Request {
	return &Request{
		Job:        &model.Job{ID: "t1", Kind: model.KindTranscription, FileID: file.ID},
		File:       file,
		Processing: config.Default().Processing,
	}
}

func noProbe(ctx context.Context, path string) (probe.Metadata, error) {
	return probe.Metadata{}, errors.New("no ffprobe in tests")
}

func TestTranscriptionHappyPath(t *testing.T) {
	file := &model.MediaFile{ID: 42, OwnerID: 1, UUID: "u42", StoragePath: "1/u42/original"}
	store := newBlobWithFile(t, file.StoragePath, []byte("wav bytes"))

	runner := &fakeTranscriber{
		language: "en",
		segments: []RawSegment{
			{Start: 0.0, End: 1.2, Text: "hello there"},
			{Start: 1.3, End: 2.9, Text: "how are you"},
			{Start: 3.0, End: 4.8, Text: "goodbye"},
		},
		speakers: []SpeakerOut{{Label: "SPEAKER_00", Embedding: []float32{0.1, 0.2}}},
	}
	p := &Transcription{Blob: store, Runner: runner, ProbeFile: noProbe}

	var stages []string
	req := testRequest(file)
	req.Progress = func(stage string, prog float64, msg string) { stages = append(stages, stage) }

	res, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "en", res.Language)
	assert.InDelta(t, 4.8, res.Duration, 1e-9)
	require.Len(t, res.Segments, 3)
	assert.Equal(t, "SPEAKER_00", res.Segments[0].Speaker)
	require.Len(t, res.Speakers, 1)
	assert.Contains(t, stages, StageTranscribe)
	assert.Contains(t, stages, StageDiarize)
}

func TestTranscriptionCancelledAtFirstSuspension(t *testing.T) {
	file := &model.MediaFile{ID: 1, OwnerID: 1, UUID: "u1", StoragePath: "1/u1/original"}
	store := newBlobWithFile(t, file.StoragePath, []byte("bytes"))

	runner := &fakeTranscriber{
		language:      "en",
		transcribeErr: errors.New("transcribe must not run after cancellation"),
	}
	p := &Transcription{Blob: store, Runner: runner, ProbeFile: noProbe}

	req := testRequest(file)
	req.Cancelled = func(ctx context.Context) bool { return true }

	_, err := p.Run(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, Cancelled, ClassOf(err))
}

func TestTranscriptionNoSpeech(t *testing.T) {
	file := &model.MediaFile{ID: 1, OwnerID: 1, UUID: "u1", StoragePath: "1/u1/original"}
	store := newBlobWithFile(t, file.StoragePath, []byte("bytes"))

	p := &Transcription{Blob: store, Runner: &fakeTranscriber{language: "en"}, ProbeFile: noProbe}
	_, err := p.Run(context.Background(), testRequest(file))
	require.Error(t, err)
	assert.Equal(t, InputQuality, ClassOf(err))
}

func TestTranscriptionMissingBlob(t *testing.T) {
	s, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	file := &model.MediaFile{ID: 1, OwnerID: 1, UUID: "u1", StoragePath: "1/u1/original"}

	p := &Transcription{Blob: s, Runner: &fakeTranscriber{}, ProbeFile: noProbe}
	_, err = p.Run(context.Background(), testRequest(file))
	require.Error(t, err)
	assert.Equal(t, InputQuality, ClassOf(err))
}

func TestScrubSegments(t *testing.T) {
	segs := []RawSegment{
		{Text: "normal words only"},
		{Text: "okay " + strings.Repeat("d", 41) + " okay"},
		// 30 runes but 90 bytes; must survive a rune-based limit.
		{Text: strings.Repeat("语", 30)},
	}
	n := ScrubSegments(segs, 40)
	assert.Equal(t, 1, n)
	assert.Equal(t, "normal words only", segs[0].Text)
	assert.Equal(t, "okay [background noise] okay", segs[1].Text)
	assert.Equal(t, strings.Repeat("语", 30), segs[2].Text)

	// Disabled threshold is a no-op.
	assert.Zero(t, ScrubSegments(segs, 0))
}

func TestFailureClassification(t *testing.T) {
	assert.Equal(t, TransientInfra, ClassOf(errors.New("plain")))
	assert.Equal(t, InputQuality, ClassOf(BadInput("s", "bad")))
	assert.Equal(t, ModelAuth, ClassOf(AuthFailure("s", "denied", nil)))
	assert.Equal(t, Cancelled, ClassOf(Aborted("s")))
	assert.True(t, IsCancelled(Aborted("s")))

	wrapped := Transient("stage", "msg", errors.New("inner"))
	assert.ErrorContains(t, wrapped, "stage")
	assert.ErrorContains(t, wrapped, "inner")
}

func TestComputeAnalytics(t *testing.T) {
	labels := map[int64]string{1: "alice", 2: "bob"}
	segs := []model.TranscriptSegment{
		{SpeakerID: 1, StartTime: 0, EndTime: 10, Text: "how are you?"},
		{SpeakerID: 2, StartTime: 9, EndTime: 15, Text: "fine"}, // starts before alice ends
		{SpeakerID: 1, StartTime: 15, EndTime: 20, Text: "good. really?"},
	}

	a := ComputeAnalytics(9, segs, labels)
	assert.Equal(t, int64(9), a.FileID)
	assert.InDelta(t, 20.0, a.TotalTimeSec, 1e-9)
	require.Len(t, a.Speakers, 2)

	// Ordered by talk time: alice 15s, bob 6s.
	assert.Equal(t, "alice", a.Speakers[0].SpeakerLabel)
	assert.InDelta(t, 15.0, a.Speakers[0].TalkTimeSec, 1e-9)
	assert.Equal(t, 2, a.Speakers[0].TurnCount)
	assert.Equal(t, 2, a.Speakers[0].Questions)

	assert.Equal(t, "bob", a.Speakers[1].SpeakerLabel)
	assert.Equal(t, 1, a.Speakers[1].Interruptions)
}

func TestDownloadHappyPath(t *testing.T) {
	payload := []byte("remote media bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Disposition", `attachment; filename="episode.mp3"`)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := &Download{Fetcher: NewHTTPFetcher(0), TempDir: t.TempDir()}
	req := &Request{
		Job:  &model.Job{ID: "d1", Kind: model.KindURLIngest, Payload: map[string]string{"url": srv.URL + "/feed"}},
		File: &model.MediaFile{ID: 1, OwnerID: 1},
	}

	res, err := d.Run(context.Background(), req)
	require.NoError(t, err)
	defer res.Cleanup()

	assert.Equal(t, "episode.mp3", res.Filename)
	assert.Equal(t, "audio/mpeg", res.ContentType)
	assert.Equal(t, int64(len(payload)), res.Size)
	assert.Equal(t, hashid.DigestBytes(payload), res.Hash)

	got, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/big":
			_, _ = w.Write(bytes.Repeat([]byte("x"), 1024))
		case "/empty":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	run := func(fetcher Fetcher, path string) error {
		d := &Download{Fetcher: fetcher, TempDir: t.TempDir()}
		_, err := d.Run(context.Background(), &Request{
			Job:  &model.Job{ID: "d", Payload: map[string]string{"url": srv.URL + path}},
			File: &model.MediaFile{ID: 1},
		})
		return err
	}

	err := run(NewHTTPFetcher(0), "/missing")
	require.Error(t, err)
	assert.Equal(t, InputQuality, ClassOf(err))

	err = run(NewHTTPFetcher(100), "/big")
	require.Error(t, err, "size cap must fail the download")

	err = run(NewHTTPFetcher(0), "/empty")
	require.Error(t, err)
	assert.Equal(t, InputQuality, ClassOf(err))

	// Unsupported scheme.
	d := &Download{Fetcher: NewHTTPFetcher(0), TempDir: t.TempDir()}
	_, err = d.Run(context.Background(), &Request{
		Job:  &model.Job{ID: "d", Payload: map[string]string{"url": "ftp://example.com/f"}},
		File: &model.MediaFile{ID: 1},
	})
	require.Error(t, err)
	assert.Equal(t, InputQuality, ClassOf(err))
}

func TestFoldPeaks(t *testing.T) {
	// Four samples: 0, max, half, quarter → two buckets keep the max of each pair.
	raw := []byte{
		0x00, 0x00, // 0
		0xFF, 0x7F, // 32767
		0x00, 0x40, // 16384
		0x00, 0x20, // 8192
	}
	peaks := foldPeaks(raw, 4, 2)
	require.Len(t, peaks, 2)
	assert.InDelta(t, 1.0, peaks[0], 1e-4)
	assert.InDelta(t, 0.5, peaks[1], 1e-2)
}

func TestStripCodeFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripCodeFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripCodeFence(`{"a":1}`))
}

func TestRenderTranscript(t *testing.T) {
	segs := []model.TranscriptSegment{
		{SpeakerID: 1, Text: " hello "},
		{SpeakerID: 2, Text: "hi"},
		{Text: "unattributed"},
	}
	out := RenderTranscript(segs, map[int64]string{1: "alice", 2: "bob"})
	assert.Equal(t, "alice: hello\nbob: hi\nunattributed\n", out)
}
