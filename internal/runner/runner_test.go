// SPDX-License-Identifier: MIT

package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/pipeline"
)

func mediaFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(path, []byte("fake audio"), 0o600))
	return path
}

func newClient(srv *httptest.Server) *Client {
	return New(config.RunnerConfig{BaseURL: srv.URL, Token: "secret", Timeout: 5 * time.Second})
}

func TestDetectLanguage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/detect-language", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("media")
		require.NoError(t, err)
		_ = f.Close()
		assert.Equal(t, "clip.wav", hdr.Filename)

		_ = json.NewEncoder(w).Encode(map[string]string{"language": "de"})
	}))
	defer srv.Close()

	lang, err := newClient(srv).DetectLanguage(context.Background(), mediaFixture(t))
	require.NoError(t, err)
	assert.Equal(t, "de", lang)
}

func TestTranscribePassesOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, "large-v3", r.FormValue("model"))
		assert.Equal(t, "float16", r.FormValue("compute_type"))
		assert.Equal(t, "16", r.FormValue("batch_size"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"segments": []pipeline.RawSegment{{Start: 0, End: 2.5, Text: "hello world"}},
		})
	}))
	defer srv.Close()

	segs, err := newClient(srv).Transcribe(context.Background(), mediaFixture(t), "en", pipeline.TranscribeOptions{
		Model: "large-v3", ComputeType: "float16", BatchSize: 16,
	})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "hello world", segs[0].Text)
}

func TestAlignChunksAndReportsProgress(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseMultipartForm(1<<20))
		var segs []pipeline.RawSegment
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("segments")), &segs))
		_ = json.NewEncoder(w).Encode(map[string]any{"segments": segs})
	}))
	defer srv.Close()

	in := make([]pipeline.RawSegment, alignChunk+5)
	for i := range in {
		in[i].Text = "s"
	}

	var reports [][2]int
	out, err := newClient(srv).Align(context.Background(), mediaFixture(t), in, func(done, total int) error {
		reports = append(reports, [2]int{done, total})
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, out, len(in))
	assert.Equal(t, 2, calls)
	assert.Equal(t, [][2]int{{1, 2}, {2, 2}}, reports)
}

func TestAlignStopsWhenCallbackErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(map[string]any{"segments": []pipeline.RawSegment{}})
	}))
	defer srv.Close()

	in := make([]pipeline.RawSegment, alignChunk*3)
	stop := errors.New("stop")
	_, err := newClient(srv).Align(context.Background(), mediaFixture(t), in, func(done, total int) error {
		return stop
	})
	require.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestDiarizeSpeakerWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "1", r.FormValue("min_speakers"))
		assert.Equal(t, "4", r.FormValue("max_speakers"))
		assert.Empty(t, r.FormValue("num_speakers"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"segments": []pipeline.RawSegment{{Text: "hi", Speaker: "SPEAKER_00"}},
			"speakers": []map[string]any{
				{"label": "SPEAKER_00", "embedding": []float32{0.1, 0.2}},
			},
		})
	}))
	defer srv.Close()

	segs, speakers, err := newClient(srv).Diarize(context.Background(), mediaFixture(t), nil, pipeline.DiarizeOptions{
		MinSpeakers: 1, MaxSpeakers: 4,
	})
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "SPEAKER_00", segs[0].Speaker)
	require.Len(t, speakers, 1)
	assert.Equal(t, []float32{0.1, 0.2}, speakers[0].Embedding)
}

func TestDiarizePinnedCountOverridesWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "2", r.FormValue("num_speakers"))
		assert.Empty(t, r.FormValue("min_speakers"))
		_ = json.NewEncoder(w).Encode(map[string]any{"segments": []pipeline.RawSegment{}})
	}))
	defer srv.Close()

	_, _, err := newClient(srv).Diarize(context.Background(), mediaFixture(t), nil, pipeline.DiarizeOptions{
		MinSpeakers: 1, MaxSpeakers: 4, NumSpeakers: 2,
	})
	require.NoError(t, err)
}

func TestAuthErrorStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "bad token"})
	}))
	defer srv.Close()

	_, err := newClient(srv).DetectLanguage(context.Background(), mediaFixture(t))
	assert.Equal(t, pipeline.ModelAuth, pipeline.ClassOf(err))
}

func TestUnprocessableMediaIsInputQuality(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no audio stream"})
	}))
	defer srv.Close()

	_, err := newClient(srv).Transcribe(context.Background(), mediaFixture(t), "en", pipeline.TranscribeOptions{})
	assert.Equal(t, pipeline.InputQuality, pipeline.ClassOf(err))
	assert.Contains(t, err.Error(), "no audio stream")
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "cuda out of memory", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newClient(srv).DetectLanguage(context.Background(), mediaFixture(t))
	assert.Equal(t, pipeline.TransientInfra, pipeline.ClassOf(err))
}

func TestUnreachableRunnerIsTransient(t *testing.T) {
	c := New(config.RunnerConfig{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	_, err := c.DetectLanguage(context.Background(), mediaFixture(t))
	assert.Equal(t, pipeline.TransientInfra, pipeline.ClassOf(err))
}

func TestCancelledContextIsAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The handler must consume the upload before it can observe the
		// client going away.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := newClient(srv).DetectLanguage(ctx, mediaFixture(t))
	assert.Equal(t, pipeline.Cancelled, pipeline.ClassOf(err))
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	require.NoError(t, newClient(srv).Healthy(context.Background()))
}
