// SPDX-License-Identifier: MIT

package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/skald-media/skald/internal/blob"
	"github.com/skald-media/skald/internal/model"
)

// waveformSampleRate is the decode rate for peak extraction; 8 kHz
// mono is plenty for a visual envelope.
const waveformSampleRate = 8000

// Waveform renders a downsampled peak envelope of the original audio
// and, for video files, a poster-frame thumbnail. Both are stored as
// derived artifacts next to the original.
type Waveform struct {
	Blob    blob.Store
	TempDir string
	FFmpeg  string // binary name, default "ffmpeg"
	Buckets int    // peak buckets, default 800
}

// waveformDoc is the stored JSON artifact.
type waveformDoc struct {
	Version    int       `json:"version"`
	SampleRate int       `json:"sample_rate"`
	Peaks      []float32 `json:"peaks"` // normalized to [0,1]
}

// Result flags which artifacts were produced.
type WaveformResult struct {
	WaveformStored  bool
	ThumbnailStored bool
}

func (w *Waveform) Run(ctx context.Context, req *Request) (*WaveformResult, error) {
	path, cleanup, err := stageObject(ctx, w.Blob, req.File.StoragePath, w.TempDir)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := req.checkpoint(ctx, StageWaveform); err != nil {
		return nil, err
	}

	req.progress(StageWaveform, 0.2, "decoding audio")
	peaks, err := w.extractPeaks(ctx, path)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(waveformDoc{
		Version:    1,
		SampleRate: waveformSampleRate,
		Peaks:      peaks,
	})
	if err != nil {
		return nil, Transient(StageWaveform, "marshal waveform", err)
	}

	req.progress(StageWaveform, 0.6, "storing waveform")
	key := blob.Key(req.File.OwnerID, req.File.UUID, blob.RoleWaveform)
	if err := blob.Retry(ctx, 3, 250*time.Millisecond, 2*time.Second, func() error {
		return w.Blob.Put(ctx, key, bytes.NewReader(doc), int64(len(doc)), "application/json")
	}); err != nil {
		return nil, Transient(StageWaveform, "store waveform", err)
	}
	out := &WaveformResult{WaveformStored: true}

	if req.File.MimeClass == model.MimeVideo {
		if err := req.checkpoint(ctx, StageThumbnail); err != nil {
			return out, err
		}
		req.progress(StageThumbnail, 0.8, "rendering thumbnail")
		// A missing thumbnail is cosmetic; the task still succeeds.
		if err := w.renderThumbnail(ctx, path, req.File); err == nil {
			out.ThumbnailStored = true
		}
	}

	req.progress(StageWaveform, 1.0, "")
	return out, nil
}

func (w *Waveform) ffmpeg() string {
	if w.FFmpeg != "" {
		return w.FFmpeg
	}
	return "ffmpeg"
}

func (w *Waveform) buckets() int {
	if w.Buckets > 0 {
		return w.Buckets
	}
	return 800
}

// extractPeaks decodes the audio to 8 kHz mono s16le and folds the
// samples into normalized peak buckets.
func (w *Waveform) extractPeaks(ctx context.Context, path string) ([]float32, error) {
	args := []string{
		"-v", "error",
		"-i", path,
		"-ac", "1",
		"-ar", fmt.Sprint(waveformSampleRate),
		"-f", "s16le",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, w.ffmpeg(), args...) // #nosec G204
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, Aborted(StageWaveform)
		}
		return nil, BadInput(StageWaveform, fmt.Sprintf("audio decode failed: %s", firstLine(stderr.String())))
	}

	raw := stdout.Bytes()
	samples := len(raw) / 2
	if samples == 0 {
		return nil, BadInput(StageWaveform, "media contains no audio samples")
	}
	return foldPeaks(raw, samples, w.buckets()), nil
}

func foldPeaks(raw []byte, samples, buckets int) []float32 {
	if buckets > samples {
		buckets = samples
	}
	peaks := make([]float32, buckets)
	per := samples / buckets
	for b := 0; b < buckets; b++ {
		var peak int16
		start := b * per
		end := start + per
		if b == buckets-1 {
			end = samples
		}
		for i := start; i < end; i++ {
			v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
			if v < 0 {
				if v == -32768 {
					v = 32767
				} else {
					v = -v
				}
			}
			if v > peak {
				peak = v
			}
		}
		peaks[b] = float32(peak) / 32767.0
	}
	return peaks
}

func (w *Waveform) renderThumbnail(ctx context.Context, path string, file *model.MediaFile) error {
	out := filepath.Join(w.TempDir, fmt.Sprintf("skald-thumb-%s.jpg", file.UUID))
	if w.TempDir == "" {
		out = filepath.Join(os.TempDir(), fmt.Sprintf("skald-thumb-%s.jpg", file.UUID))
	}
	defer func() { _ = os.Remove(out) }()

	args := []string{
		"-v", "error",
		"-ss", "1",
		"-i", path,
		"-frames:v", "1",
		"-vf", "scale=480:-2",
		"-y", out,
	}
	cmd := exec.CommandContext(ctx, w.ffmpeg(), args...) // #nosec G204
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("render thumbnail: %w", err)
	}

	f, err := os.Open(out) // #nosec G304 -- our own temp path
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	key := blob.Key(file.OwnerID, file.UUID, blob.RoleThumbnail)
	return blob.Retry(ctx, 3, 250*time.Millisecond, 2*time.Second, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return w.Blob.Put(ctx, key, f, st.Size(), "image/jpeg")
	})
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// stageObject copies a stored object to a local temp file and returns
// its path with a cleanup func.
func stageObject(ctx context.Context, store blob.Store, key, tempDir string) (string, func(), error) {
	rc, _, err := store.Get(ctx, key)
	if err != nil {
		if blob.IsNotFound(err) {
			return "", nil, BadInput(StageFetch, "stored media object is missing")
		}
		return "", nil, Transient(StageFetch, "open media object", err)
	}
	defer func() { _ = rc.Close() }()

	tmp, err := os.CreateTemp(tempDir, "skald-media-*")
	if err != nil {
		return "", nil, Transient(StageFetch, "create staging file", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, rc); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", nil, Transient(StageFetch, "stage media object", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, Transient(StageFetch, "close staging file", err)
	}
	return tmp.Name(), cleanup, nil
}
