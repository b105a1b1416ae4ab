// SPDX-License-Identifier: MIT

// Package runner is the HTTP client for the model-runner service that
// executes the GPU stages: language detection, transcription, word
// alignment and speaker diarization. The daemon treats the runner as
// an opaque per-stage callable; all model loading and CUDA state stays
// on the runner side.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/pipeline"
)

// alignChunk bounds the segments sent per alignment call so long
// recordings keep a cancellation point between chunks.
const alignChunk = 100

// Client talks to a model-runner instance. It implements the
// per-stage transcriber contract used by the transcription pipeline.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func New(rc config.RunnerConfig) *Client {
	timeout := rc.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		base:  strings.TrimRight(rc.BaseURL, "/"),
		token: rc.Token,
		http:  &http.Client{Timeout: timeout},
	}
}

var _ pipeline.Transcriber = (*Client)(nil)

// Healthy probes the runner's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/health", nil)
	if err != nil {
		return err
	}
	c.auth(req)
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runner: health: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("runner: health: status %d", res.StatusCode)
	}
	return nil
}

func (c *Client) DetectLanguage(ctx context.Context, mediaPath string) (string, error) {
	var out struct {
		Language string `json:"language"`
	}
	err := c.stage(ctx, "/v1/detect-language", mediaPath, nil, nil, &out)
	if err != nil {
		return "", err
	}
	if out.Language == "" {
		return "", fmt.Errorf("runner: empty language in response")
	}
	return out.Language, nil
}

func (c *Client) Transcribe(ctx context.Context, mediaPath, language string, opts pipeline.TranscribeOptions) ([]pipeline.RawSegment, error) {
	fields := map[string]string{
		"language":     language,
		"model":        opts.Model,
		"compute_type": opts.ComputeType,
	}
	if opts.BatchSize > 0 {
		fields["batch_size"] = strconv.Itoa(opts.BatchSize)
	}
	var out struct {
		Segments []pipeline.RawSegment `json:"segments"`
	}
	if err := c.stage(ctx, "/v1/transcribe", mediaPath, fields, nil, &out); err != nil {
		return nil, err
	}
	return out.Segments, nil
}

// Align refines word timings in bounded chunks so the caller gets a
// cancellation point between runner calls.
func (c *Client) Align(ctx context.Context, mediaPath string, segments []pipeline.RawSegment, onChunk func(done, total int) error) ([]pipeline.RawSegment, error) {
	total := (len(segments) + alignChunk - 1) / alignChunk
	aligned := make([]pipeline.RawSegment, 0, len(segments))

	for i := 0; i < len(segments); i += alignChunk {
		end := i + alignChunk
		if end > len(segments) {
			end = len(segments)
		}
		var out struct {
			Segments []pipeline.RawSegment `json:"segments"`
		}
		if err := c.stage(ctx, "/v1/align", mediaPath, nil, segments[i:end], &out); err != nil {
			return nil, err
		}
		aligned = append(aligned, out.Segments...)

		if onChunk != nil {
			if err := onChunk(i/alignChunk+1, total); err != nil {
				return nil, err
			}
		}
	}
	return aligned, nil
}

func (c *Client) Diarize(ctx context.Context, mediaPath string, segments []pipeline.RawSegment, opts pipeline.DiarizeOptions) ([]pipeline.RawSegment, []pipeline.SpeakerOut, error) {
	fields := map[string]string{"model": opts.Model}
	if opts.NumSpeakers > 0 {
		fields["num_speakers"] = strconv.Itoa(opts.NumSpeakers)
	} else {
		if opts.MinSpeakers > 0 {
			fields["min_speakers"] = strconv.Itoa(opts.MinSpeakers)
		}
		if opts.MaxSpeakers > 0 {
			fields["max_speakers"] = strconv.Itoa(opts.MaxSpeakers)
		}
	}
	var out struct {
		Segments []pipeline.RawSegment `json:"segments"`
		Speakers []struct {
			Label     string    `json:"label"`
			Embedding []float32 `json:"embedding"`
		} `json:"speakers"`
	}
	if err := c.stage(ctx, "/v1/diarize", mediaPath, fields, segments, &out); err != nil {
		return nil, nil, err
	}
	speakers := make([]pipeline.SpeakerOut, 0, len(out.Speakers))
	for _, s := range out.Speakers {
		speakers = append(speakers, pipeline.SpeakerOut{Label: s.Label, Embedding: s.Embedding})
	}
	return out.Segments, speakers, nil
}

// stage posts the media file plus form fields (and optionally the
// current segment list) as multipart, decoding the JSON response into
// out. Errors are pre-classified so the pipeline's failure routing
// does the right thing without inspecting HTTP details.
func (c *Client) stage(ctx context.Context, path, mediaPath string, fields map[string]string, segments []pipeline.RawSegment, out any) error {
	f, err := os.Open(mediaPath) // #nosec G304 -- path is a daemon-owned temp file
	if err != nil {
		return pipeline.Transient(path, "open media", err)
	}
	defer func() { _ = f.Close() }()

	body, contentType, err := multipartBody(f, filepath.Base(mediaPath), fields, segments)
	if err != nil {
		return pipeline.Transient(path, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return pipeline.Transient(path, "build request", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.auth(req)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return pipeline.Aborted(path)
		}
		return pipeline.Transient(path, "runner unreachable", err)
	}
	defer func() { _ = res.Body.Close() }()

	logger := log.WithComponentFromContext(ctx, "runner")
	logger.Debug().
		Str("endpoint", path).
		Int("status", res.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("stage call")

	if res.StatusCode != http.StatusOK {
		return classifyStatus(path, res)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return pipeline.Transient(path, "decode response", err)
	}
	return nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// multipartBody buffers the encoded request. Media files handed to the
// runner are already spooled to local disk, so the extra copy is
// bounded by the media size.
func multipartBody(media io.Reader, filename string, fields map[string]string, segments []pipeline.RawSegment) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if segments != nil {
		data, err := json.Marshal(segments)
		if err != nil {
			return nil, "", err
		}
		if err := w.WriteField("segments", string(data)); err != nil {
			return nil, "", err
		}
	}

	part, err := w.CreateFormFile("media", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, media); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

// classifyStatus maps runner HTTP errors onto the failure taxonomy:
// auth problems stop retries, unprocessable media blames the input,
// everything else is retryable infrastructure.
func classifyStatus(stage string, res *http.Response) error {
	msg := errorMessage(res.Body)
	switch res.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return pipeline.AuthFailure(stage, "runner rejected credentials", fmt.Errorf("status %d: %s", res.StatusCode, msg))
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		if msg == "" {
			msg = "media rejected by model runner"
		}
		return pipeline.BadInput(stage, msg)
	default:
		return pipeline.Transient(stage, "runner error",
			fmt.Errorf("status %d: %s", res.StatusCode, msg))
	}
}

func errorMessage(body io.Reader) string {
	var p struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4<<10))
	if err != nil {
		return ""
	}
	if json.Unmarshal(raw, &p) == nil && p.Error != "" {
		return p.Error
	}
	return strings.TrimSpace(string(raw))
}
