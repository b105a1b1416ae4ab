// SPDX-License-Identifier: MIT

// Package probe extracts technical metadata from media files via
// ffprobe. A probe failure never fails ingestion; callers treat the
// metadata as best-effort.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const probeTimeout = 15 * time.Second

// Metadata is the flattened probe result.
type Metadata struct {
	DurationSeconds float64
	FormatName      string
	VideoCodec      string
	AudioCodec      string
	Width           int
	Height          int
	FrameRate       float64
	SampleRate      int
	Channels        int
	Language        string
}

// HasVideo reports whether a video stream was found.
func (m Metadata) HasVideo() bool { return m.VideoCodec != "" }

// ffprobe JSON output shapes, only the fields we read.
type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
}

type probeStream struct {
	CodecType    string    `json:"codec_type"`
	CodecName    string    `json:"codec_name"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	AvgFrameRate string    `json:"avg_frame_rate"`
	SampleRate   string    `json:"sample_rate"`
	Channels     int       `json:"channels"`
	Tags         probeTags `json:"tags"`
}

type probeTags struct {
	Language string `json:"language"`
}

// File probes a local media file.
func File(ctx context.Context, path string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	// ffprobe -v error -show_format -show_streams -of json <file>
	c := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_format",
		"-show_streams",
		"-of", "json",
		path) // #nosec G204 -- path comes from our own blob staging dir
	out, err := c.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("probe: ffprobe %s: %w", path, err)
	}
	return parse(out)
}

func parse(raw []byte) (Metadata, error) {
	var po probeOutput
	if err := json.Unmarshal(raw, &po); err != nil {
		return Metadata{}, fmt.Errorf("probe: parse output: %w", err)
	}

	m := Metadata{FormatName: po.Format.FormatName}
	if d := strings.TrimSpace(po.Format.Duration); d != "" && d != "N/A" {
		if secs, err := strconv.ParseFloat(d, 64); err == nil && secs > 0 {
			m.DurationSeconds = secs
		}
	}

	for _, s := range po.Streams {
		switch s.CodecType {
		case "video":
			// Attached cover art shows up as a video stream; a real
			// video stream has a frame rate.
			rate := parseRational(s.AvgFrameRate)
			if m.VideoCodec == "" && rate > 0 {
				m.VideoCodec = s.CodecName
				m.Width = s.Width
				m.Height = s.Height
				m.FrameRate = rate
			}
		case "audio":
			if m.AudioCodec == "" {
				m.AudioCodec = s.CodecName
				m.Channels = s.Channels
				if sr, err := strconv.Atoi(s.SampleRate); err == nil {
					m.SampleRate = sr
				}
				if s.Tags.Language != "" && s.Tags.Language != "und" {
					m.Language = s.Tags.Language
				}
			}
		}
	}
	return m, nil
}

// parseRational handles ffprobe's "num/den" frame rates ("30000/1001").
func parseRational(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}
