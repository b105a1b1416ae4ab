// SPDX-License-Identifier: MIT

package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/skald-media/skald/internal/model"
)

// ComputeAnalytics derives the conversation profile from stored
// segments: per-speaker talk time, turn-taking, interruptions, and
// question counts. Pure function, no I/O.
func ComputeAnalytics(fileID int64, segments []model.TranscriptSegment, speakerLabels map[int64]string) *model.Analytics {
	ordered := make([]model.TranscriptSegment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartTime < ordered[j].StartTime })

	stats := make(map[string]*model.SpeakerStat)
	labelOf := func(seg model.TranscriptSegment) string {
		if name, ok := speakerLabels[seg.SpeakerID]; ok && name != "" {
			return name
		}
		return "unknown"
	}

	var totalTime float64
	prevLabel := ""
	prevEnd := 0.0
	for _, seg := range ordered {
		label := labelOf(seg)
		st, ok := stats[label]
		if !ok {
			st = &model.SpeakerStat{SpeakerLabel: label}
			stats[label] = st
		}

		st.TalkTimeSec += seg.EndTime - seg.StartTime
		if label != prevLabel {
			st.TurnCount++
			// Starting before the previous speaker finished counts as
			// an interruption.
			if prevLabel != "" && seg.StartTime < prevEnd {
				st.Interruptions++
			}
		}
		st.Questions += countQuestions(seg.Text)

		if seg.EndTime > totalTime {
			totalTime = seg.EndTime
		}
		if seg.EndTime > prevEnd {
			prevEnd = seg.EndTime
		}
		prevLabel = label
	}

	out := &model.Analytics{
		FileID:       fileID,
		TotalTimeSec: totalTime,
		ComputedAt:   time.Now(),
	}
	for _, st := range stats {
		out.Speakers = append(out.Speakers, *st)
	}
	sort.Slice(out.Speakers, func(i, j int) bool {
		return out.Speakers[i].TalkTimeSec > out.Speakers[j].TalkTimeSec
	})
	return out
}

// countQuestions counts sentence-final question marks.
func countQuestions(text string) int {
	return strings.Count(text, "?")
}
