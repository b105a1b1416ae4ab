// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/skald-media/skald/internal/config"
	"github.com/skald-media/skald/internal/model"
)

// Summarizer produces a structured JSON summary from a stored
// transcript. Implemented against OpenAI-compatible endpoints, which
// covers hosted providers as well as vLLM and Ollama.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
	// TestConnection verifies the configured credentials end to end.
	// The API façade and the worker call this against the same config,
	// so the two can never diverge.
	TestConnection(ctx context.Context) error
}

const systemPrompt = `You summarize meeting and interview transcripts.
Respond with JSON only, using this shape:
{"bullet_points": [...], "action_items": [...], "key_decisions": [...], "overall": "..."}`

// Transcript context is truncated beyond this many characters to stay
// inside small local-model context windows.
const maxTranscriptChars = 48_000

// OpenAISummarizer is the production Summarizer.
type OpenAISummarizer struct {
	client *openai.Client
	model  string
}

// NewSummarizer returns nil when no API key is configured; callers
// treat a nil summarizer as "not configured".
func NewSummarizer(cfg config.LLMConfig) *OpenAISummarizer {
	if cfg.APIKey == "" {
		return nil
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAISummarizer{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if len(transcript) > maxTranscriptChars {
		transcript = transcript[:maxTranscriptChars]
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", classifyLLMError(StageSummarize, err)
	}
	if len(resp.Choices) == 0 {
		return "", Transient(StageSummarize, "empty completion", nil)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = stripCodeFence(content)
	if !json.Valid([]byte(content)) {
		// Model ignored the format instruction; wrap the text so the
		// stored summary is always valid JSON.
		wrapped, _ := json.Marshal(map[string]string{"overall": content})
		content = string(wrapped)
	}
	return content, nil
}

func (s *OpenAISummarizer) TestConnection(ctx context.Context) error {
	_, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "ping"},
		},
	})
	if err != nil {
		return classifyLLMError(StageSummarize, err)
	}
	return nil
}

// classifyLLMError maps provider errors onto the failure taxonomy:
// credential problems are terminal, capacity problems retry.
func classifyLLMError(stage string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			return AuthFailure(stage, "model credentials rejected", err)
		case 404:
			return AuthFailure(stage, fmt.Sprintf("model not available: %v", apiErr.Message), err)
		case 429:
			return Transient(stage, "provider rate limited", err)
		}
		if apiErr.HTTPStatusCode >= 500 {
			return Transient(stage, "provider error", err)
		}
		return AuthFailure(stage, "provider rejected request", err)
	}
	return Transient(stage, "llm request", err)
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// RenderTranscript flattens segments into the prompt form, with
// speaker attribution when present.
func RenderTranscript(segments []model.TranscriptSegment, speakerNames map[int64]string) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg.SpeakerID != 0 {
			if name, ok := speakerNames[seg.SpeakerID]; ok && name != "" {
				b.WriteString(name)
				b.WriteString(": ")
			}
		}
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteByte('\n')
	}
	return b.String()
}
