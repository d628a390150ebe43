// Package format renders upstream replies as OpenAI chat-completion objects.
//
// The upstream only ever returns complete replies. Streaming is simulated by
// Chunks, which splits a reply on single spaces.
package format

import (
	"encoding/json"
	"iter"
	"strings"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/google/uuid"
)

// Done is the terminal server-sent event frame.
var Done = []byte("data: [DONE]\n\n")

// NewCompletionID returns an id of the form chatcmpl-<12 hex chars>.
func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// CountTokens approximates a token count as the number of whitespace-delimited
// words.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// Completion builds the non-streaming response. prompt is the user's own text,
// not the composed upstream prompt.
func Completion(prompt, reply, model, id string) *domain.ChatResponse {
	if id == "" {
		id = NewCompletionID()
	}

	promptTokens := CountTokens(prompt)
	completionTokens := CountTokens(reply)
	stop := domain.FinishReasonStop

	return &domain.ChatResponse{
		ID:      id,
		Object:  domain.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &domain.Message{Role: domain.RoleAssistant, Content: reply},
				FinishReason: &stop,
			},
		},
		Usage: domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// Chunks yields one chunk per space-separated token of reply followed by a
// terminal chunk with an empty delta and finish_reason "stop". Every chunk
// shares id and the creation time fixed when iteration starts.
func Chunks(reply, model, id string) iter.Seq[domain.StreamChunk] {
	if id == "" {
		id = NewCompletionID()
	}

	return func(yield func(domain.StreamChunk) bool) {
		created := time.Now().Unix()
		chunk := func(delta domain.Delta, finish *string) domain.StreamChunk {
			return domain.StreamChunk{
				ID:      id,
				Object:  domain.ObjectChatCompletionChunk,
				Created: created,
				Model:   model,
				Choices: []domain.Choice{{Index: 0, Delta: &delta, FinishReason: finish}},
			}
		}

		words := strings.Split(reply, " ")
		for i, word := range words {
			delta := domain.Delta{Content: word}
			if i < len(words)-1 {
				delta.Content += " "
			}
			if i == 0 {
				delta.Role = domain.RoleAssistant
			}
			if !yield(chunk(delta, nil)) {
				return
			}
		}

		stop := domain.FinishReasonStop
		yield(chunk(domain.Delta{}, &stop))
	}
}

// Events renders Chunks as server-sent event frames and appends Done.
func Events(reply, model, id string) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for c := range Chunks(reply, model, id) {
			data, err := json.Marshal(c)
			if err != nil {
				return
			}
			if !yield(frame(data)) {
				return
			}
		}
		yield(Done)
	}
}

func frame(data []byte) []byte {
	b := make([]byte, 0, len(data)+8)
	b = append(b, "data: "...)
	b = append(b, data...)
	return append(b, "\n\n"...)
}
