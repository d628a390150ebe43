// Package turn recovers the parts of an OpenAI message list that the upstream
// can use: one standing instruction and the latest user utterance.
package turn

import (
	"fmt"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
)

// Turn is what gets forwarded for a single request.
type Turn struct {
	System    string
	HasSystem bool
	User      string
}

// Extract returns the first non-empty system message and the last non-empty
// user message. Without a user message, the last message of any role is used
// if it has content.
func Extract(messages []domain.Message) (Turn, error) {
	if len(messages) == 0 {
		return Turn{}, domain.ErrMissingMessages
	}

	var t Turn
	for _, m := range messages {
		if m.Role == domain.RoleSystem && m.Content != "" {
			t.System = m.Content
			t.HasSystem = true
			break
		}
	}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser && messages[i].Content != "" {
			t.User = messages[i].Content
			return t, nil
		}
	}

	if last := messages[len(messages)-1]; last.Content != "" {
		t.User = last.Content
		return t, nil
	}

	return Turn{}, fmt.Errorf("%w: could not extract a valid prompt from the messages provided", domain.ErrNoUsablePrompt)
}

// Compose builds the text sent upstream. The instruction is prefixed only on
// the first turn of a conversation.
func (t Turn) Compose(firstTurn bool) (text string, injected bool) {
	if firstTurn && t.HasSystem {
		return t.System + "\n\n" + t.User, true
	}
	return t.User, false
}
