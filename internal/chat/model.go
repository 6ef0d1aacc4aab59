// Package chat runs metered LLM completions: every reply is charged to the caller's
// credit balance according to the tokens it used.
package chat

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting reported by the model.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion is a finished model reply.
type Completion struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Model generates replies. Stream calls onDelta for each chunk as it arrives and
// returns the full completion once the model is done.
type Model interface {
	Name() string
	Generate(ctx context.Context, msgs []Message) (*Completion, error)
	Stream(ctx context.Context, msgs []Message, onDelta func(delta string) error) (*Completion, error)
}

// ErrInvalidConversation is returned for an empty conversation, an unknown role, or a
// conversation that does not end with a user turn.
var ErrInvalidConversation = errors.New("invalid conversation")

func validateMessages(msgs []Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("%w: no messages", ErrInvalidConversation)
	}
	for i, m := range msgs {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidConversation, i, m.Role)
		}
	}
	if last := msgs[len(msgs)-1]; last.Role != RoleUser || last.Content == "" {
		return fmt.Errorf("%w: last message must be a non-empty user message", ErrInvalidConversation)
	}
	return nil
}
