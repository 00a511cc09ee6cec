// Package prompt renders the reply prompt from a conversation transcript.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

// DefaultPersona is the built-in reply prompt. It is an FString template
// with the variables {user_name} and {conversation}.
const DefaultPersona = `You are a person who gets chat messages from your colleagues in a conversational style.
Your tone should be witty, mischievous and incorporate jokes and humiliation to keep the interaction engaging and entertaining.
Keep the answers short to make it look like you are busy and respond in the same language as used in the conversation (most often danish).
Write an answer based on the conversation below, focusing on the latest messages from {user_name}:

{conversation}`

// Template turns a transcript into model messages.
type Template struct {
	tpl prompt.ChatTemplate
}

// New builds a Template from an FString template. An empty text selects
// DefaultPersona.
func New(text string) (*Template, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultPersona
	}
	if !strings.Contains(text, "{conversation}") {
		return nil, fmt.Errorf("prompt template must reference {conversation}")
	}
	return &Template{tpl: prompt.FromMessages(schema.FString, schema.UserMessage(text))}, nil
}

// Messages renders the prompt for one reply.
func (t *Template) Messages(ctx context.Context, transcript, displayName string) ([]*schema.Message, error) {
	msgs, err := t.tpl.Format(ctx, map[string]any{
		"user_name":    displayName,
		"conversation": transcript,
	})
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	return msgs, nil
}
