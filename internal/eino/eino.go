// Package eino generates replies with an eino chat model.
package eino

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/stupiduntilnot/replybot/internal/prompt"
)

// ChatModel is the part of einomodel.BaseChatModel the generator uses.
type ChatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewOpenAIModel builds an OpenAI-compatible eino chat model.
func NewOpenAIModel(ctx context.Context, cfg Config) (ChatModel, error) {
	m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("eino model: %w", err)
	}
	return m, nil
}

// Generator renders the prompt template and asks the chat model.
type Generator struct {
	Model    ChatModel
	Template *prompt.Template
}

func (g *Generator) Generate(ctx context.Context, transcript, displayName string) (string, error) {
	msgs, err := g.Template.Messages(ctx, transcript, displayName)
	if err != nil {
		return "", err
	}
	out, err := g.Model.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("eino model generate: %w", err)
	}
	if out == nil {
		return "", nil
	}
	return strings.TrimSpace(out.Content), nil
}
