package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/replybot/internal/prompt"
)

// DefaultBaseURL is a local Ollama server's OpenAI-compatible endpoint.
const (
	DefaultBaseURL = "http://localhost:11434/v1"
	DefaultModel   = "llama3.2"
)

// ErrEmptyResponse is returned when the model answers without content.
var ErrEmptyResponse = errors.New("empty model response")

// Client is a minimal OpenAI chat completions client.
type Client struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
}

// NewClient creates an OpenAI client. baseURL is the API root; the
// chat completions path is appended.
func NewClient(apiKey, baseURL, model string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		apiKey: apiKey,
		url:    strings.TrimRight(baseURL, "/") + "/chat/completions",
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse carries the reply text and token usage.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatCompletion sends a chat completion request and returns a CompletionResponse.
func (c *Client) ChatCompletion(ctx context.Context, messages []Message) (CompletionResponse, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.7,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed to create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("failed reading openai response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		truncated := truncate(string(body), 400)
		return CompletionResponse{}, fmt.Errorf("openai non-success status=%d body=%s", resp.StatusCode, truncated)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		truncated := truncate(string(body), 400)
		return CompletionResponse{}, fmt.Errorf("failed to parse openai response: %s", truncated)
	}

	result := CompletionResponse{}
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}
	if len(parsed.Choices) == 0 {
		return result, fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	result.Content = strings.TrimSpace(parsed.Choices[0].Message.Content)
	if result.Content == "" {
		return result, fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return result, nil
}

// Generator answers transcripts through a chat completions endpoint.
type Generator struct {
	Client   *Client
	Template *prompt.Template
}

func (g *Generator) Generate(ctx context.Context, transcript, displayName string) (string, error) {
	msgs, err := g.Template.Messages(ctx, transcript, displayName)
	if err != nil {
		return "", err
	}
	req := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		req = append(req, Message{Role: string(m.Role), Content: m.Content})
	}
	resp, err := g.Client.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
