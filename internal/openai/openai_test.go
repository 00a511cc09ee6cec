package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stupiduntilnot/replybot/internal/prompt"
)

func completionServer(t *testing.T, resp map[string]any, inspect func(*http.Request, chatRequest)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if inspect != nil {
			inspect(r, req)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestChatCompletion_WithUsage(t *testing.T) {
	var auth string
	server := completionServer(t, map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": "Hello!"}},
		},
		"usage": map[string]any{
			"prompt_tokens":     42,
			"completion_tokens": 7,
		},
	}, func(r *http.Request, _ chatRequest) { auth = r.Header.Get("Authorization") })

	client := NewClient("test-key", server.URL+"/v1", "test-model", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}

	if result.Content != "Hello!" {
		t.Errorf("expected content 'Hello!', got %q", result.Content)
	}
	if result.InputTokens != 42 {
		t.Errorf("expected 42 input tokens, got %d", result.InputTokens)
	}
	if result.OutputTokens != 7 {
		t.Errorf("expected 7 output tokens, got %d", result.OutputTokens)
	}
	if auth != "Bearer test-key" {
		t.Errorf("unexpected auth header %q", auth)
	}
}

func TestChatCompletion_NoKeyNoAuthHeader(t *testing.T) {
	auth := "unset"
	server := completionServer(t, map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": "World"}}},
	}, func(r *http.Request, _ chatRequest) { auth = r.Header.Get("Authorization") })

	client := NewClient("", server.URL+"/v1/", "", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "World" || result.InputTokens != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if auth != "" {
		t.Errorf("expected no auth header for a local endpoint, got %q", auth)
	}
}

func TestChatCompletion_EmptyChoices(t *testing.T) {
	server := completionServer(t, map[string]any{
		"choices": []map[string]any{},
		"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 0},
	}, nil)

	client := NewClient("test-key", server.URL+"/v1", "test-model", 5*time.Second)
	result, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", err)
	}
	if result.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", result.InputTokens)
	}
}

func TestChatCompletion_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	client := NewClient("test-key", server.URL, "test-model", 5*time.Second)
	_, err := client.ChatCompletion(context.Background(), []Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("", "", "", time.Second)
	if c.url != "http://localhost:11434/v1/chat/completions" || c.model != "llama3.2" {
		t.Fatalf("unexpected defaults url=%s model=%s", c.url, c.model)
	}
}

func TestGenerator_RendersPrompt(t *testing.T) {
	var got chatRequest
	server := completionServer(t, map[string]any{
		"choices": []map[string]any{{"message": map[string]any{"content": "  haha, nej \n"}}},
	}, func(_ *http.Request, req chatRequest) { got = req })

	tpl, err := prompt.New("")
	if err != nil {
		t.Fatal(err)
	}
	g := &Generator{Client: NewClient("", server.URL+"/v1", "llama3.2", 5*time.Second), Template: tpl}
	reply, err := g.Generate(context.Background(), "Anna: frokost?", "Anna")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "haha, nej" {
		t.Fatalf("unexpected reply %q", reply)
	}
	if got.Model != "llama3.2" || len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Fatalf("unexpected request %+v", got)
	}
	if !strings.HasSuffix(got.Messages[0].Content, "Anna: frokost?") {
		t.Fatalf("transcript missing from prompt: %q", got.Messages[0].Content)
	}
}
