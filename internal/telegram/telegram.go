package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/replybot/internal/commander"
)

// Client is a minimal Telegram Bot API client. A single getUpdates stream
// serves every chat, so updates are sorted into per-chat inboxes and
// Fetch drains the inbox of the requested chat.
type Client struct {
	apiBase    string
	httpClient *http.Client

	// DropPending discards the backlog returned by the first getUpdates call.
	DropPending bool

	mu      sync.Mutex
	offset  int64
	primed  bool
	inboxes map[string][]commander.Message
}

// NewClient creates a Telegram client for the given bot API base URL
// (e.g. "https://api.telegram.org/bot<token>").
func NewClient(apiBase string, requestTimeout time.Duration) *Client {
	return &Client{
		apiBase: apiBase,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		inboxes: map[string][]commander.Message{},
	}
}

// Response is the generic Telegram API response wrapper.
type Response struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result"`
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64   `json:"message_id"`
	Chat      Chat    `json:"chat"`
	Text      *string `json:"text,omitempty"`
	Date      int64   `json:"date"`
}

type Chat struct {
	ID int64 `json:"id"`
}

// Fetch returns the text messages received for chat key since the last
// call, oldest first. Message ids are the update ids.
func (c *Client) Fetch(ctx context.Context, key string) ([]commander.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	updates, err := c.GetUpdates(ctx, c.offset, 0)
	if err != nil {
		return nil, err
	}
	drop := c.DropPending && !c.primed
	c.primed = true
	for _, u := range updates {
		if u.UpdateID >= c.offset {
			c.offset = u.UpdateID + 1
		}
		if drop || u.Message == nil || u.Message.Text == nil {
			continue
		}
		chat := strconv.FormatInt(u.Message.Chat.ID, 10)
		c.inboxes[chat] = append(c.inboxes[chat], commander.Message{
			ID:      strconv.FormatInt(u.UpdateID, 10),
			Content: *u.Message.Text,
		})
	}

	msgs := c.inboxes[key]
	delete(c.inboxes, key)
	return msgs, nil
}

// GetUpdates calls the getUpdates API.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(timeout))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read telegram getUpdates response: %w", err)
	}

	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil {
		return nil, fmt.Errorf("failed to parse telegram getUpdates response: %w", err)
	}
	if !tgResp.OK {
		return nil, fmt.Errorf("telegram getUpdates failed status=%d: %s", resp.StatusCode, tgResp.Description)
	}

	var updates []Update
	if err := json.Unmarshal(tgResp.Result, &updates); err != nil {
		return nil, fmt.Errorf("failed to parse telegram getUpdates result: %w", err)
	}
	return updates, nil
}

// Deliver sends text to the chat whose id is key.
func (c *Client) Deliver(ctx context.Context, key, text string) error {
	chatID, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", key, err)
	}
	return c.SendMessage(ctx, chatID, text)
}

// SendMessage sends a text message to the given chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	limited := truncate(text, 3900)
	payload := fmt.Sprintf(`{"chat_id":%d,"text":%s}`, chatID, jsonString(limited))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendMessage", strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var tgResp Response
	if err := json.Unmarshal(body, &tgResp); err != nil || !tgResp.OK {
		return fmt.Errorf("telegram sendMessage failed status=%d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
