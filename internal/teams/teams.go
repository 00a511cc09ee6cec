// Package teams is a Microsoft Graph chat transport. It authenticates
// with the client-credentials flow and reads and posts chat messages.
package teams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stupiduntilnot/replybot/internal/commander"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultScope   = "https://graph.microsoft.com/.default"
	tokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// BaseURL and TokenURL override the Graph and identity endpoints.
	BaseURL  string
	TokenURL string
	Timeout  time.Duration

	// Top limits how many recent messages one fetch asks for. Zero uses the Graph default.
	Top int
	// DisableCursor returns every recent message on each fetch instead of
	// only those newer than the previous fetch.
	DisableCursor bool
	// DropPending ignores the messages present on the first fetch of a chat.
	DropPending bool
}

// Client implements commander.Commander for Teams chats. Conversation
// keys are Graph chat ids.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	top         int
	cursor      bool
	dropPending bool

	mu         sync.Mutex
	watermarks map[string]time.Time
}

func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("teams: client id and secret are required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, errors.New("teams: tenant id is required")
		}
		tokenURL = fmt.Sprintf(tokenURLFormat, url.PathEscape(cfg.TenantID))
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{DefaultScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: cfg.Timeout})
	httpClient := cc.Client(tokenCtx)
	httpClient.Timeout = cfg.Timeout

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		top:         cfg.Top,
		cursor:      !cfg.DisableCursor,
		dropPending: cfg.DropPending,
		watermarks:  map[string]time.Time{},
	}, nil
}

type chatMessage struct {
	ID              string    `json:"id"`
	MessageType     string    `json:"messageType"`
	CreatedDateTime time.Time `json:"createdDateTime"`
	From            *struct {
		User *struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
}

type messageList struct {
	Value []chatMessage `json:"value"`
}

// Fetch lists the recent user messages of chat key, oldest first.
func (c *Client) Fetch(ctx context.Context, key string) ([]commander.Message, error) {
	endpoint := c.messagesURL(key)
	if c.top > 0 {
		endpoint += "?$top=" + strconv.Itoa(c.top)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("graph list messages: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph list messages: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("graph list messages: read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("graph list messages: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var list messageList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("graph list messages: parse: %w", err)
	}

	userMsgs := make([]chatMessage, 0, len(list.Value))
	for _, m := range list.Value {
		if m.MessageType != "message" || m.From == nil || m.From.User == nil {
			continue
		}
		userMsgs = append(userMsgs, m)
	}
	sort.SliceStable(userMsgs, func(i, j int) bool {
		return userMsgs[i].CreatedDateTime.Before(userMsgs[j].CreatedDateTime)
	})
	userMsgs = c.advance(key, userMsgs)

	out := make([]commander.Message, 0, len(userMsgs))
	for _, m := range userMsgs {
		out = append(out, commander.Message{ID: m.ID, Content: plainText(m.Body.ContentType, m.Body.Content)})
	}
	return out, nil
}

// advance drops messages at or before the chat's watermark and moves the
// watermark to the newest message.
func (c *Client) advance(key string, msgs []chatMessage) []chatMessage {
	if !c.cursor && !c.dropPending {
		return msgs
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	mark, seen := c.watermarks[key]
	if len(msgs) > 0 {
		if newest := msgs[len(msgs)-1].CreatedDateTime; newest.After(mark) {
			c.watermarks[key] = newest
		}
	} else if !seen {
		c.watermarks[key] = time.Time{}
	}
	if !seen && c.dropPending {
		return nil
	}
	if !c.cursor {
		return msgs
	}
	kept := msgs[:0]
	for _, m := range msgs {
		if m.CreatedDateTime.After(mark) {
			kept = append(kept, m)
		}
	}
	return kept
}

// Deliver posts text to chat key.
func (c *Client) Deliver(ctx context.Context, key, text string) error {
	payload, err := json.Marshal(map[string]any{"body": map[string]string{"content": text}})
	if err != nil {
		return fmt.Errorf("graph send message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(key), strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("graph send message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph send message: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("graph send message: status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return nil
}

func (c *Client) messagesURL(key string) string {
	return c.baseURL + "/chats/" + url.PathEscape(key) + "/messages"
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

func plainText(contentType, content string) string {
	if !strings.EqualFold(contentType, "html") {
		return content
	}
	return strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(content, "")))
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
