// Package metrics ships relay events to Elasticsearch through the bulk API.
package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"

	"github.com/stupiduntilnot/replybot/internal/events"
)

const DefaultIndex = "replybot-events"

// Config selects the Elasticsearch cluster. No addresses disables the sink.
type Config struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	Timeout   time.Duration
}

// Document is one indexed event.
type Document struct {
	Timestamp time.Time      `json:"@timestamp"`
	LogType   string         `json:"log_type"`
	ParentID  *int64         `json:"parent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink is an events.Recorder. Per-message events are not shipped; only
// batch, reply, fetch and circuit events are.
type Sink struct {
	es      *elasticsearch.Client
	index   string
	timeout time.Duration
	now     func() time.Time
}

func New(cfg Config) (*Sink, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	index := cfg.Index
	if index == "" {
		index = DefaultIndex
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{es: es, index: index, timeout: timeout, now: time.Now}, nil
}

var skipped = map[string]bool{
	events.MessageBuffered:  true,
	events.MessageDuplicate: true,
}

func (s *Sink) Record(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	if skipped[eventType] {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return 0, s.Send(ctx, Document{Timestamp: s.now(), LogType: eventType, ParentID: parentID, Data: payload})
}

// Send indexes docs in one bulk request.
func (s *Sink) Send(ctx context.Context, docs ...Document) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	meta := fmt.Sprintf(`{"index":{"_index":%q}}`, s.index)
	for _, doc := range docs {
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal elasticsearch document: %w", err)
		}
		buf.WriteString(meta)
		buf.WriteByte('\n')
		buf.Write(body)
		buf.WriteByte('\n')
	}

	res, err := esapi.BulkRequest{Body: &buf}.Do(ctx, s.es)
	if err != nil {
		return fmt.Errorf("elasticsearch bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch bulk failed: %s", res.String())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []struct {
			Index struct {
				Error  json.RawMessage `json:"error,omitempty"`
				Status int             `json:"status"`
			} `json:"index"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("decode elasticsearch bulk response: %w", err)
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			if item.Index.Error != nil {
				return fmt.Errorf("elasticsearch bulk item failed (status=%d): %s", item.Index.Status, string(item.Index.Error))
			}
		}
	}
	return nil
}
