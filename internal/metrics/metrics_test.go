package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/replybot/internal/events"
)

type esServer struct {
	mu        sync.Mutex
	bulks     []string
	bulkReply string
}

func (s *esServer) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/":
		_, _ = io.WriteString(w, `{"version":{"number":"7.17.10","build_flavor":"default"},"tagline":"You Know, for Search"}`)
	case "/_bulk":
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bulks = append(s.bulks, string(body))
		reply := s.bulkReply
		s.mu.Unlock()
		if reply == "" {
			reply = `{"errors":false,"items":[]}`
		}
		_, _ = io.WriteString(w, reply)
	default:
		http.NotFound(w, r)
	}
}

func (s *esServer) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bulks...)
}

func newSink(t *testing.T, es *esServer) *Sink {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(es.handler))
	t.Cleanup(srv.Close)
	s, err := New(Config{Addresses: []string{srv.URL}, Index: "test-events", Timeout: 2 * time.Second})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestRecord_ShipsBulkDocument(t *testing.T) {
	es := &esServer{}
	s := newSink(t, es)

	parent := int64(7)
	id, err := s.Record(&parent, events.BatchFlushed, map[string]any{"conversation": "chat", "messages": 2})
	require.NoError(t, err)
	assert.Zero(t, id)

	bulks := es.requests()
	require.Len(t, bulks, 1)
	sc := bufio.NewScanner(strings.NewReader(bulks[0]))
	require.True(t, sc.Scan())
	assert.JSONEq(t, `{"index":{"_index":"test-events"}}`, sc.Text())
	require.True(t, sc.Scan())

	var doc map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &doc))
	assert.Equal(t, events.BatchFlushed, doc["log_type"])
	assert.Equal(t, "2026-03-02T09:00:00Z", doc["@timestamp"])
	assert.EqualValues(t, 7, doc["parent_id"])
	assert.Equal(t, "chat", doc["data"].(map[string]any)["conversation"])
}

func TestRecord_SkipsPerMessageEvents(t *testing.T) {
	es := &esServer{}
	s := newSink(t, es)

	_, err := s.Record(nil, events.MessageBuffered, map[string]any{"conversation": "chat"})
	require.NoError(t, err)
	_, err = s.Record(nil, events.MessageDuplicate, nil)
	require.NoError(t, err)
	assert.Empty(t, es.requests())
}

func TestRecord_ItemErrorIsReturned(t *testing.T) {
	es := &esServer{bulkReply: `{"errors":true,"items":[{"index":{"status":400,"error":{"type":"mapper_parsing_exception"}}}]}`}
	s := newSink(t, es)

	_, err := s.Record(nil, events.ReplySent, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestSend_BatchesDocuments(t *testing.T) {
	es := &esServer{}
	s := newSink(t, es)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, s.Send(ctx,
		Document{LogType: events.FetchFailed},
		Document{LogType: events.CircuitOpened},
	))
	bulks := es.requests()
	require.Len(t, bulks, 1)
	assert.Equal(t, 4, strings.Count(bulks[0], "\n"))
}
