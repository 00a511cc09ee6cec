// Command event-tree prints the replybot audit log as a tree, rooted at
// the latest replybot process.started event or at a chosen event id.
package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/stupiduntilnot/replybot/internal/db"
	"github.com/stupiduntilnot/replybot/internal/events"
)

type node struct {
	ID        int64
	Timestamp int64
	ParentID  *int64
	Type      string
	Payload   map[string]any
	Children  []*node
}

type options struct {
	MaxDepth     int
	NoPayload    bool
	Conversation string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "event-tree: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("event-tree", pflag.ContinueOnError)
	var (
		dbPath  string
		eventID int64
		jsonOut bool
		opts    options
	)
	fs.StringVar(&dbPath, "db", envOr("REPLYBOT_EVENT_DB_PATH", "./replybot.db"), "SQLite event log path")
	fs.Int64Var(&eventID, "id", 0, "show the subtree of this event id")
	fs.IntVarP(&opts.MaxDepth, "depth", "L", 0, "limit display depth (0 = unlimited)")
	fs.BoolVar(&jsonOut, "json", false, "print JSON")
	fs.BoolVar(&opts.NoPayload, "no-payload", false, "hide payloads")
	fs.StringVar(&opts.Conversation, "conversation", "", "only show events of this conversation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	database, err := sql.Open("sqlite3", dbPath+"?mode=ro&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer database.Close()
	if err := database.Ping(); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	rootID := eventID
	if rootID == 0 {
		rootID, err = db.LatestRoot(database, events.ProcessStarted, "replybot")
		if err != nil {
			return err
		}
		if rootID == 0 {
			return errors.New("no replybot process.started event found")
		}
	}

	nodes, err := loadSubtree(database, rootID)
	if err != nil {
		return fmt.Errorf("query subtree: %w", err)
	}
	root := buildTree(nodes, rootID)
	if root == nil {
		return fmt.Errorf("event %d not found", rootID)
	}
	if opts.Conversation != "" {
		filterConversation(root, opts.Conversation)
	}

	if jsonOut {
		return writeJSON(stdout, root, opts)
	}
	writeTree(stdout, root, opts)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadSubtree(database *sql.DB, rootID int64) ([]*node, error) {
	rows, err := database.Query(`
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM events WHERE id = ?
			UNION ALL
			SELECT e.id FROM events e JOIN subtree s ON e.parent_id = s.id
		)
		SELECT e.id, e.timestamp, e.parent_id, e.event_type, e.payload
		FROM events e
		WHERE e.id IN (SELECT id FROM subtree)
		ORDER BY e.id ASC
	`, rootID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*node
	for rows.Next() {
		var (
			n       node
			parent  sql.NullInt64
			payload sql.NullString
		)
		if err := rows.Scan(&n.ID, &n.Timestamp, &parent, &n.Type, &payload); err != nil {
			return nil, err
		}
		if parent.Valid {
			n.ParentID = &parent.Int64
		}
		if payload.Valid && payload.String != "" {
			// Undecodable payloads are shown without fields.
			_ = json.Unmarshal([]byte(payload.String), &n.Payload)
		}
		nodes = append(nodes, &n)
	}
	return nodes, rows.Err()
}

func buildTree(nodes []*node, rootID int64) *node {
	byID := make(map[int64]*node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, n := range nodes {
		if n.ParentID == nil || *n.ParentID == n.ID {
			continue
		}
		if parent, ok := byID[*n.ParentID]; ok {
			parent.Children = append(parent.Children, n)
		}
	}
	for _, n := range nodes {
		sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].ID < n.Children[j].ID })
	}
	return byID[rootID]
}

// filterConversation drops subtrees that belong to another conversation.
// Events without a conversation field are kept.
func filterConversation(n *node, key string) {
	kept := n.Children[:0]
	for _, child := range n.Children {
		if conv, ok := child.Payload["conversation"].(string); ok && conv != key {
			continue
		}
		filterConversation(child, key)
		kept = append(kept, child)
	}
	n.Children = kept
}

func writeTree(w io.Writer, root *node, opts options) {
	fmt.Fprintln(w, formatNode(root, opts.NoPayload))
	writeChildren(w, root, "", 1, opts)
}

func writeChildren(w io.Writer, n *node, indent string, depth int, opts options) {
	if len(n.Children) == 0 {
		return
	}
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		fmt.Fprintln(w, indent+"└── [...]")
		return
	}
	for i, child := range n.Children {
		branch, next := "├── ", "│   "
		if i == len(n.Children)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintln(w, indent+branch+formatNode(child, opts.NoPayload))
		writeChildren(w, child, indent+next, depth+1, opts)
	}
}

// formatNode renders "[id] time  type  k=v ..." with keys sorted.
func formatNode(n *node, noPayload bool) string {
	var b strings.Builder
	ts := time.Unix(n.Timestamp, 0).UTC().Format(time.DateTime)
	fmt.Fprintf(&b, "[%d] %s  %s", n.ID, ts, n.Type)
	if noPayload || len(n.Payload) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %s=%s", k, formatValue(n.Payload[k]))
	}
	return b.String()
}

const maxValueRunes = 80

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		if r := []rune(val); len(r) > maxValueRunes {
			return fmt.Sprintf("%q", string(r[:maxValueRunes])+"...")
		}
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

type jsonNode struct {
	ID        int64          `json:"id"`
	Timestamp int64          `json:"timestamp"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Children  []jsonNode     `json:"children,omitempty"`
}

func toJSON(n *node, depth int, opts options) jsonNode {
	out := jsonNode{ID: n.ID, Timestamp: n.Timestamp, EventType: n.Type}
	if !opts.NoPayload {
		out.Payload = n.Payload
	}
	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		return out
	}
	for _, child := range n.Children {
		out.Children = append(out.Children, toJSON(child, depth+1, opts))
	}
	return out
}

func writeJSON(w io.Writer, root *node, opts options) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toJSON(root, 1, opts)); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
