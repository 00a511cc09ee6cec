// Package dummy provides scripted transports and generators for local
// runs and tests. A script is a comma-separated list of actions consumed
// one per call; the last action repeats once the script is exhausted.
//
// Actions: ok, err:<class>, sleep:<ms>, msg:<text>, msgb64:<base64>,
// burst:<a>|<b>|... (commander only) and echo (generator only).
package dummy

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/replybot/internal/commander"
)

type action struct {
	kind string
	arg  string
}

var actionKinds = []string{"err", "sleep", "msg", "msgb64", "burst"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "echo" {
			actions = append(actions, action{kind: token})
			continue
		}
		a, ok := parseArgAction(token)
		if !ok {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

func parseArgAction(token string) (action, bool) {
	for _, kind := range actionKinds {
		if arg, ok := strings.CutPrefix(token, kind+":"); ok {
			return action{kind: kind, arg: arg}, true
		}
	}
	return action{}, false
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Sent is one reply accepted by the dummy commander.
type Sent struct {
	Key  string
	Text string
}

// Commander is a scripted commander.Commander. Every fetch, for any key,
// consumes the next poll action.
type Commander struct {
	mu     sync.Mutex
	poll   *scriptRunner
	send   *scriptRunner
	nextID int64
	sent   []Sent
}

func NewCommander(pollScript, sendScript string) (*Commander, error) {
	poll, err := newRunner(pollScript)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript)
	if err != nil {
		return nil, err
	}
	return &Commander{poll: poll, send: send}, nil
}

func (c *Commander) Fetch(ctx context.Context, key string) ([]commander.Message, error) {
	c.mu.Lock()
	a := c.poll.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy commander error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		return nil, sleep(ctx, a.arg)
	case "msg":
		return c.messages(a.arg), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy commander msgb64 decode failed: %w", err)
		}
		return c.messages(string(raw)), nil
	case "burst":
		return c.messages(strings.Split(a.arg, "|")...), nil
	default:
		return nil, nil
	}
}

func (c *Commander) messages(texts ...string) []commander.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]commander.Message, 0, len(texts))
	for _, text := range texts {
		c.nextID++
		out = append(out, commander.Message{ID: strconv.FormatInt(c.nextID, 10), Content: text})
	}
	return out
}

func (c *Commander) Deliver(ctx context.Context, key, text string) error {
	c.mu.Lock()
	a := c.send.next()
	c.mu.Unlock()

	switch a.kind {
	case "err":
		return fmt.Errorf("dummy commander send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, Sent{Key: key, Text: text})
	c.mu.Unlock()
	return nil
}

// Sent returns the replies delivered so far.
func (c *Commander) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Generator is a scripted model.Generator.
type Generator struct {
	mu     sync.Mutex
	script *scriptRunner
	calls  int
}

func NewGenerator(script string) (*Generator, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Generator{script: runner}, nil
}

func (g *Generator) Generate(ctx context.Context, transcript, displayName string) (string, error) {
	g.mu.Lock()
	a := g.script.next()
	g.calls++
	g.mu.Unlock()

	switch a.kind {
	case "err":
		return "", fmt.Errorf("dummy provider error class=%s", emptyAs(a.arg, "provider_api"))
	case "sleep":
		if err := sleep(ctx, a.arg); err != nil {
			return "", err
		}
		return "dummy-after-sleep", nil
	case "msg":
		return a.arg, nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return "", fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return string(raw), nil
	case "echo":
		return fmt.Sprintf("%s wrote: %s", displayName, lastLine(transcript)), nil
	default:
		return emptyAs(a.arg, "dummy-ok"), nil
	}
}

// Calls returns how many times Generate ran.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func lastLine(transcript string) string {
	lines := strings.Split(strings.TrimSpace(transcript), "\n")
	line := lines[len(lines)-1]
	if _, content, ok := strings.Cut(line, ": "); ok {
		return content
	}
	return line
}

func sleep(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
