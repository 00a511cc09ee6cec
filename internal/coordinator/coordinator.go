// Package coordinator debounces incoming chat messages per conversation
// and turns each quiet burst into one generated reply.
//
// Every conversation key has an entry with two locks. mu guards the
// pending buffer and the conversation history. flushMu serializes whole
// flush pipelines for the key. A flush commits under mu (snapshot the
// batch, drop the buffer, append the participant turn) and then runs
// generation and delivery without holding mu, so ingest never waits for
// the model or the operator. Messages that arrive after the commit start
// the next batch.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/replybot/internal/clock"
	"github.com/stupiduntilnot/replybot/internal/commander"
	"github.com/stupiduntilnot/replybot/internal/control"
	"github.com/stupiduntilnot/replybot/internal/delivery"
	"github.com/stupiduntilnot/replybot/internal/events"
	"github.com/stupiduntilnot/replybot/internal/history"
	"github.com/stupiduntilnot/replybot/internal/model"
)

const (
	DefaultQuietPeriod = 5 * time.Second
	DefaultDisplayName = "User"
)

// Config wires a Coordinator. Generator and Sender are required.
type Config struct {
	History   *history.Store
	Generator model.Generator
	// Sender receives every reply; normally a delivery policy.
	Sender commander.Sender
	Clock  clock.Clock

	Recorder events.Recorder
	Logger   zerolog.Logger
	// ProcessEventID is the parent of every batch.flushed event.
	ProcessEventID *int64

	QuietPeriod        time.Duration
	DisplayNames       map[string]string
	DefaultDisplayName string
	GenerateTimeout    time.Duration

	// TokenCounter estimates prompt and reply sizes for event payloads.
	// Nil leaves the counts out.
	TokenCounter func(string) int
	// NewBatchID defaults to random UUIDs.
	NewBatchID func() string
}

// Coordinator owns the pending buffers and drives flushes.
type Coordinator struct {
	history   *history.Store
	generator model.Generator
	sender    commander.Sender
	clock     clock.Clock
	recorder  events.Recorder
	log       zerolog.Logger

	processEventID  *int64
	quiet           time.Duration
	displayNames    map[string]string
	defaultName     string
	generateTimeout time.Duration
	countTokens     func(string) int
	newBatchID      func() string

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu         sync.Mutex
	flushMu    sync.Mutex
	pending    *pendingBuffer
	generation uint64
}

// batch is the snapshot taken when a flush commits.
type batch struct {
	id          string
	merged      string
	count       int
	lastID      string
	transcript  string
	displayName string
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Generator == nil {
		return nil, errors.New("coordinator: generator is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("coordinator: sender is required")
	}
	if cfg.QuietPeriod < 0 {
		return nil, fmt.Errorf("coordinator: negative quiet period %s", cfg.QuietPeriod)
	}
	c := &Coordinator{
		history:         cfg.History,
		generator:       cfg.Generator,
		sender:          cfg.Sender,
		clock:           cfg.Clock,
		recorder:        cfg.Recorder,
		log:             cfg.Logger.With().Str("component", "coordinator").Logger(),
		processEventID:  cfg.ProcessEventID,
		quiet:           cfg.QuietPeriod,
		displayNames:    cfg.DisplayNames,
		defaultName:     cfg.DefaultDisplayName,
		generateTimeout: cfg.GenerateTimeout,
		countTokens:     cfg.TokenCounter,
		newBatchID:      cfg.NewBatchID,
		entries:         map[string]*entry{},
	}
	if c.history == nil {
		c.history = history.NewStore(history.DefaultCapacity, history.DefaultAgentLabel)
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.recorder == nil {
		c.recorder = events.Nop{}
	}
	if c.quiet == 0 {
		c.quiet = DefaultQuietPeriod
	}
	if c.defaultName == "" {
		c.defaultName = DefaultDisplayName
	}
	if c.newBatchID == nil {
		c.newBatchID = uuid.NewString
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

func (c *Coordinator) History() *history.Store { return c.history }

// DisplayName returns the participant name used for key.
func (c *Coordinator) DisplayName(key string) string {
	if name, ok := c.displayNames[key]; ok && name != "" {
		return name
	}
	return c.defaultName
}

func (c *Coordinator) entry(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

func (c *Coordinator) lookup(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[key]
}

// Ingest buffers msg for key and restarts the quiet period. A message
// whose id is already in the conversation history is discarded without
// touching the buffer or the timer; Ingest then reports false.
func (c *Coordinator) Ingest(key string, msg commander.Message) bool {
	if c.closed.Load() {
		return false
	}
	e := c.entry(key)

	e.mu.Lock()
	if c.history.ContainsID(key, msg.ID) {
		e.mu.Unlock()
		c.log.Debug().Str("conversation", key).Str("message_id", msg.ID).Msg("duplicate message ignored")
		c.record(nil, events.MessageDuplicate, map[string]any{"conversation": key, "message_id": msg.ID})
		return false
	}
	if e.pending == nil {
		e.pending = &pendingBuffer{}
	}
	b := e.pending
	b.add(msg)
	b.disarm()
	e.generation++
	gen := e.generation
	b.generation = gen
	b.timer = c.clock.AfterFunc(c.quiet, func() { c.fire(key, gen) })
	size := len(b.contents)
	e.mu.Unlock()

	c.log.Debug().Str("conversation", key).Str("message_id", msg.ID).Int("pending", size).Msg("message buffered")
	c.record(nil, events.MessageBuffered, map[string]any{
		"conversation": key,
		"message_id":   msg.ID,
		"pending":      size,
	})
	return true
}

// Pending returns a copy of the buffered contents for key and whether a
// buffer exists.
func (c *Coordinator) Pending(key string) ([]string, bool) {
	e := c.lookup(key)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		return nil, false
	}
	return append([]string(nil), e.pending.contents...), true
}

// Flush runs the pending batch of key now instead of waiting for its
// timer. It returns ErrNoPending when nothing is buffered, otherwise the
// first error of the pipeline (*GenerationError or *DeliveryError).
func (c *Coordinator) Flush(ctx context.Context, key string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	e := c.lookup(key)
	if e == nil {
		return ErrNoPending
	}
	ran, err := c.flush(ctx, key, e, 0, true)
	if !ran {
		return ErrNoPending
	}
	return err
}

// fire is the timer callback for generation gen of key.
func (c *Coordinator) fire(key string, gen uint64) {
	if c.closed.Load() {
		return
	}
	e := c.lookup(key)
	if e == nil {
		return
	}
	// Errors are already logged and recorded.
	_, _ = c.flush(c.ctx, key, e, gen, false)
}

func (c *Coordinator) flush(ctx context.Context, key string, e *entry, gen uint64, force bool) (bool, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	b, ok := c.commit(key, e, gen, force)
	if !ok {
		return false, nil
	}
	return true, c.run(ctx, key, e, b)
}

// commit takes the pending batch of e and appends the participant turn.
// A timer flush whose generation was superseded commits nothing.
func (c *Coordinator) commit(key string, e *entry, gen uint64, force bool) (batch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pending
	if p == nil {
		return batch{}, false
	}
	if !force && p.generation != gen {
		return batch{}, false
	}
	e.pending = nil
	p.disarm()
	e.generation++

	b := batch{
		id:          c.newBatchID(),
		merged:      p.merged(),
		count:       len(p.contents),
		lastID:      p.lastID,
		displayName: c.DisplayName(key),
	}
	c.history.Append(key, history.Turn{ID: b.lastID, Role: history.RoleParticipant, Content: b.merged})
	b.transcript = c.history.Render(key, b.displayName)
	return b, true
}

// run generates and delivers the reply of a committed batch.
func (c *Coordinator) run(ctx context.Context, key string, e *entry, b batch) error {
	log := c.log.With().Str("conversation", key).Str("batch_id", b.id).Logger()
	log.Info().Int("messages", b.count).Str("last_message_id", b.lastID).Msg("batch flushed")

	payload := map[string]any{
		"conversation":    key,
		"batch_id":        b.id,
		"messages":        b.count,
		"last_message_id": b.lastID,
		"content":         b.merged,
	}
	if c.countTokens != nil {
		payload["prompt_tokens"] = c.countTokens(b.transcript)
	}
	batchEvent := c.record(c.processEventID, events.BatchFlushed, payload)

	started := c.clock.Now()
	gctx, cancel := control.WithTimeout(ctx, c.generateTimeout)
	reply, err := c.generator.Generate(gctx, b.transcript, b.displayName)
	cancel()
	latency := c.clock.Now().Sub(started)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = ErrEmptyReply
	}
	if err != nil {
		gerr := &GenerationError{Key: key, BatchID: b.id, Err: err}
		log.Error().Err(err).Dur("latency", latency).Msg("reply generation failed")
		c.record(batchEvent, events.GenerationFailed, map[string]any{
			"conversation": key,
			"batch_id":     b.id,
			"error":        err.Error(),
			"error_class":  control.ClassifyError(err),
		})
		return gerr
	}

	e.mu.Lock()
	c.history.Append(key, history.Turn{Role: history.RoleAgent, Content: reply})
	e.mu.Unlock()

	generated := map[string]any{
		"conversation": key,
		"batch_id":     b.id,
		"reply":        reply,
		"latency_ms":   latency.Milliseconds(),
	}
	if c.countTokens != nil {
		generated["reply_tokens"] = c.countTokens(reply)
	}
	c.record(batchEvent, events.ReplyGenerated, generated)
	log.Info().Dur("latency", latency).Msg("reply generated")

	err = c.sender.Deliver(ctx, key, reply)
	switch {
	case errors.Is(err, delivery.ErrDeclined):
		log.Info().Msg("reply declined")
		c.record(batchEvent, events.DeliveryDeclined, map[string]any{"conversation": key, "batch_id": b.id})
		return nil
	case err != nil:
		log.Error().Err(err).Msg("reply delivery failed")
		c.record(batchEvent, events.DeliveryFailed, map[string]any{
			"conversation": key,
			"batch_id":     b.id,
			"error":        err.Error(),
			"error_class":  control.ClassifyError(err),
		})
		return &DeliveryError{Key: key, BatchID: b.id, Err: err}
	}
	log.Info().Msg("reply sent")
	c.record(batchEvent, events.ReplySent, map[string]any{"conversation": key, "batch_id": b.id})
	return nil
}

// record writes an event and returns its id for use as a parent. Sink
// errors are logged and otherwise ignored.
func (c *Coordinator) record(parent *int64, eventType string, payload map[string]any) *int64 {
	id, err := c.recorder.Record(parent, eventType, payload)
	if err != nil {
		c.log.Warn().Err(err).Str("event_type", eventType).Msg("record event failed")
	}
	if id == 0 {
		return nil
	}
	return &id
}

// Close stops every armed timer and drops the pending buffers. Flushes
// already running are canceled through their context.
func (c *Coordinator) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	dropped := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.pending != nil {
			dropped += len(e.pending.contents)
			e.pending.disarm()
			e.pending = nil
			e.generation++
		}
		e.mu.Unlock()
	}
	if dropped > 0 {
		c.log.Info().Int("messages", dropped).Msg("pending messages dropped on shutdown")
	}
}
