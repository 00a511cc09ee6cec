// Package poll drives the relay: on every tick it fetches each tracked
// conversation and hands the returned messages to the coordinator.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/stupiduntilnot/replybot/internal/clock"
	"github.com/stupiduntilnot/replybot/internal/commander"
	"github.com/stupiduntilnot/replybot/internal/control"
	"github.com/stupiduntilnot/replybot/internal/events"
)

const (
	DefaultInterval    = 10 * time.Second
	DefaultConcurrency = 4
)

// Ingester receives fetched messages. *coordinator.Coordinator satisfies it.
type Ingester interface {
	Ingest(key string, msg commander.Message) bool
}

// FetchError is a failed fetch for one conversation. The conversation is
// skipped for the cycle and retried on the next one.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

type Config struct {
	Fetcher  commander.Fetcher
	Ingester Ingester
	Keys     []string
	Interval time.Duration
	Clock    clock.Clock

	// Concurrency caps parallel fetches within a cycle.
	Concurrency  int
	FetchTimeout time.Duration

	CircuitThreshold int
	CircuitCooldown  time.Duration

	Recorder       events.Recorder
	ProcessEventID *int64
	Logger         zerolog.Logger
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Fetched  int
	Accepted int
	Failed   int
	Skipped  int
	Errors   []error
}

type Driver struct {
	fetcher      commander.Fetcher
	ingester     Ingester
	keys         []string
	interval     time.Duration
	clock        clock.Clock
	concurrency  int
	fetchTimeout time.Duration
	recorder     events.Recorder
	parentID     *int64
	log          zerolog.Logger

	breakers map[string]*control.CircuitBreaker
}

func New(cfg Config) (*Driver, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("poll: fetcher is required")
	}
	if cfg.Ingester == nil {
		return nil, errors.New("poll: ingester is required")
	}
	if len(cfg.Keys) == 0 {
		return nil, errors.New("poll: no conversations to track")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("poll: negative interval %s", cfg.Interval)
	}
	d := &Driver{
		fetcher:      cfg.Fetcher,
		ingester:     cfg.Ingester,
		keys:         append([]string(nil), cfg.Keys...),
		interval:     cfg.Interval,
		clock:        cfg.Clock,
		concurrency:  cfg.Concurrency,
		fetchTimeout: cfg.FetchTimeout,
		recorder:     cfg.Recorder,
		parentID:     cfg.ProcessEventID,
		log:          cfg.Logger.With().Str("component", "poll").Logger(),
		breakers:     make(map[string]*control.CircuitBreaker, len(cfg.Keys)),
	}
	if d.interval == 0 {
		d.interval = DefaultInterval
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	if d.concurrency <= 0 {
		d.concurrency = DefaultConcurrency
	}
	if d.recorder == nil {
		d.recorder = events.Nop{}
	}
	for _, key := range d.keys {
		d.breakers[key] = control.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown)
	}
	return d, nil
}

// Run polls immediately and then once per interval until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	d.log.Info().Int("conversations", len(d.keys)).Dur("interval", d.interval).Msg("poll loop started")
	for {
		stats := d.Poll(ctx)
		if stats.Failed > 0 || stats.Accepted > 0 {
			d.log.Debug().
				Int("fetched", stats.Fetched).
				Int("accepted", stats.Accepted).
				Int("failed", stats.Failed).
				Int("skipped", stats.Skipped).
				Msg("poll cycle")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type keyResult struct {
	fetched  int
	accepted int
	skipped  bool
	err      error
}

// Poll runs one cycle over every tracked conversation.
func (d *Driver) Poll(ctx context.Context) CycleStats {
	p := pool.NewWithResults[keyResult]().WithMaxGoroutines(d.concurrency)
	for _, key := range d.keys {
		key := key
		p.Go(func() keyResult { return d.pollKey(ctx, key) })
	}

	var stats CycleStats
	for _, r := range p.Wait() {
		stats.Fetched += r.fetched
		stats.Accepted += r.accepted
		if r.skipped {
			stats.Skipped++
		}
		if r.err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, r.err)
		}
	}
	return stats
}

func (d *Driver) pollKey(ctx context.Context, key string) keyResult {
	if ctx.Err() != nil {
		return keyResult{skipped: true}
	}
	breaker := d.breakers[key]
	before := breaker.State()
	if !breaker.Allow(d.clock.Now()) {
		return keyResult{skipped: true}
	}
	if before == control.CircuitOpen {
		d.log.Info().Str("conversation", key).Msg("circuit half-open, probing")
		d.record(events.CircuitHalfOpen, map[string]any{"conversation": key, "error_class": breaker.OpenedClass()})
	}

	fctx, cancel := control.WithTimeout(ctx, d.fetchTimeout)
	msgs, err := d.fetcher.Fetch(fctx, key)
	cancel()
	if err != nil {
		ferr := &FetchError{Key: key, Err: err}
		class := control.ClassifyError(err)
		d.log.Warn().Err(err).Str("conversation", key).Str("error_class", class).Msg("fetch failed")
		d.record(events.FetchFailed, map[string]any{
			"conversation": key,
			"error":        err.Error(),
			"error_class":  class,
		})
		if breaker.RecordFailure(class, d.clock.Now()) {
			d.log.Warn().Str("conversation", key).Dur("cooldown", breaker.Cooldown).Msg("circuit opened")
			d.record(events.CircuitOpened, map[string]any{
				"conversation":     key,
				"error_class":      class,
				"threshold":        breaker.Threshold,
				"cooldown_seconds": int(breaker.Cooldown.Seconds()),
			})
		}
		return keyResult{err: ferr}
	}
	if breaker.RecordSuccess() {
		d.log.Info().Str("conversation", key).Msg("circuit closed")
		d.record(events.CircuitClosed, map[string]any{"conversation": key})
	}

	accepted := 0
	for _, msg := range msgs {
		if d.ingester.Ingest(key, msg) {
			accepted++
		}
	}
	return keyResult{fetched: len(msgs), accepted: accepted}
}

func (d *Driver) record(eventType string, payload map[string]any) {
	if _, err := d.recorder.Record(d.parentID, eventType, payload); err != nil {
		d.log.Warn().Err(err).Str("event_type", eventType).Msg("record event failed")
	}
}
