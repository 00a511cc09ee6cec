// Package events defines the audit events emitted by the relay and the
// Recorder sinks they are written to.
package events

import "errors"

// Process events.
const (
	ProcessStarted = "process.started"
)

// Conversation events.
const (
	MessageBuffered  = "message.buffered"
	MessageDuplicate = "message.duplicate"
	BatchFlushed     = "batch.flushed"
	ReplyGenerated   = "reply.generated"
	GenerationFailed = "generation.failed"
	ReplySent        = "reply.sent"
	DeliveryFailed   = "delivery.failed"
	DeliveryDeclined = "delivery.declined"
)

// Poll events.
const (
	FetchFailed     = "fetch.failed"
	CircuitOpened   = "circuit.opened"
	CircuitHalfOpen = "circuit.half_open"
	CircuitClosed   = "circuit.closed"
)

// Recorder stores one event. parentID links the event into a tree and
// may be nil for root events. Sinks without row ids return 0.
type Recorder interface {
	Record(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(*int64, string, map[string]any) (int64, error) { return 0, nil }

// Fanout writes each event to every recorder. The returned id is the
// first non-zero id reported, so a row-id sink should come first.
type Fanout []Recorder

func (f Fanout) Record(parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var (
		id   int64
		errs []error
	)
	for _, r := range f {
		got, err := r.Record(parentID, eventType, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id == 0 {
			id = got
		}
	}
	return id, errors.Join(errs...)
}
