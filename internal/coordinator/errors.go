package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPending is returned by Flush when the conversation has nothing buffered.
	ErrNoPending = errors.New("no pending messages")
	// ErrEmptyReply is wrapped in a GenerationError when the model returns only whitespace.
	ErrEmptyReply = errors.New("empty reply")
	// ErrClosed is returned by Flush after Close.
	ErrClosed = errors.New("coordinator closed")
)

// GenerationError aborts a flush. The participant turn stays in history,
// no agent turn is added and the batch is not retried.
type GenerationError struct {
	Key     string
	BatchID string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate reply for %s (batch %s): %v", e.Key, e.BatchID, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// DeliveryError means the reply is in history but did not reach the
// transport. It is not retried.
type DeliveryError struct {
	Key     string
	BatchID string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver reply for %s (batch %s): %v", e.Key, e.BatchID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
