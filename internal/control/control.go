package control

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Policy bounds each external call of the relay with a timeout. A zero
// value disables the bound for that call.
type Policy struct {
	FetchTimeout    time.Duration
	GenerateTimeout time.Duration
	DeliverTimeout  time.Duration
}

// DefaultPolicy returns the default call bounds.
func DefaultPolicy() Policy {
	return Policy{
		FetchTimeout:    30 * time.Second,
		GenerateTimeout: 120 * time.Second,
		DeliverTimeout:  30 * time.Second,
	}
}

func (p Policy) FetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return WithTimeout(ctx, p.FetchTimeout)
}

func (p Policy) GenerateContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return WithTimeout(ctx, p.GenerateTimeout)
}

func (p Policy) DeliverContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return WithTimeout(ctx, p.DeliverTimeout)
}

// WithTimeout is context.WithTimeout that treats d <= 0 as no deadline.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Error classes used by the breaker and in event payloads.
const (
	ClassCommandSource = "command_source_api"
	ClassProvider      = "provider_api"
	ClassDB            = "db"
	ClassTimeout       = "timeout"
	ClassCanceled      = "canceled"
	ClassUnknown       = "unknown"
)

// ClassifyError maps an error to a coarse class.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "graph"),
		strings.Contains(msg, "teams"),
		strings.Contains(msg, "telegram"),
		strings.Contains(msg, "oauth2"):
		return ClassCommandSource
	case strings.Contains(msg, "openai"),
		strings.Contains(msg, "model"),
		strings.Contains(msg, "completion"):
		return ClassProvider
	case strings.Contains(msg, "sqlite"),
		strings.Contains(msg, "database"):
		return ClassDB
	default:
		return ClassUnknown
	}
}
