package commander

import "context"

// Message is one inbound chat message as returned by a transport.
type Message struct {
	ID      string
	Content string
}

// Fetcher returns the recent messages of a conversation. An error means
// "nothing new this cycle"; the caller retries on the next poll.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]Message, error)
}

// Sender posts a reply to a conversation.
type Sender interface {
	Deliver(ctx context.Context, key, text string) error
}

// Commander is a transport that can both fetch and send.
type Commander interface {
	Fetcher
	Sender
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, key, text string) error

func (f SenderFunc) Deliver(ctx context.Context, key, text string) error {
	return f(ctx, key, text)
}
