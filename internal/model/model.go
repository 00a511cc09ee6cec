package model

import "context"

// Generator produces the reply for a rendered conversation transcript.
// displayName is the name of the participant being answered.
type Generator interface {
	Generate(ctx context.Context, transcript, displayName string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, transcript, displayName string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, transcript, displayName string) (string, error) {
	return f(ctx, transcript, displayName)
}
