package prompt

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

const defaultEncoding = "cl100k_base"

// TokenCounter estimates token counts with tiktoken. The encoding is
// loaded on first use; if it cannot be loaded the counter falls back to
// roughly four characters per token.
type TokenCounter struct {
	log zerolog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenCounter(log zerolog.Logger) *TokenCounter {
	return &TokenCounter{log: log}
}

func (c *TokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			c.log.Warn().Err(err).Msg("tiktoken encoding unavailable, using estimate")
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return EstimateTokens(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokens is the rune-based fallback estimate.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}
