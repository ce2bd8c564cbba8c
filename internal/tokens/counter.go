// Package tokens estimates the token footprint of serialized narrative
// text using a tiktoken encoding. Bundles carry the estimate so dashboard
// consumers know the prompt cost of feeding a narrative to a model.
package tokens

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/glancehq/eventmesh/internal/core/ports"
)

// Counter counts tokens with the cl100k_base encoding. The codec is
// loaded once on first use and reused; safe for concurrent use.
type Counter struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

var _ ports.TokenCounter = (*Counter)(nil)

// NewCounter creates a token counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Count returns the number of tokens in text. Counting is advisory and
// fails soft: any codec error degrades to a characters/4 estimate rather
// than surfacing an error.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}

	c.once.Do(func() {
		c.codec, c.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if c.err != nil {
		return estimate(text)
	}

	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return estimate(text)
	}
	return len(ids)
}

// estimate approximates the count at four characters per token, the usual
// rule of thumb for English-heavy text.
func estimate(text string) int {
	return len(text) / 4
}
