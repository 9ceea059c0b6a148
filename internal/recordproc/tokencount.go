// Package recordproc implements the Record Processor: a pull-based
// microservice that tokenizes each Worker's raw InferenceResults and
// pushes a MetricRecordsMessage to the Records Manager, spec.md §4.7/§4.8.
package recordproc

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// defaultEncoding is the generic, model-agnostic encoding used to count
// "client-side" tokens — what a caller would estimate before knowing which
// specific model/provider it is billed against.
const defaultEncoding = "cl100k_base"

// Counter provides thread-safe, per-model tiktoken encoding, caching each
// encoding after first use — adapted from the teacher's
// internal/adapter/ai/tokencount.Counter.
type Counter struct {
	mu            sync.RWMutex
	encodingCache map[string]*tiktoken.Tiktoken
}

// NewCounter constructs an empty Counter.
func NewCounter() *Counter {
	return &Counter{encodingCache: map[string]*tiktoken.Tiktoken{}}
}

func (c *Counter) encodingFor(key string, resolve func() (*tiktoken.Tiktoken, error)) (*tiktoken.Tiktoken, error) {
	c.mu.RLock()
	if enc, ok := c.encodingCache[key]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[key]; ok {
		return enc, nil
	}
	enc, err := resolve()
	if err != nil {
		return nil, err
	}
	c.encodingCache[key] = enc
	return enc, nil
}

// encodingForModel returns the tiktoken encoding for model, falling back to
// defaultEncoding for anything tiktoken doesn't recognize directly.
func (c *Counter) encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)
	return c.encodingFor(normalized, func() (*tiktoken.Tiktoken, error) {
		enc, err := tiktoken.EncodingForModel(normalized)
		if err == nil {
			return enc, nil
		}
		slog.Debug("falling back to default encoding", slog.String("model", model), slog.Any("error", err))
		return tiktoken.GetEncoding(defaultEncoding)
	})
}

// clientEncoding returns the fixed, model-agnostic encoding used for
// client-side token estimates.
func (c *Counter) clientEncoding() (*tiktoken.Tiktoken, error) {
	return c.encodingFor(defaultEncoding, func() (*tiktoken.Tiktoken, error) {
		return tiktoken.GetEncoding(defaultEncoding)
	})
}

func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	model = strings.TrimSuffix(model, ":free")
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}

// CountAPITokens counts text the way the target model's own encoding would
// — the "apiTokens" half of the usage-diff pair.
func (c *Counter) CountAPITokens(text, model string) (int, error) {
	enc, err := c.encodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountClientTokens counts text with the fixed client-side encoding — the
// "clientTokens" half of the usage-diff pair.
func (c *Counter) CountClientTokens(text string) (int, error) {
	enc, err := c.clientEncoding()
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}
