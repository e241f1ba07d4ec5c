// Package tokencount provides token counting for TPM rate limiting, the
// max_tokens guardrail, and post-stream accounting when the provider did not
// report usage. Counts use tiktoken where an encoding exists for the model
// and fall back to a ~4 chars/token heuristic otherwise.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	conduit "github.com/conduitproxy/conduit/internal"
)

// Counter counts tokens for requests and text. Encoders are cached per model.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

// encoderFor returns a cached tiktoken encoder for model, or nil when the
// model has no known encoding (non-OpenAI models, typos).
func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc = nil
	}
	c.encoders[model] = enc
	return enc
}

// EstimateRequest counts the total prompt tokens for a chat completion
// request, including per-message overhead per the OpenAI tokenization spec.
func (c *Counter) EstimateRequest(model string, messages []conduit.Message) int {
	total := 0
	const overhead = 4 // <|start|>{role}\n ... <|end|>\n
	for _, m := range messages {
		total += overhead
		total += c.count(model, m.Role)
		total += c.count(model, string(m.Content))
		if m.Name != "" {
			total += c.count(model, m.Name) + 1 // name costs 1 extra token
		}
		if len(m.ToolCalls) > 0 {
			total += c.count(model, string(m.ToolCalls))
		}
		if m.ToolCallID != "" {
			total += c.count(model, m.ToolCallID)
		}
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// CountText counts tokens in a plain text string, never less than 1.
func (c *Counter) CountText(model, text string) int {
	return max(c.count(model, text), 1)
}

func (c *Counter) count(model, text string) int {
	if len(text) == 0 {
		return 0
	}
	if enc := c.encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens uses a ~4 characters per token heuristic, a reasonable
// approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
