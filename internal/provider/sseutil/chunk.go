package sseutil

import (
	"encoding/json"

	conduit "github.com/conduitproxy/conduit/internal"
)

// Chunk builders for adapters that translate a foreign stream dialect into
// the gateway's chat completion chunks. The openai and ollama adapters pass
// frames through untouched and never call these.

func baseChunk(id, model string) map[string]any {
	return map[string]any{
		"id":     id,
		"object": "chat.completion.chunk",
		"model":  model,
	}
}

func marshalChunk(chunk map[string]any) []byte {
	b, _ := json.Marshal(chunk)
	return b
}

// BuildDeltaChunk renders one content delta, with finish_reason null until
// the stream ends.
func BuildDeltaChunk(id, model string, delta map[string]any, finishReason string) []byte {
	chunk := baseChunk(id, model)
	chunk["choices"] = []map[string]any{{
		"index":         0,
		"delta":         delta,
		"finish_reason": NilOrString(finishReason),
	}}
	return marshalChunk(chunk)
}

// BuildToolCallDeltaChunk renders an incremental tool-call arguments delta
// for the tool call at index.
func BuildToolCallDeltaChunk(id, model string, index int, argumentsDelta string) []byte {
	chunk := baseChunk(id, model)
	chunk["choices"] = []map[string]any{{
		"index": 0,
		"delta": map[string]any{
			"tool_calls": []map[string]any{{
				"index": index,
				"function": map[string]any{
					"arguments": argumentsDelta,
				},
			}},
		},
		"finish_reason": nil,
	}}
	return marshalChunk(chunk)
}

// BuildFinishChunk renders the terminal chunk carrying the finish reason.
func BuildFinishChunk(id, model, finishReason string) []byte {
	chunk := baseChunk(id, model)
	chunk["choices"] = []map[string]any{{
		"index":         0,
		"delta":         map[string]any{},
		"finish_reason": finishReason,
	}}
	return marshalChunk(chunk)
}

// BuildUsageChunk renders the trailing usage chunk the settlement path reads
// for token accounting.
func BuildUsageChunk(id, model string, usage *conduit.Usage) []byte {
	chunk := baseChunk(id, model)
	chunk["choices"] = []map[string]any{}
	chunk["usage"] = map[string]any{
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
	}
	return marshalChunk(chunk)
}

// NilOrString returns nil for the empty string, so finish_reason serializes
// as JSON null mid-stream.
func NilOrString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
