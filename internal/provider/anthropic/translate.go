// Package anthropic implements the conduit.Provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	conduit "github.com/conduitproxy/conduit/internal"
)

// defaultMaxTokens is used when the caller does not set max_tokens.
// The Messages API requires the field.
const defaultMaxTokens = 4096

// anthropicRequest is the Anthropic Messages API request body.
type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string            `json:"role"`
	Content []json.RawMessage `json:"content"`
}

// stopSequences normalizes the OpenAI stop field, which may be a bare string,
// to the array form stop_sequences requires.
func stopSequences(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return raw
	}
	out := make(json.RawMessage, 0, len(trimmed)+2)
	out = append(out, '[')
	out = append(out, trimmed...)
	out = append(out, ']')
	return out
}

// translateRequest converts an OpenAI-format ChatRequest to an Anthropic
// Messages API request. System messages are lifted to the top-level system
// field; consecutive same-role messages are merged because the Messages API
// requires strict user/assistant alternation.
func translateRequest(req *conduit.ChatRequest) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Tools:       translateTools(req.Tools),
		StopSeqs:    stopSequences(req.Stop),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		var role string
		var blocks []json.RawMessage
		switch m.Role {
		case "system":
			system = append(system, m.Text())
			continue
		case "user", "assistant":
			role = m.Role
			blocks = contentBlocks(&m)
			if m.Role == "assistant" {
				blocks = append(blocks, toolUseBlocks(m.ToolCalls)...)
			}
		case "tool":
			// Tool results arrive from the model's caller; they become a
			// user message holding a tool_result block.
			role = "user"
			blocks = []json.RawMessage{toolResultBlock(&m)}
		default:
			continue
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == role {
			out.Messages[n-1].Content = append(out.Messages[n-1].Content, blocks...)
			continue
		}
		out.Messages = append(out.Messages, anthropicMsg{Role: role, Content: blocks})
	}
	out.System = strings.Join(system, "\n")

	return out, nil
}

// contentBlocks converts OpenAI message content (plain string or content-part
// array) into Anthropic content blocks. Images with data: URIs become base64
// source blocks.
func contentBlocks(m *conduit.Message) []json.RawMessage {
	v := gjson.ParseBytes(m.Content)
	switch {
	case v.Type == gjson.String:
		if v.String() == "" {
			return nil
		}
		return []json.RawMessage{textBlock(v.String())}
	case v.IsArray():
		var out []json.RawMessage
		for _, part := range v.Array() {
			if b := translatePart(part); b != nil {
				out = append(out, b)
			}
		}
		return out
	}
	return nil
}

func translatePart(part gjson.Result) json.RawMessage {
	switch part.Get("type").String() {
	case "text":
		return textBlock(part.Get("text").String())
	case "image_url":
		u := part.Get("image_url.url").String()
		mediaType, data, ok := parseDataURI(u)
		if !ok {
			// Remote URL: pass through as a URL source block.
			b, _ := json.Marshal(map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "url", "url": u},
			})
			return b
		}
		b, _ := json.Marshal(map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": mediaType,
				"data":       data,
			},
		})
		return b
	}
	return nil
}

func textBlock(text string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"type": "text", "text": text})
	return b
}

// parseDataURI splits a "data:<media>;base64,<data>" URI.
func parseDataURI(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	return mediaType, data, true
}

// toolUseBlocks re-encodes OpenAI tool_calls as Anthropic tool_use blocks.
func toolUseBlocks(toolCalls json.RawMessage) []json.RawMessage {
	if len(toolCalls) == 0 {
		return nil
	}
	var out []json.RawMessage
	gjson.ParseBytes(toolCalls).ForEach(func(_, tc gjson.Result) bool {
		args := tc.Get("function.arguments").String()
		if args == "" {
			args = "{}"
		}
		b, _ := json.Marshal(map[string]any{
			"type":  "tool_use",
			"id":    tc.Get("id").String(),
			"name":  tc.Get("function.name").String(),
			"input": json.RawMessage(args),
		})
		out = append(out, b)
		return true
	})
	return out
}

func toolResultBlock(m *conduit.Message) json.RawMessage {
	b, _ := json.Marshal(map[string]any{
		"type":        "tool_result",
		"tool_use_id": m.ToolCallID,
		"content":     m.Text(),
	})
	return b
}

// translateTools strips the OpenAI {"type":"function","function":{...}}
// envelope down to Anthropic's flat tool declarations.
func translateTools(tools json.RawMessage) json.RawMessage {
	if len(tools) == 0 {
		return nil
	}
	var out []map[string]any
	gjson.ParseBytes(tools).ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		if !fn.Exists() {
			return true
		}
		decl := map[string]any{
			"name":         fn.Get("name").String(),
			"description":  fn.Get("description").String(),
			"input_schema": json.RawMessage(fn.Get("parameters").Raw),
		}
		if fn.Get("parameters").Raw == "" {
			decl["input_schema"] = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, decl)
		return true
	})
	if len(out) == 0 {
		return nil
	}
	b, _ := json.Marshal(out)
	return b
}

// translateResponse converts an Anthropic Messages API JSON response to an
// OpenAI-format ChatResponse.
func translateResponse(data []byte) (*conduit.ChatResponse, error) {
	result := gjson.ParseBytes(data)

	id := result.Get("id").String()
	model := result.Get("model").String()
	stopReason := mapStopReason(result.Get("stop_reason").String())

	// Build message content from content blocks.
	var contentText strings.Builder
	var toolCalls []json.RawMessage
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text":
			contentText.WriteString(block.Get("text").String())
		case "tool_use":
			args, _ := json.Marshal(block.Get("input").Raw)
			tc, _ := json.Marshal(map[string]any{
				"id":   block.Get("id").String(),
				"type": "function",
				"function": map[string]any{
					"name":      block.Get("name").String(),
					"arguments": json.RawMessage(args),
				},
			})
			toolCalls = append(toolCalls, tc)
		}
		return true
	})

	msg := conduit.Message{Role: "assistant"}
	if contentText.Len() > 0 {
		ct, _ := json.Marshal(contentText.String())
		msg.Content = ct
	}
	if len(toolCalls) > 0 {
		tc, _ := json.Marshal(toolCalls)
		msg.ToolCalls = tc
		if stopReason == "" {
			stopReason = "tool_calls"
		}
	}

	var usage *conduit.Usage
	if u := result.Get("usage"); u.Exists() {
		usage = &conduit.Usage{
			PromptTokens:     int(u.Get("input_tokens").Int()),
			CompletionTokens: int(u.Get("output_tokens").Int()),
			TotalTokens:      int(u.Get("input_tokens").Int()) + int(u.Get("output_tokens").Int()),
		}
	}

	return &conduit.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Model:   model,
		Choices: []conduit.Choice{{Index: 0, Message: msg, FinishReason: stopReason}},
		Usage:   usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
