package testutil

import (
	"context"

	conduit "github.com/conduitproxy/conduit/internal"
)

// FakeProvider is a configurable conduit.Provider for testing.
type FakeProvider struct {
	ProviderName string
	ChatFn       func(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error)
	StreamFn     func(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error)
}

// Name returns the configured provider name.
func (f *FakeProvider) Name() string { return f.ProviderName }

// ChatCompletion delegates to ChatFn or returns a default response.
func (f *FakeProvider) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	if f.ChatFn != nil {
		return f.ChatFn(ctx, req)
	}
	return &conduit.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   req.Model,
		Choices: []conduit.Choice{{
			Index:        0,
			Message:      conduit.Message{Role: "assistant", Content: []byte(`"hello"`)},
			FinishReason: "stop",
		}},
		Usage: &conduit.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	}, nil
}

// ChatCompletionStream delegates to StreamFn or returns a two-chunk stream.
func (f *FakeProvider) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return FakeStreamChan(conduit.StreamChunk{
		Data: []byte(`{"id":"chatcmpl-fake","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hello"}}]}`),
	}), nil
}

// FakeStreamChan returns a channel pre-loaded with the given chunks, followed
// by a Done sentinel. The channel is closed after all chunks are sent.
func FakeStreamChan(chunks ...conduit.StreamChunk) <-chan conduit.StreamChunk {
	ch := make(chan conduit.StreamChunk, len(chunks)+1)
	for _, c := range chunks {
		ch <- c
	}
	ch <- conduit.StreamChunk{Done: true}
	close(ch)
	return ch
}
