// Package ollama implements the conduit.Provider adapter for local Ollama
// instances via their OpenAI-compatible endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/provider"
	"github.com/conduitproxy/conduit/internal/provider/sseutil"
)

const (
	defaultBaseURL = "http://localhost:11434"
	providerName   = "ollama"
)

var _ conduit.Provider = (*Client)(nil)

// Client is an Ollama provider adapter that implements conduit.Provider.
// Ollama speaks the OpenAI dialect under /v1, so requests pass through
// untranslated; apiKey is optional (local instances usually run without one).
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates an Ollama Client. baseURL defaults to "http://localhost:11434".
func New(baseURL, apiKey string, client *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    client,
	}
}

// Name returns the provider tag.
func (c *Client) Name() string { return providerName }

// openaiURL returns the OpenAI-compatible API base URL for Ollama.
func (c *Client) openaiURL() string { return c.baseURL + "/v1" }

// ChatCompletion sends a non-streaming chat completion request via Ollama's
// OpenAI-compatible endpoint.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openaiURL()+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out conduit.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama: decode response: %w", err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request via Ollama's
// OpenAI-compatible endpoint.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.openaiURL()+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan conduit.StreamChunk, 8)
	go sseutil.ReadSSEStream(ctx, providerName, resp, ch)
	return ch, nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
