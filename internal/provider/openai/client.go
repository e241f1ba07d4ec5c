// Package openai implements the conduit.Provider adapter for the OpenAI API
// and any OpenAI-compatible upstream.
package openai

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
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = "openai"
)

var _ conduit.Provider = (*Client)(nil)

// Client is an OpenAI provider adapter. The request body is a straight
// pass-through; OpenAI's dialect is the gateway's wire format.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates an OpenAI Client. baseURL defaults to the public OpenAI API;
// apiKey is the decrypted per-deployment credential.
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

// ChatCompletion sends a non-streaming chat completion request to the OpenAI API.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	var out conduit.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request to the OpenAI API.
// It returns a channel of StreamChunk. The raw SSE data payloads are forwarded
// as-is in StreamChunk.Data (no JSON parsing on the hot path). The channel is
// closed after sending a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	// Force stream=true and request usage in the final chunk.
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &conduit.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: do request: %w", err)
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
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
}
