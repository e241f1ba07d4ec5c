package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"encoding/json"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// providerName is the deployment provider tag; the upstream is the
	// Gemini API but deployments reference it as "google".
	providerName = "google"
)

var _ conduit.Provider = (*Client)(nil)

// Client is a Google Gemini provider adapter that implements conduit.Provider.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Gemini Client. baseURL defaults to the public
// generativelanguage endpoint; apiKey is the decrypted per-deployment
// credential passed as the key query parameter.
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

// endpoint builds the model action URL with the API key attached,
// e.g. {base}/models/{model}:generateContent?key={apiKey}.
func (c *Client) endpoint(model, action, extraQuery string) string {
	u := fmt.Sprintf("%s/models/%s:%s?key=%s", c.baseURL, url.PathEscape(model), action, url.QueryEscape(c.apiKey))
	if extraQuery != "" {
		u += "&" + extraQuery
	}
	return u
}

// ChatCompletion sends a non-streaming chat completion request to the Gemini API.
func (c *Client) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, error) {
	gReq := translateRequest(req)

	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(req.Model, "generateContent", ""), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(providerName, resp)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gemini: read response: %w", err)
	}

	return translateResponse(respBody, req.Model)
}

// ChatCompletionStream sends a streaming chat completion request to the Gemini API.
func (c *Client) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (<-chan conduit.StreamChunk, error) {
	gReq := translateRequest(req)

	body, err := json.Marshal(gReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(req.Model, "streamGenerateContent", "alt=sse"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini: do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(providerName, resp)
	}

	ch := make(chan conduit.StreamChunk, 8)
	go readStream(ctx, resp.Body, ch, req.Model)
	return ch, nil
}
