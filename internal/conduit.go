// Package conduit defines domain types and interfaces for the Conduit LLM gateway.
// This package has no project imports -- it is the dependency root.
package conduit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// --- Provider ---

// Provider is the interface that all LLM provider adapters must implement.
// Adapters translate OpenAI-shaped requests to and from each upstream dialect.
type Provider interface {
	// Name returns the provider tag (e.g., "openai", "anthropic", "google").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// ChatRequest represents an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                int             `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	User             string          `json:"user,omitempty"`
	Tools            json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// Text returns the plain text of the message content. String content is
// returned verbatim; content-block arrays contribute their "text" parts
// joined by newlines. Anything else (null, tool results) yields "".
func (m *Message) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	v := gjson.ParseBytes(m.Content)
	switch {
	case v.Type == gjson.String:
		return v.String()
	case v.IsArray():
		var b strings.Builder
		for _, block := range v.Array() {
			t := block.Get("text")
			if !t.Exists() {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(t.String())
		}
		return b.String()
	}
	return ""
}

// SetText replaces the message content with plain string content, preserving
// the block structure when the original content was a block array.
func (m *Message) SetText(text string) {
	if gjson.ParseBytes(m.Content).IsArray() {
		blocks := []map[string]string{{"type": "text", "text": text}}
		raw, _ := json.Marshal(blocks)
		m.Content = raw
		return
	}
	raw, _ := json.Marshal(text)
	m.Content = raw
}

// ChatResponse represents an OpenAI-compatible chat completion response.
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Choice represents a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk represents a single chunk in a streaming response.
type StreamChunk struct {
	Data  []byte // raw SSE data line, forwarded as-is when possible
	Usage *Usage // non-nil on final chunk
	Done  bool
	Err   error
}

// --- Principal ---

// Principal is the authenticated caller associated with one API key.
// It owns the allow-list, budget, per-minute quotas, and accumulated spend.
type Principal struct {
	ID            string           `json:"id"`
	KeyHash       string           `json:"-"`          // SHA-256 hex, never exposed
	KeyPrefix     string           `json:"key_prefix"` // first 12 chars for display
	Name          string           `json:"name"`
	AllowedModels []string         `json:"allowed_models,omitempty"` // nil = all models
	BudgetUSD     *decimal.Decimal `json:"budget_usd,omitempty"`     // nil = unlimited
	SpendUSD      decimal.Decimal  `json:"spend_usd"`
	RPMLimit      *int64           `json:"rpm_limit,omitempty"`
	TPMLimit      *int64           `json:"tpm_limit,omitempty"`
	Active        bool             `json:"active"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	LastUsedAt    *time.Time       `json:"last_used_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// MasterPrincipalID identifies the ambient admin principal synthesized when
// the caller presents the configured master secret. It has no key row,
// unlimited quotas, and its requests never accrue spend.
const MasterPrincipalID = "master"

// IsMaster reports whether p is the ambient admin principal.
func (p *Principal) IsMaster() bool { return p.ID == MasterPrincipalID }

// CanUseModel reports whether the principal's allow-list admits model.
// A nil allow-list admits every model.
func (p *Principal) CanUseModel(model string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	for _, m := range p.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// OverBudget reports whether accumulated spend has reached the budget limit.
func (p *Principal) OverBudget() bool {
	return p.BudgetUSD != nil && p.SpendUSD.GreaterThanOrEqual(*p.BudgetUSD)
}

// --- Deployment ---

// Deployment is a configured way to reach one model on one provider.
type Deployment struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Provider            string     `json:"provider"` // "openai", "anthropic", "google"
	Model               string     `json:"model"`
	BaseURL             string     `json:"base_url,omitempty"`
	CredentialEnc       string     `json:"-"` // AES-GCM ciphertext, never exposed
	Priority            int        `json:"priority"`
	Weight              int        `json:"weight"`
	Active              bool       `json:"active"`
	Healthy             bool       `json:"is_healthy"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	RPMLimit            *int64     `json:"rpm_limit,omitempty"` // schema only; not enforced yet
	TPMLimit            *int64     `json:"tpm_limit,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// --- Guardrails ---

// Guardrail rule classification values.
const (
	RuleTypePII           = "pii"
	RuleTypeInjection     = "injection"
	RuleTypeContentFilter = "content_filter"
	RuleTypeRegex         = "regex"
	RuleTypeWordList      = "word_list"
	RuleTypeMaxTokens     = "max_tokens"

	StagePre  = "pre"
	StagePost = "post"
	StageBoth = "both"

	ActionBlock  = "block"
	ActionRedact = "redact"
	ActionWarn   = "warn"
	ActionLog    = "log"
)

// GuardrailRule is an operator-defined content policy rule.
type GuardrailRule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Stage     string          `json:"stage"`
	Action    string          `json:"action"`
	Config    json.RawMessage `json:"config,omitempty"`
	Priority  int             `json:"priority"` // smaller runs first
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// --- Cache ---

// CacheEntry is a persisted semantic-cache row. The embedding is a 384-dim
// unit vector over the normalized prompt text.
type CacheEntry struct {
	ID               string          `json:"id"`
	PromptHash       string          `json:"prompt_hash"`
	Model            string          `json:"model"`
	PromptText       string          `json:"prompt_text"`
	Embedding        []float32       `json:"-"`
	Response         json.RawMessage `json:"response"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	HitCount         int64           `json:"hit_count"`
	CostSavedUSD     decimal.Decimal `json:"cost_saved_usd"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// --- Prompts ---

// PromptTemplate is a named template with {{variable}} placeholders.
type PromptTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Template  string    `json:"template"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Request log ---

// RequestLog is one append-only accounting row per completed or rejected
// request. PrincipalID and DeploymentID are empty for master-key traffic and
// cache hits respectively.
type RequestLog struct {
	ID               string          `json:"id"`
	RequestID        string          `json:"request_id"`
	PrincipalID      string          `json:"principal_id,omitempty"`
	DeploymentID     string          `json:"deployment_id,omitempty"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	LatencyMs        int             `json:"latency_ms"`
	StatusCode       int             `json:"status_code"`
	Cached           bool            `json:"cached"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// AuditEvent records an admin mutation.
type AuditEvent struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Principal field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Principal *Principal
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// PrincipalFromContext extracts the authenticated principal from context.
func PrincipalFromContext(ctx context.Context) *Principal {
	if m := metaFromContext(ctx); m != nil {
		return m.Principal
	}
	return nil
}

// ContextWithPrincipal stores the principal in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to creating
// new metadata if none exists (e.g., in tests).
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Principal = p
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Principal: p})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all Conduit API keys.
const APIKeyPrefix = "cnd_sk_"

// KeyPrefixLen is the number of leading characters of a raw key kept as the
// non-secret display prefix.
const KeyPrefixLen = 12

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// DisplayPrefix returns the non-secret display prefix of a raw key.
func DisplayPrefix(raw string) string {
	if len(raw) < KeyPrefixLen {
		return raw
	}
	return raw[:KeyPrefixLen]
}
