// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
)

// PrincipalStore manages API key / principal persistence.
type PrincipalStore interface {
	CreatePrincipal(ctx context.Context, p *conduit.Principal) error
	GetPrincipal(ctx context.Context, id string) (*conduit.Principal, error)
	GetPrincipalByHash(ctx context.Context, hash string) (*conduit.Principal, error)
	ListPrincipals(ctx context.Context, offset, limit int) ([]*conduit.Principal, error)
	UpdatePrincipal(ctx context.Context, p *conduit.Principal) error
	DeletePrincipal(ctx context.Context, id string) error
	// AddSpend atomically increments the principal's accumulated spend.
	AddSpend(ctx context.Context, id string, amount decimal.Decimal) error
	TouchPrincipalUsed(ctx context.Context, id string) error
}

// DeploymentStore manages deployment persistence, including the health
// fields mutated by the circuit breaker.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *conduit.Deployment) error
	GetDeployment(ctx context.Context, id string) (*conduit.Deployment, error)
	GetDeploymentByName(ctx context.Context, name string) (*conduit.Deployment, error)
	ListDeployments(ctx context.Context) ([]*conduit.Deployment, error)
	ListDeploymentsForModel(ctx context.Context, model string) ([]*conduit.Deployment, error)
	UpdateDeployment(ctx context.Context, d *conduit.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error
	// UpdateDeploymentHealth persists only the breaker-owned health fields.
	UpdateDeploymentHealth(ctx context.Context, id string, healthy bool, consecutiveFailures int, cooldownUntil *time.Time) error
}

// GuardrailStore manages guardrail rule persistence.
type GuardrailStore interface {
	CreateRule(ctx context.Context, r *conduit.GuardrailRule) error
	GetRule(ctx context.Context, id string) (*conduit.GuardrailRule, error)
	ListRules(ctx context.Context) ([]*conduit.GuardrailRule, error)
	// ListActiveRules returns active rules for the stage (including "both"),
	// ordered by priority ascending.
	ListActiveRules(ctx context.Context, stage string) ([]*conduit.GuardrailRule, error)
	UpdateRule(ctx context.Context, r *conduit.GuardrailRule) error
	DeleteRule(ctx context.Context, id string) error
}

// CacheStore manages semantic cache entry persistence.
type CacheStore interface {
	InsertCacheEntry(ctx context.Context, e *conduit.CacheEntry) error
	// ListCacheCandidates returns unexpired entries for the model, embeddings
	// included, for cosine ranking by the caller.
	ListCacheCandidates(ctx context.Context, model string, now time.Time, limit int) ([]*conduit.CacheEntry, error)
	// RecordCacheHit increments hit_count and adds the saved cost.
	RecordCacheHit(ctx context.Context, id string, costSaved decimal.Decimal) error
	ClearCache(ctx context.Context, model string) (int64, error)
	DeleteExpiredCache(ctx context.Context, now time.Time) (int64, error)
	CacheStats(ctx context.Context, now time.Time) (*CacheStats, error)
}

// CacheStats summarizes the semantic cache table.
type CacheStats struct {
	TotalEntries      int64           `json:"total_entries"`
	ActiveEntries     int64           `json:"active_entries"`
	ExpiredEntries    int64           `json:"expired_entries"`
	TotalHits         int64           `json:"total_hits"`
	TotalCostSavedUSD decimal.Decimal `json:"total_cost_saved_usd"`
}

// PromptStore manages prompt template persistence.
type PromptStore interface {
	CreatePrompt(ctx context.Context, p *conduit.PromptTemplate) error
	GetPromptByName(ctx context.Context, name string) (*conduit.PromptTemplate, error)
	ListPrompts(ctx context.Context) ([]*conduit.PromptTemplate, error)
	DeletePrompt(ctx context.Context, id string) error
}

// RequestLogStore manages the append-only request log and the analytics
// queries served from it.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []conduit.RequestLog) error
	ListRequestLogs(ctx context.Context, principalID string, offset, limit int) ([]*conduit.RequestLog, error)
	// SpendByPrincipal sums cost per principal over [since, until).
	SpendByPrincipal(ctx context.Context, since, until time.Time) (map[string]decimal.Decimal, error)
	// SpendByModel sums cost per model over [since, until).
	SpendByModel(ctx context.Context, since, until time.Time) (map[string]decimal.Decimal, error)
	// UsageTotals returns request and token counts over [since, until).
	UsageTotals(ctx context.Context, since, until time.Time) (*UsageTotals, error)
	DeleteRequestLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsageTotals aggregates request log rows for analytics.
type UsageTotals struct {
	Requests         int64 `json:"requests"`
	CachedRequests   int64 `json:"cached_requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// AuditStore manages the admin audit trail.
type AuditStore interface {
	InsertAuditEvent(ctx context.Context, e *conduit.AuditEvent) error
	ListAuditEvents(ctx context.Context, offset, limit int) ([]*conduit.AuditEvent, error)
}

// Store combines all storage interfaces.
type Store interface {
	PrincipalStore
	DeploymentStore
	GuardrailStore
	CacheStore
	PromptStore
	RequestLogStore
	AuditStore
	Close() error
}
