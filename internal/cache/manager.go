package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/pricing"
	"github.com/conduitproxy/conduit/internal/storage"
)

// Source labels for cache results.
const (
	SourceExact    = "exact"
	SourceSemantic = "semantic"
	SourceNone     = "none"
)

// Result is the outcome of one cache lookup. For semantic hits the token
// counts come from the matched entry so accounting stays accurate.
type Result struct {
	Hit              bool
	Response         json.RawMessage
	Source           string
	Similarity       float64
	PromptTokens     int
	CompletionTokens int
}

// Config tunes the cache manager.
type Config struct {
	Enabled           bool
	TTL               time.Duration // semantic tier entry lifetime
	ExactTTL          time.Duration
	SemanticThreshold float64
}

// DefaultConfig enables both tiers with one-hour TTLs.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		TTL:               time.Hour,
		ExactTTL:          DefaultExactTTL,
		SemanticThreshold: DefaultSemanticThreshold,
	}
}

// Manager drives the two-tier lookup and store flow. All failures inside
// the manager degrade to misses or dropped writes; requests never fail on
// cache trouble.
type Manager struct {
	exact    *ExactCache
	semantic *SemanticCache
	store    storage.CacheStore
	cfg      Config
	logger   *slog.Logger
}

// NewManager wires both tiers. The exact tier may be nil when Redis is not
// configured; lookups then go straight to the semantic tier.
func NewManager(exact *ExactCache, store storage.CacheStore, embedder *Embedder, pricing *pricing.Table, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Manager{
		exact:    exact,
		semantic: NewSemantic(store, embedder, pricing, cfg.SemanticThreshold, logger),
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
}

// Lookup checks the exact tier, then the semantic tier. A semantic hit is
// promoted into the exact tier so the next identical prompt is a single GET.
func (m *Manager) Lookup(ctx context.Context, messages []conduit.Message, model string) *Result {
	miss := &Result{Source: SourceNone}
	if !m.cfg.Enabled {
		return miss
	}
	normalized := Normalize(messages)
	if normalized == "" {
		return miss
	}
	hash := ComputeHash(model, normalized)

	if m.exact != nil {
		if payload, ok := m.exact.Get(ctx, hash); ok {
			m.logger.LogAttrs(ctx, slog.LevelInfo, "cache.hit",
				slog.String("source", SourceExact), slog.String("model", model))
			// The token counts ride in the stored response body, so exact
			// hits log the same usage the original request did.
			return &Result{
				Hit:              true,
				Response:         payload,
				Source:           SourceExact,
				Similarity:       1.0,
				PromptTokens:     int(gjson.GetBytes(payload, "usage.prompt_tokens").Int()),
				CompletionTokens: int(gjson.GetBytes(payload, "usage.completion_tokens").Int()),
			}
		}
	}

	entry, sim, err := m.semantic.Lookup(ctx, normalized, model)
	if err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "cache.semantic.error",
			slog.String("error", err.Error()))
		return miss
	}
	if entry == nil {
		return miss
	}

	if m.exact != nil {
		m.exact.Set(ctx, hash, entry.Response)
	}
	m.logger.LogAttrs(ctx, slog.LevelInfo, "cache.hit",
		slog.String("source", SourceSemantic), slog.String("model", model))
	return &Result{
		Hit:              true,
		Response:         entry.Response,
		Source:           SourceSemantic,
		Similarity:       sim,
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
	}
}

// Store writes both tiers after a successful non-cached response. Failures
// are logged and swallowed.
func (m *Manager) Store(ctx context.Context, messages []conduit.Message, model string, payload json.RawMessage, promptTokens, completionTokens int) {
	if !m.cfg.Enabled {
		return
	}
	normalized := Normalize(messages)
	if normalized == "" {
		return
	}

	if m.exact != nil {
		m.exact.Set(ctx, ComputeHash(model, normalized), payload)
	}
	if _, err := m.semantic.Store(ctx, normalized, model, payload, promptTokens, completionTokens, m.cfg.TTL); err != nil {
		m.logger.LogAttrs(ctx, slog.LevelWarn, "cache.store.error",
			slog.String("error", err.Error()))
	}
}

// Clear wipes matching entries from both tiers and returns per-tier counts.
func (m *Manager) Clear(ctx context.Context, model string) (exactCleared, semanticCleared int64, err error) {
	if m.exact != nil {
		exactCleared = m.exact.Clear(ctx)
	}
	semanticCleared, err = m.store.ClearCache(ctx, model)
	return exactCleared, semanticCleared, err
}

// Stats reports semantic tier statistics.
func (m *Manager) Stats(ctx context.Context) (*storage.CacheStats, error) {
	return m.store.CacheStats(ctx, time.Now().UTC())
}
