package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/pricing"
	"github.com/conduitproxy/conduit/internal/storage"
)

// DefaultSemanticThreshold is the minimum cosine similarity for a tier-2 hit.
const DefaultSemanticThreshold = 0.95

// candidateLimit bounds the rows fetched for in-process cosine ranking.
const candidateLimit = 256

// SemanticCache is the store-backed similarity tier. Prompts that say the
// same thing in different words land on the same entry.
type SemanticCache struct {
	store     storage.CacheStore
	embedder  *Embedder
	pricing   *pricing.Table
	threshold float64
	logger    *slog.Logger
}

// NewSemantic creates the semantic tier.
func NewSemantic(store storage.CacheStore, embedder *Embedder, pricing *pricing.Table, threshold float64, logger *slog.Logger) *SemanticCache {
	if threshold <= 0 {
		threshold = DefaultSemanticThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SemanticCache{store: store, embedder: embedder, pricing: pricing, threshold: threshold, logger: logger}
}

// Lookup embeds the normalized prompt and returns the closest unexpired
// entry at or above the similarity threshold, recording the hit and the
// saved cost.
func (c *SemanticCache) Lookup(ctx context.Context, normalized, model string) (*conduit.CacheEntry, float64, error) {
	query := c.embedder.Embed(normalized)

	candidates, err := c.store.ListCacheCandidates(ctx, model, time.Now().UTC(), candidateLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("list cache candidates: %w", err)
	}

	var best *conduit.CacheEntry
	bestSim := 0.0
	for _, e := range candidates {
		if sim := CosineSimilarity(query, e.Embedding); sim > bestSim {
			best, bestSim = e, sim
		}
	}
	if best == nil || bestSim < c.threshold {
		return nil, 0, nil
	}

	saved := c.pricing.Cost(model, best.PromptTokens, best.CompletionTokens)
	if err := c.store.RecordCacheHit(ctx, best.ID, saved); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "cache.semantic.hit_record_failed",
			slog.String("entry_id", best.ID),
			slog.String("error", err.Error()))
	}
	best.HitCount++
	best.CostSavedUSD = best.CostSavedUSD.Add(saved)

	c.logger.LogAttrs(ctx, slog.LevelInfo, "cache.semantic.hit",
		slog.String("model", model),
		slog.String("entry_id", best.ID),
		slog.String("similarity", fmt.Sprintf("%.4f", bestSim)))
	return best, bestSim, nil
}

// Store writes a new entry with the embedding of the normalized prompt.
func (c *SemanticCache) Store(ctx context.Context, normalized, model string, payload json.RawMessage, promptTokens, completionTokens int, ttl time.Duration) (*conduit.CacheEntry, error) {
	now := time.Now().UTC()
	entry := &conduit.CacheEntry{
		ID:               uuid.Must(uuid.NewV7()).String(),
		PromptHash:       ComputeHash(model, normalized),
		Model:            model,
		PromptText:       normalized,
		Embedding:        c.embedder.Embed(normalized),
		Response:         payload,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
	if err := c.store.InsertCacheEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert cache entry: %w", err)
	}
	return entry, nil
}
