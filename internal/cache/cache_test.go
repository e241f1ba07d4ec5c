package cache

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/pricing"
	"github.com/conduitproxy/conduit/internal/storage"
)

func msg(role, text string) conduit.Message {
	raw, _ := json.Marshal(text)
	return conduit.Message{Role: role, Content: raw}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	messages := []conduit.Message{
		msg("system", "You are a helpful assistant."),
		msg("user", "What is the weather in Paris?"),
		msg("assistant", "Sunny."),
		{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"and tomorrow?"},{"type":"image_url","image_url":{"url":"x"}}]`)},
	}
	want := "user: What is the weather in Paris?\nassistant: Sunny.\nuser: and tomorrow?"
	if got := Normalize(messages); got != want {
		t.Errorf("Normalize = %q, want %q", got, want)
	}

	onlySystem := []conduit.Message{msg("system", "setup")}
	if got := Normalize(onlySystem); got != "" {
		t.Errorf("system-only conversation should normalize empty, got %q", got)
	}
}

func TestComputeHash(t *testing.T) {
	t.Parallel()
	a := ComputeHash("gpt-4o", "user: hi")
	if b := ComputeHash("gpt-4o", "user: hi"); b != a {
		t.Error("hash not deterministic")
	}
	if b := ComputeHash("gpt-4o-mini", "user: hi"); b == a {
		t.Error("hash should partition by model")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func newEmbedder(t *testing.T) *Embedder {
	t.Helper()
	e, err := NewEmbedder()
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func TestEmbedder(t *testing.T) {
	t.Parallel()
	e := newEmbedder(t)

	v := e.Embed("what is the weather in paris")
	if len(v) != Dimensions {
		t.Fatalf("dimensions = %d, want %d", len(v), Dimensions)
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("vector norm^2 = %f, want 1", norm)
	}

	// Deterministic and memoized.
	v2 := e.Embed("what is the weather in paris")
	if CosineSimilarity(v, v2) < 0.9999 {
		t.Error("identical text should embed identically")
	}

	similar := CosineSimilarity(v, e.Embed("what is the weather in paris today"))
	unrelated := CosineSimilarity(v, e.Embed("compile the quarterly revenue report"))
	if similar <= unrelated {
		t.Errorf("similar=%f should exceed unrelated=%f", similar, unrelated)
	}

	if got := e.Embed(""); len(got) != Dimensions {
		t.Errorf("empty text should yield a zero vector of full width, got len %d", len(got))
	}
}

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestExactCache(t *testing.T) {
	rdb, mr := newTestRedis(t)
	c := NewExact(rdb, "test:", time.Hour, nil)
	ctx := context.Background()

	hash := ComputeHash("gpt-4o", "user: hi")
	if _, ok := c.Get(ctx, hash); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	payload := json.RawMessage(`{"id":"chatcmpl-1"}`)
	c.Set(ctx, hash, payload)
	got, ok := c.Get(ctx, hash)
	if !ok || string(got) != string(payload) {
		t.Fatalf("round trip = %s, ok=%v", got, ok)
	}

	// TTL applies.
	mr.FastForward(2 * time.Hour)
	if _, ok := c.Get(ctx, hash); ok {
		t.Error("entry should have expired")
	}

	c.Set(ctx, hash, payload)
	c.Set(ctx, ComputeHash("gpt-4o", "user: other"), payload)
	if n := c.Clear(ctx); n != 2 {
		t.Errorf("cleared = %d, want 2", n)
	}
	if _, ok := c.Get(ctx, hash); ok {
		t.Error("hit after clear")
	}
}

// fakeCacheStore is an in-memory CacheStore for tier-2 tests.
type fakeCacheStore struct {
	storage.CacheStore
	entries []*conduit.CacheEntry
}

func (s *fakeCacheStore) InsertCacheEntry(_ context.Context, e *conduit.CacheEntry) error {
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *fakeCacheStore) ListCacheCandidates(_ context.Context, model string, now time.Time, limit int) ([]*conduit.CacheEntry, error) {
	var out []*conduit.CacheEntry
	for _, e := range s.entries {
		if e.Model == model && e.ExpiresAt.After(now) && len(out) < limit {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeCacheStore) RecordCacheHit(_ context.Context, id string, costSaved decimal.Decimal) error {
	for _, e := range s.entries {
		if e.ID == id {
			e.HitCount++
			e.CostSavedUSD = e.CostSavedUSD.Add(costSaved)
			return nil
		}
	}
	return conduit.ErrNotFound
}

func (s *fakeCacheStore) ClearCache(_ context.Context, model string) (int64, error) {
	var kept []*conduit.CacheEntry
	var removed int64
	for _, e := range s.entries {
		if model == "" || e.Model == model {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func TestSemanticCache(t *testing.T) {
	t.Parallel()
	store := &fakeCacheStore{}
	sem := NewSemantic(store, newEmbedder(t), pricing.NewTable(), 0, nil)
	ctx := context.Background()

	normalized := "user: what is the weather in paris"
	payload := json.RawMessage(`{"id":"chatcmpl-2"}`)
	if _, err := sem.Store(ctx, normalized, "gpt-4o", payload, 100, 50, time.Hour); err != nil {
		t.Fatal(err)
	}

	entry, sim, err := sem.Lookup(ctx, normalized, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || sim < DefaultSemanticThreshold {
		t.Fatalf("entry=%v sim=%f", entry, sim)
	}
	if entry.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", entry.HitCount)
	}
	// 100 * 2.50/1M + 50 * 10.00/1M = 0.00075
	if want := decimal.RequireFromString("0.00075"); !entry.CostSavedUSD.Equal(want) {
		t.Errorf("cost saved = %s, want %s", entry.CostSavedUSD, want)
	}

	// Different model never matches.
	if e, _, _ := sem.Lookup(ctx, normalized, "gpt-4o-mini"); e != nil {
		t.Error("hit across models")
	}
	// Unrelated prompt falls under the threshold.
	if e, _, _ := sem.Lookup(ctx, "user: compile the revenue report", "gpt-4o"); e != nil {
		t.Error("hit on unrelated prompt")
	}
}

func TestSemanticCache_SkipsExpired(t *testing.T) {
	t.Parallel()
	store := &fakeCacheStore{}
	sem := NewSemantic(store, newEmbedder(t), pricing.NewTable(), 0, nil)
	ctx := context.Background()

	if _, err := sem.Store(ctx, "user: hello", "gpt-4o", json.RawMessage(`{}`), 1, 1, -time.Minute); err != nil {
		t.Fatal(err)
	}
	if e, _, _ := sem.Lookup(ctx, "user: hello", "gpt-4o"); e != nil {
		t.Error("expired entry returned")
	}
}

func newTestManager(t *testing.T, exact *ExactCache, store storage.CacheStore) *Manager {
	t.Helper()
	return NewManager(exact, store, newEmbedder(t), pricing.NewTable(), DefaultConfig(), nil)
}

func TestManager_StoreThenExactHit(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := &fakeCacheStore{}
	m := newTestManager(t, NewExact(rdb, "", time.Hour, nil), store)
	ctx := context.Background()

	messages := []conduit.Message{msg("user", "what is the weather in paris")}
	payload := json.RawMessage(`{"id":"chatcmpl-3","usage":{"prompt_tokens":11,"completion_tokens":7}}`)

	if res := m.Lookup(ctx, messages, "gpt-4o"); res.Hit {
		t.Fatal("hit before store")
	}
	m.Store(ctx, messages, "gpt-4o", payload, 11, 7)

	res := m.Lookup(ctx, messages, "gpt-4o")
	if !res.Hit || res.Source != SourceExact || res.Similarity != 1.0 {
		t.Fatalf("res = %+v, want exact hit", res)
	}
	if string(res.Response) != string(payload) {
		t.Errorf("payload = %s", res.Response)
	}
	if res.PromptTokens != 11 || res.CompletionTokens != 7 {
		t.Errorf("token counts = %d/%d, want 11/7", res.PromptTokens, res.CompletionTokens)
	}
	if len(store.entries) != 1 {
		t.Errorf("semantic entries = %d, want 1", len(store.entries))
	}
}

func TestManager_SemanticHitPromotes(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := &fakeCacheStore{}
	exact := NewExact(rdb, "", time.Hour, nil)
	m := newTestManager(t, exact, store)
	ctx := context.Background()

	messages := []conduit.Message{msg("user", "what is the weather in paris")}
	payload := json.RawMessage(`{"id":"chatcmpl-4"}`)

	// Seed only the semantic tier, as if the exact entry had expired.
	if _, err := m.semantic.Store(ctx, Normalize(messages), "gpt-4o", payload, 100, 50, time.Hour); err != nil {
		t.Fatal(err)
	}

	res := m.Lookup(ctx, messages, "gpt-4o")
	if !res.Hit || res.Source != SourceSemantic {
		t.Fatalf("res = %+v, want semantic hit", res)
	}
	if res.PromptTokens != 100 || res.CompletionTokens != 50 {
		t.Errorf("token counts = %d/%d", res.PromptTokens, res.CompletionTokens)
	}

	// Promotion makes the next identical lookup an exact hit.
	res = m.Lookup(ctx, messages, "gpt-4o")
	if !res.Hit || res.Source != SourceExact {
		t.Errorf("after promotion res = %+v, want exact hit", res)
	}
}

func TestManager_DisabledAndEmpty(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := &fakeCacheStore{}
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := NewManager(NewExact(rdb, "", time.Hour, nil), store, newEmbedder(t), pricing.NewTable(), cfg, nil)
	ctx := context.Background()

	messages := []conduit.Message{msg("user", "hello")}
	if res := m.Lookup(ctx, messages, "gpt-4o"); res.Hit {
		t.Error("disabled cache hit")
	}
	m.Store(ctx, messages, "gpt-4o", json.RawMessage(`{}`), 1, 1)
	if len(store.entries) != 0 {
		t.Error("disabled cache stored entries")
	}

	// System-only conversations have no cache identity.
	m2 := newTestManager(t, nil, store)
	onlySystem := []conduit.Message{msg("system", "setup")}
	m2.Store(ctx, onlySystem, "gpt-4o", json.RawMessage(`{}`), 1, 1)
	if len(store.entries) != 0 {
		t.Error("system-only conversation stored")
	}
}

func TestManager_Clear(t *testing.T) {
	rdb, _ := newTestRedis(t)
	store := &fakeCacheStore{}
	m := newTestManager(t, NewExact(rdb, "", time.Hour, nil), store)
	ctx := context.Background()

	m.Store(ctx, []conduit.Message{msg("user", "q1")}, "gpt-4o", json.RawMessage(`{}`), 1, 1)
	m.Store(ctx, []conduit.Message{msg("user", "q2")}, "gpt-4o-mini", json.RawMessage(`{}`), 1, 1)

	exactCleared, semanticCleared, err := m.Clear(ctx, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if exactCleared != 2 {
		t.Errorf("exact cleared = %d, want 2 (tier has no model index)", exactCleared)
	}
	if semanticCleared != 1 {
		t.Errorf("semantic cleared = %d, want 1", semanticCleared)
	}
}
