// Package testutil provides in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store. All methods
// return copies so callers cannot mutate shared state through aliases.
type FakeStore struct {
	mu          sync.RWMutex
	principals  map[string]*conduit.Principal
	deployments map[string]*conduit.Deployment
	rules       map[string]*conduit.GuardrailRule
	cache       map[string]*conduit.CacheEntry
	prompts     map[string]*conduit.PromptTemplate
	logs        []conduit.RequestLog
	audit       []*conduit.AuditEvent
}

var _ storage.Store = (*FakeStore)(nil)

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		principals:  make(map[string]*conduit.Principal),
		deployments: make(map[string]*conduit.Deployment),
		rules:       make(map[string]*conduit.GuardrailRule),
		cache:       make(map[string]*conduit.CacheEntry),
		prompts:     make(map[string]*conduit.PromptTemplate),
	}
}

// --- PrincipalStore ---

func (s *FakeStore) CreatePrincipal(_ context.Context, p *conduit.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; ok {
		return conduit.ErrConflict
	}
	cp := *p
	s.principals[p.ID] = &cp
	return nil
}

func (s *FakeStore) GetPrincipal(_ context.Context, id string) (*conduit.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *FakeStore) GetPrincipalByHash(_ context.Context, hash string) (*conduit.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.principals {
		if p.KeyHash == hash {
			cp := *p
			return &cp, nil
		}
	}
	return nil, conduit.ErrNotFound
}

func (s *FakeStore) ListPrincipals(_ context.Context, offset, limit int) ([]*conduit.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*conduit.Principal, 0, len(s.principals))
	for _, p := range s.principals {
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, offset, limit), nil
}

func (s *FakeStore) UpdatePrincipal(_ context.Context, p *conduit.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; !ok {
		return conduit.ErrNotFound
	}
	cp := *p
	s.principals[p.ID] = &cp
	return nil
}

func (s *FakeStore) DeletePrincipal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[id]; !ok {
		return conduit.ErrNotFound
	}
	delete(s.principals, id)
	return nil
}

func (s *FakeStore) AddSpend(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return conduit.ErrNotFound
	}
	p.SpendUSD = p.SpendUSD.Add(amount)
	return nil
}

func (s *FakeStore) TouchPrincipalUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.principals[id]; ok {
		now := time.Now().UTC()
		p.LastUsedAt = &now
	}
	return nil
}

// --- DeploymentStore ---

func (s *FakeStore) CreateDeployment(_ context.Context, d *conduit.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[d.ID]; ok {
		return conduit.ErrConflict
	}
	cp := *d
	s.deployments[d.ID] = &cp
	return nil
}

func (s *FakeStore) GetDeployment(_ context.Context, id string) (*conduit.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *FakeStore) GetDeploymentByName(_ context.Context, name string) (*conduit.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deployments {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, conduit.ErrNotFound
}

func (s *FakeStore) ListDeployments(_ context.Context) ([]*conduit.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*conduit.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		cp := *d
		all = append(all, &cp)
	}
	sortDeployments(all)
	return all, nil
}

func (s *FakeStore) ListDeploymentsForModel(_ context.Context, model string) ([]*conduit.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conduit.Deployment
	for _, d := range s.deployments {
		if d.Active && d.Model == model {
			cp := *d
			out = append(out, &cp)
		}
	}
	sortDeployments(out)
	return out, nil
}

func (s *FakeStore) UpdateDeployment(_ context.Context, d *conduit.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[d.ID]; !ok {
		return conduit.ErrNotFound
	}
	cp := *d
	s.deployments[d.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteDeployment(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[id]; !ok {
		return conduit.ErrNotFound
	}
	delete(s.deployments, id)
	return nil
}

func (s *FakeStore) UpdateDeploymentHealth(_ context.Context, id string, healthy bool, consecutiveFailures int, cooldownUntil *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return conduit.ErrNotFound
	}
	d.Healthy = healthy
	d.ConsecutiveFailures = consecutiveFailures
	d.CooldownUntil = cooldownUntil
	return nil
}

// --- GuardrailStore ---

func (s *FakeStore) CreateRule(_ context.Context, r *conduit.GuardrailRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; ok {
		return conduit.ErrConflict
	}
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *FakeStore) GetRule(_ context.Context, id string) (*conduit.GuardrailRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *FakeStore) ListRules(_ context.Context) ([]*conduit.GuardrailRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*conduit.GuardrailRule, 0, len(s.rules))
	for _, r := range s.rules {
		cp := *r
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Priority < all[j].Priority })
	return all, nil
}

func (s *FakeStore) ListActiveRules(_ context.Context, stage string) ([]*conduit.GuardrailRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conduit.GuardrailRule
	for _, r := range s.rules {
		if r.Active && (r.Stage == stage || r.Stage == conduit.StageBoth) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *FakeStore) UpdateRule(_ context.Context, r *conduit.GuardrailRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return conduit.ErrNotFound
	}
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *FakeStore) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return conduit.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

// --- CacheStore ---

func (s *FakeStore) InsertCacheEntry(_ context.Context, e *conduit.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.cache[e.ID] = &cp
	return nil
}

func (s *FakeStore) ListCacheCandidates(_ context.Context, model string, now time.Time, limit int) ([]*conduit.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conduit.CacheEntry
	for _, e := range s.cache {
		if e.Model == model && e.ExpiresAt.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FakeStore) RecordCacheHit(_ context.Context, id string, costSaved decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[id]
	if !ok {
		return conduit.ErrNotFound
	}
	e.HitCount++
	e.CostSavedUSD = e.CostSavedUSD.Add(costSaved)
	return nil
}

func (s *FakeStore) ClearCache(_ context.Context, model string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.cache {
		if model == "" || e.Model == model {
			delete(s.cache, id)
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) DeleteExpiredCache(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.cache {
		if !e.ExpiresAt.After(now) {
			delete(s.cache, id)
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) CacheStats(_ context.Context, now time.Time) (*storage.CacheStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &storage.CacheStats{TotalCostSavedUSD: decimal.Zero}
	for _, e := range s.cache {
		stats.TotalEntries++
		if e.ExpiresAt.After(now) {
			stats.ActiveEntries++
		} else {
			stats.ExpiredEntries++
		}
		stats.TotalHits += e.HitCount
		stats.TotalCostSavedUSD = stats.TotalCostSavedUSD.Add(e.CostSavedUSD)
	}
	return stats, nil
}

// --- PromptStore ---

func (s *FakeStore) CreatePrompt(_ context.Context, p *conduit.PromptTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.prompts {
		if existing.Name == p.Name {
			return conduit.ErrConflict
		}
	}
	cp := *p
	s.prompts[p.ID] = &cp
	return nil
}

func (s *FakeStore) GetPromptByName(_ context.Context, name string) (*conduit.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.prompts {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, conduit.ErrNotFound
}

func (s *FakeStore) ListPrompts(_ context.Context) ([]*conduit.PromptTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*conduit.PromptTemplate, 0, len(s.prompts))
	for _, p := range s.prompts {
		cp := *p
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

func (s *FakeStore) DeletePrompt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[id]; !ok {
		return conduit.ErrNotFound
	}
	delete(s.prompts, id)
	return nil
}

// --- RequestLogStore ---

func (s *FakeStore) InsertRequestLogs(_ context.Context, logs []conduit.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, logs...)
	return nil
}

func (s *FakeStore) ListRequestLogs(_ context.Context, principalID string, offset, limit int) ([]*conduit.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conduit.RequestLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if principalID != "" && s.logs[i].PrincipalID != principalID {
			continue
		}
		cp := s.logs[i]
		out = append(out, &cp)
	}
	return paginate(out, offset, limit), nil
}

func (s *FakeStore) SpendByPrincipal(_ context.Context, since, until time.Time) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for _, l := range s.logs {
		if inWindow(l.CreatedAt, since, until) {
			out[l.PrincipalID] = out[l.PrincipalID].Add(l.CostUSD)
		}
	}
	return out, nil
}

func (s *FakeStore) SpendByModel(_ context.Context, since, until time.Time) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal)
	for _, l := range s.logs {
		if inWindow(l.CreatedAt, since, until) {
			out[l.Model] = out[l.Model].Add(l.CostUSD)
		}
	}
	return out, nil
}

func (s *FakeStore) UsageTotals(_ context.Context, since, until time.Time) (*storage.UsageTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	totals := &storage.UsageTotals{}
	for _, l := range s.logs {
		if !inWindow(l.CreatedAt, since, until) {
			continue
		}
		totals.Requests++
		if l.Cached {
			totals.CachedRequests++
		}
		totals.PromptTokens += int64(l.PromptTokens)
		totals.CompletionTokens += int64(l.CompletionTokens)
	}
	return totals, nil
}

func (s *FakeStore) DeleteRequestLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var n int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return n, nil
}

// --- AuditStore ---

func (s *FakeStore) InsertAuditEvent(_ context.Context, e *conduit.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *FakeStore) ListAuditEvents(_ context.Context, offset, limit int) ([]*conduit.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conduit.AuditEvent, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		cp := *s.audit[i]
		out = append(out, &cp)
	}
	return paginate(out, offset, limit), nil
}

// Close implements storage.Store.
func (s *FakeStore) Close() error { return nil }

// AuditEvents returns a snapshot of recorded audit events, oldest first.
func (s *FakeStore) AuditEvents() []*conduit.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conduit.AuditEvent, 0, len(s.audit))
	for _, e := range s.audit {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// RequestLogs returns a snapshot of recorded request log rows, oldest first.
func (s *FakeStore) RequestLogs() []conduit.RequestLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]conduit.RequestLog, len(s.logs))
	copy(out, s.logs)
	return out
}

func sortDeployments(ds []*conduit.Deployment) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority < ds[j].Priority
		}
		return ds[i].Name < ds[j].Name
	})
}

func paginate[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

func inWindow(t, since, until time.Time) bool {
	return !t.Before(since) && t.Before(until)
}
