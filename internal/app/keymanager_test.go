package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
)

// fakePrincipalStore is a minimal inline PrincipalStore for KeyManager tests.
type fakePrincipalStore struct {
	mu         sync.Mutex
	principals map[string]*conduit.Principal
}

func newFakePrincipalStore() *fakePrincipalStore {
	return &fakePrincipalStore{principals: make(map[string]*conduit.Principal)}
}

func (s *fakePrincipalStore) CreatePrincipal(_ context.Context, p *conduit.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.principals[p.ID] = &cp
	return nil
}

func (s *fakePrincipalStore) GetPrincipal(_ context.Context, id string) (*conduit.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, conduit.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakePrincipalStore) GetPrincipalByHash(_ context.Context, hash string) (*conduit.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.principals {
		if p.KeyHash == hash {
			cp := *p
			return &cp, nil
		}
	}
	return nil, conduit.ErrNotFound
}

func (s *fakePrincipalStore) ListPrincipals(_ context.Context, offset, limit int) ([]*conduit.Principal, error) {
	return nil, nil
}

func (s *fakePrincipalStore) UpdatePrincipal(_ context.Context, p *conduit.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; !ok {
		return conduit.ErrNotFound
	}
	cp := *p
	s.principals[p.ID] = &cp
	return nil
}

func (s *fakePrincipalStore) DeletePrincipal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.principals, id)
	return nil
}

func (s *fakePrincipalStore) AddSpend(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.principals[id]; ok {
		p.SpendUSD = p.SpendUSD.Add(amount)
	}
	return nil
}

func (s *fakePrincipalStore) TouchPrincipalUsed(_ context.Context, id string) error { return nil }

func TestCreateKey(t *testing.T) {
	t.Parallel()

	store := newFakePrincipalStore()
	km := NewKeyManager(store, nil)

	budget := decimal.NewFromInt(50)
	rpm := int64(60)
	plaintext, p, err := km.CreateKey(context.Background(), CreateKeyOpts{
		Name:          "ci-bot",
		AllowedModels: []string{"gpt-4o"},
		BudgetUSD:     &budget,
		RPMLimit:      &rpm,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(plaintext, conduit.APIKeyPrefix) {
		t.Errorf("plaintext = %q, want %s prefix", plaintext, conduit.APIKeyPrefix)
	}
	if p.KeyHash != conduit.HashKey(plaintext) {
		t.Error("stored hash does not match the plaintext")
	}
	if p.KeyPrefix != plaintext[:conduit.KeyPrefixLen] {
		t.Errorf("key prefix = %q, want first %d chars", p.KeyPrefix, conduit.KeyPrefixLen)
	}
	if !p.Active {
		t.Error("new keys should be active")
	}
	if p.ID == "" {
		t.Error("principal should get an id")
	}

	stored, err := store.GetPrincipal(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("principal not persisted: %v", err)
	}
	if stored.Name != "ci-bot" || stored.BudgetUSD == nil || !stored.BudgetUSD.Equal(budget) {
		t.Errorf("stored principal = %+v", stored)
	}
}

func TestCreateKeyUniquePlaintext(t *testing.T) {
	t.Parallel()

	km := NewKeyManager(newFakePrincipalStore(), nil)

	a, _, err := km.CreateKey(context.Background(), CreateKeyOpts{Name: "a"})
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := km.CreateKey(context.Background(), CreateKeyOpts{Name: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two keys should never share plaintext")
	}
}

func TestRevokeKey(t *testing.T) {
	t.Parallel()

	store := newFakePrincipalStore()
	km := NewKeyManager(store, nil)

	_, p, err := km.CreateKey(context.Background(), CreateKeyOpts{Name: "to-revoke"})
	if err != nil {
		t.Fatal(err)
	}

	if err := km.RevokeKey(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
	stored, err := store.GetPrincipal(context.Background(), p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Active {
		t.Error("revoked key should be inactive")
	}

	// Revoking twice is a no-op, not an error.
	if err := km.RevokeKey(context.Background(), p.ID); err != nil {
		t.Fatal(err)
	}
}

func TestRevokeKeyNotFound(t *testing.T) {
	t.Parallel()

	km := NewKeyManager(newFakePrincipalStore(), nil)
	err := km.RevokeKey(context.Background(), "missing")
	if !errors.Is(err, conduit.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateKeyExpiry(t *testing.T) {
	t.Parallel()

	store := newFakePrincipalStore()
	km := NewKeyManager(store, nil)

	exp := time.Now().Add(24 * time.Hour).UTC()
	_, p, err := km.CreateKey(context.Background(), CreateKeyOpts{Name: "temp", ExpiresAt: &exp})
	if err != nil {
		t.Fatal(err)
	}
	if p.ExpiresAt == nil || !p.ExpiresAt.Equal(exp) {
		t.Errorf("expires_at = %v, want %v", p.ExpiresAt, exp)
	}
}
