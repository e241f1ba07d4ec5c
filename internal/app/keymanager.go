package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/auth"
	"github.com/conduitproxy/conduit/internal/storage"
)

// KeyManager handles API key lifecycle. Revocations invalidate the auth
// cache so they take effect immediately instead of after the cache TTL.
type KeyManager struct {
	store storage.PrincipalStore
	auth  *auth.Authenticator
}

// NewKeyManager returns a KeyManager backed by store. auth may be nil.
func NewKeyManager(store storage.PrincipalStore, auth *auth.Authenticator) *KeyManager {
	return &KeyManager{store: store, auth: auth}
}

// CreateKeyOpts holds the fields settable at key creation.
type CreateKeyOpts struct {
	Name          string
	AllowedModels []string
	BudgetUSD     *decimal.Decimal
	RPMLimit      *int64
	TPMLimit      *int64
	ExpiresAt     *time.Time
}

// CreateKey generates a new API key, stores its hash, and returns the
// plaintext along with the persisted principal. The plaintext is shown
// exactly once; only the hash and display prefix survive.
func (km *KeyManager) CreateKey(ctx context.Context, opts CreateKeyOpts) (string, *conduit.Principal, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := conduit.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)

	p := &conduit.Principal{
		ID:            uuid.Must(uuid.NewV7()).String(),
		KeyHash:       conduit.HashKey(plaintext),
		KeyPrefix:     conduit.DisplayPrefix(plaintext),
		Name:          opts.Name,
		AllowedModels: opts.AllowedModels,
		BudgetUSD:     opts.BudgetUSD,
		RPMLimit:      opts.RPMLimit,
		TPMLimit:      opts.TPMLimit,
		Active:        true,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now().UTC(),
	}

	if err := km.store.CreatePrincipal(ctx, p); err != nil {
		return "", nil, err
	}
	return plaintext, p, nil
}

// RevokeKey deactivates the key. The row survives for the request log's
// foreign reference; only authentication stops working.
func (km *KeyManager) RevokeKey(ctx context.Context, id string) error {
	p, err := km.store.GetPrincipal(ctx, id)
	if err != nil {
		return err
	}
	if p.Active {
		p.Active = false
		if err := km.store.UpdatePrincipal(ctx, p); err != nil {
			return err
		}
	}
	if km.auth != nil {
		km.auth.Invalidate(id)
	}
	return nil
}
