// Package auth authenticates bearer credentials against the principal store.
// The configured master secret synthesizes an ambient admin principal; every
// other credential is hashed and looked up, with resolved principals held in
// a short-lived W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// Authenticator resolves Authorization headers to principals.
type Authenticator struct {
	store        storage.PrincipalStore
	masterSecret string
	cache        *otter.Cache[string, *conduit.Principal]
	idToHash     sync.Map // principal ID -> hash for cache invalidation
}

// New returns an Authenticator backed by store. masterSecret may be empty,
// in which case no ambient admin principal exists.
func New(store storage.PrincipalStore, masterSecret string) (*Authenticator, error) {
	c, err := otter.New(&otter.Options[string, *conduit.Principal]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *conduit.Principal](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Authenticator{store: store, masterSecret: masterSecret, cache: c}, nil
}

// AuthenticateRequest extracts the bearer credential from the request.
func (a *Authenticator) AuthenticateRequest(ctx context.Context, r *http.Request) (*conduit.Principal, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, conduit.ErrMissingCredentials
	}
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, conduit.ErrInvalidCredentials
	}
	return a.Authenticate(ctx, raw)
}

// Authenticate resolves a raw credential to a principal. The master secret
// comparison is constant-time; everything else goes through the hash lookup.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*conduit.Principal, error) {
	if a.masterSecret != "" &&
		subtle.ConstantTimeCompare([]byte(raw), []byte(a.masterSecret)) == 1 {
		return masterPrincipal(), nil
	}

	if !strings.HasPrefix(raw, conduit.APIKeyPrefix) {
		return nil, conduit.ErrInvalidCredentials
	}
	hash := conduit.HashKey(raw)

	if p, ok := a.cache.GetIfPresent(hash); ok {
		if err := checkUsable(p); err != nil {
			a.cache.Invalidate(hash)
			return nil, err
		}
		return p, nil
	}

	p, err := a.store.GetPrincipalByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, conduit.ErrNotFound) {
			return nil, conduit.ErrInvalidCredentials
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(p.KeyHash), []byte(hash)) != 1 {
		return nil, conduit.ErrInvalidCredentials
	}

	if err := checkUsable(p); err != nil {
		return nil, err
	}

	a.cache.Set(hash, p)
	a.idToHash.Store(p.ID, hash)

	// Touch last-used timestamp asynchronously.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		a.store.TouchPrincipalUsed(ctx, p.ID) //nolint:errcheck
	}()

	return p, nil
}

// Invalidate removes a cached principal by ID. Admin mutations (revoke,
// update, delete) call this so the change takes effect immediately.
func (a *Authenticator) Invalidate(principalID string) {
	if hash, ok := a.idToHash.LoadAndDelete(principalID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

func checkUsable(p *conduit.Principal) error {
	if !p.Active {
		return conduit.ErrInvalidCredentials
	}
	if p.ExpiresAt != nil && p.ExpiresAt.Before(time.Now()) {
		return conduit.ErrExpiredCredentials
	}
	return nil
}

// masterPrincipal synthesizes the ambient admin principal. It has no key
// row, no allow-list, and unlimited quotas.
func masterPrincipal() *conduit.Principal {
	return &conduit.Principal{
		ID:     conduit.MasterPrincipalID,
		Name:   "master",
		Active: true,
	}
}
