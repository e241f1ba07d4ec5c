// Package provider implements the adapter registry and shared utilities for
// LLM provider adapters. Adapters live in subpackages; the registry maps
// deployment provider tags to builder functions so a conduit.Provider can be
// constructed per deployment with its own base URL and decrypted credential.
package provider

import (
	"fmt"
	"net/http"
	"slices"
	"sync"

	conduit "github.com/conduitproxy/conduit/internal"
)

// Builder constructs a Provider for one deployment.
type Builder func(baseURL, apiKey string, client *http.Client) conduit.Provider

// Registry maps provider tags to adapter builders.
// It is safe for concurrent use.
type Registry struct {
	http     *http.Client
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns an empty Registry. Adapters built through it share
// client's transport; if client is nil, a default client is used.
func NewRegistry(client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{}
	}
	return &Registry{http: client, builders: make(map[string]Builder)}
}

// Register adds a builder under the given provider tag.
// It overwrites any previously registered builder with the same tag.
func (r *Registry) Register(tag string, b Builder) {
	r.mu.Lock()
	r.builders[tag] = b
	r.mu.Unlock()
}

// For constructs a Provider for the deployment using its provider tag,
// base URL, and the decrypted upstream credential.
func (r *Registry) For(d *conduit.Deployment, apiKey string) (conduit.Provider, error) {
	r.mu.RLock()
	b, ok := r.builders[d.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", d.Provider)
	}
	return b(d.BaseURL, apiKey, r.http), nil
}

// List returns a sorted slice of all registered provider tags.
func (r *Registry) List() []string {
	r.mu.RLock()
	tags := slices.Collect(func(yield func(string) bool) {
		for tag := range r.builders {
			if !yield(tag) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(tags)
	return tags
}
