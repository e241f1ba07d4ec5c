// Package circuitbreaker sheds load on failing deployments and probes for
// recovery after a cooldown. State is derived from the deployment row
// (is_healthy, cooldown_until), so every gateway process sees the same
// picture; the only in-memory piece is the half-open probe gate, which keeps
// a single process from launching concurrent probes.
package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
)

// State represents the circuit breaker state for one deployment.
type State int

const (
	// StateClosed allows requests to flow normally.
	StateClosed State = iota
	// StateOpen rejects all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single probe request.
	StateHalfOpen
)

// String returns the lowercase state name for logging and the health API.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker. Default 3.
	FailureThreshold int
	// Cooldown is how long an opened breaker rejects requests before
	// admitting a probe. Default 60s. A failed probe doubles it.
	Cooldown time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, Cooldown: 60 * time.Second}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

// Breaker evaluates and transitions deployment health. Transitions write
// through to storage so other processes observe them immediately.
type Breaker struct {
	store  storage.DeploymentStore
	cfg    Config
	logger *slog.Logger

	// now is swapped in tests.
	now func() time.Time

	mu      sync.Mutex
	probing map[string]bool
}

// New creates a Breaker over the given deployment store.
func New(store storage.DeploymentStore, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		probing: make(map[string]bool),
	}
}

// StateOf derives the breaker state from the deployment's health fields.
func (b *Breaker) StateOf(d *conduit.Deployment) State {
	if d.Healthy {
		return StateClosed
	}
	if d.CooldownUntil != nil && d.CooldownUntil.After(b.now()) {
		return StateOpen
	}
	return StateHalfOpen
}

// Allow reports whether a request may be sent to the deployment. In
// HALF_OPEN only one probe per process is admitted; the gate is released by
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow(d *conduit.Deployment) bool {
	switch b.StateOf(d) {
	case StateClosed:
		return true
	case StateOpen:
		return false
	default:
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.probing[d.ID] {
			return false
		}
		b.probing[d.ID] = true
		return true
	}
}

// RecordSuccess marks the deployment healthy and resets the failure counter.
// The deployment struct is updated in place alongside the store.
func (b *Breaker) RecordSuccess(ctx context.Context, d *conduit.Deployment) error {
	b.releaseProbe(d.ID)

	if d.Healthy && d.ConsecutiveFailures == 0 {
		return nil
	}
	if !d.Healthy {
		b.logger.LogAttrs(ctx, slog.LevelInfo, "breaker.closed",
			slog.String("deployment_id", d.ID),
			slog.String("deployment", d.Name))
	}
	d.Healthy = true
	d.ConsecutiveFailures = 0
	d.CooldownUntil = nil
	return b.store.UpdateDeploymentHealth(ctx, d.ID, true, 0, nil)
}

// RecordFailure counts a failure against the deployment, opening the breaker
// at the threshold. A failed half-open probe re-opens with a doubled
// cooldown.
func (b *Breaker) RecordFailure(ctx context.Context, d *conduit.Deployment) error {
	state := b.StateOf(d)
	b.releaseProbe(d.ID)

	d.ConsecutiveFailures++
	cooldown := b.cfg.Cooldown

	switch {
	case state == StateHalfOpen:
		cooldown = 2 * b.cfg.Cooldown
		fallthrough
	case state == StateOpen, d.ConsecutiveFailures >= b.cfg.FailureThreshold:
		until := b.now().Add(cooldown)
		d.Healthy = false
		d.CooldownUntil = &until
		b.logger.LogAttrs(ctx, slog.LevelWarn, "breaker.opened",
			slog.String("deployment_id", d.ID),
			slog.String("deployment", d.Name),
			slog.Int("consecutive_failures", d.ConsecutiveFailures),
			slog.Time("cooldown_until", until))
	}
	return b.store.UpdateDeploymentHealth(ctx, d.ID, d.Healthy, d.ConsecutiveFailures, d.CooldownUntil)
}

func (b *Breaker) releaseProbe(id string) {
	b.mu.Lock()
	delete(b.probing, id)
	b.mu.Unlock()
}
