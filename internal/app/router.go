// Package app implements the request pipeline of the Conduit gateway:
// deployment routing, the completion orchestrator for both response modes,
// and API key lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/circuitbreaker"
	"github.com/conduitproxy/conduit/internal/pricing"
	"github.com/conduitproxy/conduit/internal/storage"
)

// Routing strategies. Latency-aware ranking is not implemented yet and
// degrades to priority ordering.
const (
	StrategyPriority           = "priority"
	StrategyWeightedRoundRobin = "weighted_round_robin"
	StrategyCost               = "cost"
	StrategyLatency            = "latency"
)

// RouterConfig tunes chain construction.
type RouterConfig struct {
	// Strategy ranks available deployments. Default priority.
	Strategy string
	// MaxRetries bounds fallback: the chain holds at most MaxRetries+1
	// deployments. Default 2.
	MaxRetries int
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.Strategy == "" {
		c.Strategy = StrategyPriority
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	return c
}

// Router builds the ordered fallback chain of deployments for a model.
type Router struct {
	store   storage.DeploymentStore
	breaker *circuitbreaker.Breaker
	pricing *pricing.Table
	cfg     RouterConfig
	logger  *slog.Logger
}

// NewRouter creates a Router over the deployment store.
func NewRouter(store storage.DeploymentStore, breaker *circuitbreaker.Breaker, pricing *pricing.Table, cfg RouterConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:   store,
		breaker: breaker,
		pricing: pricing,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Chain returns the ordered deployments to attempt for model: active rows,
// minus those whose breaker is open, ranked by the configured strategy, and
// truncated to MaxRetries+1.
func (r *Router) Chain(ctx context.Context, model string) ([]*conduit.Deployment, error) {
	deployments, err := r.store.ListDeploymentsForModel(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("list deployments for %q: %w", model, err)
	}
	if len(deployments) == 0 {
		return nil, conduit.NewRequestError(conduit.ErrNoHealthyDeployment,
			"no deployment registered for model %q", model).
			WithDetail("reason", "not registered")
	}

	available := make([]*conduit.Deployment, 0, len(deployments))
	for _, d := range deployments {
		if r.breaker.StateOf(d) != circuitbreaker.StateOpen {
			available = append(available, d)
		}
	}
	if len(available) == 0 {
		return nil, conduit.NewRequestError(conduit.ErrNoHealthyDeployment,
			"all deployments for model %q are in cooldown", model).
			WithDetail("reason", "all in cooldown")
	}

	chain := r.rank(available)
	if limit := r.cfg.MaxRetries + 1; len(chain) > limit {
		chain = chain[:limit]
	}

	r.logger.LogAttrs(ctx, slog.LevelDebug, "router.chain",
		slog.String("model", model),
		slog.String("strategy", r.cfg.Strategy),
		slog.Int("length", len(chain)))
	return chain, nil
}

func (r *Router) rank(ds []*conduit.Deployment) []*conduit.Deployment {
	switch r.cfg.Strategy {
	case StrategyWeightedRoundRobin:
		return weightedOrder(ds)
	case StrategyCost:
		return r.costOrder(ds)
	default:
		return priorityOrder(ds)
	}
}

// priorityOrder sorts ascending by priority, keeping the store's name order
// for ties.
func priorityOrder(ds []*conduit.Deployment) []*conduit.Deployment {
	out := slices.Clone(ds)
	slices.SortStableFunc(out, func(a, b *conduit.Deployment) int {
		return a.Priority - b.Priority
	})
	return out
}

// weightedOrder draws deployments by repeated weighted random selection
// without replacement, so the first pick is weight-proportional and later
// picks drain the remainder. Non-positive weights count as 1.
func weightedOrder(ds []*conduit.Deployment) []*conduit.Deployment {
	pool := slices.Clone(ds)
	out := make([]*conduit.Deployment, 0, len(pool))
	for len(pool) > 0 {
		total := 0
		for _, d := range pool {
			total += max(d.Weight, 1)
		}
		n := rand.IntN(total)
		for i, d := range pool {
			n -= max(d.Weight, 1)
			if n < 0 {
				out = append(out, d)
				pool = slices.Delete(pool, i, i+1)
				break
			}
		}
	}
	return out
}

// costOrder sorts ascending by the model's output price per million tokens.
// Deployments whose model has no pricing entry rank last, by priority.
func (r *Router) costOrder(ds []*conduit.Deployment) []*conduit.Deployment {
	type priced struct {
		d     *conduit.Deployment
		cost  decimal.Decimal
		known bool
	}
	out := make([]priced, len(ds))
	for i, d := range ds {
		cost, known := r.pricing.OutputCostPer1M(d.Model)
		out[i] = priced{d: d, cost: cost, known: known}
	}
	slices.SortStableFunc(out, func(a, b priced) int {
		switch {
		case a.known && !b.known:
			return -1
		case !a.known && b.known:
			return 1
		case a.known && b.known:
			if c := a.cost.Cmp(b.cost); c != 0 {
				return c
			}
		}
		return a.d.Priority - b.d.Priority
	})
	ranked := make([]*conduit.Deployment, len(out))
	for i, p := range out {
		ranked[i] = p.d
	}
	return ranked
}
