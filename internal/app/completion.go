package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/cache"
	"github.com/conduitproxy/conduit/internal/circuitbreaker"
	"github.com/conduitproxy/conduit/internal/crypto"
	"github.com/conduitproxy/conduit/internal/guardrails"
	"github.com/conduitproxy/conduit/internal/pricing"
	"github.com/conduitproxy/conduit/internal/provider"
	"github.com/conduitproxy/conduit/internal/ratelimit"
	"github.com/conduitproxy/conduit/internal/tokencount"
)

// ProviderCache labels request log rows served from the cache instead of an
// upstream deployment.
const ProviderCache = "cache"

// SpendStore is the slice of principal storage consumed by the orchestrator.
type SpendStore interface {
	AddSpend(ctx context.Context, id string, amount decimal.Decimal) error
}

// LogRecorder ingests request log rows off the hot path. Rows arrive with
// RequestID and CreatedAt set and an empty ID.
type LogRecorder interface {
	Record(conduit.RequestLog)
}

// CompletionResult is the outcome of a non-streaming completion, carrying
// the response plus the metadata the transport layer turns into headers.
type CompletionResult struct {
	Response    *conduit.ChatResponse
	Provider    string
	Deployment  string
	CostUSD     decimal.Decimal
	Cached      bool
	CacheSource string
	RateLimit   *ratelimit.Result
}

// OrchestratorDeps bundles the pipeline dependencies. Limiter, Cache, and
// Recorder may be nil; the corresponding steps are skipped.
type OrchestratorDeps struct {
	Spends     SpendStore
	Router     *Router
	Providers  *provider.Registry
	Cipher     *crypto.Cipher
	Breaker    *circuitbreaker.Breaker
	Limiter    *ratelimit.Limiter
	Guardrails *guardrails.Engine
	Cache      *cache.Manager
	Pricing    *pricing.Table
	Counter    *tokencount.Counter
	Recorder   LogRecorder
	Logger     *slog.Logger
}

// Orchestrator drives the fixed request pipeline: access and budget checks,
// rate limiting, guardrails, cache, routed provider calls with breaker
// accounting, and post-response cost settlement.
type Orchestrator struct {
	spends     SpendStore
	router     *Router
	providers  *provider.Registry
	cipher     *crypto.Cipher
	breaker    *circuitbreaker.Breaker
	limiter    *ratelimit.Limiter
	guardrails *guardrails.Engine
	cache      *cache.Manager
	pricing    *pricing.Table
	counter    *tokencount.Counter
	recorder   LogRecorder
	logger     *slog.Logger
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	if d.Counter == nil {
		d.Counter = tokencount.NewCounter()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		spends:     d.Spends,
		router:     d.Router,
		providers:  d.Providers,
		cipher:     d.Cipher,
		breaker:    d.Breaker,
		limiter:    d.Limiter,
		guardrails: d.Guardrails,
		cache:      d.Cache,
		pricing:    d.Pricing,
		counter:    d.Counter,
		recorder:   d.Recorder,
		logger:     d.Logger,
	}
}

// ChatCompletion runs the non-streaming pipeline for the authenticated
// principal in ctx. Rejections (access, budget, rate limit, guardrails)
// return before any provider call and are not logged or charged.
func (o *Orchestrator) ChatCompletion(ctx context.Context, req *conduit.ChatRequest) (*CompletionResult, error) {
	p := conduit.PrincipalFromContext(ctx)
	if p == nil {
		return nil, conduit.ErrMissingCredentials
	}
	if err := checkAccess(p, req.Model); err != nil {
		return nil, err
	}
	rl, err := o.checkRPM(ctx, p)
	if err != nil {
		return nil, err
	}

	outReq := *req
	pre, err := o.guardrails.PreRequest(ctx, outReq.Messages, outReq.Model)
	if err != nil {
		return nil, err
	}
	if pre.Modified {
		// Redacted messages replace the originals for every downstream step:
		// cache key, provider call, and stored response.
		outReq.Messages = pre.Messages
	}

	start := time.Now()
	if res := o.lookupCache(ctx, &outReq); res != nil {
		var resp conduit.ChatResponse
		if err := json.Unmarshal(res.Response, &resp); err != nil {
			// A corrupt entry degrades to a miss.
			o.logger.LogAttrs(ctx, slog.LevelWarn, "cache.entry_corrupt",
				slog.String("model", outReq.Model), slog.String("error", err.Error()))
		} else {
			o.record(ctx, conduit.RequestLog{
				PrincipalID:      principalID(p),
				Model:            outReq.Model,
				Provider:         ProviderCache,
				PromptTokens:     res.PromptTokens,
				CompletionTokens: res.CompletionTokens,
				LatencyMs:        int(time.Since(start).Milliseconds()),
				StatusCode:       http.StatusOK,
				Cached:           true,
			})
			return &CompletionResult{
				Response:    &resp,
				Provider:    ProviderCache,
				Cached:      true,
				CacheSource: res.Source,
				RateLimit:   rl,
			}, nil
		}
	}

	resp, dep, err := o.tryChain(ctx, &outReq)
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	usage := o.usageFor(&outReq, resp)

	if text := assistantText(resp); text != "" {
		if _, err := o.guardrails.PostResponse(ctx, text, outReq.Model); err != nil {
			return nil, err
		}
	}

	cost := o.applySpend(ctx, p, outReq.Model, usage)

	if o.cache != nil {
		if payload, err := json.Marshal(resp); err == nil {
			o.cache.Store(ctx, outReq.Messages, outReq.Model, payload, usage.PromptTokens, usage.CompletionTokens)
		}
	}

	o.record(ctx, conduit.RequestLog{
		PrincipalID:      principalID(p),
		DeploymentID:     dep.ID,
		Model:            outReq.Model,
		Provider:         dep.Provider,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          cost,
		LatencyMs:        int(latency.Milliseconds()),
		StatusCode:       http.StatusOK,
	})

	return &CompletionResult{
		Response:   resp,
		Provider:   dep.Provider,
		Deployment: dep.ID,
		CostUSD:    cost,
		RateLimit:  rl,
	}, nil
}

// tryChain walks the router chain, attempting each deployment in order until
// one succeeds. Every attempt settles against the circuit breaker.
func (o *Orchestrator) tryChain(ctx context.Context, req *conduit.ChatRequest) (*conduit.ChatResponse, *conduit.Deployment, error) {
	chain, err := o.router.Chain(ctx, req.Model)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, d := range chain {
		if !o.breaker.Allow(d) {
			continue
		}
		prov, err := o.adapterFor(d)
		if err != nil {
			lastErr = err
			o.settleAttempt(ctx, d, err)
			continue
		}
		resp, err := prov.ChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			o.settleAttempt(ctx, d, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := o.breaker.RecordSuccess(ctx, d); err != nil {
			o.logger.LogAttrs(ctx, slog.LevelWarn, "breaker.record_failed",
				slog.String("deployment", d.Name), slog.String("error", err.Error()))
		}
		return resp, d, nil
	}

	if lastErr == nil {
		lastErr = conduit.NewRequestError(conduit.ErrNoHealthyDeployment,
			"all deployments for model %q are in cooldown", req.Model).
			WithDetail("reason", "all in cooldown")
	}
	return nil, nil, wrapProviderErr(lastErr)
}

// adapterFor decrypts the deployment credential and builds its adapter.
func (o *Orchestrator) adapterFor(d *conduit.Deployment) (conduit.Provider, error) {
	apiKey := ""
	if d.CredentialEnc != "" {
		if o.cipher == nil {
			return nil, fmt.Errorf("deployment %s has a credential but no cipher is configured", d.Name)
		}
		var err error
		apiKey, err = o.cipher.Decrypt(d.CredentialEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt credential for deployment %s: %w", d.Name, err)
		}
	}
	return o.providers.For(d, apiKey)
}

// settleAttempt releases the breaker probe and counts the failed attempt.
// Errors that do not implicate the deployment (caller cancellation, upstream
// 4xx) settle as success so a half-open breaker still closes.
func (o *Orchestrator) settleAttempt(ctx context.Context, d *conduit.Deployment, attemptErr error) {
	o.logger.LogAttrs(ctx, slog.LevelWarn, "proxy.attempt_failed",
		slog.String("deployment", d.Name),
		slog.String("provider", d.Provider),
		slog.String("error", attemptErr.Error()))

	var err error
	if circuitbreaker.Trips(attemptErr) {
		err = o.breaker.RecordFailure(ctx, d)
	} else {
		err = o.breaker.RecordSuccess(ctx, d)
	}
	if err != nil {
		o.logger.LogAttrs(ctx, slog.LevelWarn, "breaker.record_failed",
			slog.String("deployment", d.Name), slog.String("error", err.Error()))
	}
}

// lookupCache returns a hit result or nil. Streaming requests never consult
// the cache.
func (o *Orchestrator) lookupCache(ctx context.Context, req *conduit.ChatRequest) *cache.Result {
	if o.cache == nil || req.Stream {
		return nil
	}
	if res := o.cache.Lookup(ctx, req.Messages, req.Model); res.Hit {
		return res
	}
	return nil
}

// applySpend computes the request cost, charges the principal, and feeds the
// TPM bucket. Accounting failures are logged, never surfaced.
func (o *Orchestrator) applySpend(ctx context.Context, p *conduit.Principal, model string, usage conduit.Usage) decimal.Decimal {
	cost := o.pricing.Cost(model, usage.PromptTokens, usage.CompletionTokens)
	if !p.IsMaster() && cost.IsPositive() {
		if err := o.spends.AddSpend(ctx, p.ID, cost); err != nil {
			o.logger.LogAttrs(ctx, slog.LevelError, "spend.update_failed",
				slog.String("principal_id", p.ID),
				slog.String("cost_usd", cost.String()),
				slog.String("error", err.Error()))
		}
	}
	if o.limiter != nil && !p.IsMaster() && p.TPMLimit != nil {
		o.limiter.RecordUsage(ctx, ratelimit.TPMIdentifier(p.ID), int64(usage.TotalTokens), *p.TPMLimit)
	}
	return cost
}

// checkRPM consumes one request from the principal's RPM bucket. Master keys
// and principals without a limit skip the check.
func (o *Orchestrator) checkRPM(ctx context.Context, p *conduit.Principal) (*ratelimit.Result, error) {
	if o.limiter == nil || p.IsMaster() || p.RPMLimit == nil {
		return nil, nil
	}
	return o.limiter.CheckOrReject(ctx, ratelimit.RPMIdentifier(p.ID), *p.RPMLimit, ratelimit.Window, 1)
}

// usageFor returns the provider-reported usage, falling back to local token
// counting when the provider omitted it.
func (o *Orchestrator) usageFor(req *conduit.ChatRequest, resp *conduit.ChatResponse) conduit.Usage {
	if resp.Usage != nil {
		u := *resp.Usage
		if u.TotalTokens == 0 {
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
		}
		return u
	}
	pt := o.counter.EstimateRequest(req.Model, req.Messages)
	ct := 0
	if text := assistantText(resp); text != "" {
		ct = o.counter.CountText(req.Model, text)
	}
	return conduit.Usage{PromptTokens: pt, CompletionTokens: ct, TotalTokens: pt + ct}
}

// record stamps and enqueues one request log row.
func (o *Orchestrator) record(ctx context.Context, row conduit.RequestLog) {
	if o.recorder == nil {
		return
	}
	row.RequestID = conduit.RequestIDFromContext(ctx)
	row.CreatedAt = time.Now().UTC()
	o.recorder.Record(row)
}

func checkAccess(p *conduit.Principal, model string) error {
	if p.IsMaster() {
		return nil
	}
	if !p.CanUseModel(model) {
		return conduit.NewRequestError(conduit.ErrAccessDenied,
			"model %q is not allowed for this key", model).
			WithDetail("model", model)
	}
	if p.OverBudget() {
		return conduit.NewRequestError(conduit.ErrBudgetExceeded,
			"budget of $%s exhausted", p.BudgetUSD.String()).
			WithDetail("budget_usd", p.BudgetUSD.String()).
			WithDetail("spend_usd", p.SpendUSD.String())
	}
	return nil
}

// principalID returns the ID to log, empty for master-key traffic.
func principalID(p *conduit.Principal) string {
	if p.IsMaster() {
		return ""
	}
	return p.ID
}

// assistantText extracts the first choice's message text.
func assistantText(resp *conduit.ChatResponse) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Text()
}

// wrapProviderErr normalizes the terminal chain error for the wire. Routing
// errors pass through; upstream API errors gain status details.
func wrapProviderErr(err error) error {
	if errors.Is(err, conduit.ErrNoHealthyDeployment) {
		return err
	}
	var re *conduit.RequestError
	if errors.As(err, &re) {
		return err
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		out := conduit.NewRequestError(conduit.ErrProvider,
			"upstream %s returned status %d", apiErr.Provider, apiErr.StatusCode).
			WithDetail("provider", apiErr.Provider).
			WithDetail("status_code", apiErr.StatusCode)
		switch apiErr.StatusCode {
		case http.StatusUnauthorized:
			out.Message = fmt.Sprintf("upstream %s rejected the configured credential", apiErr.Provider)
			out.WithDetail("reason", "auth_failed")
		case http.StatusTooManyRequests:
			out.WithDetail("reason", "rate_limited")
		}
		return out
	}
	return fmt.Errorf("%w: %v", conduit.ErrProvider, err)
}
