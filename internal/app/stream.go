package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/ratelimit"
)

// streamBuffer decouples upstream reads from the transport writer briefly;
// a full buffer applies back-pressure to the provider read loop.
const streamBuffer = 16

// StreamResult carries the chunk channel and the pre-stream metadata that
// must reach the transport before the first byte is written.
type StreamResult struct {
	Chunks    <-chan conduit.StreamChunk
	RateLimit *ratelimit.Result
}

// ChatCompletionStream runs the streaming pipeline. Pre-flight rejections
// (access, budget, rate limit, guardrails) return an error before any chunk.
// After that, failures travel in-band: a chunk with Err set before any data
// chunk means every deployment failed; after data has flowed the error chunk
// is followed by Done and the stream ends.
//
// Streaming skips the response cache in both directions. Post-stream
// accounting (cost, spend, TPM, request log) runs even when the client
// cancels mid-stream.
func (o *Orchestrator) ChatCompletionStream(ctx context.Context, req *conduit.ChatRequest) (*StreamResult, error) {
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
	outReq.Stream = true
	pre, err := o.guardrails.PreRequest(ctx, outReq.Messages, outReq.Model)
	if err != nil {
		return nil, err
	}
	if pre.Modified {
		outReq.Messages = pre.Messages
	}

	chain, err := o.router.Chain(ctx, outReq.Model)
	if err != nil {
		return nil, err
	}

	out := make(chan conduit.StreamChunk, streamBuffer)
	go o.runStream(ctx, p, &outReq, chain, out)
	return &StreamResult{Chunks: out, RateLimit: rl}, nil
}

// runStream attempts the chain in order. A deployment that fails before
// forwarding anything is settled and skipped; once data has been forwarded
// the stream is committed to that deployment.
func (o *Orchestrator) runStream(ctx context.Context, p *conduit.Principal, req *conduit.ChatRequest, chain []*conduit.Deployment, out chan<- conduit.StreamChunk) {
	defer close(out)
	start := time.Now()

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
		upstream, err := prov.ChatCompletionStream(ctx, req)
		if err != nil {
			lastErr = err
			o.settleAttempt(ctx, d, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		done, err := o.forwardStream(ctx, p, d, req, upstream, out, start)
		if done {
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = conduit.NewRequestError(conduit.ErrNoHealthyDeployment,
			"all deployments for model %q are in cooldown", req.Model).
			WithDetail("reason", "all in cooldown")
	}
	o.emit(ctx, out, conduit.StreamChunk{Err: wrapProviderErr(lastErr)})
}

// forwardStream relays upstream chunks to out while accumulating what went
// over the wire. It reports done=false only when nothing was forwarded and
// the next deployment may be tried.
func (o *Orchestrator) forwardStream(ctx context.Context, p *conduit.Principal, d *conduit.Deployment, req *conduit.ChatRequest, upstream <-chan conduit.StreamChunk, out chan<- conduit.StreamChunk, start time.Time) (bool, error) {
	var acc streamAccumulator
	forwarded := false
	clientGone := false

	for chunk := range upstream {
		if chunk.Err != nil {
			o.settleAttempt(ctx, d, chunk.Err)
			if !forwarded {
				return false, chunk.Err
			}
			// Mid-stream failures cannot move to another deployment; the
			// client gets an inline error and the stream ends.
			o.emit(ctx, out, conduit.StreamChunk{Err: wrapProviderErr(chunk.Err)})
			o.emit(ctx, out, conduit.StreamChunk{Done: true})
			o.settleStream(ctx, p, d, req, &acc, start, http.StatusBadGateway, chunk.Err.Error())
			return true, nil
		}
		if chunk.Usage != nil {
			acc.setUsage(chunk.Usage)
		}
		if chunk.Done {
			break
		}
		acc.observe(chunk.Data)
		if clientGone {
			// Keep draining for usage totals; nothing left to forward.
			continue
		}
		if !o.emit(ctx, out, chunk) {
			clientGone = true
			continue
		}
		forwarded = true
		acc.chunksSent++
	}

	if err := o.breaker.RecordSuccess(ctx, d); err != nil {
		o.logger.LogAttrs(ctx, slog.LevelWarn, "breaker.record_failed",
			slog.String("deployment", d.Name), slog.String("error", err.Error()))
	}
	if !clientGone {
		o.emit(ctx, out, conduit.StreamChunk{Done: true})
	}
	o.settleStream(ctx, p, d, req, &acc, start, http.StatusOK, "")
	return true, nil
}

// settleStream performs post-stream accounting: token fallback counting,
// best-effort response guardrails, cost, spend, TPM, and the log row. It
// runs detached from the caller's cancellation so a client disconnect still
// pays for the tokens already received.
func (o *Orchestrator) settleStream(ctx context.Context, p *conduit.Principal, d *conduit.Deployment, req *conduit.ChatRequest, acc *streamAccumulator, start time.Time, status int, errMsg string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if acc.promptTokens == 0 {
		acc.promptTokens = o.counter.EstimateRequest(req.Model, req.Messages)
	}
	if acc.completionTokens == 0 && acc.text.Len() > 0 {
		acc.completionTokens = o.counter.CountText(req.Model, acc.text.String())
	}

	if status == http.StatusOK && acc.text.Len() > 0 {
		// The stream has already been delivered; a post-response block is
		// recorded but cannot retract anything.
		if _, err := o.guardrails.PostResponse(ctx, acc.text.String(), req.Model); err != nil {
			o.logger.LogAttrs(ctx, slog.LevelWarn, "stream.post_guardrails_blocked",
				slog.String("model", req.Model), slog.String("error", err.Error()))
		}
	}

	usage := conduit.Usage{
		PromptTokens:     acc.promptTokens,
		CompletionTokens: acc.completionTokens,
		TotalTokens:      acc.promptTokens + acc.completionTokens,
	}
	cost := o.applySpend(ctx, p, req.Model, usage)

	o.record(ctx, conduit.RequestLog{
		PrincipalID:      principalID(p),
		DeploymentID:     d.ID,
		Model:            req.Model,
		Provider:         d.Provider,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          cost,
		LatencyMs:        int(time.Since(start).Milliseconds()),
		StatusCode:       status,
		ErrorMessage:     errMsg,
	})
}

// emit forwards one chunk, giving up when the request context ends.
func (o *Orchestrator) emit(ctx context.Context, out chan<- conduit.StreamChunk, c conduit.StreamChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamAccumulator tracks what was observed on the wire so post-stream
// accounting works even when the provider never reported usage.
type streamAccumulator struct {
	promptTokens     int
	completionTokens int
	finishReason     string
	chunksSent       int
	text             strings.Builder
}

func (a *streamAccumulator) observe(data []byte) {
	if len(data) == 0 {
		return
	}
	if v := gjson.GetBytes(data, "choices.0.delta.content"); v.Exists() {
		a.text.WriteString(v.String())
	}
	if v := gjson.GetBytes(data, "choices.0.finish_reason"); v.Type == gjson.String {
		a.finishReason = v.String()
	}
}

func (a *streamAccumulator) setUsage(u *conduit.Usage) {
	a.promptTokens = u.PromptTokens
	a.completionTokens = u.CompletionTokens
}
