// Package guardrails runs content policy checks before a request reaches a
// provider and after the response comes back. Pre-request order: input
// length, PII, injection, content filter, then operator rules; the first
// blocking violation stops the pipeline. Redactions rewrite the messages in
// the returned result instead of failing the request.
package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
	"github.com/conduitproxy/conduit/internal/tokencount"
)

// Violation is one triggered guardrail.
type Violation struct {
	Rule    string `json:"rule"`
	Type    string `json:"type"`
	Stage   string `json:"stage"`
	Action  string `json:"action"`
	Details string `json:"details,omitempty"`
}

// Result is the combined outcome of one guardrail phase. When PII redaction
// ran, Messages holds the rewritten conversation and Modified is true.
type Result struct {
	Violations []Violation
	Messages   []conduit.Message
	Modified   bool
	PIITypes   []string
}

// Blocked reports whether any violation carries the block action.
func (r *Result) Blocked() bool {
	for _, v := range r.Violations {
		if v.Action == conduit.ActionBlock {
			return true
		}
	}
	return false
}

// Config tunes the built-in checks. Operator rules come from storage.
type Config struct {
	Enabled              bool
	MaxInputLength       int
	PIIEnabled           bool
	DefaultPIIAction     string
	InjectionEnabled     bool
	InjectionThreshold   float64
	ContentFilterEnabled bool
}

// DefaultConfig enables every built-in check with redact-by-default PII.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxInputLength:       100000,
		PIIEnabled:           true,
		DefaultPIIAction:     conduit.ActionRedact,
		InjectionEnabled:     true,
		InjectionThreshold:   DefaultInjectionThreshold,
		ContentFilterEnabled: true,
	}
}

// Engine executes both guardrail phases against the built-in detectors and
// the active operator rules.
type Engine struct {
	store   storage.GuardrailStore
	counter *tokencount.Counter
	cfg     Config
	logger  *slog.Logger
}

// NewEngine creates an Engine. A nil counter gets a fresh one.
func NewEngine(store storage.GuardrailStore, counter *tokencount.Counter, cfg Config, logger *slog.Logger) *Engine {
	if counter == nil {
		counter = tokencount.NewCounter()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, counter: counter, cfg: cfg, logger: logger}
}

// PreRequest runs the pre-request phase. When any violation blocks, the
// returned error wraps ErrValidation and carries the blocking violations as
// details; otherwise the result reports warnings and possibly redacted
// messages.
func (e *Engine) PreRequest(ctx context.Context, messages []conduit.Message, model string) (*Result, error) {
	res := &Result{Messages: messages}
	if !e.cfg.Enabled {
		return res, nil
	}

	if v := e.checkInputLength(messages); v != nil {
		res.Violations = append(res.Violations, *v)
	}

	rules, err := e.loadRules(ctx, conduit.StagePre)
	if err != nil {
		return nil, err
	}

	if e.cfg.PIIEnabled {
		e.runPII(ctx, res, rules)
	}

	if e.cfg.InjectionEnabled {
		scan := ScanMessagesInjection(res.Messages, e.cfg.InjectionThreshold)
		if scan.Flagged {
			pattern := "unknown"
			if top := scan.HighestRisk(); top != nil {
				pattern = top.Name
			}
			res.Violations = append(res.Violations, Violation{
				Rule:    "injection_detection",
				Type:    conduit.RuleTypeInjection,
				Stage:   conduit.StagePre,
				Action:  conduit.ActionBlock,
				Details: fmt.Sprintf("prompt injection detected (score %.2f, pattern %s)", scan.Score, pattern),
			})
			e.logger.LogAttrs(ctx, slog.LevelWarn, "guardrails.injection.detected",
				slog.Float64("score", scan.Score),
				slog.String("pattern", pattern))
		}
	}

	if e.cfg.ContentFilterEnabled {
		filter := FilterMessages(res.Messages)
		if filter.Flagged() {
			action := conduit.ActionWarn
			if filter.HighestSeverity() == SeverityHigh {
				action = conduit.ActionBlock
			}
			res.Violations = append(res.Violations, Violation{
				Rule:    "content_filter",
				Type:    conduit.RuleTypeContentFilter,
				Stage:   conduit.StagePre,
				Action:  action,
				Details: "content filter triggered: " + strings.Join(filter.Categories(), ", "),
			})
		}
	}

	e.runCustomRules(res, rules, flatText(res.Messages), conduit.StagePre)

	if err := e.blockingError(res); err != nil {
		return res, err
	}
	return res, nil
}

// PostResponse runs the content filter and post-stage operator rules over
// the assembled assistant text. Post-phase content filter hits only warn.
func (e *Engine) PostResponse(ctx context.Context, responseText, model string) (*Result, error) {
	res := &Result{}
	if !e.cfg.Enabled {
		return res, nil
	}

	if e.cfg.ContentFilterEnabled {
		filter := FilterText(responseText, nil, nil)
		if filter.Flagged() {
			res.Violations = append(res.Violations, Violation{
				Rule:    "content_filter_response",
				Type:    conduit.RuleTypeContentFilter,
				Stage:   conduit.StagePost,
				Action:  conduit.ActionWarn,
				Details: "response content flagged: " + strings.Join(filter.Categories(), ", "),
			})
		}
	}

	rules, err := e.loadRules(ctx, conduit.StagePost)
	if err != nil {
		return nil, err
	}
	e.runCustomRules(res, rules, responseText, conduit.StagePost)

	if len(res.Violations) > 0 {
		names := make([]string, len(res.Violations))
		for i, v := range res.Violations {
			names[i] = v.Rule
		}
		e.logger.LogAttrs(ctx, slog.LevelWarn, "guardrails.post.violations",
			slog.Int("count", len(res.Violations)),
			slog.String("rules", strings.Join(names, ",")))
	}

	if err := e.blockingError(res); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) checkInputLength(messages []conduit.Message) *Violation {
	total := 0
	for i := range messages {
		total += len(messages[i].Text())
	}
	if e.cfg.MaxInputLength > 0 && total > e.cfg.MaxInputLength {
		return &Violation{
			Rule:    "max_input_length",
			Type:    "builtin",
			Stage:   conduit.StagePre,
			Action:  conduit.ActionBlock,
			Details: fmt.Sprintf("input length %d exceeds max %d", total, e.cfg.MaxInputLength),
		}
	}
	return nil
}

// runPII scans and, depending on the effective action, redacts the messages
// in place on the result. An active pre-stage pii rule overrides the
// configured default action.
func (e *Engine) runPII(ctx context.Context, res *Result, rules []*conduit.GuardrailRule) {
	redacted, matches := RedactMessages(res.Messages)
	if len(matches) == 0 {
		return
	}
	types := (&PIIResult{Matches: matches}).Types()
	res.PIITypes = types

	action := e.cfg.DefaultPIIAction
	for _, r := range rules {
		if r.Type == conduit.RuleTypePII {
			action = r.Action
			break
		}
	}

	switch action {
	case conduit.ActionRedact:
		res.Messages = redacted
		res.Modified = true
		e.logger.LogAttrs(ctx, slog.LevelInfo, "guardrails.pii.redacted",
			slog.String("pii_types", strings.Join(types, ",")),
			slog.Int("count", len(matches)))
	case conduit.ActionBlock:
		res.Violations = append(res.Violations, Violation{
			Rule:    "pii_detection",
			Type:    conduit.RuleTypePII,
			Stage:   conduit.StagePre,
			Action:  conduit.ActionBlock,
			Details: "PII detected: " + strings.Join(types, ", "),
		})
	default:
		e.logger.LogAttrs(ctx, slog.LevelWarn, "guardrails.pii.detected",
			slog.String("pii_types", strings.Join(types, ",")),
			slog.String("action", action))
	}
}

func (e *Engine) runCustomRules(res *Result, rules []*conduit.GuardrailRule, text, stage string) {
	for _, rule := range rules {
		switch rule.Type {
		case conduit.RuleTypePII, conduit.RuleTypeInjection, conduit.RuleTypeContentFilter:
			continue
		}
		cr := evaluateCustomRule(rule, text, e.counter)
		if cr.Triggered {
			res.Violations = append(res.Violations, Violation{
				Rule:    cr.RuleName,
				Type:    cr.RuleType,
				Stage:   stage,
				Action:  cr.Action,
				Details: cr.Details,
			})
		}
	}
}

func (e *Engine) loadRules(ctx context.Context, stage string) ([]*conduit.GuardrailRule, error) {
	if e.store == nil {
		return nil, nil
	}
	rules, err := e.store.ListActiveRules(ctx, stage)
	if err != nil {
		return nil, fmt.Errorf("load guardrail rules: %w", err)
	}
	return rules, nil
}

// blockingError converts blocking violations into a validation error whose
// details carry the violation list for the wire response.
func (e *Engine) blockingError(res *Result) error {
	var blocking []Violation
	for _, v := range res.Violations {
		if v.Action == conduit.ActionBlock {
			blocking = append(blocking, v)
		}
	}
	if len(blocking) == 0 {
		return nil
	}
	details := make([]string, len(blocking))
	list := make([]map[string]any, len(blocking))
	for i, v := range blocking {
		details[i] = v.Details
		list[i] = map[string]any{"rule": v.Rule, "type": v.Type, "details": v.Details}
	}
	return conduit.NewRequestError(conduit.ErrValidation,
		"request blocked by guardrails: %s", strings.Join(details, "; ")).
		WithDetail("violations", list)
}

// flatText joins all message texts for operator rule evaluation.
func flatText(messages []conduit.Message) string {
	parts := make([]string, 0, len(messages))
	for i := range messages {
		parts = append(parts, messages[i].Text())
	}
	return strings.Join(parts, " ")
}
