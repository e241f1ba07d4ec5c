package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/app"
	"github.com/conduitproxy/conduit/internal/storage"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", nil)
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, conduit.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, conduit.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", "conflict", nil)
	case errors.Is(err, conduit.ErrValidation):
		writeErrorFrom(w, err)
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

// audit appends an audit event for an admin mutation. Failures are logged
// and swallowed; the mutation itself already succeeded.
func (s *server) audit(r *http.Request, action, resource string) {
	actor := ""
	if p := conduit.PrincipalFromContext(r.Context()); p != nil {
		actor = p.ID
	}
	e := &conduit.AuditEvent{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.deps.Store.InsertAuditEvent(r.Context(), e); err != nil {
		slog.LogAttrs(r.Context(), slog.LevelWarn, "audit.insert_failed",
			slog.String("action", action),
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
	}
}

// --- Pagination helpers ---

type pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination pagination `json:"pagination"`
}

func parsePagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return
}

// parseWindow validates optional since/until RFC3339 query params, defaulting
// to the last 24 hours. Writes 400 and returns false on invalid format.
func parseWindow(w http.ResponseWriter, r *http.Request) (since, until time.Time, ok bool) {
	q := r.URL.Query()
	until = time.Now().UTC()
	since = until.Add(-24 * time.Hour)
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid until format, use RFC3339", nil)
			return since, until, false
		}
		until = t
		since = until.Add(-24 * time.Hour)
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid since format, use RFC3339", nil)
			return since, until, false
		}
		since = t
	}
	return since, until, true
}

// parseExpiresAt parses an optional RFC3339 expires_at string pointer.
// Writes 400 and returns false on invalid format.
func parseExpiresAt(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid expires_at format", nil)
		return nil, false
	}
	return &t, true
}

// --- Keys ---

// keyCreateRequest is the payload for creating a new API key.
type keyCreateRequest struct {
	Name          string           `json:"name"`
	AllowedModels []string         `json:"allowed_models,omitempty"`
	BudgetUSD     *decimal.Decimal `json:"budget_usd,omitempty"`
	RPMLimit      *int64           `json:"rpm_limit,omitempty"`
	TPMLimit      *int64           `json:"tpm_limit,omitempty"`
	ExpiresAt     *string          `json:"expires_at,omitempty"` // RFC3339
}

// keyCreateResponse includes the plaintext key (shown only once).
type keyCreateResponse struct {
	*conduit.Principal
	PlaintextKey string `json:"key"`
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)

	keys, err := s.deps.Store.ListPrincipals(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if keys == nil {
		keys = []*conduit.Principal{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       keys,
		Pagination: pagination{Offset: offset, Limit: limit},
	})
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req keyCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name is required", nil)
		return
	}
	expiresAt, ok := parseExpiresAt(w, req.ExpiresAt)
	if !ok {
		return
	}

	plaintext, p, err := s.deps.Keys.CreateKey(r.Context(), app.CreateKeyOpts{
		Name:          req.Name,
		AllowedModels: req.AllowedModels,
		BudgetUSD:     req.BudgetUSD,
		RPMLimit:      req.RPMLimit,
		TPMLimit:      req.TPMLimit,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	s.audit(r, "create", "key:"+p.ID)
	w.Header().Set("Location", "/admin/v1/keys/"+p.ID)
	writeJSON(w, http.StatusCreated, keyCreateResponse{
		Principal:    p,
		PlaintextKey: plaintext,
	})
}

func (s *server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.deps.Store.GetPrincipal(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleRevokeKey deactivates the key. The row survives for request log
// attribution; only authentication stops working.
func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Keys.RevokeKey(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "revoke", "key:"+id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Deployments ---

// deploymentRequest is the payload for creating or updating a deployment.
// Credential carries the upstream API key in plaintext; it is encrypted
// before persistence and never stored or returned as-is.
type deploymentRequest struct {
	Name       string  `json:"name"`
	Provider   string  `json:"provider"`
	Model      string  `json:"model"`
	BaseURL    *string `json:"base_url,omitempty"`
	Credential *string `json:"credential,omitempty"`
	Priority   *int    `json:"priority,omitempty"`
	Weight     *int    `json:"weight,omitempty"`
	Active     *bool   `json:"active,omitempty"`
	RPMLimit   *int64  `json:"rpm_limit,omitempty"`
	TPMLimit   *int64  `json:"tpm_limit,omitempty"`
}

func (s *server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.deps.Store.ListDeployments(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if deployments == nil {
		deployments = []*conduit.Deployment{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       deployments,
		Pagination: pagination{Offset: 0, Limit: len(deployments)},
	})
}

func (s *server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req deploymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Provider == "" || req.Model == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name, provider, and model are required", nil)
		return
	}
	if req.Credential == nil || *req.Credential == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "credential is required", nil)
		return
	}
	enc, err := s.deps.Cipher.Encrypt(*req.Credential)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	now := time.Now().UTC()
	d := &conduit.Deployment{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Name:          req.Name,
		Provider:      req.Provider,
		Model:         req.Model,
		CredentialEnc: enc,
		Priority:      1,
		Weight:        1,
		Active:        true,
		Healthy:       true,
		RPMLimit:      req.RPMLimit,
		TPMLimit:      req.TPMLimit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.BaseURL != nil {
		d.BaseURL = *req.BaseURL
	}
	if req.Priority != nil {
		d.Priority = *req.Priority
	}
	if req.Weight != nil {
		d.Weight = *req.Weight
	}
	if req.Active != nil {
		d.Active = *req.Active
	}

	if err := s.deps.Store.CreateDeployment(r.Context(), d); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "create", "deployment:"+d.ID)
	w.Header().Set("Location", "/admin/v1/models/deployments/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (s *server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.deps.Store.GetDeployment(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *server) handleUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetDeployment(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var req deploymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Provider != "" {
		existing.Provider = req.Provider
	}
	if req.Model != "" {
		existing.Model = req.Model
	}
	if req.BaseURL != nil {
		existing.BaseURL = *req.BaseURL
	}
	if req.Credential != nil && *req.Credential != "" {
		enc, err := s.deps.Cipher.Encrypt(*req.Credential)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
		existing.CredentialEnc = enc
	}
	if req.Priority != nil {
		existing.Priority = *req.Priority
	}
	if req.Weight != nil {
		existing.Weight = *req.Weight
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}
	if req.RPMLimit != nil {
		existing.RPMLimit = req.RPMLimit
	}
	if req.TPMLimit != nil {
		existing.TPMLimit = req.TPMLimit
	}
	existing.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.UpdateDeployment(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "update", "deployment:"+id)
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteDeployment(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "delete", "deployment:"+id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Guardrail rules ---

func (s *server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListRules(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*conduit.GuardrailRule{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       rules,
		Pagination: pagination{Offset: 0, Limit: len(rules)},
	})
}

func (s *server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule conduit.GuardrailRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	if rule.Name == "" || rule.Type == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name and type are required", nil)
		return
	}
	if rule.Stage == "" {
		rule.Stage = conduit.StagePre
	}
	if rule.Action == "" {
		rule.Action = conduit.ActionBlock
	}
	rule.ID = uuid.Must(uuid.NewV7()).String()
	rule.Active = true
	rule.CreatedAt = time.Now().UTC()

	if err := s.deps.Store.CreateRule(r.Context(), &rule); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "create", "guardrail:"+rule.ID)
	w.Header().Set("Location", "/admin/v1/guardrails/rules/"+rule.ID)
	writeJSON(w, http.StatusCreated, rule)
}

func (s *server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := s.deps.Store.GetRule(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.deps.Store.GetRule(r.Context(), id)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	var update struct {
		Name     *string          `json:"name,omitempty"`
		Stage    *string          `json:"stage,omitempty"`
		Action   *string          `json:"action,omitempty"`
		Config   *json.RawMessage `json:"config,omitempty"`
		Priority *int             `json:"priority,omitempty"`
		Active   *bool            `json:"active,omitempty"`
	}
	if !decodeJSON(w, r, &update) {
		return
	}
	if update.Name != nil {
		existing.Name = *update.Name
	}
	if update.Stage != nil {
		existing.Stage = *update.Stage
	}
	if update.Action != nil {
		existing.Action = *update.Action
	}
	if update.Config != nil {
		existing.Config = *update.Config
	}
	if update.Priority != nil {
		existing.Priority = *update.Priority
	}
	if update.Active != nil {
		existing.Active = *update.Active
	}

	if err := s.deps.Store.UpdateRule(r.Context(), existing); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "update", "guardrail:"+id)
	writeJSON(w, http.StatusOK, existing)
}

func (s *server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteRule(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "delete", "guardrail:"+id)
	w.WriteHeader(http.StatusNoContent)
}

// --- Prompts ---

func (s *server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	templates, err := s.deps.Store.ListPrompts(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if templates == nil {
		templates = []*conduit.PromptTemplate{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       templates,
		Pagination: pagination{Offset: 0, Limit: len(templates)},
	})
}

func (s *server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Template string `json:"template"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.deps.Prompts.Create(r.Context(), req.Name, req.Template)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "create", "prompt:"+p.ID)
	w.Header().Set("Location", "/admin/v1/prompts/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (s *server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeletePrompt(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.audit(r, "delete", "prompt:"+id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRenderPrompt(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Variables map[string]string `json:"variables"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rendered, err := s.deps.Prompts.Render(r.Context(), name, req.Variables)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"name":     name,
		"rendered": rendered,
	})
}

// --- Cache ---

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	var exact, semantic int64
	if s.deps.Cache != nil {
		var err error
		exact, semantic, err = s.deps.Cache.Clear(r.Context(), model)
		if err != nil {
			writeAdminError(w, r, err)
			return
		}
	}
	s.audit(r, "clear", "cache")
	writeJSON(w, http.StatusOK, map[string]int64{
		"exact_cleared":    exact,
		"semantic_cleared": semantic,
	})
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeJSON(w, http.StatusOK, &storage.CacheStats{})
		return
	}
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Analytics ---

func (s *server) handleAnalyticsSpend(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseWindow(w, r)
	if !ok {
		return
	}
	byPrincipal, err := s.deps.Store.SpendByPrincipal(r.Context(), since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	byModel, err := s.deps.Store.SpendByModel(r.Context(), since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":        since,
		"until":        until,
		"by_principal": byPrincipal,
		"by_model":     byModel,
	})
}

func (s *server) handleAnalyticsUsage(w http.ResponseWriter, r *http.Request) {
	since, until, ok := parseWindow(w, r)
	if !ok {
		return
	}
	totals, err := s.deps.Store.UsageTotals(r.Context(), since, until)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":  since,
		"until":  until,
		"totals": totals,
	})
}

// --- Health ---

// deploymentHealth is one row of the admin health report.
type deploymentHealth struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Provider            string     `json:"provider"`
	Model               string     `json:"model"`
	Active              bool       `json:"active"`
	Healthy             bool       `json:"is_healthy"`
	BreakerState        string     `json:"breaker_state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

func (s *server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.deps.Store.ListDeployments(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := make([]deploymentHealth, len(deployments))
	for i, d := range deployments {
		out[i] = deploymentHealth{
			ID:                  d.ID,
			Name:                d.Name,
			Provider:            d.Provider,
			Model:               d.Model,
			Active:              d.Active,
			Healthy:             d.Healthy,
			BreakerState:        s.deps.Breaker.StateOf(d).String(),
			ConsecutiveFailures: d.ConsecutiveFailures,
			CooldownUntil:       d.CooldownUntil,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": out})
}

// --- Audit ---

func (s *server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	offset, limit := parsePagination(r)
	events, err := s.deps.Store.ListAuditEvents(r.Context(), offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if events == nil {
		events = []*conduit.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, listResponse{
		Data:       events,
		Pagination: pagination{Offset: offset, Limit: limit},
	})
}
