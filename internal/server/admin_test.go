package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/app"
	"github.com/conduitproxy/conduit/internal/testutil"
)

func TestAdminKeyLifecycle(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.registerProvider(&testutil.FakeProvider{ProviderName: "fake"})
	ts.addDeployment(t, "d1", "fake", "gpt-4o", 1)

	// Create.
	createBody := `{"name":"team-a","allowed_models":["gpt-4o"],"rpm_limit":100}`
	rec := doJSON(t, ts.handler, http.MethodPost, "/admin/v1/keys", testMasterSecret, createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Key  string `json:"key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Name != "team-a" || created.ID == "" {
		t.Errorf("created = %+v", created)
	}
	if !strings.HasPrefix(created.Key, conduit.APIKeyPrefix) {
		t.Errorf("plaintext key = %q, want %q prefix", created.Key, conduit.APIKeyPrefix)
	}
	if loc := rec.Header().Get("Location"); loc != "/admin/v1/keys/"+created.ID {
		t.Errorf("Location = %q", loc)
	}
	if strings.Contains(rec.Body.String(), "key_hash") {
		t.Error("create response must not expose the key hash")
	}

	// The fresh key authenticates.
	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/chat/completions", created.Key, chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion with new key: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// Get.
	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/keys/"+created.ID, testMasterSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), created.Key) {
		t.Error("get response must not contain the plaintext key")
	}

	// List.
	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/keys", testMasterSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var list struct {
		Data []conduit.Principal `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 {
		t.Errorf("list = %d keys, want 1", len(list.Data))
	}

	// Revoke, then the key stops working immediately.
	rec = doJSON(t, ts.handler, http.MethodDelete, "/admin/v1/keys/"+created.ID, testMasterSecret, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: status = %d", rec.Code)
	}
	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/chat/completions", created.Key, chatBody)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked key: status = %d, want 401", rec.Code)
	}

	events := ts.store.AuditEvents()
	if len(events) < 2 {
		t.Fatalf("audit events = %d, want at least create and revoke", len(events))
	}
}

func TestAdminKeyValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/admin/v1/keys", testMasterSecret, `{"allowed_models":["gpt-4o"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, ts.handler, http.MethodPost, "/admin/v1/keys", testMasterSecret, `{"name":"x","expires_at":"not-a-time"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad expires_at: status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/keys/nope", testMasterSecret, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id: status = %d, want 404", rec.Code)
	}
}

func TestAdminDeploymentCRUD(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	createBody := `{"name":"openai-primary","provider":"openai","model":"gpt-4o","credential":"sk-upstream","priority":2}`
	rec := doJSON(t, ts.handler, http.MethodPost, "/admin/v1/models/deployments", testMasterSecret, createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var d conduit.Deployment
	if err := json.Unmarshal(rec.Body.Bytes(), &d); err != nil {
		t.Fatal(err)
	}
	if d.Priority != 2 || !d.Active || !d.Healthy {
		t.Errorf("deployment = %+v", d)
	}
	if strings.Contains(rec.Body.String(), "sk-upstream") {
		t.Error("response must not contain the plaintext credential")
	}

	// The stored credential is encrypted and decrypts back.
	stored, err := ts.store.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.CredentialEnc == "" || stored.CredentialEnc == "sk-upstream" {
		t.Errorf("stored credential = %q, want ciphertext", stored.CredentialEnc)
	}
	if plain, err := ts.cipher.Decrypt(stored.CredentialEnc); err != nil || plain != "sk-upstream" {
		t.Errorf("decrypt = %q, %v", plain, err)
	}

	// Partial update flips active off and leaves the rest alone.
	rec = doJSON(t, ts.handler, http.MethodPatch, "/admin/v1/models/deployments/"+d.ID, testMasterSecret, `{"active":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var updated conduit.Deployment
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Active || updated.Model != "gpt-4o" || updated.Priority != 2 {
		t.Errorf("updated = %+v", updated)
	}

	// Credential rotation re-encrypts.
	rec = doJSON(t, ts.handler, http.MethodPatch, "/admin/v1/models/deployments/"+d.ID, testMasterSecret, `{"credential":"sk-rotated"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rotate: status = %d", rec.Code)
	}
	stored, err = ts.store.GetDeployment(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if plain, err := ts.cipher.Decrypt(stored.CredentialEnc); err != nil || plain != "sk-rotated" {
		t.Errorf("rotated decrypt = %q, %v", plain, err)
	}

	// Delete.
	rec = doJSON(t, ts.handler, http.MethodDelete, "/admin/v1/models/deployments/"+d.ID, testMasterSecret, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/models/deployments/"+d.ID, testMasterSecret, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", rec.Code)
	}
}

func TestAdminDeploymentValidation(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing fields", `{"name":"x"}`},
		{"missing credential", `{"name":"x","provider":"openai","model":"gpt-4o"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, ts.handler, http.MethodPost, "/admin/v1/models/deployments", testMasterSecret, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAdminGuardrailRuleCRUD(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	createBody := `{"name":"block-secrets","type":"keyword_block","config":{"keywords":["password"]}}`
	rec := doJSON(t, ts.handler, http.MethodPost, "/admin/v1/guardrails/rules", testMasterSecret, createBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var rule conduit.GuardrailRule
	if err := json.Unmarshal(rec.Body.Bytes(), &rule); err != nil {
		t.Fatal(err)
	}
	if rule.Stage != conduit.StagePre || rule.Action != conduit.ActionBlock || !rule.Active {
		t.Errorf("rule defaults = %+v", rule)
	}

	rec = doJSON(t, ts.handler, http.MethodPatch, "/admin/v1/guardrails/rules/"+rule.ID, testMasterSecret, `{"action":"warn","active":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var updated conduit.GuardrailRule
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Action != conduit.ActionWarn || updated.Active {
		t.Errorf("updated = %+v", updated)
	}

	rec = doJSON(t, ts.handler, http.MethodDelete, "/admin/v1/guardrails/rules/"+rule.ID, testMasterSecret, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}
}

func TestAdminPrompts(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/admin/v1/prompts", testMasterSecret,
		`{"name":"greeting","template":"Hello {{name}}, welcome to {{place}}!"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created conduit.PromptTemplate
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	// Duplicate name conflicts.
	rec = doJSON(t, ts.handler, http.MethodPost, "/admin/v1/prompts", testMasterSecret,
		`{"name":"greeting","template":"other"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d, want 409", rec.Code)
	}

	// Render.
	rec = doJSON(t, ts.handler, http.MethodPost, "/admin/v1/prompts/greeting/render", testMasterSecret,
		`{"variables":{"name":"Ada","place":"Conduit"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("render: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var rendered map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &rendered); err != nil {
		t.Fatal(err)
	}
	if rendered["rendered"] != "Hello Ada, welcome to Conduit!" {
		t.Errorf("rendered = %q", rendered["rendered"])
	}

	// Missing variable renders a 400 with detail.
	rec = doJSON(t, ts.handler, http.MethodPost, "/admin/v1/prompts/greeting/render", testMasterSecret,
		`{"variables":{"name":"Ada"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing var: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "missing_variables") {
		t.Errorf("body = %s, want missing_variables detail", rec.Body.String())
	}

	// Unknown prompt.
	rec = doJSON(t, ts.handler, http.MethodPost, "/admin/v1/prompts/nope/render", testMasterSecret, `{"variables":{}}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown prompt: status = %d, want 404", rec.Code)
	}

	// Delete.
	rec = doJSON(t, ts.handler, http.MethodDelete, "/admin/v1/prompts/"+created.ID, testMasterSecret, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", rec.Code)
	}
}

func TestAdminCacheStatsAndClear(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.registerProvider(&testutil.FakeProvider{ProviderName: "fake"})
	ts.addDeployment(t, "d1", "fake", "gpt-4o", 1)
	key := ts.createKey(t, app.CreateKeyOpts{})

	// One completion populates the semantic cache.
	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/chat/completions", key, chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion: status = %d", rec.Code)
	}

	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/cache/stats", testMasterSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: status = %d", rec.Code)
	}
	var stats struct {
		TotalEntries  int64 `json:"total_entries"`
		ActiveEntries int64 `json:"active_entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 1 || stats.ActiveEntries != 1 {
		t.Errorf("stats = %+v, want one active entry", stats)
	}

	rec = doJSON(t, ts.handler, http.MethodDelete, "/admin/v1/cache", testMasterSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var cleared map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil {
		t.Fatal(err)
	}
	if cleared["semantic_cleared"] != 1 {
		t.Errorf("semantic_cleared = %d, want 1", cleared["semantic_cleared"])
	}

	// The next identical request misses.
	rec = doJSON(t, ts.handler, http.MethodPost, "/v1/chat/completions", key, chatBody)
	if got := rec.Header().Get("x-conduit-cache"); got != "MISS" {
		t.Errorf("x-conduit-cache after clear = %q, want MISS", got)
	}
}

func TestAdminAnalytics(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.registerProvider(&testutil.FakeProvider{ProviderName: "fake"})
	ts.addDeployment(t, "d1", "fake", "gpt-4o", 1)
	key := ts.createKey(t, app.CreateKeyOpts{})

	rec := doJSON(t, ts.handler, http.MethodPost, "/v1/chat/completions", key, chatBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion: status = %d", rec.Code)
	}

	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/analytics/usage", testMasterSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("usage: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var usage struct {
		Totals struct {
			Requests     int64 `json:"requests"`
			PromptTokens int64 `json:"prompt_tokens"`
		} `json:"totals"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &usage); err != nil {
		t.Fatal(err)
	}
	if usage.Totals.Requests != 1 {
		t.Errorf("requests = %d, want 1", usage.Totals.Requests)
	}
	if usage.Totals.PromptTokens == 0 {
		t.Error("prompt_tokens should be nonzero")
	}

	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/analytics/spend", testMasterSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("spend: status = %d", rec.Code)
	}
	for _, field := range []string{"by_principal", "by_model", "since", "until"} {
		if !strings.Contains(rec.Body.String(), fmt.Sprintf("%q", field)) {
			t.Errorf("spend body missing %q:\n%s", field, rec.Body.String())
		}
	}

	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/analytics/spend?since=garbage", testMasterSecret, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: status = %d, want 400", rec.Code)
	}
}

func TestAdminHealthReport(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)
	ts.addDeployment(t, "d1", "fake", "gpt-4o", 1)

	rec := doJSON(t, ts.handler, http.MethodGet, "/admin/v1/health", testMasterSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var report struct {
		Deployments []deploymentHealth `json:"deployments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Deployments) != 1 {
		t.Fatalf("deployments = %d, want 1", len(report.Deployments))
	}
	if got := report.Deployments[0].BreakerState; got != "closed" {
		t.Errorf("breaker_state = %q, want closed", got)
	}
}

func TestAdminAuditTrail(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, nil)

	rec := doJSON(t, ts.handler, http.MethodPost, "/admin/v1/keys", testMasterSecret, `{"name":"audited"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	rec = doJSON(t, ts.handler, http.MethodGet, "/admin/v1/audit", testMasterSecret, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: status = %d", rec.Code)
	}
	var list struct {
		Data []conduit.AuditEvent `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 {
		t.Fatalf("audit events = %d, want 1", len(list.Data))
	}
	e := list.Data[0]
	if e.Action != "create" || !strings.HasPrefix(e.Resource, "key:") {
		t.Errorf("event = %+v", e)
	}
	if e.Actor != conduit.MasterPrincipalID {
		t.Errorf("actor = %q, want %q", e.Actor, conduit.MasterPrincipalID)
	}
}
