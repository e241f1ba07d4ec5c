package server

import (
	"net/http"
	"sort"
	"time"

	conduit "github.com/conduitproxy/conduit/internal"
)

// handleListModels returns the distinct models of active deployments,
// filtered by the caller's allow-list, in OpenAI list format.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	p := conduit.PrincipalFromContext(r.Context())

	deployments, err := s.deps.Store.ListDeployments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list models", nil)
		return
	}

	seen := make(map[string]bool)
	var models []string
	for _, d := range deployments {
		if !d.Active || seen[d.Model] {
			continue
		}
		if p != nil && !p.CanUseModel(d.Model) {
			continue
		}
		seen[d.Model] = true
		models = append(models, d.Model)
	}
	sort.Strings(models)

	now := time.Now().Unix()
	data := make([]modelEntry, len(models))
	for i, m := range models {
		data[i] = modelEntry{
			ID:      m,
			Object:  "model",
			Created: now,
			OwnedBy: "system",
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}
