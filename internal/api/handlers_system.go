package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/inference-gateway/internal/core"
)

type storeSecretRequest struct {
	AucID       string `json:"auc_id"`
	ServiceName string `json:"service_name"`
	APIKey      string `json:"api_key"`
}

// handleStoreSecret upserts a project API key. The response never echoes
// the key; the request struct is the only clear-text copy and it is
// zeroed by the vault on the way in.
func (s *Server) handleStoreSecret(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	var req storeSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.KindValidationFailed, "Request body is not valid JSON."))
		return
	}
	if req.AucID == "" || req.ServiceName == "" || req.APIKey == "" {
		writeError(w, core.NewError(core.KindValidationFailed, "auc_id, service_name, and api_key are required."))
		return
	}
	if !principal.HasProject(req.AucID) {
		writeError(w, core.Errf(core.KindForbidden, "Not authorized for project %s.", req.AucID))
		return
	}

	stored, err := s.secrets.Store(r.Context(), req.AucID, req.ServiceName, []byte(req.APIKey), principal.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

type modelSummary struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Family   string `json:"family"`
}

func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	specs := s.catalog.List()
	out := make([]modelSummary, 0, len(specs))
	for _, m := range specs {
		out = append(out, modelSummary{ID: m.ID, Provider: m.Provider, Family: m.Family})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModelSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.catalog.Schema(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.Write(schema)
}

func (s *Server) handleCompliance(w http.ResponseWriter, _ *http.Request) {
	if s.manifest == nil {
		writeError(w, core.NewError(core.KindConfiguration, "Compliance manifest unavailable."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checksum_sha256": s.manifest.Checksum,
		"version":         s.manifest.Version,
		"allowlists": map[string]any{
			"libraries": s.manifest.Libraries,
			"models":    s.manifest.Models,
		},
	})
}
