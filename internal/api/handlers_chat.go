package api

import (
	"encoding/json"
	"net/http"

	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/pipeline"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}

	var req pipeline.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.KindValidationFailed, "Request body is not valid JSON."))
		return
	}

	resp, err := s.pipeline.Chat(r.Context(), principal, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
