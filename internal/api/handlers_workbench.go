package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/inference-gateway/internal/core"
	"github.com/ocx/inference-gateway/internal/workbench"
)

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	aucID := r.URL.Query().Get("auc_id")
	if aucID == "" {
		writeError(w, core.NewError(core.KindValidationFailed, "auc_id is required."))
		return
	}

	drafts, err := s.workbench.List(r.Context(), principal, aucID)
	if err != nil {
		writeError(w, err)
		return
	}
	if drafts == nil {
		drafts = []*workbench.Draft{}
	}
	writeJSON(w, http.StatusOK, drafts)
}

type createDraftRequest struct {
	AucID      string          `json:"auc_id"`
	Title      string          `json:"title"`
	Content    json.RawMessage `json:"content"`
	RuntimeEnv string          `json:"runtime_env,omitempty"`
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	var req createDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.KindValidationFailed, "Request body is not valid JSON."))
		return
	}

	draft, err := s.workbench.Create(r.Context(), principal, req.AucID, req.Title, req.Content, req.RuntimeEnv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, draft)
}

// draftView is a draft plus the caller's access mode. Opening a draft
// acquires (or observes) the lock in the same call.
type draftView struct {
	*workbench.Draft
	Mode     string `json:"mode"`
	LockedBy string `json:"locked_by,omitempty"`
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	draftID := mux.Vars(r)["id"]

	grant, err := s.workbench.Acquire(r.Context(), principal, draftID)
	if err != nil {
		writeError(w, err)
		return
	}
	draft, err := s.workbench.Get(r.Context(), principal, draftID)
	if err != nil {
		writeError(w, err)
		return
	}

	view := draftView{Draft: draft, Mode: grant.Mode}
	if grant.Mode == workbench.ModeSafeView {
		view.LockedBy = grant.LockedBy
	}
	writeJSON(w, http.StatusOK, view)
}

type updateDraftRequest struct {
	Title      string          `json:"title"`
	Content    json.RawMessage `json:"content"`
	RuntimeEnv string          `json:"runtime_env,omitempty"`
}

func (s *Server) handleUpdateDraft(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	var req updateDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewError(core.KindValidationFailed, "Request body is not valid JSON."))
		return
	}

	draft, err := s.workbench.Update(r.Context(), principal, mux.Vars(r)["id"], req.Title, req.Content, req.RuntimeEnv)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	if err := s.workbench.Delete(r.Context(), principal, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLock is the heartbeat: it refreshes a live self-held lock.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	if err := s.workbench.Heartbeat(r.Context(), principal, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "extended"})
}

func (s *Server) transitionHandler(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := requirePrincipal(w, r)
		if principal == nil {
			return
		}
		draft, err := s.workbench.Transition(r.Context(), principal, mux.Vars(r)["id"], verb)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, draft)
	}
}

func (s *Server) handleValidateDraft(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	issues, err := s.workbench.Validate(r.Context(), principal, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Server) handleAssembleDraft(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	manifest, err := s.workbench.Assemble(r.Context(), principal, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(manifest)
}

func (s *Server) handlePublishDraft(w http.ResponseWriter, r *http.Request) {
	principal := requirePrincipal(w, r)
	if principal == nil {
		return
	}
	result, err := s.workbench.Publish(r.Context(), principal, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
