package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ocx/inference-gateway/internal/authflow"
	"github.com/ocx/inference-gateway/internal/core"
)

func (s *Server) handleDeviceCode(w http.ResponseWriter, r *http.Request) {
	auth, err := s.issuer.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

type tokenRequest struct {
	DeviceCode string `json:"device_code"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceCode == "" {
		writeDetail(w, http.StatusBadRequest, "device_code is required")
		return
	}

	token, err := s.issuer.Poll(r.Context(), req.DeviceCode)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tokenResponse{
			AccessToken: token,
			TokenType:   "bearer",
			ExpiresIn:   12 * 60 * 60,
		})
	case errors.Is(err, authflow.ErrAuthorizationPending),
		errors.Is(err, authflow.ErrSlowDown),
		errors.Is(err, authflow.ErrExpiredToken),
		errors.Is(err, authflow.ErrAccessDenied),
		errors.Is(err, authflow.ErrUnknownDeviceCode):
		writeDetail(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, err)
	}
}

type approveRequest struct {
	UserCode string   `json:"user_code"`
	Subject  string   `json:"subject"`
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Groups   []string `json:"groups"`
}

func (s *Server) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserCode == "" || req.Subject == "" {
		writeError(w, core.NewError(core.KindValidationFailed, "user_code and subject are required."))
		return
	}

	err := s.issuer.Approve(req.UserCode, authflow.Profile{
		UserID: req.Subject,
		Email:  req.Email,
		Name:   req.Name,
		Groups: req.Groups,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	doc, err := s.issuer.JWKS()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}
