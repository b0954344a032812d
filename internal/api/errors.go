package api

import (
	"encoding/json"
	"net/http"

	"github.com/ocx/inference-gateway/internal/core"
)

// errorEnvelope is the single error shape every endpoint returns.
type errorEnvelope struct {
	Detail string `json:"detail"`
}

func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindAuthMissing, core.KindAuthInvalid:
		return http.StatusUnauthorized
	case core.KindForbidden:
		return http.StatusForbidden
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindValidationFailed:
		return http.StatusBadRequest
	case core.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case core.KindLockConflict:
		return http.StatusLocked
	case core.KindConflict:
		return http.StatusConflict
	case core.KindUnavailable:
		return http.StatusServiceUnavailable
	case core.KindUpstream:
		return http.StatusBadGateway
	case core.KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a categorized error onto the envelope. Uncategorized
// errors collapse to a generic 500 so internal detail never leaks.
func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	detail := core.DetailOf(err)
	if kind == core.KindInternal || detail == "" {
		detail = "Internal server error."
	}
	writeJSON(w, statusFor(kind), errorEnvelope{Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeDetail is for endpoints that speak the envelope on specific
// statuses, like the OAuth device flow's 400s.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorEnvelope{Detail: detail})
}
