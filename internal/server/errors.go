package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	conduit "github.com/conduitproxy/conduit/internal"
)

// errorStatus maps a domain error to its wire status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, conduit.ErrMissingCredentials),
		errors.Is(err, conduit.ErrInvalidCredentials),
		errors.Is(err, conduit.ErrExpiredCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, conduit.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, conduit.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conduit.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, conduit.ErrRateLimited),
		errors.Is(err, conduit.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, conduit.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, conduit.ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, conduit.ErrNoHealthyDeployment):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorType maps a domain error to its wire "type" field.
func errorType(err error) string {
	switch {
	case errors.Is(err, conduit.ErrMissingCredentials),
		errors.Is(err, conduit.ErrInvalidCredentials),
		errors.Is(err, conduit.ErrExpiredCredentials):
		return "invalid_credentials"
	case errors.Is(err, conduit.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, conduit.ErrNotFound):
		return "not_found"
	case errors.Is(err, conduit.ErrConflict):
		return "conflict"
	case errors.Is(err, conduit.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, conduit.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, conduit.ErrValidation):
		return "validation_error"
	case errors.Is(err, conduit.ErrProvider):
		return "provider_error"
	case errors.Is(err, conduit.ErrNoHealthyDeployment):
		return "no_healthy_deployment"
	default:
		return "internal_error"
	}
}

// errorObject builds the wire error body {"error":{message,type,code,...details}}.
// Details are flattened into the error object; reserved keys are not
// overridden.
func errorObject(status int, typ, msg string, details map[string]any) map[string]any {
	e := map[string]any{
		"message": msg,
		"type":    typ,
		"code":    status,
	}
	for k, v := range details {
		if k == "message" || k == "type" || k == "code" {
			continue
		}
		e[k] = v
	}
	return map[string]any{"error": e}
}

// writeError renders an explicit error with the given status and type.
func writeError(w http.ResponseWriter, status int, typ, msg string, details map[string]any) {
	writeJSON(w, status, errorObject(status, typ, msg, details))
}

// writeErrorFrom renders a domain error, carrying any structured details into
// the wire shape. Rate-limited responses also get a Retry-After header.
func writeErrorFrom(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	details := conduit.ErrorDetails(err)
	if status == http.StatusTooManyRequests {
		switch ra := details["retry_after"].(type) {
		case float64:
			w.Header()["Retry-After"] = []string{strconv.Itoa(int(math.Ceil(ra)))}
		case int:
			w.Header()["Retry-After"] = []string{strconv.Itoa(ra)}
		}
	}
	writeJSON(w, status, errorObject(status, errorType(err), err.Error(), details))
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
