package api

import (
	"encoding/json"
	"net/http"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/gateway"
)

var (
	failureMissingAuthorization = gateway.Failure{
		Status:  http.StatusUnauthorized,
		Type:    "authentication_error",
		Code:    "missing_authorization_header",
		Message: "Authorization header is missing.",
	}
	failureInvalidAuthorization = gateway.Failure{
		Status:  http.StatusUnauthorized,
		Type:    "authentication_error",
		Code:    "invalid_authorization_format",
		Message: "Invalid authorization header format. Expected 'Bearer <token>'.",
	}
	failureInvalidAPIKey = gateway.Failure{
		Status:  http.StatusForbidden,
		Type:    "authentication_error",
		Code:    "invalid_api_key",
		Message: "Invalid API Key.",
	}
	failureRateLimited = gateway.Failure{
		Status:  http.StatusTooManyRequests,
		Type:    "rate_limit_exceeded",
		Code:    "rate_limit_exceeded",
		Message: "Rate limit exceeded for this API key.",
	}
)

func invalidRequestBody(err error) gateway.Failure {
	return gateway.Failure{
		Status:  http.StatusBadRequest,
		Type:    "invalid_request_error",
		Code:    "invalid_request_body",
		Message: "Invalid request body: " + err.Error(),
	}
}

func invalidParameter(param string, err error) gateway.Failure {
	return gateway.Failure{
		Status:  http.StatusBadRequest,
		Type:    "invalid_request_error",
		Code:    "invalid_parameter",
		Param:   param,
		Message: err.Error(),
	}
}

// errorFor maps an error from the completion path onto the client-facing
// envelope.
func errorFor(err error) gateway.Failure {
	return gateway.Classify(err)
}

func writeError(w http.ResponseWriter, f gateway.Failure) {
	detail := domain.ErrorDetail{
		Message: f.Message,
		Type:    f.Type,
		Code:    f.Code,
	}
	if f.Param != "" {
		param := f.Param
		detail.Param = &param
	}

	w.Header().Set("Content-Type", "application/json")
	if f.Code == failureMissingAuthorization.Code || f.Code == failureInvalidAuthorization.Code {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	w.WriteHeader(f.Status)
	json.NewEncoder(w).Encode(domain.ErrorResponse{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
