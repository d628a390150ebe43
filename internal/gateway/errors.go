package gateway

import (
	"errors"
	"net/http"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

// Failure is the client-facing description of an error: the HTTP status and
// the fields of the OpenAI error envelope.
type Failure struct {
	Status  int
	Type    string
	Code    string
	Param   string
	Message string
}

// Classify maps err onto exactly one Failure. Anything unrecognised is an
// internal proxy error.
func Classify(err error) Failure {
	switch {
	case errors.Is(err, domain.ErrMissingMessages):
		return Failure{http.StatusBadRequest, "invalid_request_error", "missing_messages", "messages",
			"messages is a required field and cannot be empty."}
	case errors.Is(err, domain.ErrNoUsablePrompt):
		return Failure{http.StatusBadRequest, "invalid_request_error", "invalid_prompt", "messages",
			"Could not extract a valid prompt from the messages provided."}
	}

	var ue *upstream.Error
	if !errors.As(err, &ue) && upstream.KindOf(err) != upstream.KindTimeout {
		return Failure{http.StatusInternalServerError, "api_error", "internal_proxy_error", "",
			"Unexpected internal server error in proxy: " + errString(err)}
	}

	msg := errString(err)
	if ue != nil && ue.Err != nil {
		msg = ue.Err.Error()
	}
	switch upstream.KindOf(err) {
	case upstream.KindAuth:
		return Failure{http.StatusUnauthorized, "authentication_error", "gemini_auth_failure", "",
			"Authentication error with Gemini service (invalid or expired cookies?): " + msg}
	case upstream.KindUsageLimit:
		return Failure{http.StatusTooManyRequests, "insufficient_quota", "gemini_usage_limit", "",
			"Usage limit for the Gemini model has been exceeded: " + msg}
	case upstream.KindModelInvalid:
		return Failure{http.StatusBadRequest, "invalid_request_error", "gemini_model_invalid", "model",
			"The specified Gemini model is invalid or unavailable: " + msg}
	case upstream.KindTemporarilyBlocked:
		return Failure{http.StatusTooManyRequests, "rate_limit_exceeded", "gemini_temporarily_blocked", "",
			"Access to Gemini service temporarily blocked (possible IP block): " + msg}
	case upstream.KindTimeout:
		return Failure{http.StatusGatewayTimeout, "api_error", "gemini_timeout", "",
			"Timeout while communicating with Gemini service: " + msg}
	case upstream.KindProtocol, upstream.KindTransport:
		return Failure{http.StatusBadGateway, "api_error", "gemini_library_error", "",
			"Error in the communication library for Gemini API: " + msg}
	default:
		return Failure{http.StatusInternalServerError, "api_error", "gemini_generic_error", "",
			"Generic error while interacting with Gemini service: " + msg}
	}
}

// ErrorCode returns the stable error code for err.
func ErrorCode(err error) string {
	return Classify(err).Code
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
