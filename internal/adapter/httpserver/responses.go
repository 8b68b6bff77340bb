// Package httpserver contains the gateway's HTTP handlers and middleware:
// the chat proxy, the SSE stream, status and diagnostics endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// Error types returned in the envelope.
const (
	errTypeTimeout    = "TIMEOUT"
	errTypeRateLimit  = "RATE_LIMIT"
	errTypeAuth       = "AUTH"
	errTypeOversize   = "OVERSIZE"
	errTypeServer     = "SERVER"
	errTypeBadRequest = "BAD_REQUEST"
)

const msgTimeout = "The model took too long to respond. Please wait a moment and try again."

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type          string            `json:"type"`
	Message       string            `json:"message"`
	Status        int               `json:"status"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classifyError maps an error to the HTTP status and envelope type.
func classifyError(err error) (int, string) {
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, errTypeOversize
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, errTypeBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errTypeTimeout
	}

	switch ai.Classify(err) {
	case domain.ClassAborted:
		return http.StatusGatewayTimeout, errTypeTimeout
	case domain.ClassNetwork:
		var ue *ai.UpstreamError
		if errors.As(err, &ue) && ue.Timeout {
			return http.StatusGatewayTimeout, errTypeTimeout
		}
		return http.StatusInternalServerError, errTypeServer
	case domain.ClassRateLimit:
		return http.StatusTooManyRequests, errTypeRateLimit
	case domain.ClassUnauthorized:
		return http.StatusUnauthorized, errTypeAuth
	case domain.ClassClient:
		if isOversize(err) {
			return http.StatusRequestEntityTooLarge, errTypeOversize
		}
		return http.StatusBadRequest, errTypeBadRequest
	case domain.ClassEmptyUserMessage:
		return http.StatusBadRequest, errTypeBadRequest
	case domain.ClassNoCredentials:
		return http.StatusServiceUnavailable, errTypeServer
	default:
		return http.StatusInternalServerError, errTypeServer
	}
}

// isOversize reports an upstream rejection caused by prompt size.
func isOversize(err error) bool {
	var se *ai.SendError
	if errors.As(err, &se) && se.Status() == http.StatusRequestEntityTooLarge {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context") || strings.Contains(msg, "length")
}

func errorBody(err error, details map[string]string) (int, errorEnvelope) {
	status, typ := classifyError(err)
	e := apiError{Type: typ, Message: err.Error(), Status: status, Details: details}
	var se *ai.SendError
	if errors.As(err, &se) {
		e.CorrelationID = se.CorrelationID
		if typ == errTypeTimeout && se.Class == domain.ClassAborted {
			e.Message = msgTimeout + " (ref: " + se.CorrelationID + ")"
		}
	} else if typ == errTypeTimeout {
		e.Message = msgTimeout
	}
	return status, errorEnvelope{Error: e}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details map[string]string) {
	status, body := errorBody(err, details)
	if status >= 500 {
		LoggerFrom(r).Error("request failed", "status", status, "type", body.Error.Type, "error", err)
	}
	if status == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, body)
}
