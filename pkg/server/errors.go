package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	cnserrors "github.com/gridjobs/engine/pkg/errors"
	"github.com/gridjobs/engine/pkg/serializer"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Code      string                 `json:"code" yaml:"code"`
	Message   string                 `json:"message" yaml:"message"`
	Details   map[string]interface{} `json:"details,omitempty" yaml:"details,omitempty"`
	RequestID string                 `json:"requestId" yaml:"requestId"`
	Timestamp time.Time              `json:"timestamp" yaml:"timestamp"`
	Retryable bool                   `json:"retryable" yaml:"retryable"`
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int,
	code cnserrors.ErrorCode, message string, retryable bool, details map[string]interface{}) {

	requestID, _ := r.Context().Value(contextKeyRequestID).(string)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	serializer.Respond(w, r, statusCode, ErrorResponse{
		Code:      string(code),
		Message:   message,
		Details:   details,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Retryable: retryable,
	})
}

// WriteErrorFromErr writes err as an error response. Structured errors keep
// their code, message and context; anything else becomes INTERNAL with
// fallbackMessage.
func WriteErrorFromErr(w http.ResponseWriter, r *http.Request, err error, fallbackMessage string, extraDetails map[string]interface{}) {
	var se *cnserrors.StructuredError
	if !errors.As(err, &se) {
		WriteError(w, r, http.StatusInternalServerError, cnserrors.ErrCodeInternal, fallbackMessage, true,
			mergeDetails(extraDetails, map[string]interface{}{"error": err.Error()}))
		return
	}

	details := mergeDetails(se.Context, extraDetails)
	if se.Cause != nil {
		details = mergeDetails(details, map[string]interface{}{"error": se.Cause.Error()})
	}
	WriteError(w, r, HTTPStatusFromCode(se.Code), se.Code, se.Message, retryableFromCode(se.Code), details)
}

// HTTPStatusFromCode maps an error code to an HTTP status.
func HTTPStatusFromCode(code cnserrors.ErrorCode) int {
	switch code {
	case cnserrors.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case cnserrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case cnserrors.ErrCodeQuotaExceeded:
		return http.StatusForbidden
	case cnserrors.ErrCodeNotFound:
		return http.StatusNotFound
	case cnserrors.ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case cnserrors.ErrCodeAlreadyExists, cnserrors.ErrCodeConflict, cnserrors.ErrCodeConflictExhausted:
		return http.StatusConflict
	case cnserrors.ErrCodeTranslation:
		return http.StatusUnprocessableEntity
	case cnserrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case cnserrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case cnserrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func retryableFromCode(code cnserrors.ErrorCode) bool {
	switch code {
	case cnserrors.ErrCodeTimeout, cnserrors.ErrCodeUnavailable, cnserrors.ErrCodeRateLimitExceeded,
		cnserrors.ErrCodeConflictExhausted, cnserrors.ErrCodeInternal:
		return true
	default:
		return false
	}
}

// mergeDetails merges b over a. It returns nil when both are empty.
func mergeDetails(a, b map[string]interface{}) map[string]interface{} {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
