package core

import (
	"encoding/json"
	"errors"
	"net/http"

	"momentwatch/internal/types"
)

// APIResponse wraps a single resource.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse is the body of every non-2xx response.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-facing view of an AppError.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes v as the response body. A value that cannot be encoded is
// answered with internal_unexpected_error instead.
func JSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, types.ErrCodeInternalUnexpected, "response could not be encoded", nil)
		return
	}
	writeBody(w, status, body)
}

// Error answers with the AppError found in err's chain. Anything else becomes
// a 500 whose message does not leak err.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		appErr = types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", err)
	}
	writeError(w, r, appErr.HTTPStatus(), appErr.Code, appErr.Message, appErr.Details)
}

// writeError never fails to produce a body: details that cannot be encoded are
// dropped.
func writeError(w http.ResponseWriter, r *http.Request, status int, code types.ErrorCode, message string, details map[string]any) {
	resp := APIErrorResponse{Error: ErrorDetail{
		Code:      string(code),
		Message:   message,
		Details:   details,
		RequestID: types.GetRequestID(r.Context()),
	}}

	body, err := json.Marshal(resp)
	if err != nil {
		resp.Error.Details = nil
		body, _ = json.Marshal(resp)
	}
	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
