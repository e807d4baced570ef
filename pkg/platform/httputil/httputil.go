// Package httputil writes JSON responses and the shared error envelope.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	dErrors "quickex/pkg/domain-errors"
	"quickex/pkg/requestcontext"
)

// MaxBodyBytes caps request bodies decoded by DecodeJSON.
const MaxBodyBytes = 64 << 10

// ErrorResponse is the envelope for every error response.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// StatusFor maps a domain code to an HTTP status.
func StatusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeInvalidFormat, dErrors.CodeInvalidSubject, dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeAlreadyTaken, dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case dErrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case dErrors.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// hidesDescription reports codes whose messages may leak internals.
func hidesDescription(code dErrors.Code) bool {
	switch code {
	case dErrors.CodeInternal, dErrors.CodeInvariantViolation, dErrors.CodeStorageUnavailable, dErrors.CodeTimeout:
		return true
	}
	return false
}

// WriteError writes err as the error envelope. Errors without a domain code are internal.
func WriteError(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		de = &dErrors.Error{Code: dErrors.CodeInternal}
	}
	code := de.Code
	if code == dErrors.CodeInvariantViolation {
		code = dErrors.CodeInternal
	}
	resp := ErrorResponse{Error: string(code)}
	if !hidesDescription(de.Code) {
		resp.ErrorDescription = de.Message
	}
	WriteJSON(w, StatusFor(code), resp)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes a bounded request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}

// Fail logs caller faults at warn and everything else at error, then writes the envelope.
func Fail(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, msg string, err error) {
	requestID := requestcontext.RequestID(ctx)
	code, ok := dErrors.CodeOf(err)
	if !ok {
		code = dErrors.CodeInternal
	}
	if StatusFor(code) < http.StatusInternalServerError {
		logger.WarnContext(ctx, msg, "request_id", requestID, "error", err.Error())
	} else {
		logger.ErrorContext(ctx, msg, "request_id", requestID, "error", err.Error())
	}
	WriteError(w, err)
}
