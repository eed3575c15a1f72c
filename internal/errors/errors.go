package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies an EdgeError independently of the HTTP status it maps to.
type Kind string

const (
	KindNone              Kind = ""
	KindNoMatchingOrigin  Kind = "no_matching_origin"
	KindMethodNotAllowed  Kind = "method_not_allowed"
	KindAccessBlocked     Kind = "access_blocked"
	KindProtocolRequired  Kind = "protocol_required"
	KindOriginUnavailable Kind = "origin_unavailable"
	KindSignatureInvalid  Kind = "signature_invalid"
	KindNotFound          Kind = "not_found"
)

// EdgeError represents an error that can be returned to clients
type EdgeError struct {
	Kind       Kind   `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *EdgeError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *EdgeError) Unwrap() error {
	return e.underlying
}

// Is reports whether target is an EdgeError of the same kind. Errors without a
// kind only match themselves.
func (e *EdgeError) Is(target error) bool {
	t, ok := target.(*EdgeError)
	if !ok {
		return false
	}
	if e.Kind == KindNone || t.Kind == KindNone {
		return e == t
	}
	return e.Kind == t.Kind
}

// WriteJSON writes the error as JSON to the response.
// For base errors (no details/requestID), uses pre-serialized JSON to avoid allocations.
func (e *EdgeError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &EdgeError{
		Kind:    KindNotFound,
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrMethodNotAllowed = &EdgeError{
		Kind:    KindMethodNotAllowed,
		Code:    http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	// ErrAccessBlocked never carries the blocking rule name; that goes to telemetry only.
	ErrAccessBlocked = &EdgeError{
		Kind:    KindAccessBlocked,
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrProtocolRequired = &EdgeError{
		Kind:    KindProtocolRequired,
		Code:    http.StatusForbidden,
		Message: "HTTPS Required",
	}

	ErrSignatureInvalid = &EdgeError{
		Kind:    KindSignatureInvalid,
		Code:    http.StatusForbidden,
		Message: "Access Denied",
	}

	ErrBadGateway = &EdgeError{
		Kind:    KindOriginUnavailable,
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &EdgeError{
		Kind:    KindOriginUnavailable,
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrNoMatchingOrigin = &EdgeError{
		Kind:    KindNoMatchingOrigin,
		Code:    http.StatusInternalServerError,
		Message: "No Matching Origin",
	}

	ErrInternalServer = &EdgeError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*EdgeError][]byte

func init() {
	bases := []*EdgeError{
		ErrNotFound, ErrMethodNotAllowed, ErrAccessBlocked, ErrProtocolRequired,
		ErrSignatureInvalid, ErrBadGateway, ErrGatewayTimeout, ErrNoMatchingOrigin,
		ErrInternalServer,
	}
	preSerialized = make(map[*EdgeError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new EdgeError
func New(code int, message string) *EdgeError {
	return &EdgeError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *EdgeError {
	return &EdgeError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WrapKind wraps err into a copy of base, keeping base's kind, code and message.
func WrapKind(base *EdgeError, err error) *EdgeError {
	return &EdgeError{
		Kind:       base.Kind,
		Code:       base.Code,
		Message:    base.Message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *EdgeError) WithDetails(details string) *EdgeError {
	return &EdgeError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *EdgeError) WithRequestID(requestID string) *EdgeError {
	return &EdgeError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// IsEdgeError checks if an error is, or wraps, an EdgeError
func IsEdgeError(err error) (*EdgeError, bool) {
	var ee *EdgeError
	if stderrors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// KindOf returns the kind of the first EdgeError in err's chain.
func KindOf(err error) Kind {
	if ee, ok := IsEdgeError(err); ok {
		return ee.Kind
	}
	return KindNone
}
