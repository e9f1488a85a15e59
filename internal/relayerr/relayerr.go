// Package relayerr defines the stable error-code taxonomy used across the
// delivery plane and the HTTP envelope helper for the out-of-core surface.
// Every error returned across a package boundary should carry a Code so
// callers can branch on Kind/Retryable instead of string-matching messages.
package relayerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind buckets a Code into one of the seven families the gateway and
// httpstub surfaces branch on.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuthN      Kind = "authn"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindCapacity   Kind = "capacity"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
)

// Code is a stable, loggable identifier for a class of failure.
type Code string

const (
	CodeValidationFailed   Code = "validation_failed"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeTokenExpired       Code = "token_expired"
	CodeNotFound           Code = "not_found"
	CodeBundleIncomplete   Code = "bundle_incomplete"
	CodeDuplicate          Code = "duplicate_submission"
	CodeIdentityKeyChanged Code = "identity_key_changed"
	CodeInboxFull          Code = "inbox_full"
	CodePreKeysExhausted   Code = "prekeys_exhausted"
	CodeQueueFull          Code = "queue_full"
	CodeUnavailable        Code = "unavailable"
	CodeTimeout            Code = "timeout"
	CodeStorage            Code = "storage_error"
	CodeInternal           Code = "internal_error"
)

// CodeMeta is the static metadata registered for each Code.
type CodeMeta struct {
	HTTPStatus int
	Retryable  bool
	Kind       Kind
}

var registry = map[Code]CodeMeta{
	CodeValidationFailed:   {HTTPStatus: http.StatusBadRequest, Retryable: false, Kind: KindValidation},
	CodeUnauthorized:       {HTTPStatus: http.StatusUnauthorized, Retryable: false, Kind: KindAuthN},
	CodeForbidden:          {HTTPStatus: http.StatusForbidden, Retryable: false, Kind: KindAuthN},
	CodeTokenExpired:       {HTTPStatus: http.StatusUnauthorized, Retryable: false, Kind: KindAuthN},
	CodeNotFound:           {HTTPStatus: http.StatusNotFound, Retryable: false, Kind: KindNotFound},
	CodeBundleIncomplete:   {HTTPStatus: http.StatusNotFound, Retryable: false, Kind: KindNotFound},
	CodeDuplicate:          {HTTPStatus: http.StatusConflict, Retryable: false, Kind: KindConflict},
	CodeIdentityKeyChanged: {HTTPStatus: http.StatusConflict, Retryable: false, Kind: KindConflict},
	CodeInboxFull:          {HTTPStatus: http.StatusInsufficientStorage, Retryable: false, Kind: KindCapacity},
	CodePreKeysExhausted:   {HTTPStatus: http.StatusConflict, Retryable: false, Kind: KindCapacity},
	CodeQueueFull:          {HTTPStatus: http.StatusTooManyRequests, Retryable: true, Kind: KindCapacity},
	CodeUnavailable:        {HTTPStatus: http.StatusServiceUnavailable, Retryable: true, Kind: KindTransient},
	CodeTimeout:            {HTTPStatus: http.StatusGatewayTimeout, Retryable: true, Kind: KindTransient},
	CodeStorage:            {HTTPStatus: http.StatusInternalServerError, Retryable: true, Kind: KindTransient},
	CodeInternal:           {HTTPStatus: http.StatusInternalServerError, Retryable: false, Kind: KindFatal},
}

// Meta returns the registered metadata for code, defaulting to an opaque
// internal-error classification for unregistered codes.
func Meta(code Code) CodeMeta {
	if m, ok := registry[code]; ok {
		return m
	}
	return CodeMeta{HTTPStatus: http.StatusInternalServerError, Retryable: false, Kind: KindFatal}
}

// Error is the concrete error type carrying a Code plus optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error around an existing error, preserving it for errors.Is/As.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is, or wraps, a *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// ErrorBody is the JSON shape of a single error in an HTTP response.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope wraps ErrorBody for the top-level HTTP response.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// NewEnvelope builds the wire envelope for err, using a generic internal
// error if err does not carry a Code. The client sees only the *Error's own
// Message, never the code prefix or the wrapped cause.
func NewEnvelope(err error) (ErrorEnvelope, int) {
	code, ok := CodeOf(err)
	if !ok {
		code = CodeInternal
	}
	meta := Meta(code)
	msg := "internal error"
	var e *Error
	if meta.Kind != KindFatal && errors.As(err, &e) {
		msg = e.Message
	}
	return ErrorEnvelope{Error: ErrorBody{Code: code, Message: msg}}, meta.HTTPStatus
}

// WriteHTTP writes err as a JSON error envelope with the appropriate status code.
func WriteHTTP(w http.ResponseWriter, err error) {
	env, status := NewEnvelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
