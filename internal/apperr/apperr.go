// Package apperr provides the control plane's error taxonomy.
//
// Every error that crosses a component boundary is either an *AppError
// (machine-readable code + HTTP status) or gets wrapped into one before it
// reaches a caller outside the originating package.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error category from spec §7.
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindValidation         Kind = "VALIDATION_ERROR"
	KindConflict           Kind = "CONFLICT"
	KindResourceExhausted  Kind = "RESOURCE_EXHAUSTED"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindExecutorUnreachable Kind = "EXECUTOR_UNREACHABLE"
	KindTimeout            Kind = "TIMEOUT"
	KindInternal           Kind = "INTERNAL"
)

var statusByKind = map[Kind]int{
	KindNotFound:            http.StatusNotFound,
	KindValidation:          http.StatusBadRequest,
	KindConflict:            http.StatusConflict,
	KindResourceExhausted:   http.StatusServiceUnavailable,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindExecutorUnreachable: http.StatusBadGateway,
	KindTimeout:             http.StatusGatewayTimeout,
	KindInternal:            http.StatusInternalServerError,
}

// AppError is a structured, HTTP-mappable error.
type AppError struct {
	Kind        Kind
	Message     string
	Detail      string
	Remediation string
	StatusCode  int
	cause       error
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// New builds an AppError of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, StatusCode: statusByKind[kind]}
}

// Wrap builds an AppError of the given kind carrying an underlying cause.
func Wrap(kind Kind, message string, cause error) *AppError {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &AppError{Kind: kind, Message: message, Detail: detail, StatusCode: statusByKind[kind], cause: cause}
}

// WithRemediation attaches a suggested_remediation hint.
func (e *AppError) WithRemediation(r string) *AppError {
	e.Remediation = r
	return e
}

// Response is the HTTP error envelope from spec §7.
type Response struct {
	ErrorCode            string `json:"error_code"`
	Description          string `json:"description"`
	ErrorDetail          string `json:"error_detail,omitempty"`
	SuggestedRemediation string `json:"suggested_remediation,omitempty"`
}

// ToResponse renders the client-facing envelope.
func (e *AppError) ToResponse() Response {
	return Response{
		ErrorCode:            string(e.Kind),
		Description:          e.Message,
		ErrorDetail:          e.Detail,
		SuggestedRemediation: e.Remediation,
	}
}

// Convenience constructors mirroring the taxonomy in spec §7.

func NotFound(resource, id string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s not found: %s", resource, id))
}

func ValidationError(reason string) *AppError {
	return New(KindValidation, reason)
}

func Conflict(reason string) *AppError {
	return New(KindConflict, reason)
}

func ResourceExhausted(reason string) *AppError {
	return New(KindResourceExhausted, reason)
}

func UpstreamUnavailable(op string, cause error) *AppError {
	return Wrap(KindUpstreamUnavailable, fmt.Sprintf("upstream unavailable during %s", op), cause)
}

func ExecutorUnreachable(cause error) *AppError {
	return Wrap(KindExecutorUnreachable, "executor unreachable", cause)
}

func TimeoutErr(op string) *AppError {
	return New(KindTimeout, fmt.Sprintf("operation timed out: %s", op))
}

func Internal(op string, cause error) *AppError {
	return Wrap(KindInternal, fmt.Sprintf("internal error during %s", op), cause)
}

// As extracts an *AppError from err, if present.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Is reports whether err is (or wraps) an AppError of the given kind.
func Is(err error, kind Kind) bool {
	ae, ok := As(err)
	return ok && ae.Kind == kind
}
