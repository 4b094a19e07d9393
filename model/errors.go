package model

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
)

// Standard error kinds. The kind is the stable, machine-readable discriminator
// carried in the "error" field of every error body and error frame.
const (
	KindInvalidRequest         = "InvalidRequest"
	KindAuthRequired           = "AuthenticationRequired"
	KindForbidden              = "Forbidden"
	KindNotSupported           = "XRPCNotSupported"
	KindNotAcceptable          = "NotAcceptable"
	KindPayloadTooLarge        = "PayloadTooLarge"
	KindUnsupportedMediaType   = "UnsupportedMediaType"
	KindRateLimitExceeded      = "RateLimitExceeded"
	KindInternalServerError    = "InternalServerError"
	KindMethodNotImplemented   = "MethodNotImplemented"
	KindUpstreamFailure        = "UpstreamFailure"
	KindNotEnoughResources     = "NotEnoughResources"
	KindUpstreamTimeout        = "UpstreamTimeout"
	internalServerErrorMessage = "Internal Server Error"
)

var statusForKind = map[string]int{
	KindInvalidRequest:       http.StatusBadRequest,
	KindAuthRequired:         http.StatusUnauthorized,
	KindForbidden:            http.StatusForbidden,
	KindNotSupported:         http.StatusNotFound,
	KindNotAcceptable:        http.StatusNotAcceptable,
	KindPayloadTooLarge:      http.StatusRequestEntityTooLarge,
	KindUnsupportedMediaType: http.StatusUnsupportedMediaType,
	KindRateLimitExceeded:    http.StatusTooManyRequests,
	KindInternalServerError:  http.StatusInternalServerError,
	KindMethodNotImplemented: http.StatusNotImplemented,
	KindUpstreamFailure:      http.StatusBadGateway,
	KindNotEnoughResources:   http.StatusServiceUnavailable,
	KindUpstreamTimeout:      http.StatusGatewayTimeout,
}

var kindForStatus = map[int]string{}

func init() {
	for kind, status := range statusForKind {
		kindForStatus[status] = kind
	}
}

// StatusForKind returns the transport status for a standard kind, or 0 if the
// kind is not part of the standard taxonomy.
func StatusForKind(kind string) int {
	return statusForKind[kind]
}

// KindForStatus returns the standard kind for a transport status. Unknown
// client errors map to InvalidRequest and unknown server errors to
// InternalServerError.
func KindForStatus(status int) string {
	if kind, ok := kindForStatus[status]; ok {
		return kind
	}
	if status >= 400 && status < 500 {
		return KindInvalidRequest
	}
	return KindInternalServerError
}

// XRPCError is the single structured error type produced by the pipeline and
// the streaming engine. It implements the error interface.
type XRPCError struct {
	Kind    string
	Status  int
	Message string
	// Headers are written alongside the error body (e.g. rate-limit hints).
	Headers map[string]string

	cause error
}

// Error implements the error interface.
func (e *XRPCError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *XRPCError) Unwrap() error {
	return e.cause
}

// Internal reports whether the error details must be hidden from the caller.
func (e *XRPCError) Internal() bool {
	return e.Kind == KindInternalServerError
}

// WithCause returns a copy of the error wrapping cause.
func (e *XRPCError) WithCause(cause error) *XRPCError {
	c := *e
	c.cause = cause
	return &c
}

// ErrorBody is the wire representation of an error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Payload returns the caller-visible body. Internal errors carry a generic
// message only.
func (e *XRPCError) Payload() ErrorBody {
	if e.Internal() {
		return ErrorBody{Error: e.Kind, Message: internalServerErrorMessage}
	}
	return ErrorBody{Error: e.Kind, Message: e.Message}
}

func newError(kind, msg string) *XRPCError {
	return &XRPCError{Kind: kind, Status: statusForKind[kind], Message: msg}
}

// NewInvalidRequestError returns an InvalidRequest error.
func NewInvalidRequestError(msg string) *XRPCError {
	return newError(KindInvalidRequest, msg)
}

// NewAuthRequiredError returns an AuthenticationRequired error.
func NewAuthRequiredError(msg string) *XRPCError {
	if msg == "" {
		msg = "Authentication Required"
	}
	return newError(KindAuthRequired, msg)
}

// NewForbiddenError returns a Forbidden error.
func NewForbiddenError(msg string) *XRPCError {
	return newError(KindForbidden, msg)
}

// NewNotSupportedError returns an XRPCNotSupported error for paths outside
// the XRPC surface.
func NewNotSupportedError(msg string) *XRPCError {
	if msg == "" {
		msg = "XRPC Not Supported"
	}
	return newError(KindNotSupported, msg)
}

// NewPayloadTooLargeError returns a PayloadTooLarge error.
func NewPayloadTooLargeError(msg string) *XRPCError {
	if msg == "" {
		msg = "request entity too large"
	}
	return newError(KindPayloadTooLarge, msg)
}

// NewRateLimitExceededError returns a RateLimitExceeded error. The headers
// carry the limiter's retry hint when the store provides one.
func NewRateLimitExceededError(headers map[string]string) *XRPCError {
	e := newError(KindRateLimitExceeded, "Rate Limit Exceeded")
	e.Headers = headers
	return e
}

// NewMethodNotImplementedError returns a MethodNotImplemented error.
func NewMethodNotImplementedError(msg string) *XRPCError {
	if msg == "" {
		msg = "Method Not Implemented"
	}
	return newError(KindMethodNotImplemented, msg)
}

// NewInternalServerError returns an InternalServerError. The message is only
// ever logged.
func NewInternalServerError(msg string) *XRPCError {
	return newError(KindInternalServerError, msg)
}

// NewUpstreamFailureError returns an UpstreamFailure error.
func NewUpstreamFailureError(msg string) *XRPCError {
	return newError(KindUpstreamFailure, msg)
}

// HandlerError is returned by handlers and auth verifiers to produce a
// structured error with a handler-chosen status and optional domain-specific
// kind. It is both a HandlerOutput variant and an error.
type HandlerError struct {
	Status  int
	Kind    string
	Message string
}

func (*HandlerError) handlerOutput() {}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error %d %s: %s", e.Status, e.Kind, e.Message)
}

// FromHandlerError maps a handler-declared error 1:1 onto the taxonomy.
func FromHandlerError(h *HandlerError) *XRPCError {
	status := h.Status
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	kind := h.Kind
	if kind == "" {
		kind = KindForStatus(status)
	}
	return &XRPCError{Kind: kind, Status: status, Message: h.Message}
}

// FromError normalizes any value produced by a failing stage into an
// XRPCError. Structured errors pass through unchanged; nil and typed-nil
// values become InternalServerError.
func FromError(err error) *XRPCError {
	if isNil(err) {
		return NewInternalServerError("unknown failure (nil error)")
	}

	var xe *XRPCError
	if errors.As(err, &xe) && xe != nil {
		return xe
	}

	var he *HandlerError
	if errors.As(err, &he) && he != nil {
		return FromHandlerError(he).WithCause(err)
	}

	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return NewPayloadTooLargeError(fmt.Sprintf("request entity too large (limit %d bytes)", mbe.Limit)).WithCause(err)
	}

	return NewInternalServerError(err.Error()).WithCause(err)
}

func isNil(err error) bool {
	if err == nil {
		return true
	}
	v := reflect.ValueOf(err)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// ConfigurationError reports an invalid method registration or server setup.
// It is never sent over the wire.
type ConfigurationError struct {
	MethodID string
	Reason   string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.MethodID == "" {
		return "xrpc configuration: " + e.Reason
	}
	return fmt.Sprintf("xrpc configuration: %s: %s", e.MethodID, e.Reason)
}
