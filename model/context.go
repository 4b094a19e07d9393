package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// AuthResult is returned by a successful AuthVerifier. Credentials describe
// the authenticated principal; Artifacts carry verifier-specific extras (for
// example the raw token).
type AuthResult struct {
	Credentials any
	Artifacts   any
}

// AuthVerifier authenticates a raw transport request. A verifier rejects a
// request by returning an error, typically a *HandlerError or *XRPCError;
// rejections are reported to the caller and never retried.
type AuthVerifier interface {
	Verify(ctx context.Context, r *http.Request) (*AuthResult, error)
}

// AuthVerifierFunc adapts a function to the AuthVerifier interface.
type AuthVerifierFunc func(ctx context.Context, r *http.Request) (*AuthResult, error)

// Verify calls f(ctx, r).
func (f AuthVerifierFunc) Verify(ctx context.Context, r *http.Request) (*AuthResult, error) {
	return f(ctx, r)
}

// HandlerInput is the decoded, validated request body of a procedure.
// Body is a JSON value for JSON encodings, a string for text encodings, and
// an io.Reader for anything else.
type HandlerInput struct {
	Encoding string
	Body     any
}

// Reader returns the body as a reader when it was passed through as a blob.
func (in *HandlerInput) Reader() (io.Reader, bool) {
	if in == nil {
		return nil, false
	}
	r, ok := in.Body.(io.Reader)
	return r, ok
}

// RequestContext is created once per request-response invocation, threaded
// explicitly through every pipeline stage and discarded when the response
// completes. It is never shared across requests.
type RequestContext struct {
	MethodID string
	Params   map[string]any
	// Input is nil for queries and for procedures without a body.
	Input    *HandlerInput
	Auth     *AuthResult
	Request  *http.Request
	Response http.ResponseWriter

	// ResetRouteRateLimits undoes the quota charged to this request by the
	// route's limiters.
	ResetRouteRateLimits func(ctx context.Context) error
}

// StreamContext is the per-connection equivalent of RequestContext handed to
// subscription handlers.
type StreamContext struct {
	MethodID string
	Params   map[string]any
	Auth     *AuthResult
	Request  *http.Request
}

// Handler implements a query or procedure. Returning (nil, nil) produces an
// empty 200 response.
type Handler func(ctx context.Context, rc *RequestContext) (HandlerOutput, error)

// RateLimitSpec is one rate-limit entry on a method. Either Shared names a
// limiter declared in the server options, or Duration and Points declare a
// limiter private to the method. CalcKey and CalcPoints override the
// limiter's key and cost functions for this method only.
type RateLimitSpec struct {
	Shared     string
	Duration   time.Duration
	Points     int
	CalcKey    func(rc *RequestContext) string
	CalcPoints func(rc *RequestContext) int
}

// HandlerConfig binds a handler to its policies.
type HandlerConfig struct {
	Handler   Handler
	Auth      AuthVerifier
	RateLimit []RateLimitSpec
	// BlobLimit overrides the server-wide limit for non-JSON, non-text bodies.
	BlobLimit int64
}

// StreamHandler implements a subscription. It returns the producer that the
// streaming engine drives until it ends, fails, or the connection closes.
type StreamHandler func(ctx context.Context, sc *StreamContext) (Producer, error)

// StreamHandlerConfig binds a stream handler to its auth verifier.
type StreamHandlerConfig struct {
	Handler StreamHandler
	Auth    AuthVerifier
}
