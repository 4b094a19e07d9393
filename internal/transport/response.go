// Package transport contains the HTTP router, the middleware chain, the
// response writers, and the error reporting boundary shared by the request
// pipeline and the subscription engine.
package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/xrpc/internal/observability"
	"github.com/pitabwire/xrpc/model"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes the caller-visible body of xe with its status and
// headers. Internal errors carry a generic message only.
func WriteError(w http.ResponseWriter, xe *model.XRPCError) {
	if xe == nil {
		xe = model.NewInternalServerError("nil error")
	}
	for k, v := range xe.Headers {
		w.Header().Set(k, v)
	}
	status := xe.Status
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, xe.Payload())
}

// ReportError normalizes err into the taxonomy and logs it. It is the only
// place request and stream failures are logged: internal errors with their
// full cause, everything else as a summary.
func ReportError(ctx context.Context, logger *zap.Logger, nsid string, err error) *model.XRPCError {
	xe := model.FromError(err)
	log := observability.RequestLogger(ctx, logger)

	fields := []zap.Field{
		zap.String("nsid", nsid),
		zap.String("kind", xe.Kind),
		zap.Int("status", xe.Status),
	}
	if xe.Internal() {
		fields = append(fields, zap.String("message", xe.Message))
		if cause := xe.Unwrap(); cause != nil {
			fields = append(fields, zap.Error(cause))
		}
		log.Error("xrpc internal error", fields...)
		return xe
	}
	fields = append(fields, zap.String("message", xe.Message))
	log.Warn("xrpc error", fields...)
	return xe
}
