package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/xrpc/internal/lexicon"
	"github.com/pitabwire/xrpc/internal/observability"
	"github.com/pitabwire/xrpc/internal/ratelimit"
	"github.com/pitabwire/xrpc/internal/stream"
	"github.com/pitabwire/xrpc/internal/transport"
	"github.com/pitabwire/xrpc/model"
)

// methodID reads the method id from the chi route, falling back to the
// path when the handler is mounted without the router.
func methodID(r *http.Request) string {
	if id := chi.URLParam(r, "methodId"); id != "" {
		return id
	}
	return strings.TrimPrefix(r.URL.Path, "/xrpc/")
}

func (s *Server) serveXRPC(w http.ResponseWriter, r *http.Request) {
	nsid := methodID(r)
	if stream.IsUpgrade(r) {
		s.engine.Serve(w, r, nsid)
		return
	}

	start := time.Now()
	ctx, span := observability.StartSpan(r.Context(), "xrpc.call", observability.AttrNSID.String(nsid))
	defer span.End()
	r = r.WithContext(ctx)

	tw := &trackingWriter{ResponseWriter: w}
	outcome := observability.OutcomeOK
	if err := s.dispatch(ctx, tw, r, nsid); err != nil {
		xe := s.report(ctx, nsid, err)
		outcome = xe.Kind
		span.SetAttributes(observability.AttrErrorKind.String(xe.Kind))
		span.SetStatus(codes.Error, xe.Kind)
		if !tw.wroteHeader {
			transport.WriteError(tw, xe)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordCall(nsid, outcome, time.Since(start))
	}
}

// dispatch runs the request-response pipeline. Each stage short-circuits the
// rest on failure.
func (s *Server) dispatch(ctx context.Context, w http.ResponseWriter, r *http.Request, nsid string) error {
	if err := s.admit(ctx, w, r, nsid); err != nil {
		return err
	}

	def, known := s.registry.Definition(nsid)
	if known {
		trace.SpanFromContext(ctx).SetAttributes(observability.AttrMethodKind.String(string(def.Kind)))
		if want := def.Kind.HTTPMethod(); want != "" && want != r.Method {
			return model.NewInvalidRequestError(fmt.Sprintf("Incorrect HTTP method (%s) expected %s", r.Method, want))
		}
	}

	rt, ok := s.routes[nsid]
	if !ok {
		if known && def.Kind == model.KindSubscription {
			return model.NewInvalidRequestError(nsid + " is a subscription and requires a WebSocket upgrade")
		}
		if s.opts.Catchall != nil {
			s.opts.Catchall.ServeHTTP(w, r)
			return nil
		}
		return model.NewMethodNotImplementedError("")
	}
	return s.call(ctx, w, r, rt)
}

// admit consumes the global limiters with a probe context carrying no
// params, ahead of any parsing.
func (s *Server) admit(ctx context.Context, w http.ResponseWriter, r *http.Request, nsid string) error {
	if len(s.global) == 0 {
		return nil
	}
	probe := &model.RequestContext{
		MethodID:             nsid,
		Params:               map[string]any{},
		Request:              r,
		Response:             w,
		ResetRouteRateLimits: func(context.Context) error { return nil },
	}
	return consume(ctx, probe, s.global)
}

func (s *Server) call(ctx context.Context, w http.ResponseWriter, r *http.Request, rt *route) error {
	rc := &model.RequestContext{
		MethodID: rt.nsid,
		Request:  r,
		Response: w,
	}
	resettable := make([]*ratelimit.Limiter, 0, len(s.global)+len(rt.limiters))
	resettable = append(resettable, s.global...)
	resettable = append(resettable, rt.limiters...)
	rc.ResetRouteRateLimits = func(ctx context.Context) error {
		return ratelimit.ResetMany(ctx, rc, resettable)
	}

	if rt.cfg.Auth != nil {
		res, err := rt.cfg.Auth.Verify(ctx, r)
		if err != nil {
			return err
		}
		rc.Auth = res
	}

	params, err := lexicon.DecodeParams(rt.def, r.URL.Query())
	if err != nil {
		return model.NewInvalidRequestError(err.Error())
	}
	if err := s.registry.ValidateParams(rt.nsid, params); err != nil {
		return model.NewInvalidRequestError(err.Error())
	}
	rc.Params = params

	input, err := s.decodeInput(w, r, rt)
	if err != nil {
		return err
	}
	rc.Input = input

	if err := consume(ctx, rc, rt.limiters); err != nil {
		return err
	}

	out, err := invoke(ctx, rt.cfg.Handler, rc)
	if err != nil {
		return err
	}
	return s.writeOutput(ctx, w, rt, out)
}

func consume(ctx context.Context, rc *model.RequestContext, limiters []*ratelimit.Limiter) error {
	if len(limiters) == 0 {
		return nil
	}
	ctx, span := observability.StartSpan(ctx, "ratelimit.consume")
	st, err := ratelimit.ConsumeMany(ctx, rc, limiters)
	if st != nil {
		span.SetAttributes(observability.AttrLimiter.String(st.Limiter))
	}
	observability.EndSpanWithError(span, err)
	return err
}

// invoke runs the handler. A panic is converted to an error; structured
// panic values keep their kind.
func invoke(ctx context.Context, h model.Handler, rc *model.RequestContext) (out model.HandlerOutput, err error) {
	ctx, span := observability.StartSpan(ctx, "xrpc.handler")
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				span.End()
				panic(rec)
			}
			out, err = nil, panicError(rec)
		}
		observability.EndSpanWithError(span, err)
	}()
	return h(ctx, rc)
}

func panicError(rec any) error {
	if err, ok := rec.(error); ok {
		xe := model.FromError(err)
		if xe.Internal() {
			return model.NewInternalServerError(fmt.Sprintf("handler panic: %v", err)).WithCause(err)
		}
		return xe
	}
	return model.NewInternalServerError(fmt.Sprintf("handler panic: %v", rec))
}

// trackingWriter records whether the response has started so a late
// failure is not written on top of a partial body.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *trackingWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *trackingWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *trackingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
