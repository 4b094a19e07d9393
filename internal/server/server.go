// Package server binds method identifiers to handlers and serves them over
// the XRPC request pipeline and the subscription engine.
//
// A Server has two phases. Methods and subscriptions are registered first;
// Build then freezes the tables and returns the http.Handler, and Serve runs
// that handler on a listener until its context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/xrpc/internal/observability"
	"github.com/pitabwire/xrpc/internal/ratelimit"
	"github.com/pitabwire/xrpc/internal/stream"
	"github.com/pitabwire/xrpc/internal/transport"
	"github.com/pitabwire/xrpc/model"
)

// Default body ceilings, in bytes.
const (
	DefaultJSONLimit = 150 * 1024
	DefaultTextLimit = 100 * 1024
	DefaultBlobLimit = 5 * 1024 * 1024
)

// RateLimitOptions declare the server-wide limiters and the store they count
// in. Global limiters apply to every request-response call; Shared limiters
// are referenced by name from HandlerConfig.RateLimit.
type RateLimitOptions struct {
	// Store defaults to an in-memory store.
	Store      ratelimit.Store
	FailClosed bool
	Global     []ratelimit.Config
	Shared     []ratelimit.Config
}

// Options configure a Server.
type Options struct {
	// Catchall serves requests for method ids without a registered handler.
	// Without it such requests fail with MethodNotImplemented.
	Catchall http.Handler
	// ErrorParser overrides how failures are mapped onto the error taxonomy.
	ErrorParser func(err error) *model.XRPCError
	// SkipOutputValidation disables checking handler output against the
	// method's output schema.
	SkipOutputValidation bool

	JSONLimit int64
	TextLimit int64
	BlobLimit int64

	RateLimits RateLimitOptions

	Logger  *zap.Logger
	Metrics *observability.Metrics

	StreamWriteTimeout   time.Duration
	StreamOriginPatterns []string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

type route struct {
	nsid      string
	def       model.MethodDefinition
	cfg       model.HandlerConfig
	limiters  []*ratelimit.Limiter
	blobLimit int64
}

// Server is the method registry and router.
type Server struct {
	registry model.SchemaRegistry
	opts     Options
	logger   *zap.Logger
	metrics  *observability.Metrics

	limiterOpts ratelimit.Options
	global      []*ratelimit.Limiter
	shared      map[string]*ratelimit.Limiter

	mu      sync.Mutex
	routes  map[string]*route
	subs    map[string]model.StreamHandlerConfig
	engine  *stream.Engine
	handler http.Handler
}

// New creates a Server resolving method definitions from registry. Invalid
// limiter declarations are reported together.
func New(registry model.SchemaRegistry, opts Options) (*Server, error) {
	if registry == nil {
		return nil, &model.ConfigurationError{Reason: "schema registry is required"}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.JSONLimit <= 0 {
		opts.JSONLimit = DefaultJSONLimit
	}
	if opts.TextLimit <= 0 {
		opts.TextLimit = DefaultTextLimit
	}
	if opts.BlobLimit <= 0 {
		opts.BlobLimit = DefaultBlobLimit
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}

	store := opts.RateLimits.Store
	if store == nil {
		mem, err := ratelimit.NewMemoryStore(0)
		if err != nil {
			return nil, err
		}
		store = mem
	}

	s := &Server{
		registry: registry,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		shared:   make(map[string]*ratelimit.Limiter),
		routes:   make(map[string]*route),
		subs:     make(map[string]model.StreamHandlerConfig),
		limiterOpts: ratelimit.Options{
			Store:      store,
			FailClosed: opts.RateLimits.FailClosed,
			Logger:     opts.Logger,
		},
	}
	if s.metrics != nil {
		s.limiterOpts.OnReject = s.metrics.RecordRateLimitRejection
	}

	var errs error
	for _, cfg := range opts.RateLimits.Global {
		cfg.Scope = ratelimit.Global
		l, err := ratelimit.New(cfg, s.limiterOpts)
		if err != nil {
			errs = multierr.Append(errs, &model.ConfigurationError{Reason: err.Error()})
			continue
		}
		s.global = append(s.global, l)
	}
	for _, cfg := range opts.RateLimits.Shared {
		cfg.Scope = ratelimit.Shared
		if _, dup := s.shared[cfg.Name]; dup {
			errs = multierr.Append(errs, &model.ConfigurationError{
				Reason: fmt.Sprintf("shared rate limiter %q declared twice", cfg.Name),
			})
			continue
		}
		l, err := ratelimit.New(cfg, s.limiterOpts)
		if err != nil {
			errs = multierr.Append(errs, &model.ConfigurationError{Reason: err.Error()})
			continue
		}
		s.shared[cfg.Name] = l
	}
	if errs != nil {
		return nil, errs
	}
	return s, nil
}

// Method registers a query or procedure handler.
func (s *Server) Method(id string, cfg model.HandlerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler != nil {
		return &model.ConfigurationError{MethodID: id, Reason: "server is already built"}
	}
	def, ok := s.registry.Definition(id)
	if !ok || (def.Kind != model.KindQuery && def.Kind != model.KindProcedure) {
		return &model.ConfigurationError{MethodID: id, Reason: "lexicon definition is not a query or a procedure"}
	}
	if cfg.Handler == nil {
		return &model.ConfigurationError{MethodID: id, Reason: "handler is required"}
	}
	if _, dup := s.routes[id]; dup {
		return &model.ConfigurationError{MethodID: id, Reason: "method is already registered"}
	}

	limiters, err := s.bindLimiters(id, cfg.RateLimit)
	if err != nil {
		return err
	}

	blobLimit := cfg.BlobLimit
	if blobLimit <= 0 {
		blobLimit = s.opts.BlobLimit
	}
	s.routes[id] = &route{
		nsid:      id,
		def:       def,
		cfg:       cfg,
		limiters:  limiters,
		blobLimit: blobLimit,
	}
	return nil
}

// MethodFunc registers a handler without auth or rate limits.
func (s *Server) MethodFunc(id string, h model.Handler) error {
	return s.Method(id, model.HandlerConfig{Handler: h})
}

// StreamMethod registers a subscription handler.
func (s *Server) StreamMethod(id string, cfg model.StreamHandlerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler != nil {
		return &model.ConfigurationError{MethodID: id, Reason: "server is already built"}
	}
	def, ok := s.registry.Definition(id)
	if !ok || def.Kind != model.KindSubscription {
		return &model.ConfigurationError{MethodID: id, Reason: "lexicon definition is not a subscription"}
	}
	if cfg.Handler == nil {
		return &model.ConfigurationError{MethodID: id, Reason: "handler is required"}
	}
	if _, dup := s.subs[id]; dup {
		return &model.ConfigurationError{MethodID: id, Reason: "subscription is already registered"}
	}
	s.subs[id] = cfg
	return nil
}

// StreamMethodFunc registers a subscription handler without auth.
func (s *Server) StreamMethodFunc(id string, h model.StreamHandler) error {
	return s.StreamMethod(id, model.StreamHandlerConfig{Handler: h})
}

// bindLimiters resolves a method's rate-limit entries. Shared references
// must name a declared limiter; inline entries get a limiter private to the
// method.
func (s *Server) bindLimiters(id string, specs []model.RateLimitSpec) ([]*ratelimit.Limiter, error) {
	limiters := make([]*ratelimit.Limiter, 0, len(specs))
	for i, spec := range specs {
		if spec.Shared != "" {
			l, ok := s.shared[spec.Shared]
			if !ok {
				return nil, &model.ConfigurationError{
					MethodID: id,
					Reason:   fmt.Sprintf("unknown shared rate limiter %q", spec.Shared),
				}
			}
			limiters = append(limiters, l.With(spec.CalcKey, spec.CalcPoints))
			continue
		}

		l, err := ratelimit.New(ratelimit.Config{
			Name:       fmt.Sprintf("%s-%d", id, i),
			Scope:      ratelimit.PerRoute,
			Duration:   spec.Duration,
			Points:     spec.Points,
			CalcKey:    spec.CalcKey,
			CalcPoints: spec.CalcPoints,
		}, s.limiterOpts)
		if err != nil {
			return nil, &model.ConfigurationError{MethodID: id, Reason: err.Error()}
		}
		limiters = append(limiters, l)
	}
	return limiters, nil
}

// Len returns the number of registered methods and subscriptions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.routes) + len(s.subs)
}

// Build freezes the method and subscription tables and returns the handler
// serving them. Later registrations fail. Calling Build again returns the
// same handler.
func (s *Server) Build() (http.Handler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handler != nil {
		return s.handler, nil
	}

	streamOpts := stream.Options{
		Logger:         s.logger,
		Reporter:       s.report,
		WriteTimeout:   s.opts.StreamWriteTimeout,
		OriginPatterns: s.opts.StreamOriginPatterns,
	}
	if s.metrics != nil {
		streamOpts.Observer = s.metrics
	}
	s.engine = stream.NewEngine(s.registry, s.subs, streamOpts)
	s.handler = http.HandlerFunc(s.serveXRPC)

	s.logger.Info("xrpc server built",
		zap.Int("methods", len(s.routes)),
		zap.Int("subscriptions", len(s.subs)),
		zap.Int("global_limiters", len(s.global)),
		zap.Int("shared_limiters", len(s.shared)),
	)
	return s.handler, nil
}

// Serve serves h on ln until ctx is cancelled, then shuts down gracefully.
// Build must have been called first. Open subscriptions are cancelled when
// shutdown begins.
func (s *Server) Serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	s.mu.Lock()
	built := s.handler != nil
	s.mu.Unlock()
	if !built {
		return &model.ConfigurationError{Reason: "Serve called before Build"}
	}

	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// report maps err onto the taxonomy and logs it.
func (s *Server) report(ctx context.Context, nsid string, err error) *model.XRPCError {
	if s.opts.ErrorParser != nil {
		if parsed := s.opts.ErrorParser(err); parsed != nil {
			if parsed.Unwrap() == nil {
				parsed = parsed.WithCause(err)
			}
			err = parsed
		}
	}
	return transport.ReportError(ctx, s.logger, nsid, err)
}
