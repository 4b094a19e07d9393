// Package main is the entry point for the XRPC server. It wires the lexicon
// registry, rate limiting, the identity-provider methods, and the operational
// endpoints together and serves them until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/xrpc/internal/config"
	"github.com/pitabwire/xrpc/internal/idp"
	"github.com/pitabwire/xrpc/internal/lexicon"
	"github.com/pitabwire/xrpc/internal/observability"
	"github.com/pitabwire/xrpc/internal/ratelimit"
	"github.com/pitabwire/xrpc/internal/server"
	"github.com/pitabwire/xrpc/internal/transport"
	"github.com/pitabwire/xrpc/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "xrpcd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(promReg)

	// Step 4: Load lexicons, validate, build registry.
	docs, err := lexicon.NewLoader().LoadAll(cfg.Lexicons.Directories)
	if err != nil {
		logger.Error("lexicon loading failed", zap.Error(err))
		return 1
	}
	if verrs := lexicon.NewValidator().Validate(docs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("lexicon validation error", zap.String("error", ve.Error()))
		}
		logger.Error("lexicon validation failed", zap.Int("errors", len(verrs)))
		return 1
	}
	registry := lexicon.NewRegistry(docs)
	metrics.SetLexiconsLoaded(registry.Len())

	// Step 5: Initialize the rate-limit store.
	store, storeCloser, err := buildRateLimitStore(ctx, cfg.RateLimits.Store, logger)
	if err != nil {
		logger.Error("rate limit store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// Step 6: Build the XRPC server and register methods.
	srv, err := server.New(registry, server.Options{
		SkipOutputValidation: !cfg.ValidateResponse,
		JSONLimit:            cfg.Payload.JSONLimit,
		TextLimit:            cfg.Payload.TextLimit,
		BlobLimit:            cfg.Payload.BlobLimit,
		RateLimits: server.RateLimitOptions{
			Store:      store,
			FailClosed: cfg.RateLimits.FailClosed,
			Global:     limiterConfigs(cfg.RateLimits.Global),
			Shared:     limiterConfigs(cfg.RateLimits.Shared),
		},
		Logger:               logger,
		Metrics:              metrics,
		StreamWriteTimeout:   cfg.Stream.WriteTimeout,
		StreamOriginPatterns: cfg.Stream.OriginPatterns,
		ReadHeaderTimeout:    cfg.Server.ReadHeaderTimeout,
		IdleTimeout:          cfg.Server.IdleTimeout,
		ShutdownTimeout:      cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logger.Error("server configuration failed", zap.Error(err))
		return 1
	}

	var adminAuth model.AuthVerifier
	if cfg.Identity.Enabled() {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		adminAuth = transport.RequireRole(transport.NewBearerVerifier(cfg.Identity, jwks), cfg.Identity.AdminRole)
	} else {
		logger.Warn("identity verification disabled, administrative methods are unauthenticated")
	}

	providers := idp.NewService(idp.NewStore(), idp.Options{AdminAuth: adminAuth, Logger: logger})
	if err := providers.Register(srv); err != nil {
		logger.Error("method registration failed", zap.Error(err))
		return 1
	}

	xrpc, err := srv.Build()
	if err != nil {
		logger.Error("server build failed", zap.Error(err))
		return 1
	}

	// Step 7: Build HTTP router.
	readiness := observability.ReadinessChecks{
		LexiconsLoaded:    func() bool { return registry.Len() > 0 },
		MethodsRegistered: func() bool { return srv.Len() > 0 },
	}
	if hc, ok := store.(observability.HealthChecker); ok {
		readiness.RateLimitStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Gatherer:  promReg,
		Readiness: readiness,
		XRPC:      xrpc,
	})

	// Step 8: Serve until a shutdown signal arrives.
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		logger.Error("listen failed", zap.Error(err))
		return 1
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("lexicons", registry.Len()),
		zap.Int("methods", srv.Len()),
	)

	code := 0
	if err := srv.Serve(ctx, ln, router); err != nil {
		logger.Error("server error", zap.Error(err))
		code = 1
	}

	// Flush telemetry.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return code
}

// buildRateLimitStore creates the counter store based on config. The returned
// closer is nil for the in-memory store.
func buildRateLimitStore(ctx context.Context, cfg config.RateLimitStoreConfig, logger *zap.Logger) (ratelimit.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory rate limit store")
		store, err := ratelimit.NewMemoryStore(cfg.MemorySize)
		if err != nil {
			return nil, nil, fmt.Errorf("rate limit store: %w", err)
		}
		return store, nil, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr(),
			DB:   cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("rate limit store: ping %s: %w", cfg.RedisAddr(), err)
		}
		logger.Info("using redis rate limit store", zap.String("addr", cfg.RedisAddr()))
		return ratelimit.NewRedisStore(client, cfg.Prefix), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported rate limit store driver: %q", cfg.Driver)
	}
}

func limiterConfigs(limits []config.LimitConfig) []ratelimit.Config {
	out := make([]ratelimit.Config, len(limits))
	for i, l := range limits {
		out[i] = ratelimit.Config{Name: l.Name, Duration: l.Duration, Points: l.Points}
	}
	return out
}
