package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/xrpc/internal/config"
	"github.com/pitabwire/xrpc/internal/observability"
	"github.com/pitabwire/xrpc/model"
)

// XRPCPattern is the route every method and subscription is served on.
const XRPCPattern = "/xrpc/{methodId}"

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
	// XRPC serves the method pipeline and subscription upgrades.
	XRPC http.Handler
}

// NewRouter creates a chi.Router with the global middleware pipeline, the
// operational endpoints, and the XRPC route. Health, readiness, and metrics
// bypass request logging.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/_health", observability.HandleHealth())
	r.Get("/_ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(RequestLogging(logger))
		if deps.XRPC != nil {
			r.Handle(XRPCPattern, deps.XRPC)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewNotSupportedError(""))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, model.NewNotSupportedError(""))
	})

	return r
}
