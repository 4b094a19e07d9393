// Package integration provides a reusable test harness for end-to-end
// testing of the XRPC server. It starts the full HTTP stack with the
// repository lexicons, a test JWT issuer, and an in-memory or Redis-backed
// rate limit store.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
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

// AdminRole is the role the harness requires for administrative methods.
const AdminRole = "idp-admin"

// TestHarness encapsulates a fully wired server for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry  *lexicon.Registry
	XRPC      *server.Server
	Providers *idp.Store
	Metrics   *observability.Metrics
	Gatherer  *prometheus.Registry
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	redis       *miniredis.Miniredis
	global      []config.LimitConfig
	shared      []config.LimitConfig
	createLimit []model.RateLimitSpec
	logger      *zap.Logger
}

// WithRedis counts rate limits in mr instead of process memory. Harnesses
// given the same server share their counters.
func WithRedis(mr *miniredis.Miniredis) HarnessOption {
	return func(c *harnessConfig) {
		c.redis = mr
	}
}

// WithGlobalLimit declares a global limiter keyed by client address.
func WithGlobalLimit(name string, points int, d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.global = append(c.global, config.LimitConfig{Name: name, Points: points, Duration: d})
	}
}

// WithSharedLimit declares a named limiter methods can reference.
func WithSharedLimit(name string, points int, d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.shared = append(c.shared, config.LimitConfig{Name: name, Points: points, Duration: d})
	}
}

// WithCreateLimit replaces the default limits on provider registration.
func WithCreateLimit(specs ...model.RateLimitSpec) HarnessOption {
	return func(c *harnessConfig) {
		c.createLimit = specs
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) HarnessOption {
	return func(c *harnessConfig) {
		c.logger = logger
	}
}

// NewTestHarness creates and starts a full server instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t, issuer: newTokenIssuer(t)}

	cfg := config.Defaults()
	cfg.Lexicons.Directories = []string{lexiconsDir()}
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Identity.Issuer = h.issuer.Issuer()
	cfg.Identity.Audience = h.issuer.Audience()
	cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	cfg.Identity.AdminRole = AdminRole
	cfg.RateLimits.Global = hc.global
	cfg.RateLimits.Shared = hc.shared
	if err := cfg.Validate(); err != nil {
		t.Fatalf("harness config: %v", err)
	}

	// Step 1: Load lexicons.
	docs, err := lexicon.NewLoader().LoadAll(cfg.Lexicons.Directories)
	if err != nil {
		t.Fatalf("load lexicons: %v", err)
	}
	if verrs := lexicon.NewValidator().Validate(docs); len(verrs) > 0 {
		t.Fatalf("lexicon validation: %v", verrs)
	}
	h.Registry = lexicon.NewRegistry(docs)

	// Step 2: Metrics on a private registry.
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)
	h.Metrics.SetLexiconsLoaded(h.Registry.Len())

	// Step 3: Rate limit store.
	var store ratelimit.Store
	if hc.redis != nil {
		client := redis.NewClient(&redis.Options{Addr: hc.redis.Addr()})
		t.Cleanup(func() { client.Close() })
		store = ratelimit.NewRedisStore(client, cfg.RateLimits.Store.Prefix)
	} else {
		mem, err := ratelimit.NewMemoryStore(0)
		if err != nil {
			t.Fatalf("memory store: %v", err)
		}
		store = mem
	}

	// Step 4: XRPC server with the identity-provider methods.
	h.XRPC, err = server.New(h.Registry, server.Options{
		RateLimits: server.RateLimitOptions{
			Store:  store,
			Global: toConfigs(cfg.RateLimits.Global),
			Shared: toConfigs(cfg.RateLimits.Shared),
		},
		Logger:          hc.logger,
		Metrics:         h.Metrics,
		ShutdownTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}

	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, time.Hour, hc.logger)
	h.Providers = idp.NewStore()
	svc := idp.NewService(h.Providers, idp.Options{
		AdminAuth:       transport.RequireRole(transport.NewBearerVerifier(cfg.Identity, jwks), AdminRole),
		CreateRateLimit: hc.createLimit,
		Logger:          hc.logger,
	})
	if err := svc.Register(h.XRPC); err != nil {
		t.Fatalf("register methods: %v", err)
	}
	xrpc, err := h.XRPC.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Step 5: HTTP router.
	readiness := observability.ReadinessChecks{
		LexiconsLoaded:    func() bool { return h.Registry.Len() > 0 },
		MethodsRegistered: func() bool { return h.XRPC.Len() > 0 },
	}
	if hcheck, ok := store.(observability.HealthChecker); ok {
		readiness.RateLimitStore = hcheck
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:    cfg,
		Logger:    hc.logger,
		Metrics:   h.Metrics,
		Gatherer:  h.Gatherer,
		Readiness: readiness,
		XRPC:      xrpc,
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

func toConfigs(limits []config.LimitConfig) []ratelimit.Config {
	out := make([]ratelimit.Config, len(limits))
	for i, l := range limits {
		out[i] = ratelimit.Config{Name: l.Name, Duration: l.Duration, Points: l.Points}
	}
	return out
}

// lexiconsDir returns the repository lexicon directory.
func lexiconsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "lexicons")
}

// BaseURL returns the test server URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// AdminToken returns a valid token carrying the admin role.
func (h *TestHarness) AdminToken() string {
	return h.issuer.GenerateToken(TestClaims{Subject: "did:example:admin", Roles: []string{AdminRole}})
}

// GenerateToken returns a valid token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken returns an expired token for claims.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// Query calls a query method.
func (h *TestHarness) Query(nsid, rawQuery, token string) *http.Response {
	h.t.Helper()
	path := "/xrpc/" + nsid
	if rawQuery != "" {
		path += "?" + rawQuery
	}
	return h.doRequest("GET", path, nil, token, nil)
}

// Procedure calls a procedure method with a JSON body.
func (h *TestHarness) Procedure(nsid string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", "/xrpc/"+nsid, body, token, nil)
}

// GET requests an arbitrary path.
func (h *TestHarness) GET(path string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, "", headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// Subscribe opens a subscription.
func (h *TestHarness) Subscribe(ctx context.Context, nsid, rawQuery string) *websocket.Conn {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/xrpc/" + nsid
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		h.t.Fatalf("dial %s: %v", nsid, err)
	}
	h.t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// ParseJSON decodes the response body into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus fails the test if resp does not carry the expected status.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertError checks the status and the error kind of an error response.
func (h *TestHarness) AssertError(t *testing.T, resp *http.Response, status int, kind string) {
	t.Helper()
	if resp.StatusCode != status {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, status, string(body))
	}
	var body model.ErrorBody
	h.ParseJSON(resp, &body)
	if body.Error != kind {
		t.Errorf("error = %q, want %q (message %q)", body.Error, kind, body.Message)
	}
}

// Provider returns a valid discoverable registration body.
func Provider(id string) map[string]any {
	return map[string]any{
		"id":           id,
		"name":         strings.ToUpper(id),
		"issuer":       "https://" + id + ".example.com",
		"clientId":     "client-" + id,
		"clientSecret": "secret-" + id,
		"scopes":       []string{"openid", "email"},
		"usePkce":      true,
		"discoverable": true,
	}
}
