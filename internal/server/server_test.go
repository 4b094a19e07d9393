package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/xrpc/internal/lexicon"
	"github.com/pitabwire/xrpc/internal/observability"
	"github.com/pitabwire/xrpc/internal/ratelimit"
	"github.com/pitabwire/xrpc/internal/stream"
	"github.com/pitabwire/xrpc/model"
)

const testLexicons = `
lexicon: 1
id: io.example.getThing
type: query
parameters:
  type: object
  properties:
    name: {type: string}
    limit: {type: integer, minimum: 1}
output:
  encoding: application/json
  schema:
    type: object
    required: [x]
    properties:
      x: {type: number}
---
lexicon: 1
id: io.example.listOther
type: query
---
lexicon: 1
id: io.example.putThing
type: procedure
input:
  encoding: application/json
  schema:
    type: object
    required: [text]
    properties:
      text: {type: string, maxLength: 5}
---
lexicon: 1
id: io.example.uploadBlob
type: procedure
input:
  encoding: "*/*"
output:
  encoding: application/json
---
lexicon: 1
id: io.example.echoText
type: procedure
input:
  encoding: text/plain
output:
  encoding: text/plain
---
lexicon: 1
id: io.example.subscribeThings
type: subscription
parameters:
  type: object
  properties:
    cursor: {type: integer, minimum: 0}
message:
  encoding: application/json
`

func testRegistry(t *testing.T) *lexicon.Registry {
	t.Helper()
	var docs []lexicon.Document
	for _, src := range strings.Split(testLexicons, "\n---\n") {
		doc, err := lexicon.Parse([]byte(src))
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	return lexicon.NewRegistry(docs)
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := New(testRegistry(t), opts)
	require.NoError(t, err)
	return s
}

func build(t *testing.T, s *Server) http.Handler {
	t.Helper()
	h, err := s.Build()
	require.NoError(t, err)
	return h
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorBody {
	t.Helper()
	var body model.ErrorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func thing(x any) model.Handler {
	return func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
		return model.JSON(map[string]any{"x": x}), nil
	}
}

// --- Registration ---

func TestMethod_registrationErrors(t *testing.T) {
	s := newTestServer(t, Options{RateLimits: RateLimitOptions{
		Shared: []ratelimit.Config{{Name: "writes", Duration: time.Minute, Points: 5}},
	}})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing(1)))

	tests := []struct {
		name string
		id   string
		cfg  model.HandlerConfig
	}{
		{"unknown lexicon", "io.example.missing", model.HandlerConfig{Handler: thing(1)}},
		{"subscription", "io.example.subscribeThings", model.HandlerConfig{Handler: thing(1)}},
		{"nil handler", "io.example.putThing", model.HandlerConfig{}},
		{"duplicate", "io.example.getThing", model.HandlerConfig{Handler: thing(1)}},
		{"undeclared shared limiter", "io.example.putThing", model.HandlerConfig{
			Handler:   thing(1),
			RateLimit: []model.RateLimitSpec{{Shared: "reads"}},
		}},
		{"invalid route limiter", "io.example.putThing", model.HandlerConfig{
			Handler:   thing(1),
			RateLimit: []model.RateLimitSpec{{Duration: time.Minute}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Method(tt.id, tt.cfg)
			var ce *model.ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("Method() error = %v, want *ConfigurationError", err)
			}
			if ce.MethodID != tt.id {
				t.Errorf("MethodID = %q, want %q", ce.MethodID, tt.id)
			}
		})
	}
}

func TestStreamMethod_registrationErrors(t *testing.T) {
	s := newTestServer(t, Options{})
	noop := func(context.Context, *model.StreamContext) (model.Producer, error) { return nil, nil }

	var ce *model.ConfigurationError
	if err := s.StreamMethodFunc("io.example.getThing", noop); !errors.As(err, &ce) {
		t.Errorf("query as subscription: error = %v, want *ConfigurationError", err)
	}
	if err := s.StreamMethod("io.example.subscribeThings", model.StreamHandlerConfig{}); !errors.As(err, &ce) {
		t.Errorf("nil handler: error = %v, want *ConfigurationError", err)
	}
	require.NoError(t, s.StreamMethodFunc("io.example.subscribeThings", noop))
	if err := s.StreamMethodFunc("io.example.subscribeThings", noop); !errors.As(err, &ce) {
		t.Errorf("duplicate: error = %v, want *ConfigurationError", err)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestNew_invalidLimiters(t *testing.T) {
	_, err := New(testRegistry(t), Options{RateLimits: RateLimitOptions{
		Global: []ratelimit.Config{{Name: "", Duration: time.Minute, Points: 1}},
		Shared: []ratelimit.Config{
			{Name: "writes", Duration: time.Minute, Points: 1},
			{Name: "writes", Duration: time.Minute, Points: 1},
		},
	}})
	if err == nil {
		t.Fatal("New() should reject invalid limiters")
	}
	if !strings.Contains(err.Error(), "name is required") || !strings.Contains(err.Error(), "declared twice") {
		t.Errorf("error = %v, want both failures reported", err)
	}
}

func TestNew_nilRegistry(t *testing.T) {
	var ce *model.ConfigurationError
	if _, err := New(nil, Options{}); !errors.As(err, &ce) {
		t.Errorf("New(nil) error = %v, want *ConfigurationError", err)
	}
}

func TestBuild_freezesRegistrations(t *testing.T) {
	s := newTestServer(t, Options{})
	h1 := build(t, s)

	var ce *model.ConfigurationError
	if err := s.MethodFunc("io.example.getThing", thing(1)); !errors.As(err, &ce) {
		t.Errorf("Method() after Build error = %v, want *ConfigurationError", err)
	}
	h2, err := s.Build()
	require.NoError(t, err)
	if h1 == nil || h2 == nil {
		t.Fatal("Build() returned nil handler")
	}
}

// --- Routing ---

func TestDispatch_wrongVerb(t *testing.T) {
	s := newTestServer(t, Options{})
	called := false
	require.NoError(t, s.MethodFunc("io.example.putThing", func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
		called = true
		return nil, nil
	}))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.putThing", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	body := decodeError(t, w)
	if body.Error != model.KindInvalidRequest || body.Message != "Incorrect HTTP method (GET) expected POST" {
		t.Errorf("body = %+v", body)
	}
	if called {
		t.Error("handler should not be called")
	}
}

func TestDispatch_unknownMethod(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing(1)))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/not.a.real.method", nil))

	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
	if body := decodeError(t, w); body.Error != model.KindMethodNotImplemented {
		t.Errorf("error = %q, want %q", body.Error, model.KindMethodNotImplemented)
	}
}

func TestDispatch_knownLexiconWithoutHandler(t *testing.T) {
	s := newTestServer(t, Options{})
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing", nil))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}

func TestDispatch_catchall(t *testing.T) {
	s := newTestServer(t, Options{
		Catchall: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	})
	h := build(t, s)

	if w := do(h, httptest.NewRequest("GET", "/xrpc/io.other.proxied", nil)); w.Code != http.StatusAccepted {
		t.Errorf("unknown id status = %d, want 202 from catchall", w.Code)
	}
	// The verb check runs before the catchall.
	if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.putThing", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("wrong verb status = %d, want 400", w.Code)
	}
}

func TestDispatch_subscriptionWithoutUpgrade(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.StreamMethodFunc("io.example.subscribeThings", func(context.Context, *model.StreamContext) (model.Producer, error) {
		return nil, nil
	}))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.subscribeThings", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if body := decodeError(t, w); !strings.Contains(body.Message, "WebSocket upgrade") {
		t.Errorf("message = %q", body.Message)
	}
}

// --- Params and input ---

func TestDispatch_queryRoundTrip(t *testing.T) {
	s := newTestServer(t, Options{})
	var got map[string]any
	require.NoError(t, s.MethodFunc("io.example.getThing", func(_ context.Context, rc *model.RequestContext) (model.HandlerOutput, error) {
		got = rc.Params
		if rc.Input != nil {
			t.Error("queries should have no input")
		}
		return model.JSON(map[string]any{"x": 5}), nil
	}))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing?name=a&limit=3", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	if body["x"] != float64(5) {
		t.Errorf("x = %v, want 5", body["x"])
	}
	if got["name"] != "a" || got["limit"] != int64(3) {
		t.Errorf("params = %v", got)
	}
}

func TestDispatch_invalidOutput(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing("bad")))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	body := decodeError(t, w)
	if body.Error != model.KindInternalServerError || body.Message != "Internal Server Error" {
		t.Errorf("body = %+v, want generic internal error", body)
	}
}

func TestDispatch_skipOutputValidation(t *testing.T) {
	s := newTestServer(t, Options{SkipOutputValidation: true})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing("bad")))
	h := build(t, s)

	if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing", nil)); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestDispatch_emptyOutput(t *testing.T) {
	s := newTestServer(t, Options{})
	empty := func(context.Context, *model.RequestContext) (model.HandlerOutput, error) { return nil, nil }
	require.NoError(t, s.MethodFunc("io.example.listOther", empty))
	require.NoError(t, s.MethodFunc("io.example.getThing", empty))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil))
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Errorf("status = %d, body = %q, want empty 200", w.Code, w.Body.String())
	}

	// An output schema requires a body.
	w = do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestDispatch_invalidParams(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing(1)))
	h := build(t, s)

	for _, q := range []string{"limit=abc", "limit=0"} {
		t.Run(q, func(t *testing.T) {
			w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing?"+q, nil))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if body := decodeError(t, w); body.Error != model.KindInvalidRequest {
				t.Errorf("error = %q", body.Error)
			}
		})
	}
}

func TestDispatch_procedureInput(t *testing.T) {
	s := newTestServer(t, Options{JSONLimit: 64})
	var got any
	require.NoError(t, s.MethodFunc("io.example.putThing", func(_ context.Context, rc *model.RequestContext) (model.HandlerOutput, error) {
		got = rc.Input.Body
		return nil, nil
	}))
	h := build(t, s)

	tests := []struct {
		name        string
		body        string
		contentType string
		wantStatus  int
		wantMessage string
	}{
		{"valid", `{"text":"hi"}`, "application/json", 200, ""},
		{"valid with charset", `{"text":"hi"}`, "application/json; charset=utf-8", 200, ""},
		{"missing body", "", "application/json", 400, "A request body is expected but none was provided"},
		{"missing content type", `{"text":"hi"}`, "", 400, "Request encoding (Content-Type) required but not provided"},
		{"wrong content type", `hi`, "text/plain", 400, "Wrong request encoding (Content-Type): text/plain"},
		{"schema violation", `{"text":"too long"}`, "application/json", 400, ""},
		{"malformed json", `{"text":`, "application/json", 400, ""},
		{"too large", `{"text":"` + strings.Repeat("a", 100) + `"}`, "application/json", 413, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest("POST", "/xrpc/io.example.putThing", body)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := do(h, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == 200 {
				if m, ok := got.(map[string]any); !ok || m["text"] != "hi" {
					t.Errorf("input = %v", got)
				}
				return
			}
			if got != nil {
				t.Error("handler should not be called")
			}
			if tt.wantMessage != "" {
				if msg := decodeError(t, w).Message; msg != tt.wantMessage {
					t.Errorf("message = %q, want %q", msg, tt.wantMessage)
				}
			}
		})
	}
}

func TestDispatch_bodyWhenNoneExpected(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing(1)))
	h := build(t, s)

	req := httptest.NewRequest("GET", "/xrpc/io.example.getThing", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := do(h, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDispatch_blobInput(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.Method("io.example.uploadBlob", model.HandlerConfig{
		BlobLimit: 8,
		Handler: func(_ context.Context, rc *model.RequestContext) (model.HandlerOutput, error) {
			r, ok := rc.Input.Reader()
			if !ok {
				t.Fatal("blob input should be a reader")
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return nil, err
			}
			return model.JSON(map[string]any{"size": len(data), "encoding": rc.Input.Encoding}), nil
		},
	}))
	h := build(t, s)

	req := httptest.NewRequest("POST", "/xrpc/io.example.uploadBlob", strings.NewReader("png!"))
	req.Header.Set("Content-Type", "image/png")
	w := do(h, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	if body["size"] != float64(4) || body["encoding"] != "image/png" {
		t.Errorf("body = %v", body)
	}

	req = httptest.NewRequest("POST", "/xrpc/io.example.uploadBlob", strings.NewReader("0123456789"))
	req.Header.Set("Content-Type", "image/png")
	if w := do(h, req); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized blob status = %d, want 413", w.Code)
	}
}

func TestDispatch_textRoundTrip(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.MethodFunc("io.example.echoText", func(_ context.Context, rc *model.RequestContext) (model.HandlerOutput, error) {
		return &model.HandlerSuccess{Encoding: model.EncodingText, Body: strings.ToUpper(rc.Input.Body.(string))}, nil
	}))
	h := build(t, s)

	req := httptest.NewRequest("POST", "/xrpc/io.example.echoText", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	w := do(h, req)

	if w.Code != http.StatusOK || w.Body.String() != "HELLO" {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q", ct)
	}
}

// --- Outputs and errors ---

func TestDispatch_handlerErrors(t *testing.T) {
	var typedNil *model.HandlerError

	tests := []struct {
		name       string
		handler    model.Handler
		wantStatus int
		wantKind   string
		wantMsg    string
	}{
		{
			"handler error output",
			func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
				return &model.HandlerError{Status: 409, Kind: "ThingExists", Message: "already there"}, nil
			},
			409, "ThingExists", "already there",
		},
		{
			"handler error returned",
			func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
				return nil, &model.HandlerError{Status: 403, Message: "nope"}
			},
			403, model.KindForbidden, "nope",
		},
		{
			"structured error passes through",
			func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
				return nil, model.NewUpstreamFailureError("upstream down")
			},
			502, model.KindUpstreamFailure, "upstream down",
		},
		{
			"plain error is internal",
			func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
				return nil, errors.New("secret detail")
			},
			500, model.KindInternalServerError, "Internal Server Error",
		},
		{
			"typed nil error is internal",
			func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
				return nil, typedNil
			},
			500, model.KindInternalServerError, "Internal Server Error",
		},
		{
			"panic is internal",
			func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
				panic("boom")
			},
			500, model.KindInternalServerError, "Internal Server Error",
		},
		{
			"panic with structured error",
			func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
				panic(model.NewInvalidRequestError("bad thing"))
			},
			400, model.KindInvalidRequest, "bad thing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{})
			require.NoError(t, s.MethodFunc("io.example.listOther", tt.handler))
			h := build(t, s)

			w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeError(t, w)
			if body.Error != tt.wantKind || body.Message != tt.wantMsg {
				t.Errorf("body = %+v, want {%s %s}", body, tt.wantKind, tt.wantMsg)
			}
		})
	}
}

func TestDispatch_errorParser(t *testing.T) {
	s := newTestServer(t, Options{
		ErrorParser: func(err error) *model.XRPCError {
			return model.NewUpstreamFailureError("mapped: " + err.Error())
		},
	})
	require.NoError(t, s.MethodFunc("io.example.listOther", func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
		return nil, errors.New("db")
	}))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if body := decodeError(t, w); body.Message != "mapped: db" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestDispatch_pipeThrough(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.MethodFunc("io.example.getThing", func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
		// Not valid against the output schema; pipe-through skips validation.
		return &model.HandlerPipeThroughBuffer{
			Encoding: "application/json",
			Buffer:   []byte(`{"x":"raw"}`),
			Headers:  map[string]string{"Atproto-Repo-Rev": "3k2"},
		}, nil
	}))
	require.NoError(t, s.MethodFunc("io.example.listOther", func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
		return &model.HandlerPipeThroughStream{
			Encoding: "application/vnd.ipld.car",
			Stream:   io.NopCloser(strings.NewReader("car-bytes")),
		}, nil
	}))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing", nil))
	if w.Code != 200 || w.Body.String() != `{"x":"raw"}` {
		t.Errorf("buffer: status = %d, body = %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Atproto-Repo-Rev"); got != "3k2" {
		t.Errorf("header = %q, want 3k2", got)
	}

	w = do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil))
	if w.Body.String() != "car-bytes" || w.Header().Get("Content-Type") != "application/vnd.ipld.car" {
		t.Errorf("stream: body = %q, type = %q", w.Body.String(), w.Header().Get("Content-Type"))
	}
}

func TestDispatch_successHeadersAndBytes(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.MethodFunc("io.example.uploadBlob", func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
		return &model.HandlerSuccess{
			Encoding: model.EncodingJSON,
			Body:     map[string]any{"data": []byte{1, 2, 3}},
			Headers:  map[string]string{"X-Custom": "yes", "X-Skipped": ""},
		}, nil
	}))
	h := build(t, s)

	req := httptest.NewRequest("POST", "/xrpc/io.example.uploadBlob", strings.NewReader("x"))
	req.Header.Set("Content-Type", "application/octet-stream")
	w := do(h, req)

	if w.Code != 200 {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Custom") != "yes" {
		t.Error("handler header should be applied")
	}
	if _, ok := w.Header()["X-Skipped"]; ok {
		t.Error("empty header values should be skipped")
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"data":{"$bytes":"AQID"}}` {
		t.Errorf("body = %s", got)
	}
}

// --- Auth ---

func TestDispatch_auth(t *testing.T) {
	s := newTestServer(t, Options{})
	verifier := model.AuthVerifierFunc(func(_ context.Context, r *http.Request) (*model.AuthResult, error) {
		if r.Header.Get("Authorization") != "Bearer good" {
			return nil, model.NewAuthRequiredError("")
		}
		return &model.AuthResult{Credentials: "did:example:alice"}, nil
	})
	var sawAuth any
	require.NoError(t, s.Method("io.example.listOther", model.HandlerConfig{
		Auth: verifier,
		Handler: func(_ context.Context, rc *model.RequestContext) (model.HandlerOutput, error) {
			sawAuth = rc.Auth.Credentials
			return nil, nil
		},
	}))
	h := build(t, s)

	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if sawAuth != nil {
		t.Error("handler should not run without auth")
	}

	req := httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)
	req.Header.Set("Authorization", "Bearer good")
	if w := do(h, req); w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if sawAuth != "did:example:alice" {
		t.Errorf("credentials = %v", sawAuth)
	}
}

// --- Rate limits ---

func TestRateLimit_perRoute(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.Method("io.example.listOther", model.HandlerConfig{
		Handler:   func(context.Context, *model.RequestContext) (model.HandlerOutput, error) { return nil, nil },
		RateLimit: []model.RateLimitSpec{{Duration: time.Minute, Points: 3}},
	}))
	h := build(t, s)

	for i := 1; i <= 3; i++ {
		if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)); w.Code != 200 {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("request 4 status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("RateLimit-Limit"); got != "3" {
		t.Errorf("RateLimit-Limit = %q, want 3", got)
	}
	if body := decodeError(t, w); body.Error != model.KindRateLimitExceeded {
		t.Errorf("error = %q", body.Error)
	}
}

func TestRateLimit_resetRouteRateLimits(t *testing.T) {
	s := newTestServer(t, Options{RateLimits: RateLimitOptions{
		Global: []ratelimit.Config{{Name: "global", Duration: time.Minute, Points: 2}},
	}})
	require.NoError(t, s.Method("io.example.listOther", model.HandlerConfig{
		Handler: func(ctx context.Context, rc *model.RequestContext) (model.HandlerOutput, error) {
			return nil, rc.ResetRouteRateLimits(ctx)
		},
		RateLimit: []model.RateLimitSpec{{Duration: time.Minute, Points: 1}},
	}))
	h := build(t, s)

	for i := 1; i <= 5; i++ {
		if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)); w.Code != 200 {
			t.Fatalf("request %d status = %d, want 200 after reset", i, w.Code)
		}
	}
}

func TestRateLimit_sharedAcrossMethods(t *testing.T) {
	s := newTestServer(t, Options{RateLimits: RateLimitOptions{
		Shared: []ratelimit.Config{{Name: "reads", Duration: time.Minute, Points: 2}},
	}})
	shared := []model.RateLimitSpec{{Shared: "reads"}}
	require.NoError(t, s.Method("io.example.getThing", model.HandlerConfig{Handler: thing(1), RateLimit: shared}))
	require.NoError(t, s.Method("io.example.listOther", model.HandlerConfig{
		Handler:   func(context.Context, *model.RequestContext) (model.HandlerOutput, error) { return nil, nil },
		RateLimit: shared,
	}))
	h := build(t, s)

	for i := 0; i < 2; i++ {
		if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing", nil)); w.Code != 200 {
			t.Fatalf("getThing status = %d, want 200", w.Code)
		}
	}
	if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)); w.Code != http.StatusTooManyRequests {
		t.Errorf("listOther status = %d, want 429 from the shared budget", w.Code)
	}

	// A different key draws from its own counter.
	req := httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	if w := do(h, req); w.Code != 200 {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}

func TestRateLimit_sharedCalcPointsOverride(t *testing.T) {
	s := newTestServer(t, Options{RateLimits: RateLimitOptions{
		Shared: []ratelimit.Config{{Name: "writes", Duration: time.Minute, Points: 4}},
	}})
	require.NoError(t, s.Method("io.example.listOther", model.HandlerConfig{
		Handler: func(context.Context, *model.RequestContext) (model.HandlerOutput, error) { return nil, nil },
		RateLimit: []model.RateLimitSpec{{
			Shared:     "writes",
			CalcPoints: func(*model.RequestContext) int { return 3 },
		}},
	}))
	h := build(t, s)

	if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)); w.Code != 200 {
		t.Fatalf("first status = %d, want 200", w.Code)
	}
	if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)); w.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", w.Code)
	}
}

func TestRateLimit_globalAdmission(t *testing.T) {
	called := 0
	s := newTestServer(t, Options{RateLimits: RateLimitOptions{
		Global: []ratelimit.Config{{Name: "global", Duration: time.Minute, Points: 1}},
	}})
	require.NoError(t, s.MethodFunc("io.example.listOther", func(context.Context, *model.RequestContext) (model.HandlerOutput, error) {
		called++
		return nil, nil
	}))
	h := build(t, s)

	if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)); w.Code != 200 {
		t.Fatalf("first status = %d, want 200", w.Code)
	}
	// Admission runs before method resolution, so even unknown ids are refused.
	if w := do(h, httptest.NewRequest("GET", "/xrpc/not.a.real.method", nil)); w.Code != http.StatusTooManyRequests {
		t.Errorf("unknown method status = %d, want 429", w.Code)
	}
	if w := do(h, httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)); w.Code != http.StatusTooManyRequests {
		t.Errorf("third status = %d, want 429", w.Code)
	}
	if called != 1 {
		t.Errorf("handler calls = %d, want 1", called)
	}
}

func TestRateLimit_skippedByEmptyKey(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.Method("io.example.listOther", model.HandlerConfig{
		Handler: func(context.Context, *model.RequestContext) (model.HandlerOutput, error) { return nil, nil },
		RateLimit: []model.RateLimitSpec{{
			Duration: time.Minute,
			Points:   1,
			CalcKey: func(rc *model.RequestContext) string {
				if rc.Request.Header.Get("X-Trusted") != "" {
					return ""
				}
				return ratelimit.ClientIP(rc)
			},
		}},
	}))
	h := build(t, s)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/xrpc/io.example.listOther", nil)
		req.Header.Set("X-Trusted", "1")
		if w := do(h, req); w.Code != 200 {
			t.Fatalf("trusted request %d status = %d, want 200", i, w.Code)
		}
	}
}

// --- Observability ---

func TestDispatch_metrics(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	s := newTestServer(t, Options{
		Metrics: m,
		RateLimits: RateLimitOptions{
			Global: []ratelimit.Config{{Name: "global", Duration: time.Minute, Points: 2}},
		},
	})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing(1)))
	h := build(t, s)

	do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing", nil))
	do(h, httptest.NewRequest("GET", "/xrpc/not.a.real.method", nil))
	do(h, httptest.NewRequest("GET", "/xrpc/io.example.getThing", nil))

	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("io.example.getThing", observability.OutcomeOK)); got != 1 {
		t.Errorf("ok calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CallsTotal.WithLabelValues("not.a.real.method", model.KindMethodNotImplemented)); got != 1 {
		t.Errorf("not implemented calls = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RateLimitRejectionsTotal.WithLabelValues("global")); got != 1 {
		t.Errorf("rejections = %v, want 1", got)
	}
}

// --- Encoding helpers ---

func TestEncodingMatches(t *testing.T) {
	tests := []struct {
		declared string
		actual   string
		want     bool
	}{
		{"application/json", "application/json", true},
		{"application/json", "APPLICATION/JSON", true},
		{"json", "application/json", true},
		{"*/*", "image/png", true},
		{"image/*", "image/png", true},
		{"image/*", "video/mp4", false},
		{"text/plain, application/json", "application/json", true},
		{"application/json", "text/plain", false},
		{"", "application/json", false},
	}
	for _, tt := range tests {
		if got := encodingMatches(tt.declared, tt.actual); got != tt.want {
			t.Errorf("encodingMatches(%q, %q) = %v, want %v", tt.declared, tt.actual, got, tt.want)
		}
	}
}

func TestCanonical(t *testing.T) {
	in := map[string]any{
		"list": []any{[]byte("hi"), "plain"},
		"n":    1,
	}
	out := canonical(in).(map[string]any)
	list := out["list"].([]any)
	if b, ok := list[0].(map[string]any); !ok || b["$bytes"] != "aGk" {
		t.Errorf("bytes = %v, want {$bytes: aGk}", list[0])
	}
	if list[1] != "plain" || out["n"] != 1 {
		t.Errorf("other values should be unchanged: %v", out)
	}
}

// --- Subscriptions ---

func TestSubscription_throughServer(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.StreamMethodFunc("io.example.subscribeThings", func(_ context.Context, sc *model.StreamContext) (model.Producer, error) {
		return stream.Generate(func(ctx context.Context, emit stream.Emit) error {
			for i := 0; i < 3; i++ {
				if err := emit(ctx, map[string]any{"$type": "io.example.subscribeThings#tick", "n": i}); err != nil {
					return err
				}
			}
			return model.NewUpstreamFailureError("feed ended")
		}), nil
	}))
	srv := httptest.NewServer(build(t, s))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/xrpc/io.example.subscribeThings?cursor=0", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var frames []model.Frame
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		f, err := stream.DecodeFrame(data)
		require.NoError(t, err)
		frames = append(frames, f)
	}

	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	for i := 0; i < 3; i++ {
		mf, ok := frames[i].(*model.MessageFrame)
		if !ok || mf.Type != "#tick" {
			t.Errorf("frame %d = %#v, want #tick message", i, frames[i])
		}
	}
	ef, ok := frames[3].(*model.ErrorFrame)
	if !ok || ef.Error != model.KindUpstreamFailure || ef.Message != "feed ended" {
		t.Errorf("last frame = %#v, want UpstreamFailure error frame", frames[3])
	}
}

func TestSubscription_unknownUpgradeRefused(t *testing.T) {
	s := newTestServer(t, Options{})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing(1)))
	srv := httptest.NewServer(build(t, s))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range []string{"io.example.getThing", "not.a.real.method"} {
		if _, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/xrpc/"+id, nil); err == nil {
			t.Errorf("Dial(%s) should fail", id)
		}
	}
}

// --- Serve ---

func TestServe_beforeBuild(t *testing.T) {
	s := newTestServer(t, Options{})
	var ce *model.ConfigurationError
	if err := s.Serve(context.Background(), nil, http.NotFoundHandler()); !errors.As(err, &ce) {
		t.Errorf("Serve() error = %v, want *ConfigurationError", err)
	}
}

func TestServe_gracefulShutdown(t *testing.T) {
	s := newTestServer(t, Options{ShutdownTimeout: time.Second})
	require.NoError(t, s.MethodFunc("io.example.getThing", thing(1)))
	h := build(t, s)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, ln, h) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/xrpc/io.example.getThing")
	require.NoError(t, err)
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
