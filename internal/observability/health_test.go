package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	// Set build-time variables for test.
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/_health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", resp.Version)
	}
	if resp.Commit != "abc1234" {
		t.Errorf("commit = %q, want abc1234", resp.Commit)
	}
}

func TestHandleHealth_defaultValues(t *testing.T) {
	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_health", nil))

	var resp HealthResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Version == "" {
		t.Error("version should have a default value")
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(_ context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		LexiconsLoaded:    func() bool { return true },
		MethodsRegistered: func() bool { return true },
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if resp.Checks["lexicons"].Status != "ok" {
		t.Errorf("lexicons = %q, want ok", resp.Checks["lexicons"].Status)
	}
	if resp.Checks["methods"].Status != "ok" {
		t.Errorf("methods = %q, want ok", resp.Checks["methods"].Status)
	}
}

func TestHandleReady_lexiconsNotLoaded(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		LexiconsLoaded:    func() bool { return false },
		MethodsRegistered: func() bool { return true },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["lexicons"].Status != "error" {
		t.Errorf("lexicons = %q, want error", resp.Checks["lexicons"].Status)
	}
	if resp.Checks["lexicons"].Error == "" {
		t.Error("lexicons error should have a message")
	}
}

func TestHandleReady_noMethodsRegistered(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		LexiconsLoaded:    func() bool { return true },
		MethodsRegistered: func() bool { return false },
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["methods"].Status != "error" {
		t.Errorf("methods = %q, want error", resp.Checks["methods"].Status)
	}
}

func TestHandleReady_rateLimitStore(t *testing.T) {
	tests := []struct {
		name       string
		store      HealthChecker
		wantStatus int
		wantCheck  string
	}{
		{"healthy", &mockHealthChecker{}, http.StatusOK, "ok"},
		{"down", &mockHealthChecker{err: errors.New("redis timeout")}, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveReady(t, ReadinessChecks{
				LexiconsLoaded:    func() bool { return true },
				MethodsRegistered: func() bool { return true },
				RateLimitStore:    tt.store,
			})
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			if len(resp.Checks) != 3 {
				t.Errorf("checks count = %d, want 3", len(resp.Checks))
			}
			if got := resp.Checks["rate_limit_store"].Status; got != tt.wantCheck {
				t.Errorf("rate_limit_store = %q, want %q", got, tt.wantCheck)
			}
		})
	}
}

func TestHandleReady_rateLimitStoreErrorMessage(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		LexiconsLoaded:    func() bool { return true },
		MethodsRegistered: func() bool { return true },
		RateLimitStore:    &mockHealthChecker{err: errors.New("connection refused")},
	})
	if got := resp.Checks["rate_limit_store"].Error; got != "connection refused" {
		t.Errorf("rate_limit_store error = %q, want connection refused", got)
	}
}

func TestHandleReady_nilCheckerFunctions(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["lexicons"].Status != "error" {
		t.Errorf("lexicons = %q, want error", resp.Checks["lexicons"].Status)
	}
	if resp.Checks["methods"].Status != "error" {
		t.Errorf("methods = %q, want error", resp.Checks["methods"].Status)
	}
}

func TestHandleReady_withoutOptionalChecks(t *testing.T) {
	_, resp := serveReady(t, ReadinessChecks{
		LexiconsLoaded:    func() bool { return true },
		MethodsRegistered: func() bool { return true },
	})

	if len(resp.Checks) != 2 {
		t.Errorf("checks count = %d, want 2 (only required checks)", len(resp.Checks))
	}
	if _, ok := resp.Checks["rate_limit_store"]; ok {
		t.Error("rate_limit_store should not be in checks when nil")
	}
	for name, check := range resp.Checks {
		if check.LatencyMs < 0 {
			t.Errorf("%s latency = %d, should be >= 0", name, check.LatencyMs)
		}
	}
}

func TestHandleReady_multipleFailures(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		LexiconsLoaded:    func() bool { return false },
		MethodsRegistered: func() bool { return false },
		RateLimitStore:    &mockHealthChecker{err: errors.New("redis down")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}

	failCount := 0
	for _, check := range resp.Checks {
		if check.Status == "error" {
			failCount++
		}
	}
	if failCount != 3 {
		t.Errorf("failed checks = %d, want 3", failCount)
	}
}
