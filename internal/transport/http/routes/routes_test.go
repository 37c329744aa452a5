package routes_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/infra/config"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/transport/http/middleware"
	httproutes "github.com/arklim/extension-license-service/internal/transport/http/routes"
	"github.com/arklim/extension-license-service/internal/usecase"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type stubAdmin struct{}

func (stubAdmin) ListDevices(context.Context, string) (*domain.License, []domain.DeviceBinding, error) {
	return &domain.License{ID: "lic-1", Key: "LIC-1", Status: domain.LicenseStatusActive}, nil, nil
}

func (stubAdmin) ResetDevices(context.Context, string, string) (*usecase.ResetResult, error) {
	return &usecase.ResetResult{}, nil
}

func (stubAdmin) DeactivateDevice(context.Context, string, string, string) error { return nil }

func (stubAdmin) ChangeStatus(context.Context, string, domain.LicenseStatus, string, string) (*domain.License, error) {
	return nil, errors.New("not used")
}

type countingStore struct {
	attempts map[string]int
}

func (s *countingStore) TrimWindow(context.Context, string, time.Duration, time.Time) error {
	return nil
}

func (s *countingStore) CountAttempts(_ context.Context, identifier string, _ time.Duration, _ time.Time) (int, error) {
	return s.attempts[identifier], nil
}

func (s *countingStore) RecordAttempt(_ context.Context, identifier string, _ time.Time) error {
	s.attempts[identifier]++
	return nil
}

func (s *countingStore) OldestAttempt(context.Context, string, time.Duration, time.Time) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func newDeps(t *testing.T) httproutes.Dependencies {
	t.Helper()
	gin.SetMode(gin.TestMode)

	metrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	return httproutes.Dependencies{
		Config:      &config.AppConfig{App: config.AppSettings{Env: "test"}},
		Logger:      zaptest.NewLogger(t),
		HTTPMetrics: metrics,
	}
}

func serve(r http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	r := httproutes.Register(newDeps(t))

	w := serve(r, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Header().Get("X-Trace-ID") == "" || w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected correlation headers on every response")
	}
}

func TestReadinessUsesDependencies(t *testing.T) {
	deps := newDeps(t)
	deps.Database = pingFunc(func(context.Context) error { return nil })
	deps.Cache = healthFunc(func(context.Context) error { return errors.New("redis down") })
	r := httproutes.Register(deps)

	if w := serve(r, http.MethodGet, "/readyz", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestLicensePreflight(t *testing.T) {
	r := httproutes.Register(newDeps(t))

	w := serve(r, http.MethodOptions, "/api/v1/license/validate", http.Header{"Origin": {"chrome-extension://abc"}})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", w.Code)
	}
}

func TestEndpointRateLimitIsApplied(t *testing.T) {
	deps := newDeps(t)
	deps.Config.RateLimit = config.RateLimitSettings{ChallengeMaxAttempts: 1, IPWindow: time.Minute}
	deps.RateLimiter = middleware.NewRateLimiter(&countingStore{attempts: map[string]int{}}, deps.Logger)
	r := httproutes.Register(deps)

	first := serve(r, http.MethodPost, "/api/v1/license/challenge", nil)
	if first.Code == http.StatusTooManyRequests {
		t.Fatalf("first request should pass the ip limit")
	}
	second := serve(r, http.MethodPost, "/api/v1/license/challenge", nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", second.Code)
	}

	other := serve(r, http.MethodPost, "/api/v1/license/heartbeat", nil)
	if other.Code == http.StatusTooManyRequests {
		t.Fatalf("limits are scoped per endpoint")
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	verifier, err := security.NewAdminTokenVerifier("admin-secret-0123456789", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	deps := newDeps(t)
	deps.Config.Admin.Enabled = true
	deps.Services.Admin = stubAdmin{}
	deps.AdminVerifier = verifier
	r := httproutes.Register(deps)

	if w := serve(r, http.MethodGet, "/api/v1/admin/licenses/LIC-1/devices", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token, err := verifier.Issue("ops", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	w := serve(r, http.MethodGet, "/api/v1/admin/licenses/LIC-1/devices", http.Header{"Authorization": {"Bearer " + token}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminRoutesAbsentWhenDisabled(t *testing.T) {
	deps := newDeps(t)
	deps.Services.Admin = stubAdmin{}
	r := httproutes.Register(deps)

	if w := serve(r, http.MethodGet, "/api/v1/admin/licenses/LIC-1/devices", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when admin api is disabled, got %d", w.Code)
	}
}
