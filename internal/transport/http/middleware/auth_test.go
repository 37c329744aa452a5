package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/extension-license-service/internal/infra/security"
)

const testAdminSecret = "admin-secret-0123456789"

func newAdminRouter(t *testing.T, verifier AdminTokenVerifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(EnrichContext())
	router.GET("/admin", RequireAdmin(verifier), func(c *gin.Context) {
		subject, _ := GetAdminSubject(c)
		c.String(http.StatusOK, subject)
	})
	return router
}

func TestRequireAdminAcceptsValidToken(t *testing.T) {
	verifier, err := security.NewAdminTokenVerifier(testAdminSecret, "license-admin")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := verifier.Issue("ops@example.com", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	newAdminRouter(t, verifier).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "ops@example.com" {
		t.Fatalf("expected subject in context, got %q", rr.Body.String())
	}
}

func TestRequireAdminRejectsBadCredentials(t *testing.T) {
	verifier, err := security.NewAdminTokenVerifier(testAdminSecret, "license-admin")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	other, err := security.NewAdminTokenVerifier("another-secret-0123456789", "license-admin")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	forged, err := other.Issue("mallory", time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"empty token", "Bearer  "},
		{"wrong secret", "Bearer " + forged},
	}

	router := newAdminRouter(t, verifier)
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, rr.Code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if body.Success || body.Error != "UNAUTHORIZED" || body.TraceID == "" {
			t.Fatalf("%s: unexpected body %+v", tc.name, body)
		}
	}
}

func TestRequireAdminWithoutVerifier(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer token")
	rr := httptest.NewRecorder()
	newAdminRouter(t, nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
