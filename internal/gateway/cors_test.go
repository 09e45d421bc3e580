package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/go-fleet/internal/config"
	"github.com/basket/go-fleet/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_PreflightHeaders(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://dash.example"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Client"},
		MaxAge:         7200,
	}
	handler := gateway.NewCORSMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for a preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/api/issues", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	h := rec.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("unexpected origin %q", got)
	}
	if got := h.Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Fatalf("unexpected methods %q", got)
	}
	if got := h.Get("Access-Control-Allow-Headers"); got != "Content-Type, X-Client" {
		t.Fatalf("unexpected headers %q", got)
	}
	if got := h.Get("Access-Control-Max-Age"); got != "7200" {
		t.Fatalf("unexpected max-age %q", got)
	}
	if got := h.Get("Vary"); got != "Origin" {
		t.Fatalf("expected Vary: Origin, got %q", got)
	}
}

func TestCORS_Origins(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"allowed", []string{"https://dash.example"}, "https://dash.example", "https://dash.example"},
		{"disallowed", []string{"https://dash.example"}, "https://evil.example", ""},
		{"wildcard", []string{"*"}, "https://any.example", "https://any.example"},
		{"no origin", []string{"*"}, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := gateway.NewCORSMiddleware(config.CORSConfig{Enabled: true, AllowedOrigins: tc.allowed})(okHandler())
			req := httptest.NewRequest("GET", "/api/agents", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("CORS must not block requests, got %d", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tc.want {
				t.Fatalf("expected allow-origin %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCORS_Disabled(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{})(okHandler())
	req := httptest.NewRequest("OPTIONS", "/api/agents", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("disabled CORS should pass through, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no CORS headers, got %q", got)
	}
}

func TestAPI_OversizedBodyRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"title":"` + strings.Repeat("x", 2<<20) + `"}`
	req := httptest.NewRequest("POST", "/api/issues", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "VALIDATION_ERROR") {
		t.Fatalf("expected 400 for oversized body, got %d %s", rec.Code, rec.Body.String())
	}
}
