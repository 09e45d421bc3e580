package gateway

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/basket/go-fleet/internal/config"
)

const maxBodyBytes = 1 << 20

// NewCORSMiddleware answers preflights and sets CORS headers for allowed
// origins. Disabled config yields a pass-through.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	allowAll := slices.Contains(cfg.AllowedOrigins, "*")
	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}
	}
	headers := cfg.AllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Content-Type"}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 600
	}
	methodList := strings.Join(methods, ", ")
	headerList := strings.Join(headers, ", ")
	maxAgeStr := strconv.Itoa(maxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")
			if origin != "" && (allowAll || slices.Contains(cfg.AllowedOrigins, origin)) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", methodList)
				h.Set("Access-Control-Allow-Headers", headerList)
				h.Set("Access-Control-Max-Age", maxAgeStr)
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limitBody caps request bodies on the REST API.
func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
