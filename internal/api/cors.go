package api

import (
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
)

// CORS sets cross-origin headers for allowed origins and answers preflight
// requests. The origin list can be replaced at runtime with [CORS.SetOrigins].
type CORS struct {
	origins atomic.Pointer[[]string]
}

// NewCORS returns a CORS policy allowing origins. "*" allows every origin.
func NewCORS(origins []string) *CORS {
	c := &CORS{}
	c.SetOrigins(origins)
	return c
}

// SetOrigins replaces the allowed origins.
func (c *CORS) SetOrigins(origins []string) {
	o := slices.Clone(origins)
	c.origins.Store(&o)
}

// Origins returns the allowed origins.
func (c *CORS) Origins() []string {
	return slices.Clone(*c.origins.Load())
}

func (c *CORS) allowed(origin string) (string, bool) {
	for _, a := range *c.origins.Load() {
		if a == "*" {
			return "*", true
		}
		if strings.EqualFold(a, origin) {
			return origin, true
		}
	}
	return "", false
}

// Middleware wraps next with the CORS policy. Preflight requests from allowed
// origins are answered with 204 and never reach next.
func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		h := w.Header()
		h.Add("Vary", "Origin")
		allow, ok := c.allowed(origin)
		if ok {
			h.Set("Access-Control-Allow-Origin", allow)
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if !ok {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			h.Set("Access-Control-Allow-Methods", corsMethods)
			if req := r.Header.Get("Access-Control-Request-Headers"); req != "" {
				h.Set("Access-Control-Allow-Headers", req)
			} else {
				h.Set("Access-Control-Allow-Headers", corsHeaders)
			}
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
