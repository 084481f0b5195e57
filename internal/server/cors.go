// Package server contains HTTP handlers and middleware for the DID-WBA service.
// This file implements CORS middleware.
package server

import (
	"net/http"
)

// corsMiddleware adds CORS headers to responses and answers preflight requests.
// Authorization is exposed so browser clients can pick up tokens issued on
// the DIDWba path.
func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-Id")
		w.Header().Set("Access-Control-Expose-Headers", "Authorization, X-Correlation-Id")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
