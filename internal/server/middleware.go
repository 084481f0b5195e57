// Package server contains HTTP handlers and middleware for the DID-WBA service.
// This file implements middleware for timeouts and request logging.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const requestTimeout = 30 * time.Second

var (
	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "didwba_http_requests_total",
			Help: "Total number of HTTP requests made.",
		},
		[]string{"method", "route", "code"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "didwba_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// timeoutMiddleware bounds every request, including DID resolution and
// replay store writes performed on its behalf.
func (h *Handler) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request and records request metrics.
// Metrics are labelled by the matched route pattern so that per-principal
// document paths do not explode label cardinality.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.clock.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := h.clock.Since(start)
		h.logger.Info("request completed",
			"method", r.Method,
			"path", sanitizeForLog(r.URL.Path),
			"status", wrapped.statusCode,
			"duration", duration,
			"user_agent", sanitizeForLog(r.UserAgent()),
			"correlationId", w.Header().Get(headerCorrelationID),
		)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		requestCount.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
	})
}

// responseWriter captures the status code written by handlers.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
