// Package server contains HTTP handlers for the DID-WBA service.
// This file implements Prometheus metrics for authentication.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
)

var (
	// result: success, failure, error. reason is empty on success.
	authAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "didwba_auth_total",
			Help: "Total number of authentication attempts, by path, result and reason.",
		},
		[]string{"path", "result", "reason"},
	)

	tokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "didwba_tokens_issued_total",
			Help: "Total number of access tokens issued after signature verification.",
		},
	)

	documentsServed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "didwba_documents_served_total",
			Help: "Total number of identity document requests, by result.",
		},
		[]string{"result"}, // ok, not_found, error
	)
)

// metricsHandler exposes Prometheus metrics through the main HTTP server.
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// NewMetricsHandler creates a standalone handler for a separate metrics listener.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RegisterReplayGauge publishes the number of live replay entries held by store.
// A later call replaces the gauge of an earlier one.
func RegisterReplayGauge(store storage.ReplayStore) error {
	gauge := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "didwba_replay_entries",
			Help: "Number of (did, nonce) pairs currently held by the replay store.",
		},
		func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			n, err := store.Len(ctx)
			if err != nil {
				return -1
			}
			return float64(n)
		},
	)
	if err := prometheus.Register(gauge); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		prometheus.Unregister(already.ExistingCollector)
		return prometheus.Register(gauge)
	}
	return nil
}

func incrementAuth(path, result, reason string) {
	authAttempts.WithLabelValues(path, result, reason).Inc()
}

func incrementTokenIssued() {
	tokensIssued.Inc()
}

func incrementDocumentServed(result string) {
	documentsServed.WithLabelValues(result).Inc()
}
