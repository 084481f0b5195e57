// Package server contains HTTP handlers for the DID-WBA service.
// This file implements the readiness check endpoint.
package server

import (
	"context"
	"database/sql"
	"net/http"
	"time"
)

// readyHandler returns 200 OK when the replay store is reachable.
// Stores backed by a database are pinged; the in-memory store is always ready.
func (h *Handler) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if store, ok := h.deps.Replay.(interface{ DB() *sql.DB }); ok {
		if err := store.DB().PingContext(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			writeError(w, h.logger, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "replay store not ready", correlationIDFrom(r.Context()), nil)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
