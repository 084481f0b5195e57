package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/config"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
)

// Version is reported by the status endpoint. Overridden at link time.
var Version = "dev"

type contextKey string

const (
	contextKeyCorrelationID contextKey = "correlationId"
	contextKeyDID           contextKey = "did"
	contextKeyToken         contextKey = "token"

	headerContentType   = "Content-Type"
	headerCorrelationID = "X-Correlation-Id"
	headerCacheControl  = "Cache-Control"
	headerAuthorization = "Authorization"

	contentTypeJSON     = "application/json"
	cacheControlResolve = "public, max-age=60"
)

// Tokens issues, validates and publishes access tokens.
type Tokens interface {
	TokenService
	JWKS() jose.JSONWebKeySet
}

// Deps are the collaborators of a Handler.
type Deps struct {
	Verifier  Verifier
	Tokens    Tokens
	Documents storage.DocumentStore
	Replay    storage.ReplayStore // optional, probed by /ready
	Logger    *slog.Logger
	Clock     clock.Clock
}

// Handler wires HTTP endpoints using net/http.
type Handler struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
	clock  clock.Clock
	auth   *AuthMiddleware
	router *http.ServeMux
}

// New creates a Handler using the supplied dependencies.
func New(cfg config.Config, deps Deps) (*Handler, error) {
	if deps.Verifier == nil || deps.Tokens == nil || deps.Documents == nil {
		return nil, errors.New("verifier, token service and document store are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	h := &Handler{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		clock:  deps.Clock,
		router: http.NewServeMux(),
	}
	h.auth = NewAuthMiddleware(deps.Verifier, deps.Tokens, WithAuthLogger(deps.Logger))
	h.registerRoutes()
	return h, nil
}

// Router returns the root handler with CORS applied.
func (h *Handler) Router() http.Handler {
	return h.corsMiddleware(h.router)
}

func (h *Handler) registerRoutes() {
	h.router.Handle("GET /{$}", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(http.HandlerFunc(h.handleRoot)))))
	h.router.Handle("GET /health", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.health))))
	h.router.Handle("GET /ready", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.readyHandler))))
	h.router.Handle("GET /metrics", h.loggingMiddleware(h.timeoutMiddleware(http.HandlerFunc(h.metricsHandler))))
	h.router.Handle("GET /.well-known/jwks.json", h.loggingMiddleware(h.timeoutMiddleware(h.wrap(http.HandlerFunc(h.jwksHandler)))))

	// public identity documents: /wba/user/{id}/did.json with the default prefix
	docPattern := "GET /" + strings.Join(h.documentPrefix(), "/") + "/{id}/did.json"
	h.router.Handle(docPattern, h.loggingMiddleware(h.timeoutMiddleware(h.wrap(http.HandlerFunc(h.handleDocument)))))

	// everything below requires DIDWba or Bearer credentials
	h.router.Handle("POST /auth/did-wba", h.protected(h.handleDIDAuth))
	h.router.Handle("GET /auth/verify", h.protected(h.handleVerify))
	h.router.Handle("GET /wba/test", h.protected(h.handleTest))
	h.router.Handle("GET /ad.json", h.protected(h.handleAd))
}

func (h *Handler) documentPrefix() []string {
	if len(h.cfg.DIDPathPrefix) == 0 {
		return []string{"wba", "user"}
	}
	return h.cfg.DIDPathPrefix
}

func (h *Handler) protected(next func(http.ResponseWriter, *http.Request)) http.Handler {
	return h.loggingMiddleware(h.timeoutMiddleware(h.wrap(h.auth.Wrap(http.HandlerFunc(next)))))
}

type responseEnvelope struct {
	Data  any            `json:"data,omitempty"`
	Meta  any            `json:"meta,omitempty"`
	Error *errorEnvelope `json:"error,omitempty"`
}

type errorEnvelope struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Details       any    `json:"details,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := h.ensureCorrelationID(w, r)
		ctx := context.WithValue(r.Context(), contextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set(headerContentType, contentTypeJSON)

		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered", "panic", rec, "path", r.URL.Path, "correlationId", correlationID)
				writeError(w, h.logger, http.StatusInternalServerError, "DIDWBA_INTERNAL", "internal server error", correlationID, nil)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get(headerCorrelationID))
	if id == "" || len(id) > 128 {
		id = uuid.NewString()
	}
	w.Header().Set(headerCorrelationID, id)
	return id
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, model.StatusDTO{
		Service: "registryaccord-didwba",
		Version: Version,
		Mode:    h.cfg.Env,
	}, nil, r)
}

// handleDocument serves a locally hosted identity document as plain did.json.
func (h *Handler) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.deps.Documents.LoadDocument(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		incrementDocumentServed("not_found")
		h.writeErrorWithRequest(w, r, http.StatusNotFound, "DIDWBA_NOT_FOUND", "identity document not found", nil)
		return
	}
	if err != nil {
		incrementDocumentServed("error")
		h.logger.Error("load identity document failed", "id", sanitizeForLog(r.PathValue("id")), "error", err, "correlationId", correlationIDFrom(r.Context()))
		h.writeErrorWithRequest(w, r, http.StatusInternalServerError, "DIDWBA_INTERNAL", "failed to load identity document", nil)
		return
	}
	incrementDocumentServed("ok")
	w.Header().Set(headerCacheControl, cacheControlResolve)
	h.writeRaw(w, r, http.StatusOK, doc)
}

func (h *Handler) jwksHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerCacheControl, cacheControlResolve)
	h.writeRaw(w, r, http.StatusOK, h.deps.Tokens.JWKS())
}

// handleDIDAuth exchanges a DIDWba signature for an access token.
func (h *Handler) handleDIDAuth(w http.ResponseWriter, r *http.Request) {
	tok, ok := TokenFromContext(r.Context())
	if !ok {
		h.writeErrorWithRequest(w, r, http.StatusBadRequest, "DIDWBA_VALIDATION", "DIDWba authorization required to obtain a token", nil)
		return
	}
	did, _ := IdentityFromContext(r.Context())
	h.writeSuccess(w, http.StatusOK, model.TokenResponseDTO{
		AccessToken: tok.Value,
		TokenType:   "bearer",
		ExpiresAt:   tok.ExpiresAt.UTC().Format(time.RFC3339),
		DID:         did,
	}, nil, r)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	did, _ := IdentityFromContext(r.Context())
	h.writeSuccess(w, http.StatusOK, model.VerifyResponseDTO{Verified: true, DID: did}, nil, r)
}

func (h *Handler) handleTest(w http.ResponseWriter, r *http.Request) {
	did, _ := IdentityFromContext(r.Context())
	h.writeSuccess(w, http.StatusOK, map[string]any{
		"status":        "success",
		"did":           did,
		"authenticated": true,
	}, nil, r)
}

func (h *Handler) handleAd(w http.ResponseWriter, r *http.Request) {
	did, _ := IdentityFromContext(r.Context())
	h.writeSuccess(w, http.StatusOK, model.AdDTO{
		ID:        "ad-001",
		Title:     "Agent Description",
		Keywords:  []string{"did:wba", "authentication", "agent"},
		CreatedBy: did,
		CreatedAt: h.clock.Now().UTC().Format(time.RFC3339),
	}, nil, r)
}

func (h *Handler) writeSuccess(w http.ResponseWriter, status int, data any, meta any, r *http.Request) {
	h.writeRaw(w, r, status, responseEnvelope{Data: data, Meta: meta})
}

func (h *Handler) writeRaw(w http.ResponseWriter, r *http.Request, status int, v any) {
	payload := mustJSON(v)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Warn("write response failed", "error", err, "correlationId", correlationIDFrom(r.Context()))
	}
}

func (h *Handler) writeErrorWithRequest(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeError(w, h.logger, status, code, message, correlationIDFrom(r.Context()), details)
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, code, message, correlationID string, details any) {
	env := responseEnvelope{Error: &errorEnvelope{Code: code, Message: message, Details: details, CorrelationID: correlationID}}
	payload := mustJSON(env)
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		logger.Warn("write error failed", "error", err, "correlationId", correlationID)
	}
}

func mustJSON(v any) []byte {
	payload, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return payload
}

func correlationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyCorrelationID).(string); ok {
		return v
	}
	return ""
}
