// Package server contains HTTP handlers and middleware for the DID-WBA service.
// This file implements the authentication middleware guarding protected routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/replay"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/token"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/wba"
)

const maxBearerSize = 8192

// Verifier authenticates a DIDWba Authorization header for one request.
type Verifier interface {
	Verify(ctx context.Context, header, method, path string) (string, error)
}

// TokenService issues tokens after signature verification and validates presented ones.
type TokenService interface {
	Issue(did string) (token.Token, error)
	Validate(raw string) (string, error)
}

// AuthMiddleware admits requests carrying a valid bearer token or a valid
// DIDWba signature. Every authentication failure produces the same 401 body;
// the reason is only logged and counted.
type AuthMiddleware struct {
	verifier Verifier
	tokens   TokenService
	logger   *slog.Logger
}

// AuthOption configures an AuthMiddleware.
type AuthOption func(*AuthMiddleware)

// WithAuthLogger sets the logger used for authentication events.
func WithAuthLogger(logger *slog.Logger) AuthOption {
	return func(m *AuthMiddleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewAuthMiddleware returns middleware using verifier for DIDWba headers and tokens for bearer tokens.
func NewAuthMiddleware(verifier Verifier, tokens TokenService, opts ...AuthOption) *AuthMiddleware {
	m := &AuthMiddleware{verifier: verifier, tokens: tokens, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Auth paths, used as log and metric labels.
const (
	authPathNone      = "none"
	authPathToken     = "token"
	authPathSignature = "signature"
)

// Wrap returns a handler that authenticates before calling next.
//
// A DIDWba request that verifies gets a fresh token: it is returned in the
// Authorization response header and made available through TokenFromContext.
// The verified DID is available through IdentityFromContext on both paths.
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		authz := strings.TrimSpace(r.Header.Get(headerAuthorization))
		scheme, credentials, _ := strings.Cut(authz, " ")

		var (
			did    string
			issued *token.Token
			err    error
			path   = authPathNone
		)
		switch {
		case authz == "":
			err = wba.ErrMissingCredentials
		case strings.EqualFold(scheme, "Bearer"):
			path = authPathToken
			credentials = strings.TrimSpace(credentials)
			if len(credentials) > maxBearerSize {
				err = fmt.Errorf("%w: bearer token of %d bytes", token.ErrTokenSignatureInvalid, len(credentials))
				break
			}
			did, err = m.tokens.Validate(credentials)
		case strings.EqualFold(scheme, wba.Scheme):
			path = authPathSignature
			did, err = m.verifier.Verify(r.Context(), authz, r.Method, r.URL.EscapedPath())
			if err == nil {
				tok, issueErr := m.tokens.Issue(did)
				if issueErr != nil {
					m.logger.Error("auth.token_issue_failed", "did", sanitizeForLog(did), "error", issueErr, "correlationId", correlationIDFrom(r.Context()))
					incrementAuth(path, "error", "token_issue")
					writeError(w, m.logger, http.StatusInternalServerError, "DIDWBA_INTERNAL", "internal server error", correlationIDFrom(r.Context()), nil)
					return
				}
				issued = &tok
				incrementTokenIssued()
			}
		default:
			err = fmt.Errorf("%w: unsupported scheme %q", wba.ErrMissingCredentials, scheme)
		}

		if err != nil {
			m.fail(w, r, path, err)
			return
		}

		incrementAuth(path, "success", "")
		m.logger.Debug("auth.success", "path", path, "did", sanitizeForLog(did), "method", r.Method, "uri", r.URL.Path, "latency_ms", time.Since(start).Milliseconds())

		ctx := ContextWithIdentity(r.Context(), did)
		if issued != nil {
			w.Header().Set(headerAuthorization, "Bearer "+issued.Value)
			ctx = context.WithValue(ctx, contextKeyToken, *issued)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) fail(w http.ResponseWriter, r *http.Request, path string, err error) {
	reason := failureReason(err)
	correlationID := correlationIDFrom(r.Context())
	incrementAuth(path, "failure", reason)
	m.logger.Warn("auth.failure",
		"reason", reason,
		"path", path,
		"method", r.Method,
		"uri", sanitizeForLog(r.URL.Path),
		"ip", clientIP(r),
		"detail", sanitizeForLog(err.Error()),
		"correlationId", correlationID,
	)

	switch reason {
	case "replay_store_full", "unavailable", "backend_error":
		writeError(w, m.logger, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "service temporarily unavailable", correlationID, nil)
	default:
		w.Header().Set("WWW-Authenticate", wba.Scheme+", Bearer")
		writeError(w, m.logger, http.StatusUnauthorized, "AUTH_FAILED", "authentication failed", correlationID, nil)
	}
}

// failureReason maps an authentication error onto a stable label. Client
// faults all wrap a sentinel, so anything else is a backend failure.
func failureReason(err error) string {
	switch {
	case errors.Is(err, wba.ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, wba.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, wba.ErrUnknownIdentity):
		return "unknown_identity"
	case errors.Is(err, wba.ErrUnknownVerificationMethod):
		return "unknown_verification_method"
	case errors.Is(err, wba.ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, replay.ErrTimestampExpired):
		return "timestamp_expired"
	case errors.Is(err, replay.ErrTimestampInFuture):
		return "timestamp_in_future"
	case errors.Is(err, replay.ErrNonceReplayed):
		return "nonce_replayed"
	case errors.Is(err, token.ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, token.ErrTokenSignatureInvalid):
		return "token_signature_invalid"
	case errors.Is(err, storage.ErrReplayStoreFull):
		return "replay_store_full"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "unavailable"
	default:
		return "backend_error"
	}
}

// ContextWithIdentity returns a context carrying the authenticated DID.
func ContextWithIdentity(ctx context.Context, did string) context.Context {
	return context.WithValue(ctx, contextKeyDID, did)
}

// IdentityFromContext returns the DID authenticated by AuthMiddleware.
func IdentityFromContext(ctx context.Context) (string, bool) {
	did, ok := ctx.Value(contextKeyDID).(string)
	return did, ok && did != ""
}

// TokenFromContext returns the token issued for a DIDWba-authenticated request.
func TokenFromContext(ctx context.Context) (token.Token, bool) {
	tok, ok := ctx.Value(contextKeyToken).(token.Token)
	return tok, ok
}

// sanitizeForLog strips control characters and truncates long values.
func sanitizeForLog(s string) string {
	result := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	if len(result) > 256 {
		result = result[:256] + "..."
	}
	return result
}

// clientIP extracts the client IP from the request.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return sanitizeForLog(strings.TrimSpace(first))
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
