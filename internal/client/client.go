// Package client is an HTTP client that authenticates with DID-WBA signatures
// and reuses the bearer tokens servers hand back.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

// HeaderBuilder produces a DIDWba Authorization header for one request.
// *wba.Signer implements it.
type HeaderBuilder interface {
	BuildHeader(method, path string) (string, error)
}

// Client signs requests until a server issues a token, then sends that token
// to the same host until the server rejects it.
type Client struct {
	httpClient *http.Client
	signer     HeaderBuilder
	baseURL    string
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]string // host -> bearer token
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for baseURL that signs with signer.
func New(baseURL string, signer HeaderBuilder, opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		signer:     signer,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		logger:     slog.Default(),
		tokens:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req with a cached token for its host, or with a fresh DIDWba
// signature when none is cached. A 401 answered to a token drops the token
// and the request is signed and sent once more, which requires a replayable
// body (req.GetBody) when req has one.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if tok := c.Token(host); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			c.capture(host, resp)
			return resp, nil
		}
		c.dropToken(host, tok)
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			return resp, nil
		}
		drain(resp)
		c.logger.Debug("token rejected, signing request", "host", host)
		if req, err = retryable(req); err != nil {
			return nil, err
		}
	}

	header, err := c.signer.BuildHeader(req.Method, requestPath(req))
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set("Authorization", header)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	c.capture(host, resp)
	return resp, nil
}

// Get performs an authenticated GET of path relative to the base URL.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an authenticated POST of path relative to the base URL.
func (c *Client) Post(ctx context.Context, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(req)
}

// Token returns the cached bearer token for host, or "".
func (c *Client) Token(host string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[host]
}

// ClearTokens forgets every cached token.
func (c *Client) ClearTokens() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.tokens)
}

func (c *Client) capture(host string, resp *http.Response) {
	scheme, tok, ok := strings.Cut(resp.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		return
	}
	c.mu.Lock()
	c.tokens[host] = strings.TrimSpace(tok)
	c.mu.Unlock()
}

// dropToken removes tok unless another request already replaced it.
func (c *Client) dropToken(host, tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens[host] == tok {
		delete(c.tokens, host)
	}
}

func requestPath(req *http.Request) string {
	if p := req.URL.EscapedPath(); p != "" {
		return p
	}
	return "/"
}

func retryable(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// AuthError is an authentication failure reported by the server.
type AuthError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication error: %d %s", e.StatusCode, e.Code)
}

// ErrUnauthorized is matched by every *AuthError with status 401.
var ErrUnauthorized = errors.New("unauthorized")

// Is reports 401 errors as ErrUnauthorized.
func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// ParseAuthError reads the error envelope of a 401 or 503 response and closes
// its body. It returns nil for any other status.
func ParseAuthError(resp *http.Response) *AuthError {
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusServiceUnavailable {
		return nil
	}
	defer resp.Body.Close()

	var env struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		} `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env)

	code := env.Error.Code
	if code == "" {
		code = "unknown"
	}
	return &AuthError{
		StatusCode:    resp.StatusCode,
		Code:          code,
		Message:       env.Error.Message,
		CorrelationID: env.Error.CorrelationID,
	}
}
