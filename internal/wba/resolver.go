package wba

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/did"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
)

// ErrNotHandled is returned by a resolver that is not responsible for a DID.
// ChainResolver moves on to the next resolver when it sees it.
var ErrNotHandled = errors.New("did not handled by resolver")

// Resolver returns the identity document for a DID.
type Resolver interface {
	Resolve(ctx context.Context, did string) (model.DIDDocument, error)
}

// StaticResolver serves a fixed set of documents keyed by DID.
type StaticResolver map[string]model.DIDDocument

// Resolve implements Resolver.
func (r StaticResolver) Resolve(_ context.Context, did string) (model.DIDDocument, error) {
	doc, ok := r[did]
	if !ok {
		return model.DIDDocument{}, ErrNotHandled
	}
	return doc, nil
}

// ChainResolver tries each resolver in order until one handles the DID.
type ChainResolver []Resolver

// Resolve implements Resolver.
func (c ChainResolver) Resolve(ctx context.Context, did string) (model.DIDDocument, error) {
	for _, r := range c {
		doc, err := r.Resolve(ctx, did)
		if errors.Is(err, ErrNotHandled) {
			continue
		}
		return doc, err
	}
	return model.DIDDocument{}, fmt.Errorf("no resolver for %s", did)
}

// LocalResolver answers for DIDs hosted by this deployment straight from the identity store.
type LocalResolver struct {
	docs    storage.DocumentStore
	domains map[string]struct{}
	prefix  []string
}

// NewLocalResolver handles did:wba identifiers whose authority is one of
// domains and whose path is prefix followed by a principal.
func NewLocalResolver(docs storage.DocumentStore, domains []string, prefix []string) *LocalResolver {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		set[d] = struct{}{}
	}
	return &LocalResolver{docs: docs, domains: set, prefix: prefix}
}

// Resolve implements Resolver.
func (r *LocalResolver) Resolve(ctx context.Context, raw string) (model.DIDDocument, error) {
	id, err := did.Parse(raw)
	if err != nil {
		return model.DIDDocument{}, ErrNotHandled
	}
	if _, ok := r.domains[id.Authority()]; !ok {
		return model.DIDDocument{}, ErrNotHandled
	}
	if !id.HasPrefix(r.prefix) || len(id.Path) != len(r.prefix)+1 {
		return model.DIDDocument{}, ErrNotHandled
	}
	doc, err := r.docs.LoadDocument(ctx, id.Last())
	if err != nil {
		return model.DIDDocument{}, fmt.Errorf("local document %s: %w", raw, err)
	}
	return doc, nil
}

// HTTPResolver fetches did:wba documents from the web.
type HTTPResolver struct {
	client   *http.Client
	scheme   string
	maxBytes int64
}

// NewHTTPResolver returns a resolver using client (a 10s-timeout client when nil)
// and scheme ("https" when empty).
func NewHTTPResolver(client *http.Client, scheme string) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if scheme == "" {
		scheme = "https"
	}
	return &HTTPResolver{client: client, scheme: scheme, maxBytes: 64 << 10}
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, raw string) (model.DIDDocument, error) {
	id, err := did.Parse(raw)
	if err != nil {
		return model.DIDDocument{}, ErrNotHandled
	}
	url := id.DocumentURL(r.scheme)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.DIDDocument{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return model.DIDDocument{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.DIDDocument{}, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes))
	if err != nil {
		return model.DIDDocument{}, fmt.Errorf("read %s: %w", url, err)
	}
	var doc model.DIDDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.DIDDocument{}, fmt.Errorf("parse %s: %w", url, err)
	}
	if doc.ID != raw {
		return model.DIDDocument{}, fmt.Errorf("document id %q does not match %q", doc.ID, raw)
	}
	return doc, nil
}

// CachingResolver memoizes documents for a fixed TTL and collapses concurrent
// lookups of one DID into a single call to the wrapped resolver. Failures are not cached.
type CachingResolver struct {
	next    Resolver
	cache   *expirable.LRU[string, model.DIDDocument]
	group   singleflight.Group
	timeout time.Duration
	logger  *slog.Logger
}

const defaultResolveTimeout = 15 * time.Second

// NewCachingResolver wraps next with an LRU of size entries expiring after ttl.
func NewCachingResolver(next Resolver, size int, ttl time.Duration, logger *slog.Logger) *CachingResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingResolver{
		next:    next,
		cache:   expirable.NewLRU[string, model.DIDDocument](size, nil, ttl),
		timeout: defaultResolveTimeout,
		logger:  logger,
	}
}

// Resolve implements Resolver.
//
// The shared lookup is detached from the first caller's cancellation and
// bounded by its own timeout; each caller stops waiting when its own ctx ends.
func (c *CachingResolver) Resolve(ctx context.Context, did string) (model.DIDDocument, error) {
	if doc, ok := c.cache.Get(did); ok {
		return doc, nil
	}
	ch := c.group.DoChan(did, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		doc, err := c.next.Resolve(fetchCtx, did)
		if err != nil {
			return nil, err
		}
		c.cache.Add(did, doc)
		return doc, nil
	})
	select {
	case <-ctx.Done():
		return model.DIDDocument{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.logger.Debug("did resolution failed", "did", did, "shared", res.Shared, "error", res.Err)
			return model.DIDDocument{}, res.Err
		}
		return res.Val.(model.DIDDocument), nil
	}
}

// Purge drops every cached document.
func (c *CachingResolver) Purge() {
	c.cache.Purge()
}
