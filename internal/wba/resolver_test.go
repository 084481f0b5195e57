package wba

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/did"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
)

// serveDocument starts a server publishing doc (or docFn's result) and returns
// the did:wba identifier pointing at it.
func serveDocument(t *testing.T, hits *atomic.Int32, docFn func(id string) model.DIDDocument) string {
	t.Helper()
	var id string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/wba/user/alice/did.json" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(docFn(id))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	id, err = did.New(u.Hostname(), port, "wba", "user", "alice")
	require.NoError(t, err)
	return id
}

func TestHTTPResolver(t *testing.T) {
	var hits atomic.Int32
	id := serveDocument(t, &hits, func(id string) model.DIDDocument {
		return model.DIDDocument{ID: id}
	})

	doc, err := NewHTTPResolver(nil, "http").Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, doc.ID)
}

func TestHTTPResolver_RejectsMismatchedID(t *testing.T) {
	var hits atomic.Int32
	id := serveDocument(t, &hits, func(string) model.DIDDocument {
		return model.DIDDocument{ID: "did:wba:evil.example"}
	})

	_, err := NewHTTPResolver(nil, "http").Resolve(context.Background(), id)
	assert.Error(t, err)
}

func TestHTTPResolver_NotHandled(t *testing.T) {
	_, err := NewHTTPResolver(nil, "http").Resolve(context.Background(), "did:example:abc123")
	assert.ErrorIs(t, err, ErrNotHandled)
}

func TestCachingResolver_CachesAndCollapses(t *testing.T) {
	var hits atomic.Int32
	id := serveDocument(t, &hits, func(id string) model.DIDDocument {
		time.Sleep(20 * time.Millisecond)
		return model.DIDDocument{ID: id}
	})
	r := NewCachingResolver(NewHTTPResolver(nil, "http"), 16, time.Minute, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := r.Resolve(context.Background(), id)
			assert.NoError(t, err)
			assert.Equal(t, id, doc.ID)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), hits.Load())

	_, err := r.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	r.Purge()
	_, err = r.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCachingResolver_DoesNotCacheFailures(t *testing.T) {
	calls := 0
	var next resolverFunc = func(context.Context, string) (model.DIDDocument, error) {
		calls++
		return model.DIDDocument{}, errors.New("unreachable")
	}
	r := NewCachingResolver(next, 16, time.Minute, nil)
	_, err := r.Resolve(context.Background(), testDID)
	assert.Error(t, err)
	_, err = r.Resolve(context.Background(), testDID)
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestLocalResolverAndChain(t *testing.T) {
	ctx := context.Background()
	files := storage.NewFileIdentityStore(t.TempDir(), storage.WithDIDAuthority("localhost", 8000))
	id, err := files.GetOrCreate(ctx, "bob")
	require.NoError(t, err)

	local := NewLocalResolver(files, []string{"localhost:8000"}, []string{"wba", "user"})
	doc, err := local.Resolve(ctx, id.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, id.Document.ID, doc.ID)

	_, err = local.Resolve(ctx, "did:wba:elsewhere.example:wba:user:bob")
	assert.ErrorIs(t, err, ErrNotHandled)

	_, err = local.Resolve(ctx, "did:wba:localhost%3A8000:wba:user:nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	chain := ChainResolver{local, StaticResolver{testDID: {ID: testDID}}}
	doc, err = chain.Resolve(ctx, testDID)
	require.NoError(t, err)
	assert.Equal(t, testDID, doc.ID)

	_, err = chain.Resolve(ctx, "did:example:missing")
	assert.Error(t, err)
}

type resolverFunc func(ctx context.Context, did string) (model.DIDDocument, error)

func (f resolverFunc) Resolve(ctx context.Context, did string) (model.DIDDocument, error) {
	return f(ctx, did)
}

func TestCachingResolver_CancelledCallerDoesNotFailOthers(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var next resolverFunc = func(ctx context.Context, did string) (model.DIDDocument, error) {
		calls.Add(1)
		close(entered)
		select {
		case <-release:
			return model.DIDDocument{ID: did}, nil
		case <-ctx.Done():
			return model.DIDDocument{}, ctx.Err()
		}
	}
	r := NewCachingResolver(next, 16, time.Minute, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Resolve(firstCtx, testDID)
		firstErr <- err
	}()
	<-entered

	type result struct {
		doc model.DIDDocument
		err error
	}
	second := make(chan result, 1)
	go func() {
		doc, err := r.Resolve(context.Background(), testDID)
		second <- result{doc, err}
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, testDID, res.doc.ID)
	assert.Equal(t, int32(1), calls.Load())
}
