package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/config"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/replay"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/token"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/wba"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

var (
	rsaOnce sync.Once
	rsaKey  *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaOnce.Do(func() {
		var err error
		rsaKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
	})
	return rsaKey
}

type testEnv struct {
	server      *httptest.Server
	serverClock *clock.Mock
	signerClock *clock.Mock
	signer      *wba.Signer
	identity    *storage.Identity
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{serverClock: clock.NewMock(), signerClock: clock.NewMock()}
	env.serverClock.Set(t0.Add(time.Second))
	env.signerClock.Set(t0)

	ctx := context.Background()
	identities := storage.NewFileIdentityStore(t.TempDir())
	id, err := identities.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	env.identity = id

	env.signer, err = wba.NewSigner(id.Document, storage.MethodFragment, id.Key, wba.WithSignerClock(env.signerClock))
	require.NoError(t, err)

	replayStore := storage.NewMemoryReplayStore()
	guard, err := replay.NewGuard(replayStore, replay.Options{
		TimestampTTL: 5 * time.Minute,
		NonceTTL:     6 * time.Minute,
		ClockSkew:    time.Minute,
		Clock:        env.serverClock,
	})
	require.NoError(t, err)
	resolver := wba.NewLocalResolver(identities, []string{"localhost:8000"}, identities.PathPrefix())
	verifier, err := wba.NewVerifier(resolver, guard, wba.VerifierOptions{})
	require.NoError(t, err)

	tokens, err := token.NewService(testRSAKey(t), nil, token.Options{Issuer: "test", TTL: time.Hour, Clock: env.serverClock})
	require.NoError(t, err)

	h, err := New(config.Config{Env: "test", DIDPathPrefix: []string{"wba", "user"}}, Deps{
		Verifier:  verifier,
		Tokens:    tokens,
		Documents: identities,
		Replay:    replayStore,
		Clock:     env.serverClock,
	})
	require.NoError(t, err)
	env.server = httptest.NewServer(h.Router())
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, authz string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	require.NoError(t, err)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) signed(t *testing.T, method, path string) string {
	t.Helper()
	h, err := e.signer.BuildHeader(method, path)
	require.NoError(t, err)
	return h
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(b))
}

func TestReady_MemoryStore(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-Id"))

	var out struct {
		Data model.StatusDTO `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "test", out.Data.Mode)
}

func TestDocument(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/wba/user/alice/did.json", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc model.DIDDocument
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, env.identity.Document.ID, doc.ID)
	assert.Equal(t, "public, max-age=60", resp.Header.Get("Cache-Control"))

	missing := env.do(t, http.MethodGet, "/wba/user/bob/did.json", "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestJWKS(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/.well-known/jwks.json", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RSA", set.Keys[0]["kty"])
}

// Signed at T0, accepted at T0+1s with a token, the token works at T0+2s and
// the signed header is refused at T0+3s.
func TestProtected_SignatureTokenReplay(t *testing.T) {
	env := newTestEnv(t)
	header := env.signed(t, http.MethodGet, "/wba/test")

	first := env.do(t, http.MethodGet, "/wba/test", header)
	require.Equal(t, http.StatusOK, first.StatusCode)
	bearer := first.Header.Get("Authorization")
	require.NotEmpty(t, bearer)

	var out struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(first.Body).Decode(&out))
	assert.Equal(t, env.identity.Document.ID, out.Data["did"])

	env.serverClock.Add(time.Second)
	second := env.do(t, http.MethodGet, "/ad.json", bearer)
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Empty(t, second.Header.Get("Authorization"))
	var ad struct {
		Data model.AdDTO `json:"data"`
	}
	require.NoError(t, json.NewDecoder(second.Body).Decode(&ad))
	assert.Equal(t, env.identity.Document.ID, ad.Data.CreatedBy)

	env.serverClock.Add(time.Second)
	replayed := env.do(t, http.MethodGet, "/wba/test", header)
	assert.Equal(t, http.StatusUnauthorized, replayed.StatusCode)
	assert.Equal(t, "DIDWba, Bearer", replayed.Header.Get("WWW-Authenticate"))
}

func TestAuthDIDWba_IssuesToken(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/auth/did-wba", env.signed(t, http.MethodPost, "/auth/did-wba"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data model.TokenResponseDTO `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "bearer", out.Data.TokenType)
	assert.Equal(t, env.identity.Document.ID, out.Data.DID)
	assert.Equal(t, "Bearer "+out.Data.AccessToken, resp.Header.Get("Authorization"))

	verify := env.do(t, http.MethodGet, "/auth/verify", "Bearer "+out.Data.AccessToken)
	require.Equal(t, http.StatusOK, verify.StatusCode)
	var v struct {
		Data model.VerifyResponseDTO `json:"data"`
	}
	require.NoError(t, json.NewDecoder(verify.Body).Decode(&v))
	assert.True(t, v.Data.Verified)
}

func TestAuthDIDWba_RejectsBearer(t *testing.T) {
	env := newTestEnv(t)
	first := env.do(t, http.MethodGet, "/wba/test", env.signed(t, http.MethodGet, "/wba/test"))
	require.Equal(t, http.StatusOK, first.StatusCode)

	resp := env.do(t, http.MethodPost, "/auth/did-wba", first.Header.Get("Authorization"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProtected_Failures(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/ad.json", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// signed for another path
	resp = env.do(t, http.MethodGet, "/ad.json", env.signed(t, http.MethodGet, "/wba/test"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/ad.json", "Bearer not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtected_TokenExpires(t *testing.T) {
	env := newTestEnv(t)
	first := env.do(t, http.MethodGet, "/wba/test", env.signed(t, http.MethodGet, "/wba/test"))
	require.Equal(t, http.StatusOK, first.StatusCode)

	env.serverClock.Add(2 * time.Hour)
	resp := env.do(t, http.MethodGet, "/ad.json", first.Header.Get("Authorization"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodOptions, "/ad.json", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), "Authorization")
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(config.Config{}, Deps{})
	assert.Error(t, err)
}
