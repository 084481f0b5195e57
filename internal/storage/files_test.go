package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/keys"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
)

func TestFileIdentityStore_CreateThenLoad(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewFileIdentityStore(root, WithDIDAuthority("example.com", 8800))

	first, err := store.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "did:wba:example.com%3A8800:wba:user:alice", first.Document.ID)
	assert.Equal(t, first.Document.ID+"#key-1", first.MethodID)
	assert.Equal(t, []string{first.MethodID}, first.Document.Authentication)

	info, err := os.Stat(filepath.Join(root, "alice", "key-1_private.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// a fresh store over the same root sees the persisted identity
	second, err := NewFileIdentityStore(root, WithDIDAuthority("example.com", 8800)).GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Document, second.Document)
	assert.True(t, first.Key.Public().Equal(second.Key.Public()))

	doc, err := store.LoadDocument(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first.Document.ID, doc.ID)

	_, err = store.LoadDocument(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileIdentityStore_MultibaseEncoding(t *testing.T) {
	store := NewFileIdentityStore(t.TempDir(), WithKeyEncoding(keys.EncodingMultibase))
	id, err := store.GetOrCreate(context.Background(), "carol")
	require.NoError(t, err)

	vm := id.Document.VerificationMethod[0]
	assert.Nil(t, vm.PublicKeyJWK)
	assert.NotEmpty(t, vm.PublicKeyMultibase)
}

func TestFileIdentityStore_ConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	// two store instances simulate two processes sharing the root
	stores := []*FileIdentityStore{NewFileIdentityStore(root), NewFileIdentityStore(root)}

	const callers = 16
	results := make([]*Identity, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = stores[i%2].GetOrCreate(ctx, "shared")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Document.ID, results[i].Document.ID)
		assert.True(t, results[0].Key.Public().Equal(results[i].Key.Public()), "caller %d saw a different key", i)
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary directories must not be left behind")
}

func TestFileIdentityStore_CorruptMismatch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewFileIdentityStore(root)

	_, err := store.GetOrCreate(ctx, "dave")
	require.NoError(t, err)

	// swap in a document whose key belongs to someone else
	other, err := keys.Secp256k1.Generate()
	require.NoError(t, err)
	path := filepath.Join(root, "dave", "did.json")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc model.DIDDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	vm, err := keys.Secp256k1.Method(other.Public(), doc.VerificationMethod[0].ID, doc.ID, keys.EncodingJWK)
	require.NoError(t, err)
	doc.VerificationMethod[0] = vm
	raw, err = json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = NewFileIdentityStore(root).GetOrCreate(ctx, "dave")
	assert.ErrorIs(t, err, ErrCorruptIdentityStore)
}

func TestFileIdentityStore_CorruptMissingKey(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	_, err := NewFileIdentityStore(root).GetOrCreate(ctx, "erin")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "erin", "key-1_private.pem")))

	_, err = NewFileIdentityStore(root).GetOrCreate(ctx, "erin")
	assert.ErrorIs(t, err, ErrCorruptIdentityStore)
}

func TestFileIdentityStore_InvalidPrincipal(t *testing.T) {
	store := NewFileIdentityStore(t.TempDir())
	for _, p := range []string{"", "../etc", "a/b", "has space"} {
		_, err := store.GetOrCreate(context.Background(), p)
		assert.ErrorIs(t, err, ErrInvalidPrincipal, "principal %q", p)
	}
}
