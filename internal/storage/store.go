// Package storage provides interfaces and implementations for persistent storage
// of identity documents, their private keys, and replay-protection records.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/keys"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
)

// Standard error values used across storage implementations
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorruptIdentityStore indicates a persisted identity whose key and document disagree
	// or whose files cannot be decoded.
	ErrCorruptIdentityStore = errors.New("corrupt identity store")
	// ErrReplayStoreFull indicates the replay store reached its capacity.
	ErrReplayStoreFull = errors.New("replay store full")
	// ErrInvalidPrincipal indicates a principal name that cannot be used as a directory name.
	ErrInvalidPrincipal = errors.New("invalid principal")
)

// Identity is a locally held identity: the public document and the private key
// of its first verification method.
type Identity struct {
	Document model.DIDDocument
	Key      keys.PrivateKey
	MethodID string // Absolute id of the verification method Key belongs to
	Dir      string // Directory holding the persisted files
}

// IdentityStore returns the identity for a principal, creating it on first use.
type IdentityStore interface {
	// GetOrCreate loads the persisted identity or creates and persists a new one.
	// Concurrent calls for one principal all observe the same identity.
	GetOrCreate(ctx context.Context, principal string) (*Identity, error)
}

// DocumentStore serves public identity documents.
type DocumentStore interface {
	// LoadDocument returns the document of an existing principal or ErrNotFound.
	LoadDocument(ctx context.Context, principal string) (model.DIDDocument, error)
}

// ReplayKey names one observed request.
type ReplayKey struct {
	DID   string
	Nonce string
}

// ReplayStore remembers (did, nonce) pairs until they expire.
// Implementations must make Record atomic: two concurrent calls with the same
// key and overlapping lifetimes must not both report a first sighting.
type ReplayStore interface {
	// Record inserts key with the given expiry. It reports replayed=true, and
	// leaves the store unchanged, when a live record for key already exists.
	Record(ctx context.Context, key ReplayKey, now, expiresAt time.Time) (replayed bool, err error)
	// SweepExpired removes records whose expiry is at or before now and returns how many were removed.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// Len returns the number of records currently held, expired or not.
	Len(ctx context.Context) (int, error)
	// Close releases resources held by the store.
	Close() error
}
