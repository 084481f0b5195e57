package wba

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/keys"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/replay"
)

// VerifierOptions configures a Verifier.
type VerifierOptions struct {
	// MaxHeaderSize bounds the Authorization header (DefaultMaxHeaderSize when 0).
	MaxHeaderSize int
	// MaxConcurrent bounds simultaneous signature checks (4 x GOMAXPROCS when 0).
	MaxConcurrent int64
	Logger        *slog.Logger
}

// Verifier checks DIDWba Authorization headers.
type Verifier struct {
	resolver      Resolver
	guard         *replay.Guard
	maxHeaderSize int
	sem           *semaphore.Weighted
	logger        *slog.Logger
}

// NewVerifier returns a Verifier resolving documents through resolver and
// recording nonces in guard.
func NewVerifier(resolver Resolver, guard *replay.Guard, opts VerifierOptions) (*Verifier, error) {
	if resolver == nil || guard == nil {
		return nil, errors.New("resolver and replay guard are required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = int64(4 * runtime.GOMAXPROCS(0))
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Verifier{
		resolver:      resolver,
		guard:         guard,
		maxHeaderSize: opts.MaxHeaderSize,
		sem:           semaphore.NewWeighted(opts.MaxConcurrent),
		logger:        opts.Logger,
	}, nil
}

// Verify authenticates a request with the given method and path and returns
// the caller's DID. Steps run in a fixed order and the first failure wins:
//
//  1. parse the header                 ErrMalformedHeader
//  2. resolve the identity document    ErrUnknownIdentity
//  3. locate the verification method   ErrUnknownVerificationMethod
//  4. check the signature              ErrSignatureInvalid
//  5. check freshness and the nonce    replay.ErrTimestampExpired, replay.ErrTimestampInFuture, replay.ErrNonceReplayed
//
// Step 5 records the nonce before Verify returns and is not interrupted by
// cancellation of ctx.
func (v *Verifier) Verify(ctx context.Context, header, method, path string) (string, error) {
	env, err := ParseHeader(header, v.maxHeaderSize)
	if err != nil {
		return "", err
	}
	ts, err := env.Time()
	if err != nil {
		return "", err
	}

	doc, err := v.resolver.Resolve(ctx, env.DID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnknownIdentity, env.DID, err)
	}
	if doc.ID != env.DID {
		return "", fmt.Errorf("%w: resolved document id %q differs from %q", ErrUnknownIdentity, doc.ID, env.DID)
	}

	methodID := methodURL(env.DID, env.VerificationMethod)
	if !strings.HasPrefix(methodID, env.DID+"#") {
		return "", fmt.Errorf("%w: %s does not belong to %s", ErrUnknownVerificationMethod, methodID, env.DID)
	}
	vm, ok := doc.Method(methodID)
	if !ok || !doc.Authenticates(methodID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownVerificationMethod, methodID)
	}
	suite, err := keys.Lookup(vm.Type)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownVerificationMethod, err)
	}
	pub, err := suite.PublicKeyFromMethod(vm)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownVerificationMethod, err)
	}

	msg, err := CanonicalString(method, path, env.DID, methodID, env.Nonce, env.Timestamp)
	if err != nil {
		return "", err
	}
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("wait for verification slot: %w", err)
	}
	valid := pub.Verify(msg, env.Signature)
	v.sem.Release(1)
	if !valid {
		return "", fmt.Errorf("%w: %s", ErrSignatureInvalid, methodID)
	}

	if err := v.guard.CheckAndRecord(context.WithoutCancel(ctx), env.DID, env.Nonce, ts, v.guard.Now()); err != nil {
		return "", err
	}
	return env.DID, nil
}
