package wba

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/keys"
	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
)

const nonceBytes = 16

// Signer produces DIDWba Authorization headers for one identity.
type Signer struct {
	did      string
	methodID string // absolute, part of the canonical string
	fragment string // transmitted in the header
	key      keys.PrivateKey
	clock    clock.Clock
	rand     io.Reader
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerClock sets the clock used for request timestamps.
func WithSignerClock(c clock.Clock) SignerOption {
	return func(s *Signer) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRandom sets the source of nonce randomness.
func WithRandom(r io.Reader) SignerOption {
	return func(s *Signer) {
		if r != nil {
			s.rand = r
		}
	}
}

// NewSigner binds key to the verification method methodRef of doc. The key
// must match the public key the document publishes for that method.
func NewSigner(doc model.DIDDocument, methodRef string, key keys.PrivateKey, opts ...SignerOption) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no private key", ErrSigning)
	}
	vm, ok := doc.Method(methodRef)
	if !ok {
		return nil, fmt.Errorf("%w: document %s has no method %q", ErrSigning, doc.ID, methodRef)
	}
	suite, err := keys.Lookup(vm.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	pub, err := suite.PublicKeyFromMethod(vm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	if !pub.Equal(key.Public()) {
		return nil, fmt.Errorf("%w: private key does not match %s", ErrSigning, vm.ID)
	}

	methodID := doc.AbsoluteID(vm.ID)
	s := &Signer{
		did:      doc.ID,
		methodID: methodID,
		fragment: methodID[strings.LastIndexByte(methodID, '#')+1:],
		key:      key,
		clock:    clock.New(),
		rand:     rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DID returns the identity the signer speaks for.
func (s *Signer) DID() string {
	return s.did
}

// BuildHeader signs a request for method and path with a fresh nonce and the
// current time and returns the Authorization header value.
func (s *Signer) BuildHeader(method, path string) (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrSigning, err)
	}
	env := Envelope{
		DID:                s.did,
		VerificationMethod: s.fragment,
		Nonce:              hex.EncodeToString(buf),
		Timestamp:          s.clock.Now().UTC().Format(time.RFC3339),
	}

	msg, err := CanonicalString(method, path, env.DID, s.methodID, env.Nonce, env.Timestamp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	if env.Signature, err = s.key.Sign(msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return FormatHeader(env), nil
}
