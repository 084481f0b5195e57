// Package keys implements the signature suites a verification method may use.
// A suite is selected by the verification method "type" of an identity document.
package keys

import (
	"errors"
	"fmt"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
)

var (
	// ErrUnsupportedSuite is returned for verification method types without a registered suite.
	ErrUnsupportedSuite = errors.New("unsupported verification method type")
	// ErrInvalidKey indicates malformed or mismatching key material.
	ErrInvalidKey = errors.New("invalid key material")
)

// Public key encodings a suite can write into a verification method.
const (
	EncodingJWK       = "jwk"
	EncodingMultibase = "multibase"
)

// PrivateKey signs canonical request strings.
type PrivateKey interface {
	Sign(msg []byte) ([]byte, error)
	Public() PublicKey
	MarshalPEM() ([]byte, error)
}

// PublicKey verifies signatures produced by the matching PrivateKey.
type PublicKey interface {
	Verify(msg, sig []byte) bool
	Equal(other PublicKey) bool
}

// Suite bundles key generation, persistence and verification method encoding
// for one verification method type.
type Suite interface {
	Type() string
	Generate() (PrivateKey, error)
	ParsePrivateKeyPEM(data []byte) (PrivateKey, error)
	Method(pub PublicKey, id, controller, encoding string) (model.VerificationMethod, error)
	PublicKeyFromMethod(vm model.VerificationMethod) (PublicKey, error)
}

var suites = map[string]Suite{
	TypeSecp256k1: Secp256k1,
}

// Lookup returns the suite registered for a verification method type.
func Lookup(methodType string) (Suite, error) {
	s, ok := suites[methodType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSuite, methodType)
	}
	return s, nil
}
