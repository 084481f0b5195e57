package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/model"
)

const (
	// TypeSecp256k1 is the verification method type of the secp256k1 suite.
	TypeSecp256k1 = "EcdsaSecp256k1VerificationKey2019"

	pemTypeSecp256k1 = "SECP256K1 PRIVATE KEY"
	signatureSize    = 64
)

// multicodec prefix of a secp256k1 public key (0xe7, varint encoded)
var multicodecSecp256k1 = []byte{0xe7, 0x01}

// Secp256k1 signs with ECDSA over secp256k1 and SHA-256. Signatures are the
// 64-byte concatenation R || S.
var Secp256k1 Suite = secp256k1Suite{}

type secp256k1Suite struct{}

type secp256k1PrivateKey struct {
	key *secp256k1.PrivateKey
}

type secp256k1PublicKey struct {
	key *secp256k1.PublicKey
}

func (secp256k1Suite) Type() string { return TypeSecp256k1 }

func (secp256k1Suite) Generate() (PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return secp256k1PrivateKey{key: key}, nil
}

// ParsePrivateKeyPEM reads the 32-byte scalar stored by MarshalPEM.
func (secp256k1Suite) ParsePrivateKeyPEM(data []byte) (PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemTypeSecp256k1 {
		return nil, fmt.Errorf("%w: expected %s PEM block", ErrInvalidKey, pemTypeSecp256k1)
	}
	if len(block.Bytes) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidKey, secp256k1.PrivKeyBytesLen)
	}
	key := secp256k1.PrivKeyFromBytes(block.Bytes)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero private key", ErrInvalidKey)
	}
	return secp256k1PrivateKey{key: key}, nil
}

func (s secp256k1Suite) Method(pub PublicKey, id, controller, encoding string) (model.VerificationMethod, error) {
	pk, ok := pub.(secp256k1PublicKey)
	if !ok {
		return model.VerificationMethod{}, fmt.Errorf("%w: not a secp256k1 public key", ErrInvalidKey)
	}
	vm := model.VerificationMethod{ID: id, Type: s.Type(), Controller: controller}
	switch encoding {
	case EncodingJWK, "":
		raw := pk.key.SerializeUncompressed()
		vm.PublicKeyJWK = &model.JWK{
			Kty: "EC",
			Crv: "secp256k1",
			X:   base64.RawURLEncoding.EncodeToString(raw[1:33]),
			Y:   base64.RawURLEncoding.EncodeToString(raw[33:65]),
		}
	case EncodingMultibase:
		vm.PublicKeyMultibase = "z" + base58.Encode(append(append([]byte{}, multicodecSecp256k1...), pk.key.SerializeCompressed()...))
	default:
		return model.VerificationMethod{}, fmt.Errorf("unknown public key encoding %q", encoding)
	}
	return vm, nil
}

// PublicKeyFromMethod accepts publicKeyJwk (kty EC, crv secp256k1) or a
// base58btc publicKeyMultibase value with or without the multicodec prefix.
func (secp256k1Suite) PublicKeyFromMethod(vm model.VerificationMethod) (PublicKey, error) {
	var raw []byte
	switch {
	case vm.PublicKeyJWK != nil:
		jwk := vm.PublicKeyJWK
		if jwk.Kty != "EC" || !strings.EqualFold(jwk.Crv, "secp256k1") {
			return nil, fmt.Errorf("%w: unexpected jwk kty=%q crv=%q", ErrInvalidKey, jwk.Kty, jwk.Crv)
		}
		x, err := decodeCoordinate(jwk.X)
		if err != nil {
			return nil, err
		}
		y, err := decodeCoordinate(jwk.Y)
		if err != nil {
			return nil, err
		}
		raw = append(append([]byte{0x04}, x...), y...)
	case vm.PublicKeyMultibase != "":
		decoded, err := decodeMultibase(vm.PublicKeyMultibase)
		if err != nil {
			return nil, err
		}
		raw = bytes.TrimPrefix(decoded, multicodecSecp256k1)
	default:
		return nil, fmt.Errorf("%w: verification method %q carries no public key", ErrInvalidKey, vm.ID)
	}

	key, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return secp256k1PublicKey{key: key}, nil
}

func (k secp256k1PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(k.key, digest[:])
	r, s := sig.R(), sig.S()
	rb, sb := r.Bytes(), s.Bytes()
	out := make([]byte, 0, signatureSize)
	out = append(out, rb[:]...)
	return append(out, sb[:]...), nil
}

func (k secp256k1PrivateKey) Public() PublicKey {
	return secp256k1PublicKey{key: k.key.PubKey()}
}

func (k secp256k1PrivateKey) MarshalPEM() ([]byte, error) {
	return pem.EncodeToMemory(&pem.Block{Type: pemTypeSecp256k1, Bytes: k.key.Serialize()}), nil
}

// Verify accepts R || S signatures and, for interoperability, DER encoded ones.
func (k secp256k1PublicKey) Verify(msg, sig []byte) bool {
	var parsed *ecdsa.Signature
	if len(sig) == signatureSize {
		var r, s secp256k1.ModNScalar
		if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:]) || r.IsZero() || s.IsZero() {
			return false
		}
		parsed = ecdsa.NewSignature(&r, &s)
	} else {
		der, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		parsed = der
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], k.key)
}

func (k secp256k1PublicKey) Equal(other PublicKey) bool {
	o, ok := other.(secp256k1PublicKey)
	return ok && k.key.IsEqual(o.key)
}

func decodeCoordinate(v string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: jwk coordinate: %v", ErrInvalidKey, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: jwk coordinate must be 32 bytes, got %d", ErrInvalidKey, len(b))
	}
	return b, nil
}

func decodeMultibase(value string) ([]byte, error) {
	if !strings.HasPrefix(value, "z") {
		return nil, fmt.Errorf("%w: unsupported multibase prefix", ErrInvalidKey)
	}
	b, err := base58.Decode(value[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return b, nil
}
