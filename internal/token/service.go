// Package token issues and validates the short-lived bearer tokens handed out
// after a successful DID-WBA verification. Tokens are RS256 JWTs whose subject
// is the authenticated DID.
package token

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-jose/go-jose/v4"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenSignatureInvalid = errors.New("token signature invalid")
)

const signingAlgorithm = "RS256"

// Options configures a Service.
type Options struct {
	Issuer string
	TTL    time.Duration
	Clock  clock.Clock
}

// Token is an issued access token.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Service signs and checks access tokens with one RSA key pair.
type Service struct {
	priv   *rsa.PrivateKey
	pub    *rsa.PublicKey
	kid    string
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

// NewService returns a Service. pub may be nil, in which case the public half of priv is used.
func NewService(priv *rsa.PrivateKey, pub *rsa.PublicKey, opts Options) (*Service, error) {
	if priv == nil {
		return nil, errors.New("jwt private key is required")
	}
	if pub == nil {
		pub = &priv.PublicKey
	}
	if !priv.PublicKey.Equal(pub) {
		return nil, errors.New("jwt public key does not match private key")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("token ttl must be > 0")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	thumb, err := (&jose.JSONWebKey{Key: pub}).Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("jwk thumbprint: %w", err)
	}
	return &Service{
		priv:   priv,
		pub:    pub,
		kid:    base64.RawURLEncoding.EncodeToString(thumb),
		issuer: opts.Issuer,
		ttl:    opts.TTL,
		clock:  opts.Clock,
	}, nil
}

// Issue returns a token for did valid for the configured TTL.
func (s *Service) Issue(did string) (Token, error) {
	if did == "" {
		return Token{}, errors.New("token subject is required")
	}
	now := s.clock.Now().UTC().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := jwtlib.RegisteredClaims{
		Subject:   did,
		Issuer:    s.issuer,
		IssuedAt:  jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.priv)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Validate checks signature, issuer and expiry of raw and returns its subject.
// Expired tokens yield ErrTokenExpired; every other defect yields ErrTokenSignatureInvalid.
func (s *Service) Validate(raw string) (string, error) {
	claims := &jwtlib.RegisteredClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(t *jwtlib.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != "" && kid != s.kid {
			return nil, fmt.Errorf("unknown kid %q", kid)
		}
		return s.pub, nil
	},
		jwtlib.WithValidMethods([]string{signingAlgorithm}),
		jwtlib.WithTimeFunc(s.clock.Now),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithIssuedAt(),
		jwtlib.WithIssuer(s.issuer),
	)
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return "", fmt.Errorf("%w: %v", ErrTokenSignatureInvalid, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrTokenSignatureInvalid)
	}
	// tokens outliving the configured lifetime were not issued by this configuration
	if claims.IssuedAt == nil || claims.ExpiresAt.Sub(claims.IssuedAt.Time) > s.ttl {
		return "", fmt.Errorf("%w: lifetime exceeds %s", ErrTokenSignatureInvalid, s.ttl)
	}
	return claims.Subject, nil
}

// JWKS returns the public key set verifiers can use to check issued tokens.
func (s *Service) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       s.pub,
		KeyID:     s.kid,
		Algorithm: signingAlgorithm,
		Use:       "sig",
	}}}
}
