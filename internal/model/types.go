// Package model defines internal and external data shapes for the DID-WBA
// service. Document types are serialized as did.json; DTOs are the JSON
// payloads returned by HTTP handlers.
package model

import "strings"

// Default JSON-LD contexts of a did:wba identity document.
var DefaultContexts = []string{
	"https://www.w3.org/ns/did/v1",
	"https://w3id.org/security/suites/jws-2020/v1",
	"https://w3id.org/security/suites/secp256k1-2019/v1",
}

// DIDDocument is the public identity document. It is immutable once written.
type DIDDocument struct {
	Context            []string             `json:"@context"`
	ID                 string               `json:"id"`
	Controller         string               `json:"controller,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod"`
	Authentication     []string             `json:"authentication,omitempty"`
}

// VerificationMethod binds a public key to the document. Exactly one of
// PublicKeyJWK and PublicKeyMultibase is expected to be set.
type VerificationMethod struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyJWK       *JWK   `json:"publicKeyJwk,omitempty"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
}

// JWK is the subset of RFC 7517 needed for EC public keys.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Method returns the verification method with the given id. Relative ids
// ("key-1" or "#key-1") are resolved against the document id.
func (d DIDDocument) Method(id string) (VerificationMethod, bool) {
	full := d.AbsoluteID(id)
	for _, vm := range d.VerificationMethod {
		if d.AbsoluteID(vm.ID) == full {
			return vm, true
		}
	}
	return VerificationMethod{}, false
}

// Authenticates reports whether the method id may be used for authentication.
// Documents without an authentication list allow every listed method.
func (d DIDDocument) Authenticates(id string) bool {
	if len(d.Authentication) == 0 {
		return true
	}
	full := d.AbsoluteID(id)
	for _, ref := range d.Authentication {
		if d.AbsoluteID(ref) == full {
			return true
		}
	}
	return false
}

// AbsoluteID expands a fragment reference to a full DID URL.
func (d DIDDocument) AbsoluteID(ref string) string {
	switch {
	case strings.HasPrefix(ref, "#"):
		return d.ID + ref
	case strings.HasPrefix(ref, "did:"):
		return ref
	default:
		return d.ID + "#" + ref
	}
}

// TokenResponseDTO is returned by the token issuing endpoint.
type TokenResponseDTO struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at"` // RFC3339
	DID         string `json:"did"`
}

// VerifyResponseDTO is returned by the token verification endpoint.
type VerifyResponseDTO struct {
	Verified bool   `json:"verified"`
	DID      string `json:"did"`
}

// StatusDTO is the payload of the root status endpoint.
type StatusDTO struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Mode    string `json:"mode"`
}

// AdDTO is the example business payload served behind authentication.
type AdDTO struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Keywords  []string `json:"keywords"`
	CreatedBy string   `json:"created_by"`
	CreatedAt string   `json:"created_at"`
}
