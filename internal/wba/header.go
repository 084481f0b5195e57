// Package wba implements the DID-WBA request signature scheme: the
// Authorization header codec, the canonical signing string, the client-side
// signer and the server-side verifier.
package wba

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scheme is the Authorization scheme of signed requests.
const Scheme = "DIDWba"

// DefaultMaxHeaderSize bounds the Authorization header accepted by ParseHeader.
const DefaultMaxHeaderSize = 2048

// Envelope is the parsed content of a DIDWba Authorization header.
// Timestamp keeps the transmitted text because the signature covers it verbatim.
type Envelope struct {
	DID                string
	VerificationMethod string
	Nonce              string
	Timestamp          string
	Signature          []byte
}

// Time parses Timestamp as RFC 3339 or as integer Unix seconds.
func (e Envelope) Time() (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseInt(e.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedHeader, e.Timestamp)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// FormatHeader renders the Authorization header value for e.
func FormatHeader(e Envelope) string {
	return fmt.Sprintf(`%s did="%s", nonce="%s", timestamp="%s", verification_method="%s", signature="%s"`,
		Scheme, e.DID, e.Nonce, e.Timestamp, e.VerificationMethod,
		base64.RawURLEncoding.EncodeToString(e.Signature))
}

// ParseHeader decodes a DIDWba Authorization header value. Values longer than
// maxSize bytes (DefaultMaxHeaderSize when maxSize <= 0) are rejected before parsing.
func ParseHeader(value string, maxSize int) (Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxHeaderSize
	}
	if len(value) > maxSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrMalformedHeader, len(value), maxSize)
	}
	scheme, rest, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return Envelope{}, fmt.Errorf("%w: expected %s scheme", ErrMalformedHeader, Scheme)
	}

	params, err := parseParams(rest)
	if err != nil {
		return Envelope{}, err
	}
	for _, name := range []string{"did", "nonce", "timestamp", "verification_method", "signature"} {
		if params[name] == "" {
			return Envelope{}, fmt.Errorf("%w: missing %s", ErrMalformedHeader, name)
		}
	}

	env := Envelope{
		DID:                params["did"],
		VerificationMethod: params["verification_method"],
		Nonce:              params["nonce"],
		Timestamp:          params["timestamp"],
	}
	if !strings.HasPrefix(env.DID, "did:") {
		return Envelope{}, fmt.Errorf("%w: did %q is not a DID", ErrMalformedHeader, env.DID)
	}
	if err := validateNonce(env.Nonce); err != nil {
		return Envelope{}, err
	}
	if _, err := env.Time(); err != nil {
		return Envelope{}, err
	}
	if env.Signature, err = decodeSignature(params["signature"]); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// parseParams reads a comma separated list of key="value" pairs. Values are
// taken verbatim up to the closing quote; escapes are not supported.
func parseParams(s string) (map[string]string, error) {
	params := make(map[string]string, 5)
	for {
		s = strings.TrimLeft(s, " ,\t")
		if s == "" {
			return params, nil
		}
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected key=value", ErrMalformedHeader)
		}
		key := strings.ToLower(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]
		if !strings.HasPrefix(s, `"`) {
			return nil, fmt.Errorf("%w: value of %s must be quoted", ErrMalformedHeader, key)
		}
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated value of %s", ErrMalformedHeader, key)
		}
		val := s[1 : end+1]
		if strings.ContainsAny(val, "\\\r\n\x00") {
			return nil, fmt.Errorf("%w: illegal character in %s", ErrMalformedHeader, key)
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("%w: duplicate %s", ErrMalformedHeader, key)
		}
		params[key] = val
		s = s[end+2:]
		if s != "" && s[0] != ',' && s[0] != ' ' {
			return nil, fmt.Errorf("%w: expected separator after %s", ErrMalformedHeader, key)
		}
	}
}

func validateNonce(nonce string) error {
	if len(nonce) < 8 || len(nonce) > 128 {
		return fmt.Errorf("%w: nonce length %d outside [8, 128]", ErrMalformedHeader, len(nonce))
	}
	for _, r := range nonce {
		if r <= ' ' || r > '~' {
			return fmt.Errorf("%w: nonce contains non-printable characters", ErrMalformedHeader)
		}
	}
	return nil
}

func decodeSignature(v string) ([]byte, error) {
	if sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "=")); err == nil {
		return sig, nil
	}
	sig, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not base64", ErrMalformedHeader)
	}
	return sig, nil
}
