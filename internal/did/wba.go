// Package did provides utilities for working with did:wba Decentralized Identifiers.
// A did:wba identifier names a web-hosted identity document:
//
//	did:wba:example.com%3A8800:wba:user:8d2f...  ->  https://example.com:8800/wba/user/8d2f.../did.json
//	did:wba:example.com                          ->  https://example.com/.well-known/did.json
package did

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Method prefix of every identifier handled by this package.
const Prefix = "did:wba:"

// ErrInvalidDID is returned for identifiers that are not well formed did:wba DIDs.
var ErrInvalidDID = errors.New("invalid did:wba identifier")

// ID is a parsed did:wba identifier.
type ID struct {
	Host string   // Domain name or IP, without port
	Port int      // 0 when the identifier has no port
	Path []string // Decoded path segments, possibly empty
}

// New builds a did:wba identifier from a host, an optional port (0 omits it)
// and path segments. The port separator is percent-encoded as the method requires.
func New(host string, port int, segments ...string) (string, error) {
	id := ID{Host: host, Port: port, Path: segments}
	if err := id.validate(); err != nil {
		return "", err
	}
	return id.String(), nil
}

// Parse decodes a did:wba identifier.
func Parse(raw string) (ID, error) {
	if !strings.HasPrefix(raw, Prefix) {
		return ID{}, fmt.Errorf("%w: missing %q prefix", ErrInvalidDID, Prefix)
	}
	// fragments and queries belong to DID URLs, not to the DID itself
	if strings.ContainsAny(raw, "#?/") {
		return ID{}, fmt.Errorf("%w: unexpected DID URL component", ErrInvalidDID)
	}
	parts := strings.Split(strings.TrimPrefix(raw, Prefix), ":")
	authority, err := url.PathUnescape(parts[0])
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}

	id := ID{Host: authority}
	if host, port, ok := strings.Cut(authority, ":"); ok {
		n, err := strconv.Atoi(port)
		if err != nil {
			return ID{}, fmt.Errorf("%w: bad port %q", ErrInvalidDID, port)
		}
		id.Host, id.Port = host, n
	}
	for _, seg := range parts[1:] {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return ID{}, fmt.Errorf("%w: %v", ErrInvalidDID, err)
		}
		id.Path = append(id.Path, decoded)
	}
	if err := id.validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// String renders the canonical identifier.
func (id ID) String() string {
	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString(url.PathEscape(id.Host))
	if id.Port != 0 {
		b.WriteString("%3A")
		b.WriteString(strconv.Itoa(id.Port))
	}
	for _, seg := range id.Path {
		b.WriteByte(':')
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

// Authority returns host[:port].
func (id ID) Authority() string {
	if id.Port == 0 {
		return id.Host
	}
	return id.Host + ":" + strconv.Itoa(id.Port)
}

// DocumentURL returns the location of the identity document for the given scheme.
func (id ID) DocumentURL(scheme string) string {
	u := url.URL{Scheme: scheme, Host: id.Authority()}
	if len(id.Path) == 0 {
		u.Path = "/.well-known/did.json"
	} else {
		u.Path = "/" + strings.Join(id.Path, "/") + "/did.json"
	}
	return u.String()
}

// Last returns the final path segment, which by convention names the principal.
func (id ID) Last() string {
	if len(id.Path) == 0 {
		return ""
	}
	return id.Path[len(id.Path)-1]
}

// HasPrefix reports whether the path starts with the given segments.
func (id ID) HasPrefix(segments []string) bool {
	if len(id.Path) < len(segments) {
		return false
	}
	for i, seg := range segments {
		if id.Path[i] != seg {
			return false
		}
	}
	return true
}

func (id ID) validate() error {
	if id.Host == "" || strings.ContainsAny(id.Host, "/:@?#%") {
		return fmt.Errorf("%w: bad host %q", ErrInvalidDID, id.Host)
	}
	if id.Port < 0 || id.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidDID, id.Port)
	}
	for _, seg := range id.Path {
		if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, "/\\") {
			return fmt.Errorf("%w: bad path segment %q", ErrInvalidDID, seg)
		}
	}
	return nil
}

// GenerateUniqueID produces a random 16 hex character principal name.
func GenerateUniqueID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
