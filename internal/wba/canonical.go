package wba

import (
	"fmt"
	"strings"
)

// CanonicalVersion prefixes every signing string. A change to the field list
// or order requires a new version.
const CanonicalVersion = "didwba-v1"

// CanonicalString returns the bytes covered by a request signature: the
// version, method, path, DID, absolute verification method id, nonce and
// timestamp, one per line in that order.
func CanonicalString(method, path, did, methodID, nonce, timestamp string) ([]byte, error) {
	fields := []string{CanonicalVersion, strings.ToUpper(method), path, did, methodID, nonce, timestamp}
	for _, f := range fields[1:] {
		if f == "" {
			return nil, fmt.Errorf("%w: empty canonical field", ErrMalformedHeader)
		}
		if strings.ContainsAny(f, "\r\n") {
			return nil, fmt.Errorf("%w: line break in canonical field", ErrMalformedHeader)
		}
	}
	return []byte(strings.Join(fields, "\n")), nil
}

// methodURL expands a fragment reference against did.
func methodURL(did, ref string) string {
	switch {
	case strings.HasPrefix(ref, "#"):
		return did + ref
	case strings.HasPrefix(ref, "did:"):
		return ref
	default:
		return did + "#" + ref
	}
}
