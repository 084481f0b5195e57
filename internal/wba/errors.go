package wba

import "errors"

// Verification and signing failures. Callers match them with errors.Is;
// the wrapped message carries the detail meant for server-side logs only.
var (
	ErrMalformedHeader           = errors.New("malformed authorization header")
	ErrUnknownIdentity           = errors.New("unknown identity")
	ErrUnknownVerificationMethod = errors.New("unknown verification method")
	ErrSignatureInvalid          = errors.New("signature invalid")
	ErrSigning                   = errors.New("signing failed")
	ErrMissingCredentials        = errors.New("missing credentials")
)
