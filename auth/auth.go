// Package auth turns inbound credentials into stable user-context
// identifiers. Validation itself is delegated to the assistant backend; this
// layer only normalizes credential shapes, derives deterministic identifiers,
// and caches positive results briefly.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthenticated indicates the credential was missing, malformed, or
// rejected by the backend.
var ErrUnauthenticated = errors.New("unauthenticated")

// Validator resolves a credential to a stable user context. Implementations
// must never cache negative results and must never include full credential
// values in errors or logs.
type Validator interface {
	Validate(ctx context.Context, credential, serverURL string) (userContext string, err error)
}
