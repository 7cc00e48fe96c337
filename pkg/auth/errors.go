package auth

import "errors"

// ErrTokenInvalid is returned for any signature, issuer, audience, or
// expiration failure during token validation.
var ErrTokenInvalid = errors.New("auth: token invalid")

// ErrSessionExpired is returned when a session cookie's auth_timestamp
// is older than the configured max age.
var ErrSessionExpired = errors.New("auth: session expired")

// ErrKeyNotFound is returned by the JWKS cache when a key ID is absent
// even after a forced refresh.
var ErrKeyNotFound = errors.New("auth: signing key not found")

// ErrNoKeysAvailable is returned when a JWKS fetch has never once
// succeeded, so there is no stale set to fail back to.
var ErrNoKeysAvailable = errors.New("auth: no JWKS keys available")
