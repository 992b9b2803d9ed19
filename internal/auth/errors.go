package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAssertion rejects a malformed, expired or foreign external identity token.
	ErrInvalidAssertion = errors.New("auth: invalid identity assertion")
	// ErrUnauthenticated covers bad signatures, expired or revoked credentials and missing records.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	ErrForbidden       = errors.New("auth: forbidden")
	ErrConflict        = errors.New("auth: conflict")
	ErrNotFound        = errors.New("auth: not found")
	ErrBadRequest      = errors.New("auth: bad request")
	// ErrAccountLinkingRequired means the asserted email belongs to an account that has not linked
	// the asserting provider. The caller has to link it explicitly while authenticated.
	ErrAccountLinkingRequired = errors.New("auth: account linking required")
	// ErrUnavailable marks transient store or network failures.
	ErrUnavailable = errors.New("auth: temporarily unavailable")
)

// ErrRefreshReuse is returned when a refresh token that was already rotated away is presented
// again. It wraps ErrUnauthenticated.
var ErrRefreshReuse = fmt.Errorf("%w: refresh token reuse detected", ErrUnauthenticated)

// IsTransient reports whether err is worth retrying at an idempotent call site.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
