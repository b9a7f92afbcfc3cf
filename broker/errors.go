package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient covers network failures, 5xx responses and bodies that
	// cannot be interpreted. Callers leave state untouched and try next cycle.
	ErrTransient = errors.New("transient broker error")

	// ErrAuthExpired means the session token was refused.
	ErrAuthExpired = errors.New("broker session expired")

	// ErrHoldingsUnavailable aborts a placement batch: without holdings the
	// duplicate check cannot be trusted.
	ErrHoldingsUnavailable = errors.New("holdings unavailable")

	// ErrRejected is a definitive refusal of a request (4xx, status=false).
	ErrRejected = errors.New("broker rejected request")
)

// IsTransient reports whether err is worth retrying on a later cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrAuthExpired)
}

func transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}
