package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLocked is matched by *LockedError.
	ErrLocked = errors.New("account temporarily locked")
	// ErrInvalidCredentials is returned when the backend rejects a sign-in.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSignInFailed is returned when a sign-in could not be completed for a
	// reason other than rejected credentials.
	ErrSignInFailed = errors.New("sign-in failed")
	ErrNotSignedIn  = errors.New("not signed in")
	// ErrSessionInvalid is returned when a restored session fails validation.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrUnexpected replaces a panic recovered at an entry point.
	ErrUnexpected = errors.New("unexpected error")
)

// LockedError reports a sign-in refused locally by the rate limiter.
type LockedError struct {
	Email     string
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	mins := int(e.Remaining.Round(time.Minute) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return fmt.Sprintf("too many failed attempts for %s; try again in %d minute(s)", e.Email, mins)
}

func (e *LockedError) Is(target error) bool { return target == ErrLocked }
