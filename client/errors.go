package client

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned for 401 responses. The unauthorized hook
	// has already run when a caller sees it.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned for 403 responses.
	ErrForbidden = errors.New("access denied")
	// ErrThrottled is returned for 429 responses.
	ErrThrottled = errors.New("too many requests")
	// ErrServer is returned for 5xx responses.
	ErrServer = errors.New("server error")
)

// APIError is a well-formed response whose envelope code is non-zero.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("api error %d", e.Code)
	}
	return fmt.Sprintf("api error %d: %s", e.Code, e.Msg)
}

// StatusError is a non-2xx response not covered by a sentinel.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}
