// Package captcha abstracts the challenge provider consulted before every
// sign-in. An interactive provider talks to a real challenge service; the
// mock provider produces synthetic proofs for development.
package captcha

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// Kind selects a provider implementation.
type Kind int

const (
	KindMock Kind = iota
	KindInteractive
)

func (k Kind) String() string {
	switch k {
	case KindInteractive:
		return "interactive"
	default:
		return "mock"
	}
}

// MockSiteKey selects the mock provider when used as the site key.
const MockSiteKey = "mock"

var (
	// ErrTimeout is returned when no proof arrives within the execute timeout.
	ErrTimeout = errors.New("captcha timed out")
	// ErrNotLoaded is returned when the challenge mechanism could not be loaded.
	ErrNotLoaded = errors.New("captcha not loaded")
)

// Provider produces proof tokens for the sign-in endpoint.
type Provider interface {
	// Load fetches and activates the challenge mechanism. It is idempotent.
	Load(ctx context.Context) error
	// Render mounts the widget in container. It is idempotent.
	Render(ctx context.Context, container string) error
	// Execute returns a proof for action, rendering the widget first if needed.
	Execute(ctx context.Context, action string) (string, error)
	IsLoaded() bool
	// Reset tears the provider down so it can be loaded again.
	Reset()
	Kind() Kind
}

// Deliverer is implemented by providers whose proof is completed outside
// the process and handed back through Deliver. Prompt tells the user what to
// complete.
type Deliverer interface {
	Deliver(token string)
	Prompt() string
}

// KindFor reports which provider a site key selects.
func KindFor(siteKey string) Kind {
	siteKey = strings.TrimSpace(siteKey)
	if siteKey == "" || strings.EqualFold(siteKey, MockSiteKey) {
		return KindMock
	}
	return KindInteractive
}

// Options carries the dependencies shared by the provider implementations.
type Options struct {
	HTTPClient *http.Client
	ScriptURL  string
	Logger     *slog.Logger
}

// New builds the provider selected by siteKey.
func New(siteKey string, opts Options) Provider {
	if KindFor(siteKey) == KindMock {
		return NewMock(nil)
	}
	return NewInteractive(strings.TrimSpace(siteKey), opts)
}
