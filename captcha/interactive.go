package captcha

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/warden/internal/clock"
)

const (
	// DefaultScriptURL is the challenge script fetched by Load.
	DefaultScriptURL = "https://challenges.cloudflare.com/turnstile/v0/api.js"
	// ExecuteTimeout bounds how long Execute waits for a proof.
	ExecuteTimeout = 30 * time.Second
)

// Interactive drives an interaction-only challenge widget. The widget reports
// its proof asynchronously through Deliver; Execute waits for it.
type Interactive struct {
	siteKey   string
	scriptURL string
	client    *http.Client
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	loaded   bool
	widgetID string
	tokens   chan string
}

// NewInteractive returns a provider for siteKey.
func NewInteractive(siteKey string, opts Options) *Interactive {
	p := &Interactive{
		siteKey:   siteKey,
		scriptURL: opts.ScriptURL,
		client:    opts.HTTPClient,
		clock:     clock.Real(),
		logger:    opts.Logger,
		tokens:    make(chan string, 1),
	}
	if p.scriptURL == "" {
		p.scriptURL = DefaultScriptURL
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: 10 * time.Second}
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	p.logger = p.logger.With("component", "captcha")
	return p
}

// SetClock replaces the clock used for the execute timeout.
func (p *Interactive) SetClock(clk clock.Clock) { p.clock = clock.OrReal(clk) }

// SiteKey returns the configured site key.
func (p *Interactive) SiteKey() string { return p.siteKey }

// Load fetches the challenge script once.
func (p *Interactive) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.scriptURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotLoaded, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotLoaded, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: script returned status %d", ErrNotLoaded, resp.StatusCode)
	}
	p.loaded = true
	p.logger.Debug("challenge script loaded", "url", p.scriptURL)
	return nil
}

// Render mounts the invisible widget, loading the script first if needed.
func (p *Interactive) Render(ctx context.Context, container string) error {
	if err := p.Load(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.widgetID != "" {
		return nil
	}
	p.widgetID = uuid.NewString()
	p.logger.Debug("challenge widget rendered", "widget", p.widgetID, "container", container)
	return nil
}

// WidgetID returns the mounted widget, or "" before Render.
func (p *Interactive) WidgetID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.widgetID
}

// Prompt describes the challenge to complete.
func (p *Interactive) Prompt() string {
	return fmt.Sprintf("complete the challenge for site key %s (widget %s)", p.siteKey, p.WidgetID())
}

// Deliver hands a proof from the widget to a pending or future Execute.
// A proof that arrives while another is still unclaimed replaces it.
func (p *Interactive) Deliver(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.tokens:
	default:
	}
	p.tokens <- token
}

// Execute returns an already delivered proof or waits for the next one,
// failing with ErrTimeout after ExecuteTimeout.
func (p *Interactive) Execute(ctx context.Context, action string) (string, error) {
	if err := p.Render(ctx, ""); err != nil {
		return "", err
	}
	p.mu.Lock()
	tokens := p.tokens
	p.mu.Unlock()

	select {
	case tok := <-tokens:
		return tok, nil
	default:
	}

	p.logger.Debug("waiting for challenge proof", "action", action)
	select {
	case tok := <-tokens:
		return tok, nil
	case <-p.clock.After(ExecuteTimeout):
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Interactive) IsLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Reset unmounts the widget, drops any unclaimed proof and forgets the
// loaded script.
func (p *Interactive) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	p.widgetID = ""
	p.tokens = make(chan string, 1)
}

func (p *Interactive) Kind() Kind { return KindInteractive }

var _ Deliverer = (*Interactive)(nil)
