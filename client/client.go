// Package client is the outbound request pipeline to the admin backend. It
// attaches the bearer and CSRF headers, records session activity, and maps
// error statuses onto notices and sentinel errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmcleod/warden/csrf"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 1 << 20

// Endpoint paths, relative to the base URL.
const (
	PathSignIn    = "/auth/login"
	PathRefresh   = "/auth/refresh"
	PathSignOut   = "/auth/logout"
	PathAdminInfo = "/admin/info"
)

// TokenSource supplies the bearer token.
type TokenSource interface {
	GetToken() (string, bool)
}

// CSRFSource supplies the anti-forgery token.
type CSRFSource interface {
	GetToken() (string, error)
}

// ActivityRecorder is told about every outbound request.
type ActivityRecorder interface {
	UpdateActivity()
}

// NoticeLevel grades a user-facing notice.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarning
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeWarning:
		return "warning"
	case NoticeError:
		return "error"
	default:
		return "info"
	}
}

// Notifier surfaces messages to the user.
type Notifier interface {
	Notify(level NoticeLevel, message string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(level NoticeLevel, message string)

func (f NotifierFunc) Notify(level NoticeLevel, message string) { f(level, message) }

// Client talks to the admin backend.
type Client struct {
	baseURL        *url.URL
	http           *http.Client
	tokens         TokenSource
	csrf           CSRFSource
	activity       ActivityRecorder
	limiter        *rate.Limiter
	onUnauthorized func()
	notifier       Notifier
	userAgent      string
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Pass the client holding the cookie
// jar when cookie storage is in use.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithCSRF(src CSRFSource) Option {
	return func(cl *Client) { cl.csrf = src }
}

func WithActivityRecorder(r ActivityRecorder) Option {
	return func(cl *Client) { cl.activity = r }
}

// WithRateLimit throttles outbound requests to rps with the given burst.
// A non-positive rps disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = nil
			return
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

func WithNotifier(n Notifier) Option {
	return func(cl *Client) { cl.notifier = n }
}

func WithUserAgent(ua string) Option {
	return func(cl *Client) { cl.userAgent = ua }
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	c := &Client{baseURL: u, tokens: tokens}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "client")
	return c, nil
}

// OnUnauthorized installs the hook run on every 401 response. It replaces
// any previous hook.
func (c *Client) OnUnauthorized(fn func()) { c.onUnauthorized = fn }

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string { return c.baseURL.String() }

// Do sends a JSON request and decodes the envelope's data into out, which
// may be nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokens != nil {
		if tok, ok := c.tokens.GetToken(); ok {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	if c.csrf != nil && csrf.RequiresToken(method) {
		tok, err := c.csrf.GetToken()
		if err != nil {
			c.logger.Warn("csrf token unavailable", "error", err)
		} else {
			req.Header.Set(csrf.HeaderName, tok)
		}
	}
	if c.activity != nil {
		c.activity.UpdateActivity()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if err := c.checkStatus(method, path, resp.StatusCode); err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding response data: %w", err)
		}
	}
	return nil
}

func (c *Client) checkStatus(method, path string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		c.logger.Warn("request unauthorized", "method", method, "path", path)
		if c.onUnauthorized != nil {
			c.onUnauthorized()
		}
		return ErrUnauthorized
	case status == http.StatusForbidden:
		c.notify(NoticeError, "Access denied.")
		return ErrForbidden
	case status == http.StatusTooManyRequests:
		c.notify(NoticeWarning, "Too many requests. Please slow down.")
		return ErrThrottled
	case status >= 500:
		c.logger.Warn("server error", "method", method, "path", path, "status", status)
		c.notify(NoticeError, "The server encountered an error. Please try again later.")
		return fmt.Errorf("%w: status %d", ErrServer, status)
	default:
		return &StatusError{Status: status}
	}
}

func (c *Client) notify(level NoticeLevel, msg string) {
	if c.notifier != nil {
		c.notifier.Notify(level, msg)
	}
}

// SignIn exchanges credentials for a bearer token.
func (c *Client) SignIn(ctx context.Context, req SignInRequest) (TokenData, error) {
	var out TokenData
	if err := c.Do(ctx, http.MethodPost, PathSignIn, req, &out); err != nil {
		return TokenData{}, err
	}
	if out.Token == "" {
		return TokenData{}, errors.New("sign-in response carried no token")
	}
	return out, nil
}

// Refresh exchanges the current bearer token for a new one.
func (c *Client) Refresh(ctx context.Context) (TokenData, error) {
	var out TokenData
	if err := c.Do(ctx, http.MethodPost, PathRefresh, struct{}{}, &out); err != nil {
		return TokenData{}, err
	}
	if out.Token == "" {
		return TokenData{}, errors.New("refresh response carried no token")
	}
	return out, nil
}

// SignOut revokes the current bearer token on the backend.
func (c *Client) SignOut(ctx context.Context) error {
	return c.Do(ctx, http.MethodPost, PathSignOut, struct{}{}, nil)
}

// AdminInfo returns the authenticated principal's profile.
func (c *Client) AdminInfo(ctx context.Context) (AdminInfo, error) {
	var out AdminInfo
	err := c.Do(ctx, http.MethodGet, PathAdminInfo, nil, &out)
	return out, err
}
