// Package devserver is a local stand-in for the admin backend. It implements
// the sign-in, refresh, sign-out, admin-info and audit endpoints the console
// client consumes, with JWT bearer tokens and bcrypt password hashes.
package devserver

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/internal/util"
)

//go:embed openapi.yaml
var openapiSpec []byte

const (
	// DefaultTokenTTL is the lifetime of issued bearer tokens.
	DefaultTokenTTL = time.Hour
	// maxAuditEvents caps the audit events kept in memory.
	maxAuditEvents = 1000
	bcryptCost     = bcrypt.DefaultCost
)

// Envelope codes.
const (
	CodeOK                 = 0
	CodeBadRequest         = 1000
	CodeInvalidCredentials = 1001
	CodeCaptchaRequired    = 1002
)

type user struct {
	ID           string
	Email        string
	Name         string
	Roles        []string
	PasswordHash []byte
}

// Server holds the dev backend state. It is safe for concurrent use.
type Server struct {
	secret         []byte
	tokenTTL       time.Duration
	requireCaptcha bool
	clock          clock.Clock
	logger         *slog.Logger

	throttle *loginThrottle

	mu      sync.Mutex
	users   map[string]*user
	revoked map[string]time.Time
	events  []map[string]any
}

// Option configures a Server.
type Option func(*Server) error

// WithUser registers an account. The password is stored as a bcrypt hash.
func WithUser(email, password, name string, roles ...string) Option {
	return func(s *Server) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
		if err != nil {
			return fmt.Errorf("hashing password for %s: %w", email, err)
		}
		key := util.FoldEmail(email)
		s.users[key] = &user{
			ID:           uuid.NewString(),
			Email:        strings.TrimSpace(email),
			Name:         name,
			Roles:        roles,
			PasswordHash: hash,
		}
		return nil
	}
}

// WithSecret sets the HMAC key tokens are signed with. It must be at least
// 32 bytes.
func WithSecret(secret []byte) Option {
	return func(s *Server) error {
		if len(secret) < 32 {
			return fmt.Errorf("jwt secret must be at least 32 bytes")
		}
		s.secret = secret
		return nil
	}
}

func WithTokenTTL(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("token ttl must be positive")
		}
		s.tokenTTL = d
		return nil
	}
}

// WithRequireCaptcha rejects sign-ins that carry no captcha proof.
func WithRequireCaptcha(require bool) Option {
	return func(s *Server) error {
		s.requireCaptcha = require
		return nil
	}
}

func WithClock(clk clock.Clock) Option {
	return func(s *Server) error {
		s.clock = clk
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// New returns a Server. Without WithSecret a random key is generated, so
// tokens do not survive a restart.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		tokenTTL: DefaultTokenTTL,
		users:    make(map[string]*user),
		revoked:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.secret == nil {
		secret, err := util.RandomBytes(32)
		if err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		s.secret = secret
	}
	s.clock = clock.OrReal(s.clock)
	s.throttle = newLoginThrottle(s.clock)
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "devserver")
	return s, nil
}

// Router returns a chi.Router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(securityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Post("/auth/login", s.Login)
	r.Post("/audit/events", s.RecordAuditEvent)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(csrfMiddleware)
		r.Post("/auth/refresh", s.Refresh)
		r.Post("/auth/logout", s.Logout)
		r.Get("/admin/info", s.AdminInfo)
		r.Get("/audit/events", s.ListAuditEvents)
	})
	return r
}

// AuditEvents returns a copy of the events received on /audit/events.
func (s *Server) AuditEvents() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.events))
	copy(out, s.events)
	return out
}
