package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/warden/client"
	"github.com/jmcleod/warden/internal/util"
)

type envelope struct {
	Code int    `json:"code"`
	Data any    `json:"data,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Code: CodeOK, Data: data})
}

// writeFailure reports an application-level failure. The HTTP status stays
// 200 and the envelope code carries the error.
func writeFailure(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, http.StatusOK, envelope{Code: code, Msg: msg})
}

// Login handles POST /auth/login.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req client.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, CodeBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeFailure(w, CodeBadRequest, "email and password are required")
		return
	}
	if s.requireCaptcha && req.CaptchaToken == "" {
		writeFailure(w, CodeCaptchaRequired, "captcha verification required")
		return
	}

	account := util.FoldEmail(req.Email)
	if locked, retryAfter := s.throttle.check(account); locked {
		writeRateLimited(w, retryAfter)
		return
	}

	s.mu.Lock()
	u, ok := s.users[account]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)) != nil {
		s.throttle.failure(account)
		s.logger.Info("sign-in rejected", "email", req.Email)
		writeFailure(w, CodeInvalidCredentials, "invalid email or password")
		return
	}
	s.throttle.success(account)

	tok, exp, err := s.issue(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("sign-in accepted", "email", u.Email, "has_fingerprint", req.Fingerprint != "")
	writeOK(w, client.TokenData{Token: tok, ExpiresAt: exp.UTC().Format(time.RFC3339)})
}

// Refresh handles POST /auth/refresh. The presented token is revoked and a
// new one issued.
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	s.mu.Lock()
	u, ok := s.users[util.FoldEmail(c.Email)]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "account no longer exists")
		return
	}
	tok, exp, err := s.issue(u)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.revoke(c)
	writeOK(w, client.TokenData{Token: tok, ExpiresAt: exp.UTC().Format(time.RFC3339)})
}

// Logout handles POST /auth/logout.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	s.revoke(c)
	s.logger.Info("token revoked", "email", c.Email)
	writeOK(w, nil)
}

// AdminInfo handles GET /admin/info.
func (s *Server) AdminInfo(w http.ResponseWriter, r *http.Request) {
	c := claimsFrom(r.Context())
	s.mu.Lock()
	u, ok := s.users[util.FoldEmail(c.Email)]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusUnauthorized, "account no longer exists")
		return
	}
	writeOK(w, client.AdminInfo{ID: u.ID, Email: u.Email, Name: u.Name, Roles: u.Roles})
}

// RecordAuditEvent handles POST /audit/events. Events are accepted without
// authentication because sign-in attempts are audited before a token
// exists.
func (s *Server) RecordAuditEvent(w http.ResponseWriter, r *http.Request) {
	var ev map[string]any
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed audit event")
		return
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	if len(s.events) > maxAuditEvents {
		s.events = s.events[len(s.events)-maxAuditEvents:]
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusAccepted, envelope{Code: CodeOK})
}

// ListAuditEvents handles GET /audit/events.
func (s *Server) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.AuditEvents())
}
