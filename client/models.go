package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelope is the response wrapper used by every endpoint. Code zero means
// success.
type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data,omitempty"`
	Msg  string          `json:"msg,omitempty"`
}

// SignInRequest is the body of the sign-in call.
type SignInRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token,omitempty"`
	Fingerprint  string `json:"device_fingerprint,omitempty"`
	RememberMe   bool   `json:"remember_me,omitempty"`
}

// TokenData is returned by sign-in and refresh.
type TokenData struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// Expiry parses ExpiresAt. An empty value yields the zero time.
func (t TokenData) Expiry() (time.Time, error) {
	if t.ExpiresAt == "" {
		return time.Time{}, nil
	}
	exp, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing token expiry %q: %w", t.ExpiresAt, err)
	}
	return exp, nil
}

// AdminInfo is the profile of the authenticated principal.
type AdminInfo struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Name  string   `json:"name,omitempty"`
	Roles []string `json:"roles,omitempty"`
}
