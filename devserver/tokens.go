package devserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errRevoked = errors.New("token revoked")

type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// issue signs a token for u and returns it with its expiry.
func (s *Server) issue(u *user) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(s.tokenTTL)
	c := &claims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, exp, nil
}

// verify parses a bearer token and rejects expired or revoked tokens.
func (s *Server) verify(tokenString string) (*claims, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, revoked := s.revoked[c.ID]; revoked {
		return nil, errRevoked
	}
	return c, nil
}

// revoke blocks the token id until its natural expiry.
func (s *Server) revoke(c *claims) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
		}
	}
	s.revoked[c.ID] = c.ExpiresAt.Time
}
