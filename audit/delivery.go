package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/warden/internal/clock"
)

const defaultRetryDelay = time.Second

// sender POSTs events to the backend audit endpoint with one retry on 5xx.
// Failures are logged and otherwise ignored.
type sender struct {
	url        string
	authHeader string
	client     *http.Client
	retryDelay time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

func newSender(url, authHeader string, client *http.Client) *sender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &sender{
		url:        url,
		authHeader: authHeader,
		client:     client,
		retryDelay: defaultRetryDelay,
		clock:      clock.Real(),
		logger:     slog.Default(),
	}
}

func (s *sender) send(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("audit delivery: marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-s.clock.After(s.retryDelay):
			case <-ctx.Done():
				s.logger.Warn("audit delivery: abandoned before retry", "error", ctx.Err())
				return
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			s.logger.Warn("audit delivery: request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if ev.UserAgent != "" {
			req.Header.Set("User-Agent", ev.UserAgent)
		}
		if s.authHeader != "" {
			if name, value, ok := strings.Cut(s.authHeader, ":"); ok {
				req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
			}
		}

		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Warn("audit delivery: request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			s.logger.Warn("audit delivery: server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			s.logger.Warn("audit delivery: rejected", "status", resp.StatusCode)
			return
		}
	}
}
