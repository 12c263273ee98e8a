package devserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jmcleod/warden/internal/clock"
)

// loginThrottle tracks failed sign-ins per account and enforces exponential
// backoff. It sits behind the client-side limiter, so its threshold is
// higher than the client's.
type loginThrottle struct {
	mu       sync.Mutex
	clock    clock.Clock
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	maxFailures   = 10
	baseLockout   = time.Minute
	maxLockout    = 15 * time.Minute
	attemptExpiry = time.Hour
)

func newLoginThrottle(clk clock.Clock) *loginThrottle {
	return &loginThrottle{clock: clk, attempts: make(map[string]*attemptRecord)}
}

// check reports whether account is locked and for how long.
func (t *loginThrottle) check(account string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[account]
	if !ok {
		return false, 0
	}
	now := t.clock.Now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(t.attempts, account)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// failure counts a rejected sign-in. From maxFailures on, each failure
// doubles the lockout up to maxLockout.
func (t *loginThrottle) failure(account string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[account]
	if !ok {
		rec = &attemptRecord{}
		t.attempts[account] = rec
	}
	rec.failures++
	rec.lastFailure = t.clock.Now()

	if rec.failures >= maxFailures {
		lockout := baseLockout
		for i := 0; i < rec.failures-maxFailures; i++ {
			lockout *= 2
			if lockout > maxLockout {
				lockout = maxLockout
				break
			}
		}
		rec.lockedUntil = rec.lastFailure.Add(lockout)
	}
}

func (t *loginThrottle) success(account string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, account)
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "too many failed sign-in attempts; try again later")
}
