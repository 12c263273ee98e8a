// Package ratelimit throttles sign-in attempts per account on the client
// side, before the backend is contacted.
package ratelimit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jmcleod/warden/internal/clock"
	"github.com/jmcleod/warden/internal/util"
	"github.com/jmcleod/warden/storage"
)

const (
	// MaxAttempts is the number of failures within AttemptWindow that locks
	// an account.
	MaxAttempts = 5
	// AttemptWindow bounds how far apart failures may be and still compound.
	AttemptWindow = 5 * time.Minute
	// LockoutDuration is measured from the first failure of the window.
	LockoutDuration = 15 * time.Minute

	storageKey = "warden_login_attempts"
)

// Attempt is the persisted failure counter for one account.
type Attempt struct {
	Email     string    `json:"email"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

// Limiter tracks failed sign-in attempts. Records are keyed by the folded
// email address so that "A@x.com" and "a@x.com" share a counter.
type Limiter struct {
	kv    storage.KV
	clock clock.Clock
	mu    sync.Mutex
}

// New returns a Limiter persisting to kv. A nil clock uses wall-clock time.
func New(kv storage.KV, clk clock.Clock) *Limiter {
	return &Limiter{kv: kv, clock: clock.OrReal(clk)}
}

func (l *Limiter) load() []Attempt {
	raw, ok := l.kv.Get(storageKey)
	if !ok {
		return nil
	}
	var attempts []Attempt
	if err := json.Unmarshal([]byte(raw), &attempts); err != nil {
		return nil
	}
	return attempts
}

// save purges records older than the lockout duration before writing.
func (l *Limiter) save(attempts []Attempt) {
	now := l.clock.Now()
	kept := attempts[:0]
	for _, a := range attempts {
		if now.Sub(a.Timestamp) < LockoutDuration {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		l.kv.Remove(storageKey)
		return
	}
	data, err := json.Marshal(kept)
	if err != nil {
		return
	}
	l.kv.Set(storageKey, string(data), 0)
}

func find(attempts []Attempt, key string) int {
	for i, a := range attempts {
		if a.Email == key {
			return i
		}
	}
	return -1
}

// RecordAttempt counts one failed sign-in for email. A record whose window
// has elapsed restarts at one.
func (l *Limiter) RecordAttempt(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := util.FoldEmail(email)
	now := l.clock.Now()
	attempts := l.load()
	if i := find(attempts, key); i >= 0 {
		if now.Sub(attempts[i].Timestamp) > AttemptWindow {
			attempts[i].Count = 1
			attempts[i].Timestamp = now
		} else {
			attempts[i].Count++
		}
	} else {
		attempts = append(attempts, Attempt{Email: key, Timestamp: now, Count: 1})
	}
	l.save(attempts)
}

// IsLocked reports whether email has reached MaxAttempts and the lockout has
// not yet elapsed. An elapsed lockout clears the record.
func (l *Limiter) IsLocked(email string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, locked := l.lockedLocked(util.FoldEmail(email))
	return locked
}

func (l *Limiter) lockedLocked(key string) (time.Duration, bool) {
	attempts := l.load()
	i := find(attempts, key)
	if i < 0 || attempts[i].Count < MaxAttempts {
		return 0, false
	}
	elapsed := l.clock.Now().Sub(attempts[i].Timestamp)
	if elapsed >= LockoutDuration {
		l.save(append(attempts[:i], attempts[i+1:]...))
		return 0, false
	}
	return LockoutDuration - elapsed, true
}

// GetRemainingAttempts returns how many more failures email may have before
// it is locked.
func (l *Limiter) GetRemainingAttempts(email string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := util.FoldEmail(email)
	attempts := l.load()
	i := find(attempts, key)
	if i < 0 {
		return MaxAttempts
	}
	elapsed := l.clock.Now().Sub(attempts[i].Timestamp)
	if elapsed >= LockoutDuration || (elapsed > AttemptWindow && attempts[i].Count < MaxAttempts) {
		return MaxAttempts
	}
	return max(MaxAttempts-attempts[i].Count, 0)
}

// GetRemainingLockoutTime returns the time until email is unlocked, or zero
// when it is not locked.
func (l *Limiter) GetRemainingLockoutTime(email string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, _ := l.lockedLocked(util.FoldEmail(email))
	return d
}

// ClearAttempts removes the record for email.
func (l *Limiter) ClearAttempts(email string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := util.FoldEmail(email)
	attempts := l.load()
	if i := find(attempts, key); i >= 0 {
		attempts = append(attempts[:i], attempts[i+1:]...)
	}
	l.save(attempts)
}
