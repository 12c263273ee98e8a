package auth

import (
	"context"

	"github.com/jmcleod/warden/client"
	"github.com/jmcleod/warden/internal/clock"
)

// startTimers replaces any running timers with a fresh refresh and session
// timer pair.
func (m *Model) startTimers() {
	m.stopTimers()

	ctx, cancel := context.WithCancel(context.Background())
	refresh := m.clock.NewTicker(RefreshInterval)
	check := m.clock.NewTicker(SessionCheckInterval)

	m.timerMu.Lock()
	m.cancelTimers = cancel
	m.timerMu.Unlock()

	m.wg.Add(2)
	go m.runTicker(ctx, refresh, m.onRefreshTick)
	go m.runTicker(ctx, check, m.onSessionTick)
}

// stopTimers cancels the running timers without waiting for them, so it is
// safe to call from a timer goroutine.
func (m *Model) stopTimers() {
	m.timerMu.Lock()
	cancel := m.cancelTimers
	m.cancelTimers = nil
	m.timerMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Model) runTicker(ctx context.Context, t clock.Ticker, fn func(context.Context)) {
	defer m.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}
}

// onRefreshTick refreshes a token that is about to expire. A tick that
// arrives while a refresh is in flight is skipped.
func (m *Model) onRefreshTick(ctx context.Context) {
	if !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	if !m.deps.Tokens.NeedsRefresh(RefreshWindow) {
		m.refreshing.Store(false)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.refreshing.Store(false)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("unexpected failure", "op", "timer-refresh", "panic", r)
			}
		}()

		// The request is not cancelled mid-flight when the timers stop.
		rctx := context.WithoutCancel(ctx)
		if _, err := m.refresh(rctx); err != nil && !m.deps.Tokens.RememberMe() {
			if ctx.Err() != nil {
				return
			}
			m.signOut(rctx, false)
			m.notify(client.NoticeWarning, "Your session could not be renewed. Please sign in again.")
			if m.deps.Navigator != nil {
				m.deps.Navigator.RedirectToLogin()
			}
		}
	}()
}

// onSessionTick enforces the absolute timeout and raises the warning.
func (m *Model) onSessionTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("unexpected failure", "op", "session-check", "panic", r)
		}
	}()

	start, ok := m.deps.Tokens.SessionStart()
	if !ok {
		return
	}
	elapsed := m.clock.Now().Sub(start)
	switch {
	case elapsed >= SessionTimeout:
		m.deps.Audit.LogSessionTimeout(ctx, m.deps.Tokens.Email())
		m.signOut(context.WithoutCancel(ctx), true)
		m.notify(client.NoticeWarning, "Your session timed out. Please sign in again.")
		if m.deps.Navigator != nil {
			m.deps.Navigator.RedirectToLogin()
		}
	case elapsed >= SessionTimeout-WarningBefore:
		remaining := SessionTimeout - elapsed
		var raised bool
		m.update(func() {
			raised = !m.warning.Active
			m.warning = Warning{Active: true, Remaining: remaining}
		})
		if raised {
			m.notify(client.NoticeWarning, "Your session will expire soon. Extend it to stay signed in.")
		}
	}
}
