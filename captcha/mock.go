package captcha

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jmcleod/warden/internal/clock"
)

// Mock returns synthetic proofs without any network activity.
type Mock struct {
	clock  clock.Clock
	loaded atomic.Bool
}

// NewMock returns a mock provider. A nil clock uses wall-clock time.
func NewMock(clk clock.Clock) *Mock {
	return &Mock{clock: clock.OrReal(clk)}
}

func (m *Mock) Load(context.Context) error {
	m.loaded.Store(true)
	return nil
}

func (m *Mock) Render(ctx context.Context, _ string) error { return m.Load(ctx) }

// Execute returns "mock-captcha-token-<action>-<unix ms>".
func (m *Mock) Execute(ctx context.Context, action string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.loaded.Store(true)
	return fmt.Sprintf("mock-captcha-token-%s-%d", action, m.clock.Now().UnixMilli()), nil
}

func (m *Mock) IsLoaded() bool { return m.loaded.Load() }
func (m *Mock) Reset()         { m.loaded.Store(false) }
func (m *Mock) Kind() Kind     { return KindMock }
