package session

import (
	"sync"
	"time"

	"github.com/jmcleod/warden/internal/clock"
)

// ActivityThrottle is the minimum spacing between activity updates.
const ActivityThrottle = 60 * time.Second

// ActivityRecorder receives throttled activity updates.
type ActivityRecorder interface {
	UpdateActivity()
}

// Tracker listens for interaction events and records activity at most once
// per ActivityThrottle. The first event of a window records immediately.
type Tracker struct {
	bus      *EventBus
	recorder ActivityRecorder
	clock    clock.Clock

	mu          sync.Mutex
	running     bool
	unsubscribe []func()
	last        time.Time
	fired       bool
}

// NewTracker returns a stopped tracker. A nil clock uses wall-clock time.
func NewTracker(bus *EventBus, recorder ActivityRecorder, clk clock.Clock) *Tracker {
	return &Tracker{bus: bus, recorder: recorder, clock: clock.OrReal(clk)}
}

// Start subscribes to the interaction events. Calling Start on a running
// tracker does nothing.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	for _, kind := range InteractionEvents {
		t.unsubscribe = append(t.unsubscribe, t.bus.Subscribe(kind, t.handle))
	}
}

// Stop unsubscribes and clears the throttle state. Calling Stop on a stopped
// tracker does nothing.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	for _, unsub := range t.unsubscribe {
		unsub()
	}
	t.unsubscribe = nil
	t.running = false
	t.fired = false
	t.last = time.Time{}
}

// Running reports whether the tracker is started.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) handle(EventKind) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	now := t.clock.Now()
	if t.fired && now.Sub(t.last) < ActivityThrottle {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.last = now
	t.mu.Unlock()

	t.recorder.UpdateActivity()
}
