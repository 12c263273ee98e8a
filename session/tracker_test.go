package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/warden/internal/clock"
)

type countingRecorder struct{ n atomic.Int32 }

func (c *countingRecorder) UpdateActivity() { c.n.Add(1) }

func TestTracker_Throttles(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	bus := NewEventBus()
	rec := &countingRecorder{}
	tr := NewTracker(bus, rec, clk)
	tr.Start()
	defer tr.Stop()

	for i := 0; i < 100; i++ {
		bus.Emit(InteractionEvents[i%len(InteractionEvents)])
		clk.Advance(500 * time.Millisecond)
	}
	assert.Equal(t, int32(1), rec.n.Load())

	clk.Advance(10 * time.Second)
	bus.Emit(Click)
	assert.Equal(t, int32(2), rec.n.Load())
}

func TestTracker_StartIsIdempotent(t *testing.T) {
	bus := NewEventBus()
	rec := &countingRecorder{}
	tr := NewTracker(bus, rec, clock.NewFake(time.Unix(0, 0)))

	tr.Start()
	tr.Start()
	assert.Equal(t, len(InteractionEvents), bus.ListenerCount())
	assert.True(t, tr.Running())

	tr.Stop()
	assert.Zero(t, bus.ListenerCount())
	assert.False(t, tr.Running())
	tr.Stop()

	bus.Emit(KeyDown)
	assert.Zero(t, rec.n.Load())
}

func TestTracker_StopClearsThrottle(t *testing.T) {
	bus := NewEventBus()
	rec := &countingRecorder{}
	tr := NewTracker(bus, rec, clock.NewFake(time.Unix(0, 0)))

	tr.Start()
	bus.Emit(Scroll)
	tr.Stop()
	tr.Start()
	bus.Emit(Scroll)
	assert.Equal(t, int32(2), rec.n.Load())
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	var got []EventKind
	unsub := bus.Subscribe(TouchStart, func(k EventKind) { got = append(got, k) })

	bus.Emit(TouchStart)
	bus.Emit(Click)
	unsub()
	unsub()
	bus.Emit(TouchStart)

	assert.Equal(t, []EventKind{TouchStart}, got)
	assert.Zero(t, bus.ListenerCount())
}
