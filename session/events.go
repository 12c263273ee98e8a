package session

import "sync"

// EventKind names an interaction event.
type EventKind string

const (
	PointerDown EventKind = "pointerdown"
	KeyDown     EventKind = "keydown"
	Scroll      EventKind = "scroll"
	TouchStart  EventKind = "touchstart"
	Click       EventKind = "click"
)

// InteractionEvents are the events the activity tracker listens for.
var InteractionEvents = []EventKind{PointerDown, KeyDown, Scroll, TouchStart, Click}

// EventBus fans interaction events out to listeners. Front ends emit events
// into it; the activity tracker subscribes.
type EventBus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[EventKind]map[int]func(EventKind)
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[EventKind]map[int]func(EventKind))}
}

// Subscribe registers fn for kind and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *EventBus) Subscribe(kind EventKind, fn func(EventKind)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[int]func(EventKind))
	}
	b.listeners[kind][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners[kind], id)
		})
	}
}

// Emit delivers kind to every listener registered for it. Listeners run on
// the caller's goroutine.
func (b *EventBus) Emit(kind EventKind) {
	b.mu.Lock()
	fns := make([]func(EventKind), 0, len(b.listeners[kind]))
	for _, fn := range b.listeners[kind] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(kind)
	}
}

// ListenerCount returns the number of listeners across all kinds.
func (b *EventBus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.listeners {
		n += len(m)
	}
	return n
}
