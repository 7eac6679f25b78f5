package proctor

import (
	"sync"
	"time"
)

// SignalType names a browser-level integrity signal.
type SignalType string

const (
	SignalVisibility  SignalType = "visibilitychange"
	SignalFullscreen  SignalType = "fullscreenchange"
	SignalCopy        SignalType = "copy"
	SignalCut         SignalType = "cut"
	SignalPaste       SignalType = "paste"
	SignalContextMenu SignalType = "contextmenu"
	SignalKeyDown     SignalType = "keydown"
)

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	switch t {
	case SignalVisibility, SignalFullscreen, SignalCopy, SignalCut, SignalPaste, SignalContextMenu, SignalKeyDown:
		return true
	}
	return false
}

// Signal is one raw browser event as reported by the candidate's client.
// Only the fields relevant to Type are meaningful.
type Signal struct {
	Type SignalType
	At   time.Time

	// visibilitychange
	Hidden bool
	// fullscreenchange: whether a fullscreen element is present, and document focus.
	Fullscreen bool
	HasFocus   bool
	// keydown
	Key   string
	Ctrl  bool
	Shift bool
}

// Listener handles a signal and reports whether the default browser action
// should be prevented.
type Listener func(Signal) (prevented bool)

type subscription struct {
	id uint64
	fn Listener
}

// Bus is a typed signal emitter. Every Subscribe returns the matching
// unsubscribe, which is safe to call more than once.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[SignalType][]subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[SignalType][]subscription)}
}

// Subscribe registers fn for signals of type t.
func (b *Bus) Subscribe(t SignalType, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[t] = append(b.listeners[t], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(t, id) })
	}
}

func (b *Bus) remove(t SignalType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.listeners[t]
	for i, s := range subs {
		if s.id == id {
			b.listeners[t] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.listeners[t]) == 0 {
		delete(b.listeners, t)
	}
}

// Emit delivers s to every listener of its type in registration order.
// Listeners run without the bus lock held, so they may unsubscribe.
func (b *Bus) Emit(s Signal) (prevented bool) {
	b.mu.RLock()
	subs := make([]subscription, len(b.listeners[s.Type]))
	copy(subs, b.listeners[s.Type])
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.fn(s) {
			prevented = true
		}
	}
	return prevented
}

// ListenerCount returns the number of live subscriptions across all types.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.listeners {
		n += len(subs)
	}
	return n
}
