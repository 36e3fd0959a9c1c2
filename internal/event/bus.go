// Package event provides the typed publish/subscribe bus used to notify
// collaborators of engine lifecycle changes. Delivery is synchronous and in
// registration order; a panicking listener is logged and never prevents
// later listeners from running.
package event

import (
	"log/slog"
	"sync"
)

// Event is the sealed interface implemented by every lifecycle notification.
// One struct type exists per notification so payloads are named fields, not
// string-keyed maps.
type Event interface {
	// Type returns the stable wire name of the event (e.g. "kb.added").
	Type() string
}

// StateLoaded is published once at startup after persisted engine state has
// been read (or defaulted).
type StateLoaded struct {
	Enabled    bool
	Mode       string
	ActiveName string
}

// Type implements Event.
func (StateLoaded) Type() string { return "engine.state_loaded" }

// EnabledChanged is published when the engine enabled flag flips.
type EnabledChanged struct {
	Old bool
	New bool
}

// Type implements Event.
func (EnabledChanged) Type() string { return "engine.enabled_changed" }

// ModeChanged is published when the retrieval mode changes.
type ModeChanged struct {
	Old string
	New string
}

// Type implements Event.
func (ModeChanged) Type() string { return "engine.mode_changed" }

// KBAdded is published after a knowledge base has been ingested and
// committed into the registry.
type KBAdded struct {
	Name       string
	Path       string
	ChunkCount int
	Origin     string
}

// Type implements Event.
func (KBAdded) Type() string { return "kb.added" }

// KBRemoved is published after a knowledge base has been removed.
type KBRemoved struct {
	Name string
}

// Type implements Event.
func (KBRemoved) Type() string { return "kb.removed" }

// KBSwitched is published after the active knowledge base changes.
type KBSwitched struct {
	Name string
	Path string
}

// Type implements Event.
func (KBSwitched) Type() string { return "kb.switched" }

// SystemKBsLoaded is published once per process after the lazy system-KB
// scan completes.
type SystemKBsLoaded struct {
	Count int
}

// Type implements Event.
func (SystemKBsLoaded) Type() string { return "system_kbs.loaded" }

// Listener receives published events. Listeners run synchronously on the
// publisher's goroutine and should return quickly.
type Listener func(Event)

// Bus is a multi-listener publish/subscribe hub. The engine owns the bus;
// subscribers hold only the cancel handle returned by Subscribe. Bus is safe
// for concurrent use.
type Bus struct {
	// mu protects subs and nextID.
	mu sync.Mutex
	// subs holds listeners in registration order.
	subs []subscription
	// nextID is the ID assigned to the next subscription.
	nextID int
	// log records listener panics.
	log *slog.Logger
}

// subscription pairs a listener with its revocation ID.
type subscription struct {
	id int
	fn Listener
}

// NewBus constructs a Bus that reports listener panics to log. A nil log
// falls back to slog.Default.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers fn and returns a cancel func that revokes the
// subscription. Listeners are invoked in registration order.
func (b *Bus) Subscribe(fn Listener) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every listener synchronously, in registration order.
// The subscriber list is snapshotted so listeners may subscribe or cancel
// without deadlocking. Publishers holding the engine mutex therefore get a
// single global delivery order for all mutation events.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	snapshot := make([]subscription, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		b.deliver(s.fn, e)
	}
}

// deliver invokes one listener, recovering and logging any panic.
func (b *Bus) deliver(fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event: listener panicked",
				slog.String("event", e.Type()),
				slog.Any("panic", r),
			)
		}
	}()
	fn(e)
}
