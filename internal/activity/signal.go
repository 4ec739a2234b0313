// Package activity provides the activity signals the loop service listens to.
//
// A signal reports whether the host is currently active (for example a
// foreground/background state) and notifies subscribers on transitions only.
package activity

import "sync"

// Signal is satisfied by every source in this package and by loop.Signal.
type Signal interface {
	Active() bool
	Subscribe(fn func(active bool)) (unsubscribe func())
}

// Always is a signal that is always active and never notifies.
type Always struct{}

func (Always) Active() bool { return true }

func (Always) Subscribe(func(bool)) func() { return func() {} }

type subscriber struct {
	id uint64
	fn func(bool)
}

// hub holds the state and subscriber list shared by Manual and File.
//
// notifyMu serializes deliveries so subscribers observe transitions in order;
// mu guards state and is never held while a subscriber runs.
type hub struct {
	notifyMu sync.Mutex

	mu     sync.Mutex
	active bool
	subs   []subscriber
	nextID uint64
}

func (h *hub) get() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *hub) subscribe(fn func(bool)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs = append(h.subs, subscriber{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, s := range h.subs {
				if s.id == id {
					h.subs = append(h.subs[:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// set stores v and notifies subscribers when it differs from the current state.
func (h *hub) set(v bool) bool {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()

	h.mu.Lock()
	if h.active == v {
		h.mu.Unlock()
		return false
	}
	h.active = v
	subs := make([]subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
	return true
}

// Manual is an in-memory toggle. The admin API drives it when the activity
// source is "http".
type Manual struct {
	h hub
}

func NewManual(active bool) *Manual {
	m := &Manual{}
	m.h.active = active
	return m
}

func (m *Manual) Active() bool { return m.h.get() }

func (m *Manual) Subscribe(fn func(bool)) func() { return m.h.subscribe(fn) }

// Set changes the state. It reports whether this was a transition; subscribers
// are only notified on transitions and have returned by the time Set does.
// Set must not be called from inside a subscriber.
func (m *Manual) Set(active bool) bool { return m.h.set(active) }
