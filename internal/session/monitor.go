package session

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// FocusEvent is a focus or visibility transition reported by the client.
type FocusEvent string

const (
	// FocusHidden means the document became hidden (tab switched or minimized).
	FocusHidden FocusEvent = "hidden"
	// FocusBlur means the window lost input focus.
	FocusBlur FocusEvent = "blur"
)

// ParseFocusEvent validates a client-reported event name.
func ParseFocusEvent(s string) (FocusEvent, error) {
	switch ev := FocusEvent(s); ev {
	case FocusHidden, FocusBlur:
		return ev, nil
	}
	return "", fmt.Errorf("unknown focus event %q", s)
}

// Monitor is the single-shot anti-cheat trip wire of one attempt.
// It trips at most once, and only while armed. There is no re-arming
// after a trip.
type Monitor struct {
	armed atomic.Bool
	fired atomic.Bool
	event atomic.Value
}

// NewMonitor returns a disarmed monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Arm starts watching and returns a func that cancels the subscription.
// Calling the cancel func more than once is harmless.
func (m *Monitor) Arm() (cancel func()) {
	m.armed.Store(true)
	var once sync.Once
	return func() {
		once.Do(func() { m.armed.Store(false) })
	}
}

// Armed reports whether focus loss is currently being watched.
func (m *Monitor) Armed() bool {
	return m.armed.Load() && !m.fired.Load()
}

// Trip records a focus loss and reports whether this call was the one
// that fired the monitor. Every later call returns false.
func (m *Monitor) Trip(ev FocusEvent) bool {
	if !m.armed.Load() {
		return false
	}
	if !m.fired.CompareAndSwap(false, true) {
		return false
	}
	m.event.Store(ev)
	return true
}

// Fired returns the event that tripped the monitor, if any.
func (m *Monitor) Fired() (FocusEvent, bool) {
	ev, ok := m.event.Load().(FocusEvent)
	return ev, ok
}
