package session

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestMonitorDisarmedNeverTrips(t *testing.T) {
	m := NewMonitor()
	if m.Trip(FocusHidden) {
		t.Fatal("disarmed monitor must not trip")
	}
	if m.Armed() {
		t.Error("new monitor must be disarmed")
	}
}

func TestMonitorTripsOnce(t *testing.T) {
	m := NewMonitor()
	m.Arm()
	if !m.Trip(FocusBlur) {
		t.Fatal("expected first trip to fire")
	}
	if m.Trip(FocusHidden) {
		t.Error("second trip must not fire")
	}
	ev, ok := m.Fired()
	if !ok || ev != FocusBlur {
		t.Errorf("expected blur recorded, got %q %v", ev, ok)
	}
	if m.Armed() {
		t.Error("fired monitor must not report armed")
	}
}

func TestMonitorCancel(t *testing.T) {
	m := NewMonitor()
	cancel := m.Arm()
	cancel()
	cancel()
	if m.Trip(FocusHidden) {
		t.Error("cancelled monitor must not trip")
	}
}

func TestMonitorConcurrentTrips(t *testing.T) {
	m := NewMonitor()
	m.Arm()
	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Trip(FocusHidden) {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()
	if fired.Load() != 1 {
		t.Errorf("expected exactly one trip, got %d", fired.Load())
	}
}

func TestParseFocusEvent(t *testing.T) {
	for _, s := range []string{"hidden", "blur"} {
		if _, err := ParseFocusEvent(s); err != nil {
			t.Errorf("ParseFocusEvent(%q): %v", s, err)
		}
	}
	if _, err := ParseFocusEvent("focus"); err == nil {
		t.Error("expected error for unknown event")
	}
}
