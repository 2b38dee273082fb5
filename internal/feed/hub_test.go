package feed

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubDeliversLatestOnSubscribe(t *testing.T) {
	h := NewHub[[]string]()
	h.Publish([]string{"a"})

	var mu sync.Mutex
	var got []string
	unsub := h.Subscribe(func(v []string) {
		mu.Lock()
		got = v
		mu.Unlock()
	})
	defer unsub()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "a"
	})
}

func TestHubLatestWins(t *testing.T) {
	h := NewHub[int]()
	release := make(chan struct{})
	entered := make(chan struct{})
	var mu sync.Mutex
	var seen []int
	unsub := h.Subscribe(func(v int) {
		if v == 1 {
			close(entered)
			<-release
		}
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	defer unsub()

	h.Publish(1)
	<-entered
	for i := 2; i <= 10; i++ {
		h.Publish(i)
	}
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 10
	})
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("expected coalesced deliveries, got %v", seen)
	}
	if v, ok := h.Latest(); !ok || v != 10 {
		t.Errorf("expected latest 10, got %d %v", v, ok)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub[int]()
	var mu sync.Mutex
	calls := 0
	unsub := h.Subscribe(func(int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	if h.Len() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Len())
	}
	unsub()
	unsub()
	if h.Len() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", h.Len())
	}
	h.Publish(5)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("unsubscribed callback ran %d times", calls)
	}
}

func TestDecodeNotice(t *testing.T) {
	if _, err := decodeNotice(`{"replica":"x","collection":"records"}`); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := decodeNotice(`{"replica":"x","collection":"users"}`); err == nil {
		t.Error("expected error for unknown collection")
	}
	if _, err := decodeNotice(`not json`); err == nil {
		t.Error("expected error for bad payload")
	}
}
