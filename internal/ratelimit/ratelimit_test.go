package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestCheckFixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGuard(WithClock(func() time.Time { return now }))

	denied := 0
	for i := 0; i < 6; i++ {
		res := g.Check("login:1.2.3.4", 5, time.Minute)
		if !res.Allowed {
			denied++
			if !res.ResetAt.Equal(now.Add(time.Minute)) {
				t.Errorf("ResetAt = %v, want %v", res.ResetAt, now.Add(time.Minute))
			}
		}
	}
	if denied != 1 {
		t.Fatalf("denied = %d, want exactly 1 of 6", denied)
	}

	// denied retries must not extend the lockout; the window still closes on time
	now = now.Add(time.Minute)
	if res := g.Check("login:1.2.3.4", 5, time.Minute); !res.Allowed || res.Remaining != 4 {
		t.Errorf("after reset: allowed=%v remaining=%d, want true/4", res.Allowed, res.Remaining)
	}
}

func TestCheckIdentifiersIndependent(t *testing.T) {
	g := NewGuard()
	for i := 0; i < 5; i++ {
		g.Check("login:a", 5, time.Minute)
	}
	if res := g.Check("login:a", 5, time.Minute); res.Allowed {
		t.Error("exhausted identifier still admitted")
	}
	if res := g.Check("login:b", 5, time.Minute); !res.Allowed {
		t.Error("fresh identifier rejected")
	}
}

func TestReset(t *testing.T) {
	g := NewGuard()
	for i := 0; i < 5; i++ {
		g.Check("pwd:u1", 5, time.Minute)
	}
	g.Reset("pwd:u1")
	if res := g.Check("pwd:u1", 5, time.Minute); !res.Allowed || res.Remaining != 4 {
		t.Errorf("after reset: allowed=%v remaining=%d, want true/4", res.Allowed, res.Remaining)
	}
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGuard(WithClock(func() time.Time { return now }))

	g.Check("a", 5, time.Minute)
	g.Check("b", 5, time.Hour)
	now = now.Add(2 * time.Minute)

	if removed := g.Prune(); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestCheckConcurrentCeiling(t *testing.T) {
	g := NewGuard()
	const callers = 20
	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- g.Check("login:x", 5, time.Minute).Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for ok := range allowed {
		if ok {
			n++
		}
	}
	if n != 5 {
		t.Errorf("admitted = %d, want exactly 5", n)
	}
}
