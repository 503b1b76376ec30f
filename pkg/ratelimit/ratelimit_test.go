package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_BasicWindow(t *testing.T) {
	l := New(3, time.Minute)
	defer l.Shutdown()

	for i := 0; i < 3; i++ {
		if r := l.Allow("caller"); !r.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if r := l.Allow("caller"); r.Allowed {
		t.Error("fourth request should be rejected")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Shutdown()

	if r := l.Allow("a"); !r.Allowed {
		t.Fatal("first request for a should pass")
	}
	if r := l.Allow("b"); !r.Allowed {
		t.Error("first request for b should pass despite a being exhausted")
	}
}

func TestLimiter_WindowExpiry(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Shutdown()

	current := time.Now()
	l.now = func() time.Time { return current }

	if r := l.Allow("caller"); !r.Allowed {
		t.Fatal("first request should pass")
	}
	if r := l.Allow("caller"); r.Allowed {
		t.Fatal("second request should be rejected")
	}

	current = current.Add(2 * time.Minute)
	if r := l.Allow("caller"); !r.Allowed {
		t.Error("request after window expiry should pass")
	}
}

func TestLimiter_ZeroDisables(t *testing.T) {
	l := New(0, time.Minute)
	defer l.Shutdown()

	for i := 0; i < 100; i++ {
		if r := l.Allow("caller"); !r.Allowed {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestLimiter_Remaining(t *testing.T) {
	l := New(5, time.Minute)
	defer l.Shutdown()

	r := l.Allow("caller")
	if r.Remaining != 4 {
		t.Errorf("expected 4 remaining, got %d", r.Remaining)
	}
}

func TestLimiter_ShutdownIdempotent(t *testing.T) {
	l := New(1, time.Minute)
	l.Shutdown()
	l.Shutdown()
}
