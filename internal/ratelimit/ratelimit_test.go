package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllowBurstThenRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(2)
	l.now = func() time.Time { return now }
	l.lastUpdate = now

	if !l.Allow() || !l.Allow() {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow() {
		t.Fatal("third call inside the same instant should be limited")
	}

	now = now.Add(500 * time.Millisecond)
	if !l.Allow() {
		t.Error("one token should refill after 500ms at 2 rps")
	}
}

func TestSubOneRate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := New(0.5)
	l.now = func() time.Time { return now }
	l.lastUpdate = now

	if !l.Allow() {
		t.Fatal("first call should pass")
	}
	if wait := l.reserve(); wait != 2*time.Second {
		t.Errorf("wait = %v, want 2s", wait)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	l := New(0.01)
	l.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); err == nil {
		t.Error("Wait should fail when the context expires first")
	}
}

func TestWaitReturnsWhenTokenAvailable(t *testing.T) {
	l := New(100)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
}
