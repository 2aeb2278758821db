package mqtt

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := newRateLimiter(5, time.Second, logger)

	for i := range 5 {
		if !rl.allow() {
			t.Errorf("message %d should have been allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message 6 should have been rate-limited")
	}
	if dropped := rl.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := newRateLimiter(0, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := range 1000 {
		if !rl.allow() {
			t.Fatalf("message %d dropped with limiting disabled", i)
		}
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := newRateLimiter(1000, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				rl.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := rl.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := rl.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}
