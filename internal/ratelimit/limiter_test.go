package ratelimit

import (
	"context"
	"testing"
	"time"

	"smelter/internal/logging"
)

// fakeTimeline drives the limiter with a manual clock whose sleeper
// simply advances time, so saturation tests run instantly.
type fakeTimeline struct {
	now    time.Time
	sleeps []time.Duration
}

func newTimeline() *fakeTimeline {
	return &fakeTimeline{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeTimeline) clock() time.Time { return f.now }

func (f *fakeTimeline) sleep(_ context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func newTestLimiter(t *testing.T, timeline *fakeTimeline, credentials, perMinute int) *Limiter {
	t.Helper()
	limiter, err := New(credentials, perMinute, logging.NewNop(),
		WithClock(timeline.clock), WithSleeper(timeline.sleep))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return limiter
}

func acquire(t *testing.T, limiter *Limiter) int {
	t.Helper()
	idx, err := limiter.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	return idx
}

func TestRoundRobinRotation(t *testing.T) {
	timeline := newTimeline()
	limiter := newTestLimiter(t, timeline, 2, 2)

	want := []int{0, 1, 0, 1}
	for i, expected := range want {
		if got := acquire(t, limiter); got != expected {
			t.Fatalf("acquisition %d used credential %d, want %d", i, got, expected)
		}
	}
}

func TestBlocksWhenSaturatedThenRecovers(t *testing.T) {
	timeline := newTimeline()
	limiter := newTestLimiter(t, timeline, 2, 2)

	for i := 0; i < 4; i++ {
		acquire(t, limiter)
	}

	// Both windows are full, so the fifth call must wait for the oldest
	// recorded call to age out plus the safety margin.
	idx := acquire(t, limiter)
	if len(timeline.sleeps) == 0 {
		t.Fatal("saturated limiter did not wait")
	}
	if got := timeline.sleeps[0]; got != time.Minute+time.Second {
		t.Fatalf("first wait = %v, want %v", got, time.Minute+time.Second)
	}
	if idx != 0 {
		t.Fatalf("post-wait acquisition used credential %d, want 0", idx)
	}
}

func TestWindowSlides(t *testing.T) {
	timeline := newTimeline()
	limiter := newTestLimiter(t, timeline, 1, 2)

	acquire(t, limiter)
	timeline.now = timeline.now.Add(30 * time.Second)
	acquire(t, limiter)

	// 61s after the first call it has aged out, leaving one slot free.
	timeline.now = timeline.now.Add(31 * time.Second)
	acquire(t, limiter)
	if len(timeline.sleeps) != 0 {
		t.Fatalf("limiter waited %v with a free slot", timeline.sleeps)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	timeline := newTimeline()
	limiter := newTestLimiter(t, timeline, 1, 1)
	acquire(t, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := limiter.Acquire(ctx); err == nil {
		t.Fatal("cancelled context must abort the wait")
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(0, 10, logging.NewNop()); err == nil {
		t.Fatal("zero credentials must be rejected")
	}
	if _, err := New(1, 0, logging.NewNop()); err == nil {
		t.Fatal("zero per-minute limit must be rejected")
	}
}
