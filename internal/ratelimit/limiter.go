// Package ratelimit provides a sliding-window request limiter shared by
// the model service clients. Each credential gets an independent window;
// acquisition rotates across credentials so load spreads evenly and a
// single exhausted key does not stall the others.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"smelter/internal/logging"
	"smelter/internal/services"
)

const (
	window      = time.Minute
	sleepMargin = time.Second
)

// Limiter admits at most perMinute calls per credential over a sliding
// 60 second window. Acquire blocks until some credential has capacity.
type Limiter struct {
	perMinute int
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error

	mu      sync.Mutex
	cursor  int
	windows [][]time.Time
}

// Option adjusts limiter construction.
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSleeper overrides the blocking wait. Intended for tests.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// New builds a limiter for the given number of credentials.
func New(credentials, perMinute int, logger *slog.Logger, opts ...Option) (*Limiter, error) {
	if credentials <= 0 {
		return nil, errors.New("ratelimit: at least one credential is required")
	}
	if perMinute <= 0 {
		return nil, fmt.Errorf("ratelimit: invalid per-minute limit %d", perMinute)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	limiter := &Limiter{
		perMinute: perMinute,
		logger:    logger.With(logging.String(logging.FieldComponent, "ratelimit")),
		now:       time.Now,
		sleep:     sleepContext,
		windows:   make([][]time.Time, credentials),
	}
	for _, opt := range opts {
		opt(limiter)
	}
	return limiter, nil
}

// Acquire blocks until a credential has window capacity, records the call
// against it, and returns its index. The context cancels the wait.
func (l *Limiter) Acquire(ctx context.Context) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		idx, wait := l.tryAcquire()
		if wait == 0 {
			return idx, nil
		}

		attrs := []logging.Attr{logging.Duration("wait", wait)}
		if item, ok := services.ItemFromContext(ctx); ok {
			attrs = append(attrs, logging.String(logging.FieldItem, item))
		}
		if phase, ok := services.PhaseFromContext(ctx); ok {
			attrs = append(attrs, logging.String(logging.FieldPhase, phase))
		}
		l.logger.Debug("rate limit reached, waiting", logging.Args(attrs...)...)
		if err := l.sleep(ctx, wait); err != nil {
			return 0, err
		}
	}
}

// tryAcquire either admits the call (wait == 0) or reports how long until
// the earliest credential frees a slot.
func (l *Limiter) tryAcquire() (int, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for i := range l.windows {
		l.windows[i] = evict(l.windows[i], now)
	}

	for offset := 0; offset < len(l.windows); offset++ {
		idx := (l.cursor + offset) % len(l.windows)
		if len(l.windows[idx]) < l.perMinute {
			l.windows[idx] = append(l.windows[idx], now)
			l.cursor = (idx + 1) % len(l.windows)
			return idx, 0
		}
	}

	// Every credential is saturated. Wait for the oldest recorded call
	// anywhere to age out, plus a margin against clock skew.
	minWait := window
	for _, calls := range l.windows {
		if remaining := window - now.Sub(calls[0]); remaining < minWait {
			minWait = remaining
		}
	}
	if minWait < 0 {
		minWait = 0
	}
	return 0, minWait + sleepMargin
}

func evict(calls []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	return calls[i:]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
