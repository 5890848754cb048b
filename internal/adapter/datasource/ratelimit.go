package datasource

import (
	"context"
	"sync"
	"time"
)

// minIntervalLimiter spaces requests at least interval apart, shared by all
// goroutines using the same provider instance.
type minIntervalLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

func newMinIntervalLimiter(interval time.Duration) *minIntervalLimiter {
	return &minIntervalLimiter{interval: interval}
}

// Wait blocks until the caller may issue a request, or ctx is done.
func (l *minIntervalLimiter) Wait(ctx context.Context) error {
	if l.interval <= 0 {
		return nil
	}
	l.mu.Lock()
	now := time.Now()
	wait := l.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.next = now.Add(wait + l.interval)
	l.mu.Unlock()

	if wait == 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
