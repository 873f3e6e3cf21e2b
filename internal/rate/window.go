package rate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Window allows at most Calls waits per Period. A caller that exceeds the
// budget sleeps until the current window closes.
type Window struct {
	calls  int
	period time.Duration
	now    func() time.Time

	mu    sync.Mutex
	start time.Time
	used  int
}

// NewWindow returns a fixed-window limiter. Non-positive values fall back to
// one call per second.
func NewWindow(calls int, period time.Duration) *Window {
	if calls <= 0 {
		calls = 1
	}
	if period <= 0 {
		period = time.Second
	}
	return &Window{calls: calls, period: period, now: time.Now}
}

// Wait blocks until the current window has budget or ctx is canceled.
func (w *Window) Wait(ctx context.Context) error {
	for {
		delay := w.reserve()
		if delay <= 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate wait canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (w *Window) reserve() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if w.start.IsZero() || now.Sub(w.start) >= w.period {
		w.start = now
		w.used = 0
	}
	if w.used < w.calls {
		w.used++
		return 0
	}
	return w.period - now.Sub(w.start)
}

var _ Limiter = (*Window)(nil)
