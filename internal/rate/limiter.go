// Package rate gates calls to remote services.
package rate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter gates outbound calls so we stay under remote rate limits.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket refills one token every 1/rps seconds and holds at most rps.
// It starts with one token so the first call never waits.
type TokenBucket struct {
	tokens chan struct{}
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// NewTokenBucket starts a refill loop; call Stop when done.
func NewTokenBucket(rps int) *TokenBucket {
	if rps <= 0 {
		rps = 1
	}
	tb := &TokenBucket{
		tokens: make(chan struct{}, rps),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	tb.tokens <- struct{}{}
	go tb.refill(time.Second / time.Duration(rps))
	return tb
}

func (t *TokenBucket) refill(every time.Duration) {
	ticker := time.NewTicker(every)
	defer func() {
		ticker.Stop()
		close(t.exited)
	}()
	for {
		select {
		case <-t.quit:
			return
		case <-ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default: // full
			}
		}
	}
}

// Wait blocks until a token is available or the context is canceled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate wait canceled: %w", ctx.Err())
	case <-t.tokens:
		return nil
	}
}

// Stop ends the refill loop. It is safe to call more than once.
func (t *TokenBucket) Stop() {
	t.once.Do(func() { close(t.quit) })
	<-t.exited
}

var _ Limiter = (*TokenBucket)(nil)
