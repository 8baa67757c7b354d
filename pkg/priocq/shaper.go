package priocq

import (
	"context"
	"sync"
	"time"
)

// TokenBucket shapes forwarded bytes per second.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int64
	tokens   int64
	rate     int64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket returns a full bucket. capacity <= 0 defaults to one second
// of rate.
func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
	if capacity <= 0 {
		capacity = ratePerSec
	}
	return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, now: time.Now, last: time.Now()}
}

// Allow tries to consume n tokens; if not enough, it returns how long to wait.
// Requests above capacity are clamped so they can eventually pass.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rate <= 0 {
		return true, 0
	}
	if n > b.capacity {
		n = b.capacity
	}
	now := b.now()
	if dt := now.Sub(b.last); dt > 0 {
		add := (b.rate * dt.Nanoseconds()) / int64(time.Second)
		if add > 0 {
			b.tokens += add
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
			b.last = now
		}
	}
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	need := n - b.tokens
	return false, time.Duration((need * int64(time.Second)) / b.rate)
}

// Wait blocks until n tokens are consumed or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, n int64) error {
	for {
		ok, wait := b.Allow(n)
		if ok {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
