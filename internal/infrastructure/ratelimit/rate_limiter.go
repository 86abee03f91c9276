package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	ActionTyping = "typing"
	ActionAPI    = "api"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key and action.
type RateLimiter struct {
	buckets map[string]*bucket
	mutex   sync.Mutex
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func newLimiter(action string) *rate.Limiter {
	switch action {
	case ActionTyping:
		// 30 typing events per minute
		return rate.NewLimiter(rate.Every(2*time.Second), 30)
	case ActionAPI:
		// 60 control requests per minute
		return rate.NewLimiter(rate.Every(time.Second), 60)
	default:
		// 20 actions per minute
		return rate.NewLimiter(rate.Every(3*time.Second), 20)
	}
}

// Allow consumes a token for key+action. When the bucket is empty it reports
// how long the caller would have to wait.
func (rl *RateLimiter) Allow(key, action string) (bool, time.Duration) {
	id := key + ":" + action
	now := rl.now()

	rl.mutex.Lock()
	b, exists := rl.buckets[id]
	if !exists {
		b = &bucket{limiter: newLimiter(action)}
		rl.buckets[id] = b
	}
	b.lastSeen = now
	rl.mutex.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Cleanup removes buckets that haven't been used for an hour.
func (rl *RateLimiter) Cleanup() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	for id, b := range rl.buckets {
		if now.Sub(b.lastSeen) > time.Hour {
			delete(rl.buckets, id)
		}
	}
}

func (rl *RateLimiter) size() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.buckets)
}

// StartCleanupRoutine runs Cleanup every 30 minutes until ctx is done.
func (rl *RateLimiter) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}
