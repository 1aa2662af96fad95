// Package ratelimit provides a token bucket limiter for the pipeline
// endpoints. A full run fans out to several paid upstreams, so one
// client must not be able to queue runs faster than they drain.
package ratelimit

import (
	"sync"
	"time"
)

// Info reports the limiter state for response headers.
type Info struct {
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastAccess time.Time
}

// Limiter rate limits clients with one token bucket per client ID.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	// tokens per second
	refillRate float64
	stop       chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
}

// NewLimiter creates a limiter that allows capacity requests per window
// for each client, refilling steadily. Idle buckets are dropped in the
// background until Stop is called.
func NewLimiter(capacity int, window time.Duration) *Limiter {
	l := &Limiter{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: float64(capacity) / window.Seconds(),
		stop:       make(chan struct{}),
		now:        time.Now,
	}
	go l.sweep(10 * window)
	return l
}

// Allow consumes a token for clientID if one is available.
func (l *Limiter) Allow(clientID string) (bool, Info) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{tokens: float64(l.capacity), lastRefill: now}
		l.buckets[clientID] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(float64(l.capacity), b.tokens+elapsed*l.refillRate)
	b.lastRefill = now
	b.lastAccess = now

	info := Info{Limit: l.capacity}
	if b.tokens >= 1 {
		b.tokens--
		info.Remaining = int(b.tokens)
		info.ResetTime = l.fullAt(b, now)
		return true, info
	}

	waitSeconds := (1 - b.tokens) / l.refillRate
	info.RetryAfter = time.Duration(waitSeconds * float64(time.Second))
	info.ResetTime = l.fullAt(b, now)
	return false, info
}

// Stop ends the background sweep. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) fullAt(b *bucket, now time.Time) time.Time {
	missing := float64(l.capacity) - b.tokens
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(missing / l.refillRate * float64(time.Second)))
}

func (l *Limiter) sweep(maxIdle time.Duration) {
	ticker := time.NewTicker(maxIdle)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-maxIdle)
			l.mu.Lock()
			for id, b := range l.buckets {
				if b.lastAccess.Before(cutoff) {
					delete(l.buckets, id)
				}
			}
			l.mu.Unlock()
		}
	}
}
