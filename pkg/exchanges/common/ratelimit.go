package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// RateLimiter tracks a venue's request-weight budget from its own response
// headers, since REST rate limits are typically weight-based rather than a
// flat request count (a batch order-status call costs more weight than a
// single ping). It never blocks a caller itself; ShouldDelay only advises.
type RateLimiter struct {
	mu            sync.RWMutex
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
}

// NewRateLimiter builds a RateLimiter for a budget of limit weight units per
// resetInterval, as published in the venue's API docs.
func NewRateLimiter(limit int, resetInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

func (rl *RateLimiter) resetIfExpired() {
	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
}

// UpdateFromHeader records the used-weight value a venue echoed back on the
// last response (e.g. Binance's X-MBX-USED-WEIGHT-1M). A blank or
// unparseable header is ignored rather than treated as zero usage.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	weight, err := strconv.Atoi(headerValue)
	if headerValue == "" || err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.resetIfExpired()
	rl.usedWeight = weight

	pct := float64(rl.usedWeight) / float64(rl.limit) * 100
	switch {
	case pct >= 95:
		log.Printf("common: rate limit critical %d/%d (%.1f%%), approaching ban threshold", rl.usedWeight, rl.limit, pct)
	case pct >= 80:
		log.Printf("common: rate limit warning %d/%d (%.1f%%)", rl.usedWeight, rl.limit, pct)
	}
}

// GetUsage reports the current weight consumed, the configured limit, and
// the resulting percentage.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay reports whether the caller should back off before its next
// request; it fires at 90% of budget, ahead of the 95% critical log line.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}
