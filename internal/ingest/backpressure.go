package ingest

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Backpressure throttles ingestion for campaigns whose aggregation partition is
// lagging. Campaigns that are not lagging are never delayed.
type Backpressure struct {
	rps   rate.Limit
	burst int

	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewBackpressure creates a per-campaign token bucket throttle.
func NewBackpressure(rps float64, burst int) *Backpressure {
	if burst < 1 {
		burst = 1
	}
	return &Backpressure{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Signal turns throttling on or off for one campaign. It satisfies the
// aggregator's lag listener.
func (b *Backpressure) Signal(campaignID string, lagging bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !lagging {
		delete(b.limiters, campaignID)
		return
	}
	if _, ok := b.limiters[campaignID]; !ok {
		b.limiters[campaignID] = rate.NewLimiter(b.rps, b.burst)
	}
}

// Active reports whether the campaign is currently throttled.
func (b *Backpressure) Active(campaignID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.limiters[campaignID]
	return ok
}

// Wait blocks until the campaign may ingest another event. It reports whether the
// call was throttled at all.
func (b *Backpressure) Wait(ctx context.Context, campaignID string) (bool, error) {
	b.mu.RLock()
	limiter, ok := b.limiters[campaignID]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, limiter.Wait(ctx)
}
