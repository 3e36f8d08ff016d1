// Package cache serves metrics reads from a local tier and a shared Redis tier in
// front of the aggregator.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/radiusdt/vector-attribution/internal/bus"
	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// ErrRecomputeTimeout is returned when a recompute outlives the bounded wait and
// no last-known value is young enough to serve.
var ErrRecomputeTimeout = errors.New("metrics recompute timed out")

// Loader computes a metrics read from the aggregator.
type Loader func(ctx context.Context, q models.MetricsQuery) ([]models.MetricWindowSnapshot, int64, error)

const (
	tierLocal  = "local"
	tierShared = "shared"

	// sharedRetryAfter is how long the shared tier is bypassed after an error.
	sharedRetryAfter = 5 * time.Second
)

type localEntry struct {
	*Entry
	invalidated bool
}

// Cache is a read-through two tier cache with bounded recompute waits.
type Cache struct {
	cfg    config.CacheConfig
	loader Loader
	shared SharedTier

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group

	mu         sync.RWMutex
	local      map[string]*localEntry
	minVersion map[string]int64 // by scope key

	sharedMu      sync.Mutex
	sharedRetryAt time.Time
}

// New creates a cache. shared may be nil for a local-only cache.
func New(cfg config.CacheConfig, loader Loader, shared SharedTier, logger *zap.Logger) *Cache {
	return &Cache{
		cfg:        cfg,
		loader:     loader,
		shared:     shared,
		logger:     logger,
		now:        time.Now,
		local:      make(map[string]*localEntry),
		minVersion: make(map[string]int64),
	}
}

func (c *Cache) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// Get returns the metrics read for (metric, q). On a recompute that outlives the
// bounded wait, the last-known value is returned with Stale set when it is younger
// than the max staleness; otherwise ErrRecomputeTimeout.
func (c *Cache) Get(ctx context.Context, metric string, q models.MetricsQuery) (models.MetricsResponse, error) {
	key := KeyFor(metric, q)
	scope := scopeKey(q.CampaignID, q.Granularity)

	if e, ok := c.fresh(key); ok {
		c.metrics.RecordCache(tierLocal, "hit")
		return e.response(false), nil
	}
	c.metrics.RecordCache(tierLocal, "miss")

	if e, ok := c.fromShared(ctx, key, scope); ok {
		c.metrics.RecordCache(tierShared, "hit")
		return e.response(false), nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.recompute(context.WithoutCancel(ctx), key, metric, q)
	})

	timer := time.NewTimer(c.cfg.RecomputeTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return models.MetricsResponse{}, res.Err
		}
		return res.Val.(*Entry).response(false), nil
	case <-timer.C:
	case <-ctx.Done():
		return models.MetricsResponse{}, ctx.Err()
	}

	if e, ok := c.lastKnown(key); ok {
		c.metrics.RecordCache(tierLocal, "stale")
		c.logger.Warn("serving stale metrics",
			zap.String("campaign_id", q.CampaignID),
			zap.String("metric", metric),
			zap.Int64("version_stamp", e.VersionStamp),
			zap.Error(models.ErrStaleCacheServed),
		)
		return e.response(true), nil
	}
	return models.MetricsResponse{}, ErrRecomputeTimeout
}

// fresh returns a valid local entry.
func (c *Cache) fresh(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	le, ok := c.local[key]
	if !ok || le.invalidated {
		return nil, false
	}
	if le.age(c.now()) > c.cfg.MaxStaleness {
		return nil, false
	}
	return le.Entry, true
}

// lastKnown returns the local entry, invalidated or not, while it is younger than
// the max staleness.
func (c *Cache) lastKnown(key string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	le, ok := c.local[key]
	if !ok || le.age(c.now()) > c.cfg.MaxStaleness {
		return nil, false
	}
	return le.Entry, true
}

func (c *Cache) fromShared(ctx context.Context, key, scope string) (*Entry, bool) {
	if !c.sharedAvailable() {
		return nil, false
	}

	e, err := c.shared.Get(ctx, key)
	if errors.Is(err, errMiss) {
		c.metrics.RecordCache(tierShared, "miss")
		return nil, false
	}
	if err != nil {
		c.degrade(err)
		return nil, false
	}
	c.healthy()

	c.mu.RLock()
	floor := c.minVersion[scope]
	c.mu.RUnlock()
	if e.age(c.now()) > c.cfg.MaxStaleness || e.VersionStamp < floor {
		c.metrics.RecordCache(tierShared, "rejected")
		return nil, false
	}

	c.store(e)
	return e, true
}

func (c *Cache) recompute(ctx context.Context, key, metric string, q models.MetricsQuery) (*Entry, error) {
	start := c.now()
	snaps, version, err := c.loader(ctx, q)
	c.metrics.RecordRecompute(c.now().Sub(start))
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Key:          key,
		Metric:       metric,
		Query:        q,
		Snapshots:    snaps,
		VersionStamp: version,
		InsertedAt:   c.now().UTC(),
	}
	c.store(e)

	if c.sharedAvailable() {
		if err := c.shared.Set(ctx, e, c.cfg.TTL); err != nil {
			c.degrade(err)
		} else {
			c.healthy()
		}
	}
	return e, nil
}

// store puts e into the local tier unless a newer entry is already there. An
// entry computed before an invalidation of its scope is kept only as last-known.
func (c *Cache) store(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.local[e.Key]; ok && !cur.invalidated && cur.VersionStamp > e.VersionStamp {
		return
	}
	if _, ok := c.local[e.Key]; !ok && c.cfg.LocalMaxEntries > 0 && len(c.local) >= c.cfg.LocalMaxEntries {
		c.evictLocked()
	}
	floor := c.minVersion[scopeKey(e.Query.CampaignID, e.Query.Granularity)]
	c.local[e.Key] = &localEntry{Entry: e, invalidated: !e.Query.IsPinned() && e.VersionStamp < floor}
}

// evictLocked drops the oldest local entry.
func (c *Cache) evictLocked() {
	var oldestKey string
	var oldest time.Time
	for k, le := range c.local {
		if oldestKey == "" || le.InsertedAt.Before(oldest) {
			oldestKey, oldest = k, le.InsertedAt
		}
	}
	delete(c.local, oldestKey)
}

// ===========================================
// INVALIDATION
// ===========================================

// Invalidate applies one invalidation: matching local entries older than the
// message are marked invalid, the scope's minimum version is raised and the
// shared scope is dropped.
func (c *Cache) Invalidate(ctx context.Context, inv models.Invalidation) {
	scope := scopeKey(inv.CampaignID, inv.Granularity)

	c.mu.Lock()
	if inv.VersionStamp > c.minVersion[scope] {
		c.minVersion[scope] = inv.VersionStamp
	}
	for _, le := range c.local {
		if le.VersionStamp < inv.VersionStamp && le.covers(inv) {
			le.invalidated = true
		}
	}
	c.mu.Unlock()

	if !c.sharedAvailable() {
		return
	}
	if err := c.shared.DeleteScope(ctx, scope); err != nil {
		c.degrade(err)
		return
	}
	c.healthy()
}

// Run consumes invalidations from transport until ctx is done.
func (c *Cache) Run(ctx context.Context, transport bus.Transport) error {
	c.logger.Info("cache invalidation consumer started", zap.String("transport", transport.Name()))
	return transport.Subscribe(ctx, func(inv models.Invalidation) {
		c.Invalidate(ctx, inv)
	})
}

// Len returns the number of local entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}

// ===========================================
// SHARED TIER HEALTH
// ===========================================

func (c *Cache) sharedAvailable() bool {
	if c.shared == nil {
		return false
	}
	c.sharedMu.Lock()
	defer c.sharedMu.Unlock()
	return !c.now().Before(c.sharedRetryAt)
}

// Degraded reports whether the cache currently runs local-only.
func (c *Cache) Degraded() bool {
	return c.shared != nil && !c.sharedAvailable()
}

func (c *Cache) degrade(err error) {
	c.sharedMu.Lock()
	first := c.sharedRetryAt.IsZero()
	c.sharedRetryAt = c.now().Add(sharedRetryAfter)
	c.sharedMu.Unlock()

	c.metrics.RecordCache(tierShared, "error")
	c.metrics.SetCacheDegraded(true)
	if first {
		c.logger.Warn("shared cache tier unavailable, serving local only", zap.Error(err))
	}
}

func (c *Cache) healthy() {
	c.sharedMu.Lock()
	was := !c.sharedRetryAt.IsZero()
	c.sharedRetryAt = time.Time{}
	c.sharedMu.Unlock()

	if was {
		c.metrics.SetCacheDegraded(false)
		c.logger.Info("shared cache tier recovered")
	}
}
