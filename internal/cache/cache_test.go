package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/models"
)

var windowStart = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

type fakeShared struct {
	mu      sync.Mutex
	entries map[string]*Entry
	fail    bool
	deletes int
}

func newFakeShared() *fakeShared {
	return &fakeShared{entries: make(map[string]*Entry)}
}

func (f *fakeShared) Get(ctx context.Context, key string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("connection refused")
	}
	e, ok := f.entries[key]
	if !ok {
		return nil, errMiss
	}
	cp := *e
	return &cp, nil
}

func (f *fakeShared) Set(ctx context.Context, e *Entry, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.entries[e.Key] = e
	return nil
}

func (f *fakeShared) DeleteScope(ctx context.Context, scope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.deletes++
	for k, e := range f.entries {
		if scopeKey(e.Query.CampaignID, e.Query.Granularity) == scope {
			delete(f.entries, k)
		}
	}
	return nil
}

type countingLoader struct {
	calls   atomic.Int32
	version atomic.Int64
	block   chan struct{}
}

func (l *countingLoader) load(ctx context.Context, q models.MetricsQuery) ([]models.MetricWindowSnapshot, int64, error) {
	l.calls.Add(1)
	if l.block != nil {
		<-l.block
	}
	v := l.version.Load()
	return []models.MetricWindowSnapshot{{CampaignID: q.CampaignID, Granularity: q.Granularity, WindowStart: windowStart, Version: v}}, v, nil
}

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		MaxStaleness:     5 * time.Minute,
		TTL:              5 * time.Minute,
		RecomputeTimeout: 50 * time.Millisecond,
		LocalMaxEntries:  100,
	}
}

func query() models.MetricsQuery {
	return models.MetricsQuery{
		CampaignID:  "c1",
		Granularity: models.GranularityDay,
		From:        windowStart,
		To:          windowStart.AddDate(0, 0, 7),
	}
}

func roiInvalidation(version int64) models.Invalidation {
	return models.Invalidation{
		CampaignID:   "c1",
		Metric:       models.MetricROI,
		Granularity:  models.GranularityDay,
		WindowStart:  windowStart,
		VersionStamp: version,
	}
}

func TestGetReadsThrough(t *testing.T) {
	loader := &countingLoader{}
	loader.version.Store(3)
	c := New(testCacheConfig(), loader.load, nil, zap.NewNop())

	first, err := c.Get(context.Background(), models.MetricROI, query())
	require.NoError(t, err)
	second, err := c.Get(context.Background(), models.MetricROI, query())
	require.NoError(t, err)

	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Equal(t, int64(3), first.VersionStamp)
	assert.Equal(t, first, second)
	assert.False(t, second.Stale)
}

func TestInvalidationForcesRecompute(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	loader.version.Store(3)
	c := New(testCacheConfig(), loader.load, nil, zap.NewNop())

	_, err := c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)

	c.Invalidate(ctx, roiInvalidation(2))
	_, err = c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load(), "older invalidation must not purge")

	foreign := roiInvalidation(9)
	foreign.CampaignID = "c2"
	c.Invalidate(ctx, foreign)
	_, err = c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load(), "other campaigns must not purge")

	other := roiInvalidation(9)
	other.WindowStart = windowStart.AddDate(0, 1, 0)
	c.Invalidate(ctx, other)
	_, err = c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load(), "window outside the range must not purge")

	loader.version.Store(4)
	c.Invalidate(ctx, roiInvalidation(4))
	resp, err := c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.calls.Load())
	assert.Equal(t, int64(4), resp.VersionStamp)
}

func TestInvalidationCoversEveryMetricOfTheWindow(t *testing.T) {
	ctx := context.Background()
	shared := newFakeShared()
	loader := &countingLoader{}
	loader.version.Store(3)
	c := New(testCacheConfig(), loader.load, shared, zap.NewNop())

	_, err := c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	_, err = c.Get(ctx, models.MetricCompletionRate, query())
	require.NoError(t, err)
	require.Equal(t, int32(2), loader.calls.Load())

	loader.version.Store(4)
	ttfv := roiInvalidation(4)
	ttfv.Metric = models.MetricTTFV
	c.Invalidate(ctx, ttfv)
	assert.Empty(t, shared.entries)

	resp, err := c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.VersionStamp, "cached roi reads carry the full snapshot")
	resp, err = c.Get(ctx, models.MetricCompletionRate, query())
	require.NoError(t, err)
	assert.Equal(t, int64(4), resp.VersionStamp)
	assert.Equal(t, int32(4), loader.calls.Load())
}

func TestMaxStalenessIsNeverExceeded(t *testing.T) {
	loader := &countingLoader{}
	c := New(testCacheConfig(), loader.load, nil, zap.NewNop())
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Get(context.Background(), models.MetricROI, query())
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	_, err = c.Get(context.Background(), models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestBoundedWaitServesLastKnown(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	loader.version.Store(7)
	c := New(testCacheConfig(), loader.load, nil, zap.NewNop())

	_, err := c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)

	loader.block = make(chan struct{})
	defer close(loader.block)
	c.Invalidate(ctx, roiInvalidation(8))

	resp, err := c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.True(t, resp.Stale)
	assert.Equal(t, int64(7), resp.VersionStamp)
}

func TestBoundedWaitWithoutLastKnown(t *testing.T) {
	loader := &countingLoader{block: make(chan struct{})}
	defer close(loader.block)
	c := New(testCacheConfig(), loader.load, nil, zap.NewNop())

	_, err := c.Get(context.Background(), models.MetricROI, query())
	assert.ErrorIs(t, err, ErrRecomputeTimeout)
}

func TestConcurrentMissesShareOneRecompute(t *testing.T) {
	loader := &countingLoader{block: make(chan struct{})}
	cfg := testCacheConfig()
	cfg.RecomputeTimeout = time.Second
	c := New(cfg, loader.load, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), models.MetricROI, query())
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return loader.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(loader.block)
	wg.Wait()

	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestSharedTierServesOtherInstances(t *testing.T) {
	ctx := context.Background()
	shared := newFakeShared()
	loader := &countingLoader{}
	loader.version.Store(5)

	a := New(testCacheConfig(), loader.load, shared, zap.NewNop())
	b := New(testCacheConfig(), loader.load, shared, zap.NewNop())

	_, err := a.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	resp, err := b.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Equal(t, int64(5), resp.VersionStamp)

	b.Invalidate(ctx, roiInvalidation(6))
	assert.Equal(t, 1, shared.deletes)
	assert.Empty(t, shared.entries)
}

func TestSharedEntriesOlderThanMinimumAreRejected(t *testing.T) {
	ctx := context.Background()
	shared := newFakeShared()
	loader := &countingLoader{}
	loader.version.Store(5)

	writer := New(testCacheConfig(), loader.load, shared, zap.NewNop())
	_, err := writer.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)

	reader := New(testCacheConfig(), loader.load, nil, zap.NewNop())
	reader.Invalidate(ctx, roiInvalidation(6))
	reader.shared = shared

	loader.version.Store(6)
	resp, err := reader.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int64(6), resp.VersionStamp)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestSharedTierFailureDegradesToLocal(t *testing.T) {
	ctx := context.Background()
	shared := newFakeShared()
	shared.fail = true
	loader := &countingLoader{}
	c := New(testCacheConfig(), loader.load, shared, zap.NewNop())

	_, err := c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.True(t, c.Degraded())

	_, err = c.Get(ctx, models.MetricROI, query())
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())
}

func TestPinnedVersionEntriesIgnoreInvalidations(t *testing.T) {
	ctx := context.Background()
	loader := &countingLoader{}
	loader.version.Store(2)
	c := New(testCacheConfig(), loader.load, nil, zap.NewNop())

	q := query()
	q.Version = 2
	_, err := c.Get(ctx, models.MetricROI, q)
	require.NoError(t, err)
	c.Invalidate(ctx, roiInvalidation(3))
	_, err = c.Get(ctx, models.MetricROI, q)
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.calls.Load())

	zero := query()
	zero.Pinned = true
	assert.NotEqual(t, KeyFor(models.MetricROI, query()), KeyFor(models.MetricROI, zero))
	_, err = c.Get(ctx, models.MetricROI, zero)
	require.NoError(t, err)
	c.Invalidate(ctx, roiInvalidation(4))
	_, err = c.Get(ctx, models.MetricROI, zero)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loader.calls.Load(), "a read pinned at version zero is immutable too")
}

func TestLocalTierIsBounded(t *testing.T) {
	cfg := testCacheConfig()
	cfg.LocalMaxEntries = 2
	loader := &countingLoader{}
	c := New(cfg, loader.load, nil, zap.NewNop())

	for _, metric := range []string{models.MetricROI, models.MetricTTFV, models.MetricCompletionRate} {
		_, err := c.Get(context.Background(), metric, query())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.Len())
}
