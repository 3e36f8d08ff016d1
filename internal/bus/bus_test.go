package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
)

type collector struct {
	mu  sync.Mutex
	got []models.Invalidation
}

func (c *collector) handle(inv models.Invalidation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, inv)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func subscribe(t *testing.T, b *LocalBus, c *collector) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	before := b.Subscribers()
	go b.Subscribe(ctx, c.handle)
	require.Eventually(t, func() bool { return b.Subscribers() == before+1 }, time.Second, 5*time.Millisecond)
	return cancel
}

func TestLocalBusFansOut(t *testing.T) {
	b := NewLocalBus(8)
	first, second := &collector{}, &collector{}
	defer subscribe(t, b, first)()
	defer subscribe(t, b, second)()

	inv := models.Invalidation{CampaignID: "c1", Metric: models.MetricROI, Granularity: models.GranularityDay, VersionStamp: 3}
	require.NoError(t, b.Send(context.Background(), inv))

	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, inv, first.got[0])
}

func TestLocalBusUnsubscribesOnCancel(t *testing.T) {
	b := NewLocalBus(8)
	cancel := subscribe(t, b, &collector{})
	cancel()
	require.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Close())
}

func TestAsyncPublisherDropsWhenFull(t *testing.T) {
	m := metrics.NewMetricsWith("test", prometheus.NewRegistry())
	p := NewAsyncPublisher(NewLocalBus(1), 2, m, zap.NewNop())

	for i := 0; i < 5; i++ {
		p.Publish(models.Invalidation{CampaignID: "c1", VersionStamp: int64(i)})
	}
	assert.Equal(t, 2, p.Pending())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.InvalidationsDropped))
}

func TestAsyncPublisherDelivers(t *testing.T) {
	b := NewLocalBus(8)
	c := &collector{}
	defer subscribe(t, b, c)()

	p := NewAsyncPublisher(b, 8, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Publish(models.Invalidation{CampaignID: "c1", VersionStamp: 1})
	p.Publish(models.Invalidation{CampaignID: "c1", VersionStamp: 2})

	require.Eventually(t, func() bool { return c.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), c.got[1].VersionStamp)
}

func TestNewSelectsTransport(t *testing.T) {
	cfg := &config.Config{Bus: config.BusConfig{Transport: "local", BufferSize: 4}}
	tr, err := New(cfg, nil, "", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "local", tr.Name())

	cfg.Bus.Transport = "redis"
	_, err = New(cfg, nil, "", zap.NewNop())
	assert.Error(t, err)

	cfg.Bus.Transport = "kafka"
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	tr, err = New(cfg, nil, "node-1", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "kafka", tr.Name())
	assert.Equal(t, "-node-1", tr.(*KafkaBus).groupID)
	require.NoError(t, tr.Close())
}
