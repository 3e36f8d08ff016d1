package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// sendTimeout bounds one transport send.
const sendTimeout = 2 * time.Second

// AsyncPublisher queues invalidations and sends them from a single goroutine.
// Publish never blocks; when the queue is full the invalidation is dropped and
// counted.
type AsyncPublisher struct {
	transport Transport
	queue     chan models.Invalidation
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewAsyncPublisher creates a publisher with a queue of size buffer.
func NewAsyncPublisher(transport Transport, buffer int, m *metrics.Metrics, logger *zap.Logger) *AsyncPublisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AsyncPublisher{
		transport: transport,
		queue:     make(chan models.Invalidation, buffer),
		metrics:   m,
		logger:    logger,
	}
}

// Publish enqueues inv without blocking.
func (p *AsyncPublisher) Publish(inv models.Invalidation) {
	select {
	case p.queue <- inv:
	default:
		p.metrics.RecordInvalidationDropped()
		p.logger.Debug("invalidation dropped",
			zap.String("campaign_id", inv.CampaignID),
			zap.String("metric", inv.Metric),
			zap.Int64("version_stamp", inv.VersionStamp),
		)
	}
}

// Pending returns the number of queued invalidations.
func (p *AsyncPublisher) Pending() int { return len(p.queue) }

// Run drains the queue until ctx is done.
func (p *AsyncPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case inv := <-p.queue:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := p.transport.Send(sendCtx, inv)
			cancel()
			if err != nil {
				p.logger.Warn("invalidation send failed",
					zap.String("transport", p.transport.Name()),
					zap.String("campaign_id", inv.CampaignID),
					zap.Error(err),
				)
				continue
			}
			p.metrics.RecordInvalidation(p.transport.Name())
		}
	}
}
