package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// KafkaBus publishes invalidations to a Kafka topic keyed by campaign, so the
// invalidations of one campaign stay ordered. Each cache instance reads with its
// own consumer group.
type KafkaBus struct {
	brokers []string
	topic   string
	groupID string
	writer  *kafka.Writer
	logger  *zap.Logger
}

// NewKafkaBus creates a bus. The writer connects lazily.
func NewKafkaBus(brokers []string, topic, groupID string, logger *zap.Logger) *KafkaBus {
	return &KafkaBus{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: logger,
	}
}

func (b *KafkaBus) Name() string { return "kafka" }

func (b *KafkaBus) Send(ctx context.Context, inv models.Invalidation) error {
	data, err := encode(inv)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(inv.CampaignID),
		Value: data,
		Time:  time.Now(),
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", b.topic, err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(ctx context.Context, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.brokers,
		Topic:       b.topic,
		GroupID:     b.groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			b.logger.Warn("kafka read failed", zap.String("topic", b.topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		inv, err := decode(msg.Value)
		if err != nil {
			b.logger.Warn("dropping malformed invalidation", zap.String("topic", b.topic), zap.Error(err))
			continue
		}
		h(inv)
	}
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
