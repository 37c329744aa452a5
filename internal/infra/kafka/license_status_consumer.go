package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
)

const defaultMaxEventAge = 24 * time.Hour

// ErrUnknownStatus is returned for status events naming a status the service does not know.
var ErrUnknownStatus = errors.New("unknown license status")

// LicenseStatusChanger applies an externally requested status change.
type LicenseStatusChanger interface {
	ChangeStatus(ctx context.Context, licenseKey string, next domain.LicenseStatus, reason, actor string) (*domain.License, error)
}

// LicenseStatusEvent is published by billing when a license must change status.
type LicenseStatusEvent struct {
	EventID    string    `json:"event_id"`
	LicenseKey string    `json:"license_key"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LicenseStatusConsumer applies license status events from the billing stream.
type LicenseStatusConsumer struct {
	changer     LicenseStatusChanger
	maxEventAge time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewLicenseStatusConsumer constructs a consumer that forwards status events to the changer.
func NewLicenseStatusConsumer(changer LicenseStatusChanger, maxEventAge time.Duration, logger *zap.Logger) *LicenseStatusConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEventAge <= 0 {
		maxEventAge = defaultMaxEventAge
	}
	return &LicenseStatusConsumer{
		changer:     changer,
		maxEventAge: maxEventAge,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the consumer clock for deterministic testing.
func (c *LicenseStatusConsumer) WithClock(clock func() time.Time) *LicenseStatusConsumer {
	if clock != nil {
		c.now = clock
	}
	return c
}

// HandleMessage decodes a Kafka message prior to processing.
func (c *LicenseStatusConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	var event LicenseStatusEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("decode license status event: %w", err)
	}

	return c.HandleEvent(ctx, event)
}

// HandleEvent applies the status change. Events older than the max age are skipped.
func (c *LicenseStatusConsumer) HandleEvent(ctx context.Context, event LicenseStatusEvent) error {
	if c.changer == nil {
		return nil
	}

	if !event.OccurredAt.IsZero() {
		if age := c.now().Sub(event.OccurredAt); age > c.maxEventAge {
			c.logger.Warn("skip stale license status event",
				zap.String("event_id", event.EventID),
				zap.Duration("age", age),
			)
			return nil
		}
	}

	status, ok := domain.ParseLicenseStatus(event.Status)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, event.Status)
	}

	actor := event.Actor
	if actor == "" {
		actor = "billing"
	}

	if _, err := c.changer.ChangeStatus(ctx, event.LicenseKey, status, event.Reason, actor); err != nil {
		return fmt.Errorf("apply license status event %s: %w", event.EventID, err)
	}
	return nil
}

// GroupHandler adapts the consumer to a sarama consumer group. Messages are
// marked even when they fail so a poison event cannot stall the partition.
type GroupHandler struct {
	consumer *LicenseStatusConsumer
	logger   *zap.Logger
}

// NewGroupHandler wraps the consumer for sarama.ConsumerGroup.Consume.
func NewGroupHandler(consumer *LicenseStatusConsumer, logger *zap.Logger) *GroupHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupHandler{consumer: consumer, logger: logger}
}

func (h *GroupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

func (h *GroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *GroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.consumer.HandleMessage(session.Context(), msg); err != nil {
				h.logger.Warn("license status event rejected",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

// StatusConsumerGroup runs the license status consumer until the context ends.
type StatusConsumerGroup struct {
	group   sarama.ConsumerGroup
	topic   string
	handler sarama.ConsumerGroupHandler
	logger  *zap.Logger
}

// NewStatusConsumerGroup joins the consumer group for the status topic.
func NewStatusConsumerGroup(brokers []string, groupID, topic, clientID string, handler sarama.ConsumerGroupHandler, logger *zap.Logger) (*StatusConsumerGroup, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, newSaramaConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return &StatusConsumerGroup{group: group, topic: topic, handler: handler, logger: logger}, nil
}

// Run consumes until ctx is cancelled, rejoining after each rebalance.
func (g *StatusConsumerGroup) Run(ctx context.Context) error {
	defer func() {
		if err := g.group.Close(); err != nil {
			g.logger.Warn("close kafka consumer group", zap.Error(err))
		}
	}()

	go func() {
		for err := range g.group.Errors() {
			g.logger.Warn("kafka consumer group error", zap.Error(err))
		}
	}()

	g.logger.Info("license status consumer started", zap.String("topic", g.topic))
	for {
		if err := g.group.Consume(ctx, []string{g.topic}, g.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume %s: %w", g.topic, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
