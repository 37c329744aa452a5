package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/config"
)

const (
	schemaVersion        = "1.0"
	defaultSecurityTopic = "license.security"
)

// EventPublisher implements port.EventPublisher using Kafka.
type EventPublisher struct {
	producer *Producer
	topic    string
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewEventPublisher constructs a Kafka-backed security event publisher.
func NewEventPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *EventPublisher {
	topic := producer.cfg.SecurityTopic
	if topic == "" {
		topic = defaultSecurityTopic
	}
	return &EventPublisher{
		producer: producer,
		topic:    producer.TopicName(topic),
		appCfg:   appCfg,
		logger:   logger,
	}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID     string           `json:"event_id"`
	EventType   string           `json:"event_type"`
	AggregateID string           `json:"aggregate_id,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Version     string           `json:"version"`
	Payload     any              `json:"payload"`
	Metadata    envelopeMetadata `json:"metadata,omitempty"`
}

type securityEventPayload struct {
	Action            string         `json:"action"`
	LicenseID         *string        `json:"license_id,omitempty"`
	DeviceFingerprint *string        `json:"device_fingerprint,omitempty"`
	IPAddress         *string        `json:"ip_address,omitempty"`
	UserAgent         *string        `json:"user_agent,omitempty"`
	EncryptionVersion int            `json:"encryption_version,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// PublishSecurityEvent publishes license.security events keyed by license id.
func (p *EventPublisher) PublishSecurityEvent(ctx context.Context, event domain.SecurityEvent) error {
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	id := event.ID
	if id == "" {
		id = uuid.NewString()
	}

	var aggregateID string
	if event.LicenseID != nil {
		aggregateID = *event.LicenseID
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:     id,
		EventType:   "license.security." + string(event.Action),
		AggregateID: aggregateID,
		Timestamp:   ts.UTC(),
		Version:     schemaVersion,
		Payload: securityEventPayload{
			Action:            string(event.Action),
			LicenseID:         event.LicenseID,
			DeviceFingerprint: event.DeviceFingerprint,
			IPAddress:         event.IPAddress,
			UserAgent:         event.UserAgent,
			EncryptionVersion: event.EncryptionVersion,
			Metadata:          event.Metadata,
			CreatedAt:         ts.UTC(),
		},
		Metadata: metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(bytes),
	}
	if aggregateID != "" {
		message.Key = sarama.StringEncoder(aggregateID)
	}

	select {
	case p.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ port.EventPublisher = (*EventPublisher)(nil)
