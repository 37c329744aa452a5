package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/infra/config"
)

type fakeAsyncProducer struct {
	input  chan *sarama.ProducerMessage
	errors chan *sarama.ProducerError
}

func newFakeAsyncProducer() *fakeAsyncProducer {
	return &fakeAsyncProducer{
		input:  make(chan *sarama.ProducerMessage, 1),
		errors: make(chan *sarama.ProducerError, 1),
	}
}

func (f *fakeAsyncProducer) AsyncClose() {}

func (f *fakeAsyncProducer) Close() error { return nil }

func (f *fakeAsyncProducer) Input() chan<- *sarama.ProducerMessage { return f.input }

func (f *fakeAsyncProducer) Successes() <-chan *sarama.ProducerMessage { return nil }

func (f *fakeAsyncProducer) Errors() <-chan *sarama.ProducerError { return f.errors }

func (f *fakeAsyncProducer) IsTransactional() bool { return false }

func (f *fakeAsyncProducer) BeginTxn() error { return nil }

func (f *fakeAsyncProducer) CommitTxn() error { return nil }

func (f *fakeAsyncProducer) AbortTxn() error { return nil }

func (f *fakeAsyncProducer) AddOffsetsToTxn(offsets map[string][]*sarama.PartitionOffsetMetadata, groupID string) error {
	return nil
}

func (f *fakeAsyncProducer) AddMessageToTxn(msg *sarama.ConsumerMessage, groupID string, metadata *string) error {
	return nil
}

func (f *fakeAsyncProducer) TxnStatus() sarama.ProducerTxnStatusFlag {
	return sarama.ProducerTxnStatusFlag(0)
}

func TestPublishSecurityEvent(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	producer := newProducer(asyncProducer, config.KafkaSettings{
		TopicPrefix:   "prod",
		SecurityTopic: "license.security",
	}, zaptest.NewLogger(t))
	defer producer.Close()

	publisher := NewEventPublisher(producer, config.AppSettings{
		Name: "extension-license-service",
		Env:  "test",
	}, zaptest.NewLogger(t))

	licenseID := "lic-123"
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := domain.SecurityEvent{
		ID:                "event-1",
		Action:            domain.ActionIntegrityViolation,
		LicenseID:         &licenseID,
		EncryptionVersion: 2,
		Metadata:          map[string]any{"expected_hash": "abc"},
		CreatedAt:         createdAt,
	}

	if err := publisher.PublishSecurityEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishSecurityEvent returned error: %v", err)
	}

	select {
	case msg := <-asyncProducer.input:
		if msg.Topic != "prod.license.security" {
			t.Fatalf("unexpected topic: %s", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil || string(key) != licenseID {
			t.Fatalf("expected license id partition key, got %q (%v)", key, err)
		}

		bytes, err := msg.Value.Encode()
		if err != nil {
			t.Fatalf("Value.Encode returned error: %v", err)
		}

		var envelope map[string]any
		if err := json.Unmarshal(bytes, &envelope); err != nil {
			t.Fatalf("failed to unmarshal envelope: %v", err)
		}

		if got := envelope["event_type"]; got != "license.security.integrity_violation" {
			t.Fatalf("unexpected event_type: %v", got)
		}
		if got := envelope["aggregate_id"]; got != licenseID {
			t.Fatalf("unexpected aggregate_id: %v", got)
		}
		if got := envelope["timestamp"]; got != createdAt.Format(time.RFC3339Nano) {
			t.Fatalf("unexpected timestamp: %v", got)
		}

		payload, ok := envelope["payload"].(map[string]any)
		if !ok {
			t.Fatalf("payload not a map: %T", envelope["payload"])
		}
		if payload["action"] != "integrity_violation" || payload["encryption_version"] != float64(2) {
			t.Fatalf("unexpected payload: %v", payload)
		}
		metadata, ok := payload["metadata"].(map[string]any)
		if !ok || metadata["expected_hash"] != "abc" {
			t.Fatalf("metadata did not round-trip: %v", payload["metadata"])
		}

		envelopeMetadata, ok := envelope["metadata"].(map[string]any)
		if !ok {
			t.Fatalf("envelope metadata not a map: %T", envelope["metadata"])
		}
		if envelopeMetadata["service"] != "extension-license-service" || envelopeMetadata["environment"] != "test" {
			t.Fatalf("unexpected envelope metadata: %v", envelopeMetadata)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on async producer input channel")
	}
}

func TestPublishSecurityEventWithoutLicenseHasNoKey(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	producer := newProducer(asyncProducer, config.KafkaSettings{}, zaptest.NewLogger(t))
	defer producer.Close()
	publisher := NewEventPublisher(producer, config.AppSettings{}, zaptest.NewLogger(t))

	if err := publisher.PublishSecurityEvent(context.Background(), domain.SecurityEvent{Action: domain.ActionProxyDetected}); err != nil {
		t.Fatalf("PublishSecurityEvent returned error: %v", err)
	}

	msg := <-asyncProducer.input
	if msg.Topic != "license.security" {
		t.Fatalf("unexpected default topic: %s", msg.Topic)
	}
	if msg.Key != nil {
		t.Fatalf("events without a license should not be keyed")
	}
}

func TestPublishSecurityEventHonoursCancellation(t *testing.T) {
	asyncProducer := newFakeAsyncProducer()
	asyncProducer.input = make(chan *sarama.ProducerMessage)
	producer := newProducer(asyncProducer, config.KafkaSettings{}, zaptest.NewLogger(t))
	defer producer.Close()
	publisher := NewEventPublisher(producer, config.AppSettings{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := publisher.PublishSecurityEvent(ctx, domain.SecurityEvent{Action: domain.ActionProxyDetected}); err == nil {
		t.Fatalf("expected context error when the producer is saturated")
	}
}

func TestTopicName(t *testing.T) {
	cases := []struct {
		prefix, topic, want string
	}{
		{"", "license.security", "license.security"},
		{"prod", "license.security", "prod.license.security"},
		{"prod", "prod.license.security", "prod.license.security"},
	}
	for _, tc := range cases {
		if got := prefixedTopic(tc.prefix, tc.topic); got != tc.want {
			t.Fatalf("prefixedTopic(%q, %q) = %q, want %q", tc.prefix, tc.topic, got, tc.want)
		}
	}
}

func TestStubPublisherNeverFails(t *testing.T) {
	publisher := NewStubPublisher(zaptest.NewLogger(t))
	if err := publisher.PublishSecurityEvent(context.Background(), domain.SecurityEvent{Action: domain.ActionSessionCreated}); err != nil {
		t.Fatalf("stub publisher returned error: %v", err)
	}
}
