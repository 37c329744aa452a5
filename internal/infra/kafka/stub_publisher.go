package kafka

import (
	"context"

	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
)

// StubPublisher logs events instead of sending them to Kafka. Useful for development environments.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubPublisher{logger: logger}
}

// PublishSecurityEvent logs license.security events.
func (p *StubPublisher) PublishSecurityEvent(_ context.Context, event domain.SecurityEvent) error {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("action", string(event.Action)),
		zap.Int("encryption_version", event.EncryptionVersion),
		zap.Time("timestamp", event.CreatedAt.UTC()),
	}
	if event.LicenseID != nil {
		fields = append(fields, zap.String("license_id", *event.LicenseID))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}
	p.logger.Debug("stub security event published", fields...)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
