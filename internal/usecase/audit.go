package usecase

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/logger"
	"github.com/arklim/extension-license-service/internal/infra/security"
)

// SecurityAuditor writes security events to license_logs and mirrors them to the event stream.
// Failures are logged and never abort the request being audited.
type SecurityAuditor struct {
	logs   port.SecurityLogRepository
	events port.EventPublisher
	logger *zap.Logger
	now    func() time.Time
}

// NewSecurityAuditor constructs an auditor. Either sink may be nil.
func NewSecurityAuditor(logs port.SecurityLogRepository, events port.EventPublisher, log *zap.Logger) *SecurityAuditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &SecurityAuditor{
		logs:   logs,
		events: events,
		logger: log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (a *SecurityAuditor) WithClock(clock func() time.Time) *SecurityAuditor {
	if clock != nil {
		a.now = clock
	}
	return a
}

// Record persists and publishes the event.
func (a *SecurityAuditor) Record(ctx context.Context, event domain.SecurityEvent) {
	if a == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = a.now()
	}

	log := logger.WithContext(ctx, a.logger).With(zap.String("action", string(event.Action)))

	if a.logs != nil {
		if err := a.logs.Append(ctx, event); err != nil {
			log.Warn("failed to append license log", zap.Error(err))
		}
	}
	if a.events != nil {
		if err := a.events.PublishSecurityEvent(ctx, event); err != nil {
			log.Warn("failed to publish security event", zap.Error(err))
		}
	}
}

// newEvent seeds an event with the client metadata of the request.
func newEvent(action domain.SecurityAction, client security.RequestMetadata, version int) domain.SecurityEvent {
	event := domain.SecurityEvent{
		Action:            action,
		EncryptionVersion: version,
		Metadata:          map[string]any{},
	}
	if ip := strings.TrimSpace(client.IP); ip != "" {
		event.IPAddress = &ip
	}
	if ua := strings.TrimSpace(client.UserAgent); ua != "" {
		event.UserAgent = &ua
	}
	return event
}

func withLicense(event domain.SecurityEvent, licenseID string) domain.SecurityEvent {
	if licenseID != "" {
		event.LicenseID = &licenseID
	}
	return event
}

func withDevice(event domain.SecurityEvent, fingerprint string) domain.SecurityEvent {
	if fingerprint != "" {
		event.DeviceFingerprint = &fingerprint
	}
	return event
}

func stringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
