package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/logger"
	"github.com/arklim/extension-license-service/internal/infra/security"
	"github.com/arklim/extension-license-service/internal/repository"
)

// ResetResult reports what a device reset removed.
type ResetResult struct {
	DevicesRemoved  int64
	SessionsRemoved int64
}

// AdminService exposes operator actions on licenses and devices.
type AdminService struct {
	licenses port.LicenseRepository
	devices  port.DeviceRepository
	sessions port.SessionRepository
	audit    *SecurityAuditor
	logger   *zap.Logger
}

// NewAdminService constructs an AdminService.
func NewAdminService(licenses port.LicenseRepository, devices port.DeviceRepository, sessions port.SessionRepository, audit *SecurityAuditor, log *zap.Logger) *AdminService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminService{
		licenses: licenses,
		devices:  devices,
		sessions: sessions,
		audit:    audit,
		logger:   log,
	}
}

// ListDevices returns the license and its device bindings.
func (s *AdminService) ListDevices(ctx context.Context, licenseKey string) (*domain.License, []domain.DeviceBinding, error) {
	license, err := s.license(ctx, licenseKey)
	if err != nil {
		return nil, nil, err
	}
	bindings, err := s.devices.ListByLicense(ctx, license.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list devices: %w", err)
	}
	return license, bindings, nil
}

// ResetDevices removes every binding and session of the license so deactivated devices can activate again.
func (s *AdminService) ResetDevices(ctx context.Context, licenseKey, actor string) (*ResetResult, error) {
	license, err := s.license(ctx, licenseKey)
	if err != nil {
		return nil, err
	}

	sessions, err := s.sessions.DeleteByLicense(ctx, license.ID)
	if err != nil {
		return nil, fmt.Errorf("delete sessions: %w", err)
	}
	devices, err := s.devices.DeleteByLicense(ctx, license.ID)
	if err != nil {
		return nil, fmt.Errorf("delete devices: %w", err)
	}

	event := withLicense(newEvent(domain.ActionDevicesReset, security.RequestMetadata{}, 0), license.ID)
	event.Metadata["actor"] = actor
	event.Metadata["devices_removed"] = devices
	event.Metadata["sessions_removed"] = sessions
	s.audit.Record(ctx, event)

	logger.WithContext(ctx, s.logger).Info("license devices reset",
		zap.String("license_id", license.ID),
		zap.String("actor", actor),
		zap.Int64("devices_removed", devices),
	)
	return &ResetResult{DevicesRemoved: devices, SessionsRemoved: sessions}, nil
}

// DeactivateDevice disables one binding and drops its sessions.
func (s *AdminService) DeactivateDevice(ctx context.Context, licenseKey, fingerprint, actor string) error {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return ErrMissingFingerprint
	}
	license, err := s.license(ctx, licenseKey)
	if err != nil {
		return err
	}

	if err := s.devices.Deactivate(ctx, license.ID, fingerprint); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("deactivate device: %w", err)
	}
	if _, err := s.sessions.DeleteByDevice(ctx, license.ID, fingerprint); err != nil {
		return fmt.Errorf("delete device sessions: %w", err)
	}

	event := withDevice(withLicense(newEvent(domain.ActionDeviceDeactivated, security.RequestMetadata{}, 0), license.ID), fingerprint)
	event.Metadata["actor"] = actor
	s.audit.Record(ctx, event)
	return nil
}

// ChangeStatus moves the license to a new status. Leaving active drops every session.
func (s *AdminService) ChangeStatus(ctx context.Context, licenseKey string, next domain.LicenseStatus, reason, actor string) (*domain.License, error) {
	license, err := s.license(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	if license.Status == next {
		return license, nil
	}
	if !license.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, license.Status, next)
	}

	if err := s.licenses.UpdateStatus(ctx, license.ID, license.Status, next); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrStatusConflict
		}
		return nil, fmt.Errorf("update status: %w", err)
	}

	previous := license.Status
	license.Status = next
	if previous == domain.LicenseStatusActive {
		if _, err := s.sessions.DeleteByLicense(ctx, license.ID); err != nil {
			logger.WithContext(ctx, s.logger).Warn("failed to drop sessions after status change",
				zap.String("license_id", license.ID),
				zap.Error(err),
			)
		}
	}

	event := withLicense(newEvent(domain.ActionLicenseStatusChanged, security.RequestMetadata{}, 0), license.ID)
	event.Metadata["from"] = string(previous)
	event.Metadata["to"] = string(next)
	event.Metadata["reason"] = strings.TrimSpace(reason)
	event.Metadata["actor"] = actor
	s.audit.Record(ctx, event)
	return license, nil
}

func (s *AdminService) license(ctx context.Context, licenseKey string) (*domain.License, error) {
	key := domain.NormalizeLicenseKey(licenseKey)
	if key == "" {
		return nil, ErrMissingParams
	}
	license, err := s.licenses.GetByKey(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("load license: %w", err)
	}
	return license, nil
}
