package port

import (
	"context"
	"time"

	"github.com/arklim/extension-license-service/internal/core/domain"
)

// LicenseRepository provides access to licenses and their subscriptions.
type LicenseRepository interface {
	GetByKey(ctx context.Context, key string) (*domain.License, error)
	GetByID(ctx context.Context, id string) (*domain.License, error)
	// UpdateStatus moves the license from one status to another; it returns
	// repository.ErrNotFound when the license is no longer in the expected status.
	UpdateStatus(ctx context.Context, id string, from, to domain.LicenseStatus) error
	MarkValidated(ctx context.Context, id string, at time.Time) error
	GetSubscription(ctx context.Context, id string) (*domain.Subscription, error)
	// ExpireSubscription atomically marks the subscription expired and suspends the license.
	ExpireSubscription(ctx context.Context, subscriptionID, licenseID string, at time.Time) error
}
