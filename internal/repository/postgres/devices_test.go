package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/repository"
)

func newBinding(fingerprint string) domain.DeviceBinding {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return domain.DeviceBinding{
		ID:          "dev-" + fingerprint,
		LicenseID:   "lic-1",
		Fingerprint: fingerprint,
		IsActive:    true,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
}

func TestDeviceRepository_BindCreatesWithinLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewDeviceRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM licenses WHERE id = \$1 FOR UPDATE`).
		WithArgs("lic-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lic-1"))
	mock.ExpectQuery(`SELECT id, is_active FROM device_bindings`).
		WithArgs("lic-1", "F1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM device_bindings`).
		WithArgs("lic-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO device_bindings`).
		WithArgs("dev-F1", "lic-1", "F1", true, pgxmock.AnyArg(), pgxmock.AnyArg(), nil, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	outcome, err := repo.Bind(context.Background(), newBinding("F1"), 1)
	if err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}
	if outcome != domain.BindOutcomeCreated {
		t.Fatalf("expected created outcome, got %s", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeviceRepository_BindRejectsWhenFull(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewDeviceRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM licenses WHERE id = \$1 FOR UPDATE`).
		WithArgs("lic-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lic-1"))
	mock.ExpectQuery(`SELECT id, is_active FROM device_bindings`).
		WithArgs("lic-1", "F2").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM device_bindings`).
		WithArgs("lic-1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	outcome, err := repo.Bind(context.Background(), newBinding("F2"), 1)
	if err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}
	if outcome != domain.BindOutcomeLimitReached {
		t.Fatalf("expected limit reached, got %s", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeviceRepository_BindRefreshesExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewDeviceRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM licenses WHERE id = \$1 FOR UPDATE`).
		WithArgs("lic-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lic-1"))
	mock.ExpectQuery(`SELECT id, is_active FROM device_bindings`).
		WithArgs("lic-1", "F1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "is_active"}).AddRow("dev-F1", true))
	mock.ExpectExec(`UPDATE device_bindings SET last_seen_at`).
		WithArgs("dev-F1", pgxmock.AnyArg(), nil).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	outcome, err := repo.Bind(context.Background(), newBinding("F1"), 1)
	if err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}
	if outcome != domain.BindOutcomeRefreshed {
		t.Fatalf("expected refreshed outcome, got %s", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeviceRepository_BindReportsDeactivated(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewDeviceRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM licenses WHERE id = \$1 FOR UPDATE`).
		WithArgs("lic-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("lic-1"))
	mock.ExpectQuery(`SELECT id, is_active FROM device_bindings`).
		WithArgs("lic-1", "F1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "is_active"}).AddRow("dev-F1", false))
	mock.ExpectCommit()

	outcome, err := repo.Bind(context.Background(), newBinding("F1"), 3)
	if err != nil {
		t.Fatalf("Bind returned error: %v", err)
	}
	if outcome != domain.BindOutcomeDeactivated {
		t.Fatalf("expected deactivated outcome, got %s", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeviceRepository_BindUnknownLicenseRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewDeviceRepository(mock)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM licenses WHERE id = \$1 FOR UPDATE`).
		WithArgs("lic-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	if _, err := repo.Bind(context.Background(), newBinding("F1"), 1); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeviceRepository_Deactivate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewDeviceRepository(mock)
	mock.ExpectExec(`UPDATE device_bindings SET is_active`).
		WithArgs(false, "F9", "lic-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	if err := repo.Deactivate(context.Background(), "lic-1", "F9"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
