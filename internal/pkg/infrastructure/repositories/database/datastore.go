package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = fmt.Errorf("not found")
var ErrRepositoryError = fmt.Errorf("could not fetch data from repository")

type ReadingRepository interface {
	AddReading(ctx context.Context, reading *Reading) error
	GetLatestReading(ctx context.Context, deviceID string) (Reading, error)
	GetReadings(ctx context.Context, deviceID string, since time.Time) ([]Reading, error)
	ReadingExistsNear(ctx context.Context, deviceID string, at time.Time, tolerance time.Duration) (bool, error)
	CountReadings(ctx context.Context, deviceID string) (int64, error)
}

type AlertRepository interface {
	AddAlert(ctx context.Context, alert *Alert) error
	GetAlertByID(ctx context.Context, alertID uint) (Alert, error)
	GetAlerts(ctx context.Context, deviceID string, onlyActive bool) ([]Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID uint, at time.Time) error
	SetAlertNotificationSent(ctx context.Context, alertID uint, sent bool) error
	SetAlertSmsSent(ctx context.Context, alertID uint, sent bool) error
}

type DeviceStatusRepository interface {
	GetDeviceStatus(ctx context.Context, deviceID string) (DeviceStatus, error)
	// GetDeviceStatusForUpdate locks the row until the surrounding transaction ends.
	GetDeviceStatusForUpdate(ctx context.Context, deviceID string) (DeviceStatus, error)
	// CreateDeviceStatus inserts status unless a row for the device already exists and
	// reports whether it was inserted.
	CreateDeviceStatus(ctx context.Context, status *DeviceStatus) (bool, error)
	SaveDeviceStatus(ctx context.Context, status *DeviceStatus) error
	GetOnlineDevicesNotUpdatedSince(ctx context.Context, since time.Time) ([]DeviceStatus, error)
	// MarkDeviceOffline sets a device offline only if it is still online and has not been
	// updated since the given time. It reports whether the row changed.
	MarkDeviceOffline(ctx context.Context, deviceID string, notUpdatedSince time.Time) (bool, error)
}

type Datastore interface {
	ReadingRepository
	AlertRepository
	DeviceStatusRepository

	// Transaction runs fn against a Datastore bound to a single database transaction.
	// The transaction is committed when fn returns nil and rolled back otherwise.
	Transaction(ctx context.Context, fn func(tx Datastore) error) error
}

type datastore struct {
	db *gorm.DB
}

func NewDatastore(connect ConnectorFunc) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	err = impl.AutoMigrate(&Reading{}, &Alert{}, &DeviceStatus{})
	if err != nil {
		return nil, err
	}

	return &datastore{
		db: impl,
	}, nil
}

func (d *datastore) Transaction(ctx context.Context, fn func(tx Datastore) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&datastore{db: tx})
	})
}

func (d *datastore) Close() error {
	sqldb, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}
