package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (d *datastore) GetDeviceStatus(ctx context.Context, deviceID string) (DeviceStatus, error) {
	return d.getDeviceStatus(d.db.WithContext(ctx), deviceID)
}

func (d *datastore) GetDeviceStatusForUpdate(ctx context.Context, deviceID string) (DeviceStatus, error) {
	db := d.db.WithContext(ctx)

	// sqlite has no row locks, its single connection already serializes writers
	if db.Dialector.Name() != "sqlite" {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	return d.getDeviceStatus(db, deviceID)
}

func (d *datastore) getDeviceStatus(db *gorm.DB, deviceID string) (DeviceStatus, error) {
	status := DeviceStatus{}

	err := db.
		Where(&DeviceStatus{DeviceID: deviceID}).
		First(&status).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DeviceStatus{}, ErrNotFound
		}
		return DeviceStatus{}, err
	}

	return status, nil
}

func (d *datastore) CreateDeviceStatus(ctx context.Context, status *DeviceStatus) (bool, error) {
	if strings.TrimSpace(status.DeviceID) == "" {
		return false, errors.New("device status without device id")
	}

	status.LastUpdate = status.LastUpdate.UTC()

	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}},
			DoNothing: true,
		}).
		Create(status)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// SaveDeviceStatus inserts a new status row when status.ID is zero and overwrites the
// stored row otherwise. Callers merge partial updates before saving.
func (d *datastore) SaveDeviceStatus(ctx context.Context, status *DeviceStatus) error {
	if strings.TrimSpace(status.DeviceID) == "" {
		return errors.New("device status without device id")
	}

	status.LastUpdate = status.LastUpdate.UTC()

	return d.db.WithContext(ctx).Save(status).Error
}

func (d *datastore) GetOnlineDevicesNotUpdatedSince(ctx context.Context, since time.Time) ([]DeviceStatus, error) {
	statuses := []DeviceStatus{}

	err := d.db.WithContext(ctx).
		Where("online = ? AND last_update < ?", true, since.UTC()).
		Order("device_id").
		Find(&statuses).
		Error

	return statuses, err
}

func (d *datastore) MarkDeviceOffline(ctx context.Context, deviceID string, notUpdatedSince time.Time) (bool, error) {
	result := d.db.WithContext(ctx).
		Model(&DeviceStatus{}).
		Where("device_id = ? AND online = ? AND last_update < ?", deviceID, true, notUpdatedSince.UTC()).
		Update("online", false)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}
