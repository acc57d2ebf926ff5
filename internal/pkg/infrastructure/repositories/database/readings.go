package database

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"gorm.io/gorm"
)

func (d *datastore) AddReading(ctx context.Context, reading *Reading) error {
	if reading.Timestamp.IsZero() {
		reading.Timestamp = time.Now().UTC()
	} else {
		reading.Timestamp = reading.Timestamp.UTC()
	}

	return d.db.WithContext(ctx).Create(reading).Error
}

func (d *datastore) GetLatestReading(ctx context.Context, deviceID string) (Reading, error) {
	reading := Reading{}

	err := d.db.WithContext(ctx).
		Where(&Reading{DeviceID: deviceID}).
		Order("timestamp desc").
		First(&reading).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Reading{}, ErrNotFound
		}

		log := logging.GetFromContext(ctx)
		log.Error().Err(err).Msg("gorm error")
		return Reading{}, ErrRepositoryError
	}

	return reading, nil
}

func (d *datastore) GetReadings(ctx context.Context, deviceID string, since time.Time) ([]Reading, error) {
	readings := []Reading{}

	err := d.db.WithContext(ctx).
		Where("device_id = ? AND timestamp >= ?", deviceID, since.UTC()).
		Order("timestamp asc").
		Find(&readings).
		Error

	if err != nil {
		return []Reading{}, err
	}

	return readings, nil
}

// ReadingExistsNear reports whether a reading for deviceID exists with a timestamp
// within [at-tolerance, at+tolerance].
func (d *datastore) ReadingExistsNear(ctx context.Context, deviceID string, at time.Time, tolerance time.Duration) (bool, error) {
	var count int64

	at = at.UTC()

	err := d.db.WithContext(ctx).
		Model(&Reading{}).
		Where("device_id = ? AND timestamp >= ? AND timestamp <= ?", deviceID, at.Add(-tolerance), at.Add(tolerance)).
		Limit(1).
		Count(&count).
		Error

	if err != nil {
		return false, err
	}

	return count > 0, nil
}

func (d *datastore) CountReadings(ctx context.Context, deviceID string) (int64, error) {
	var count int64

	query := d.db.WithContext(ctx).Model(&Reading{})
	if deviceID != "" {
		query = query.Where(&Reading{DeviceID: deviceID})
	}

	err := query.Count(&count).Error
	return count, err
}
