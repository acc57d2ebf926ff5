package database

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

func (d *datastore) AddAlert(ctx context.Context, alert *Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}
	alert.Active = true

	return d.db.WithContext(ctx).Create(alert).Error
}

func (d *datastore) GetAlertByID(ctx context.Context, alertID uint) (Alert, error) {
	alert := Alert{}

	err := d.db.WithContext(ctx).First(&alert, alertID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Alert{}, ErrNotFound
		}
		return Alert{}, err
	}

	return alert, nil
}

func (d *datastore) GetAlerts(ctx context.Context, deviceID string, onlyActive bool) ([]Alert, error) {
	alerts := []Alert{}

	query := d.db.WithContext(ctx)

	if deviceID != "" {
		query = query.Where("device_id = ?", deviceID)
	}

	if onlyActive {
		query = query.Where("active = ?", true)
	}

	err := query.Order("timestamp desc").Order("id desc").Find(&alerts).Error
	if err != nil {
		return []Alert{}, err
	}

	return alerts, nil
}

func (d *datastore) AcknowledgeAlert(ctx context.Context, alertID uint, at time.Time) error {
	at = at.UTC()
	return d.updateAlert(ctx, alertID, map[string]any{
		"acknowledged":    true,
		"acknowledged_at": &at,
	})
}

func (d *datastore) SetAlertNotificationSent(ctx context.Context, alertID uint, sent bool) error {
	return d.updateAlert(ctx, alertID, map[string]any{"notification_sent": sent})
}

func (d *datastore) SetAlertSmsSent(ctx context.Context, alertID uint, sent bool) error {
	return d.updateAlert(ctx, alertID, map[string]any{"sms_sent": sent})
}

func (d *datastore) updateAlert(ctx context.Context, alertID uint, fields map[string]any) error {
	result := d.db.WithContext(ctx).
		Model(&Alert{}).
		Where("id = ?", alertID).
		Updates(fields)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}
