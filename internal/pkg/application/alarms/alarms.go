package alarms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/application/gaslevel"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
)

type AlertService interface {
	Query(ctx context.Context, deviceID string, activeOnly bool) ([]Alert, error)
	GetByID(ctx context.Context, alertID uint) (Alert, error)
	Acknowledge(ctx context.Context, alertID uint) (Alert, error)
	MarkNotificationSent(ctx context.Context, alertID uint) error
	SetSmsSent(ctx context.Context, alertID uint, sent bool) error
}

var ErrAlertNotFound = fmt.Errorf("alert not found")

// Alert is the ledger entry as presented to operators.
type Alert struct {
	ID               uint       `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	DeviceID         string     `json:"device_id"`
	ReadingID        uint       `json:"reading_id,omitempty"`
	PPM              float64    `json:"ppm"`
	Level            string     `json:"level"`
	Message          string     `json:"message"`
	Active           bool       `json:"is_active"`
	Acknowledged     bool       `json:"is_acknowledged"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	NotificationSent bool       `json:"notification_sent"`
	SmsSent          bool       `json:"sms_sent"`
}

// Message renders the operator facing alert text, i.e. "Gas levels at DANGER level: 75 PPM detected by device d1".
func Message(level gaslevel.Status, ppm float64, deviceID string) string {
	return fmt.Sprintf("Gas levels at %s level: %s PPM detected by device %s",
		strings.ToUpper(level.String()), strconv.FormatFloat(ppm, 'f', -1, 64), deviceID)
}

// Raise classifies reading and appends a new alert when the level is above safe. A nil
// alert is returned for safe readings. Each call creates a new row even if an earlier
// alert for the same device is still active.
func Raise(ctx context.Context, repo database.AlertRepository, reading database.Reading) (*database.Alert, error) {
	level := gaslevel.Classify(reading.PPM)
	if !level.ShouldAlert() {
		return nil, nil
	}

	alert := &database.Alert{
		Timestamp: reading.Timestamp,
		DeviceID:  reading.DeviceID,
		ReadingID: reading.ID,
		PPM:       reading.PPM,
		Level:     level.String(),
		Message:   Message(level, reading.PPM, reading.DeviceID),
		Active:    true,
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	err := repo.AddAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to store alert for device %s: %w", reading.DeviceID, err)
	}

	return alert, nil
}

type alertSvc struct {
	storage database.AlertRepository
}

func New(r database.AlertRepository) AlertService {
	return &alertSvc{
		storage: r,
	}
}

func (svc alertSvc) Query(ctx context.Context, deviceID string, activeOnly bool) ([]Alert, error) {
	rows, err := svc.storage.GetAlerts(ctx, deviceID, activeOnly)
	if err != nil {
		return []Alert{}, err
	}

	alerts := make([]Alert, 0, len(rows))
	for _, r := range rows {
		alerts = append(alerts, toAlert(r))
	}

	return alerts, nil
}

func (svc alertSvc) GetByID(ctx context.Context, alertID uint) (Alert, error) {
	a, err := svc.storage.GetAlertByID(ctx, alertID)
	if err != nil {
		return Alert{}, mapErr(err)
	}

	return toAlert(a), nil
}

// Acknowledge marks the alert as handled by an operator. The alert stays active.
func (svc alertSvc) Acknowledge(ctx context.Context, alertID uint) (Alert, error) {
	err := svc.storage.AcknowledgeAlert(ctx, alertID, time.Now().UTC())
	if err != nil {
		return Alert{}, mapErr(err)
	}

	return svc.GetByID(ctx, alertID)
}

func (svc alertSvc) MarkNotificationSent(ctx context.Context, alertID uint) error {
	return mapErr(svc.storage.SetAlertNotificationSent(ctx, alertID, true))
}

func (svc alertSvc) SetSmsSent(ctx context.Context, alertID uint, sent bool) error {
	return mapErr(svc.storage.SetAlertSmsSent(ctx, alertID, sent))
}

func mapErr(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, err.Error())
	}
	return err
}

func toAlert(a database.Alert) Alert {
	return Alert{
		ID:               a.ID,
		Timestamp:        a.Timestamp.UTC(),
		DeviceID:         a.DeviceID,
		ReadingID:        a.ReadingID,
		PPM:              a.PPM,
		Level:            a.Level,
		Message:          a.Message,
		Active:           a.Active,
		Acknowledged:     a.Acknowledged,
		AcknowledgedAt:   a.AcknowledgedAt,
		NotificationSent: a.NotificationSent,
		SmsSent:          a.SmsSent,
	}
}
