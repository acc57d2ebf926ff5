package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/application/alarms"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/devicestatus"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/gaslevel"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/notifications"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
)

var ErrInvalidPayload = fmt.Errorf("invalid data format")

// SensorData is the payload pushed by a sensor device.
type SensorData struct {
	PPM             *float64 `json:"ppm"`
	DeviceID        string   `json:"device_id,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	Humidity        *float64 `json:"humidity,omitempty"`
	BatteryLevel    *int     `json:"battery_level,omitempty"`
	WifiStrength    *int     `json:"wifi_strength,omitempty"`
	GsmSignal       *int     `json:"gsm_signal,omitempty"`
	FirmwareVersion *string  `json:"firmware_version,omitempty"`
	GsmReady        bool     `json:"gsm_ready,omitempty"`
}

type Result struct {
	Success     bool            `json:"success"`
	ReadingID   uint            `json:"reading_id"`
	Status      gaslevel.Status `json:"status"`
	ShouldAlert bool            `json:"should_alert"`
	AlertID     *uint           `json:"alert_id,omitempty"`
}

type Service interface {
	Ingest(ctx context.Context, data SensorData) (Result, error)
}

type service struct {
	store    database.Datastore
	notifier notifications.Notifier
	now      func() time.Time
}

func New(store database.Datastore, n notifications.Notifier) Service {
	return &service{
		store:    store,
		notifier: n,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest validates and stores a pushed reading together with the device status and, for
// readings above safe, a new alert. Notification happens after the commit and a failure
// to notify is only logged.
func (s *service) Ingest(ctx context.Context, data SensorData) (Result, error) {
	if data.PPM == nil {
		return Result{}, fmt.Errorf("%w: ppm is missing", ErrInvalidPayload)
	}

	deviceID := strings.TrimSpace(data.DeviceID)
	if deviceID == "" {
		deviceID = devicestatus.DefaultDeviceID
	}

	logger := logging.GetFromContext(ctx).With().Str("device_id", deviceID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	if devicestatus.IsCloudDeviceID(deviceID) {
		return Result{}, fmt.Errorf("%w: device id %s is reserved for cloud readings", ErrInvalidPayload, deviceID)
	}

	ppm := *data.PPM
	if err := gaslevel.Validate(ppm); err != nil {
		logger.Warn().Err(err).Msg("invalid reading")
		return Result{}, err
	}

	now := s.now()
	level := gaslevel.Classify(ppm)

	reading := database.Reading{
		Timestamp:   now,
		DeviceID:    deviceID,
		PPM:         ppm,
		Temperature: data.Temperature,
		Humidity:    data.Humidity,
		Source:      database.SourceDevice,
	}

	var alert *database.Alert

	err := s.store.Transaction(ctx, func(tx database.Datastore) error {
		if err := tx.AddReading(ctx, &reading); err != nil {
			return err
		}

		online := true
		_, err := devicestatus.Upsert(ctx, tx, devicestatus.Update{
			DeviceID:        deviceID,
			Timestamp:       now,
			Online:          &online,
			BatteryLevel:    data.BatteryLevel,
			WifiStrength:    data.WifiStrength,
			GsmSignal:       data.GsmSignal,
			FirmwareVersion: data.FirmwareVersion,
		})
		if err != nil {
			return err
		}

		alert, err = alarms.Raise(ctx, tx, reading)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to store sensor data")
		return Result{}, fmt.Errorf("failed to store sensor data: %w", err)
	}

	metrics.ReadingStored(database.SourceDevice, ppm)

	result := Result{
		Success:     true,
		ReadingID:   reading.ID,
		Status:      level,
		ShouldAlert: level.ShouldAlert(),
	}

	if alert != nil {
		metrics.AlertsRaised.WithLabelValues(alert.Level).Inc()
		result.AlertID = &alert.ID
		s.notify(ctx, *alert, data.GsmReady)
	}

	return result, nil
}

func (s *service) notify(ctx context.Context, alert database.Alert, gsmReady bool) {
	logger := logging.GetFromContext(ctx)

	if s.notifier == nil {
		return
	}

	err := s.notifier.Notify(ctx, alert)
	if err != nil {
		logger.Error().Err(err).Uint("alertID", alert.ID).Msg("failed to process notification")
		return
	}

	if err = s.store.SetAlertNotificationSent(ctx, alert.ID, true); err != nil {
		logger.Error().Err(err).Uint("alertID", alert.ID).Msg("failed to mark notification as sent")
	}

	// the device sends the sms itself when its gsm module reports ready
	if gsmReady {
		if err = s.store.SetAlertSmsSent(ctx, alert.ID, true); err != nil {
			logger.Error().Err(err).Uint("alertID", alert.ID).Msg("failed to mark sms as queued")
		}
	}
}
