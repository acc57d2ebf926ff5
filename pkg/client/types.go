package client

import "time"

type SensorData struct {
	PPM             float64  `json:"ppm"`
	DeviceID        string   `json:"device_id,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	Humidity        *float64 `json:"humidity,omitempty"`
	BatteryLevel    *int     `json:"battery_level,omitempty"`
	WifiStrength    *int     `json:"wifi_strength,omitempty"`
	GsmSignal       *int     `json:"gsm_signal,omitempty"`
	FirmwareVersion *string  `json:"firmware_version,omitempty"`
	GsmReady        bool     `json:"gsm_ready,omitempty"`
}

type IngestResult struct {
	Success     bool   `json:"success"`
	ReadingID   uint   `json:"reading_id"`
	Status      string `json:"status"`
	ShouldAlert bool   `json:"should_alert"`
	AlertID     *uint  `json:"alert_id,omitempty"`
}

type Reading struct {
	DeviceID    string     `json:"device_id,omitempty"`
	PPM         float64    `json:"ppm"`
	Status      string     `json:"status,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	Humidity    *float64   `json:"humidity,omitempty"`
}

type Alert struct {
	ID               uint       `json:"id"`
	Timestamp        time.Time  `json:"timestamp"`
	DeviceID         string     `json:"device_id"`
	ReadingID        uint       `json:"reading_id"`
	PPM              float64    `json:"ppm"`
	Level            string     `json:"level"`
	Message          string     `json:"message"`
	Active           bool       `json:"is_active"`
	Acknowledged     bool       `json:"is_acknowledged"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at"`
	NotificationSent bool       `json:"notification_sent"`
	SmsSent          bool       `json:"sms_sent"`
}
