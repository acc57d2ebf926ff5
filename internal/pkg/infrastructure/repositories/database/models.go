package database

import (
	"time"
)

const (
	SourceDevice string = "device"
	SourceCloud  string = "cloud"
)

// Reading is a single concentration sample. Rows are only ever inserted.
type Reading struct {
	ID          uint      `gorm:"primarykey"`
	Timestamp   time.Time `gorm:"index:idx_readings_device_time,priority:2;not null"`
	DeviceID    string    `gorm:"index:idx_readings_device_time,priority:1;size:50;not null"`
	PPM         float64   `gorm:"column:ppm;not null"`
	Temperature *float64
	Humidity    *float64
	Source      string `gorm:"size:20"`
}

type Alert struct {
	ID               uint      `gorm:"primarykey"`
	Timestamp        time.Time `gorm:"index;not null"`
	DeviceID         string    `gorm:"index;size:50;not null"`
	ReadingID        uint
	PPM              float64 `gorm:"column:ppm"`
	Level            string  `gorm:"size:20;not null"`
	Message          string  `gorm:"size:200;not null"`
	Active           bool    `gorm:"not null;default:true"`
	Acknowledged     bool    `gorm:"not null;default:false"`
	AcknowledgedAt   *time.Time
	NotificationSent bool `gorm:"not null;default:false"`
	SmsSent          bool `gorm:"not null;default:false"`
}

// DeviceStatus holds the latest known state of a device, one row per device id.
type DeviceStatus struct {
	ID              uint      `gorm:"primarykey"`
	DeviceID        string    `gorm:"uniqueIndex;size:50;not null"`
	LastUpdate      time.Time `gorm:"not null"`
	Online          bool      `gorm:"not null"`
	BatteryLevel    *int
	WifiStrength    *int
	GsmSignal       *int
	FirmwareVersion *string `gorm:"size:20"`
}

func (DeviceStatus) TableName() string {
	return "device_status"
}
