package watchdog

import "time"

// DeviceOffline is published once when a device is marked offline.
type DeviceOffline struct {
	DeviceID     string    `json:"deviceID"`
	LastUpdate   time.Time `json:"lastUpdate"`
	BatteryLevel *int      `json:"batteryLevel,omitempty"`
	DetectedAt   time.Time `json:"detectedAt"`
}

func (d *DeviceOffline) ContentType() string { return "application/json" }

func (d *DeviceOffline) TopicName() string { return "watchdog.deviceOffline" }
