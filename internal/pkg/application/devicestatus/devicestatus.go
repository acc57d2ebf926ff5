package devicestatus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
)

// Update carries the fields observed for a device in one ingestion. Nil fields were not
// observed and leave the stored value untouched.
type Update struct {
	DeviceID        string
	Timestamp       time.Time
	Online          *bool
	BatteryLevel    *int
	WifiStrength    *int
	GsmSignal       *int
	FirmwareVersion *string
}

const (
	StateOnline  string = "online"
	StateOffline string = "offline"
	StateUnknown string = "unknown"
)

// Status is the read model returned to dashboards.
type Status struct {
	DeviceID        string     `json:"device_id"`
	State           string     `json:"status"`
	Online          bool       `json:"is_online"`
	BatteryLevel    *int       `json:"battery_level"`
	WifiStrength    *int       `json:"wifi_strength"`
	GsmSignal       *int       `json:"gsm_signal"`
	FirmwareVersion *string    `json:"firmware_version"`
	LastUpdate      *time.Time `json:"last_update"`
}

var ErrNoDeviceID = fmt.Errorf("update contains no device id")

// Merge applies u on top of current. Only fields present in u are overwritten and the
// last update time always moves to the time of u.
func Merge(current database.DeviceStatus, u Update) database.DeviceStatus {
	merged := current
	merged.DeviceID = u.DeviceID

	merged.LastUpdate = u.Timestamp.UTC()
	if u.Timestamp.IsZero() {
		merged.LastUpdate = time.Now().UTC()
	}

	if u.Online != nil {
		merged.Online = *u.Online
	}
	if u.BatteryLevel != nil && *u.BatteryLevel >= 0 && *u.BatteryLevel <= 100 {
		merged.BatteryLevel = intPtr(*u.BatteryLevel)
	}
	if u.WifiStrength != nil {
		merged.WifiStrength = intPtr(*u.WifiStrength)
	}
	if u.GsmSignal != nil {
		merged.GsmSignal = intPtr(*u.GsmSignal)
	}
	if u.FirmwareVersion != nil {
		fw := *u.FirmwareVersion
		merged.FirmwareVersion = &fw
	}

	return merged
}

// Upsert creates the status row for a device on first contact and merges u into the
// existing row afterwards. The row is locked while merging, so pass a transaction bound
// repository to keep concurrent updates for the same device from overwriting each other.
func Upsert(ctx context.Context, repo database.DeviceStatusRepository, u Update) (database.DeviceStatus, error) {
	if u.DeviceID == "" {
		return database.DeviceStatus{}, ErrNoDeviceID
	}

	current, err := repo.GetDeviceStatusForUpdate(ctx, u.DeviceID)
	if errors.Is(err, database.ErrNotFound) {
		created := Merge(database.DeviceStatus{DeviceID: u.DeviceID, Online: true}, u)

		var inserted bool
		inserted, err = repo.CreateDeviceStatus(ctx, &created)
		if err != nil {
			return database.DeviceStatus{}, fmt.Errorf("could not create status for device %s: %w", u.DeviceID, err)
		}
		if inserted {
			return created, nil
		}

		// another update created the row first, merge into that one instead
		current, err = repo.GetDeviceStatusForUpdate(ctx, u.DeviceID)
	}
	if err != nil {
		return database.DeviceStatus{}, fmt.Errorf("could not fetch status for device %s: %w", u.DeviceID, err)
	}

	merged := Merge(current, u)

	err = repo.SaveDeviceStatus(ctx, &merged)
	if err != nil {
		return database.DeviceStatus{}, fmt.Errorf("could not save status for device %s: %w", u.DeviceID, err)
	}

	return merged, nil
}

// Get never fails for an unknown device, it reports the device as offline with an
// unknown state instead.
func Get(ctx context.Context, repo database.DeviceStatusRepository, deviceID string) (Status, error) {
	s, err := repo.GetDeviceStatus(ctx, deviceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Status{DeviceID: deviceID, State: StateUnknown, Online: false}, nil
		}
		return Status{}, err
	}

	return toStatus(s), nil
}

func toStatus(s database.DeviceStatus) Status {
	lastUpdate := s.LastUpdate.UTC()

	state := StateOffline
	if s.Online {
		state = StateOnline
	}

	return Status{
		DeviceID:        s.DeviceID,
		State:           state,
		Online:          s.Online,
		BatteryLevel:    s.BatteryLevel,
		WifiStrength:    s.WifiStrength,
		GsmSignal:       s.GsmSignal,
		FirmwareVersion: s.FirmwareVersion,
		LastUpdate:      &lastUpdate,
	}
}

func intPtr(i int) *int {
	return &i
}
