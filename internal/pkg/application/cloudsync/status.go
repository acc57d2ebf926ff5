package cloudsync

import (
	"strings"
)

const (
	GasLevelProperty     string = "gas_level"
	BatteryLevelProperty string = "battery_level"
)

// StatusProperties are checked in order and a later match overrides an earlier one.
var StatusProperties = []string{"device_status", "connectivity", "online_status"}

// InferOnline interprets the value of a status property. Booleans are taken as they are,
// strings are matched without regard to case, and anything else leaves current unchanged.
func InferOnline(value any, current bool) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "online", "connected", "true":
			return true
		case "offline", "disconnected", "false":
			return false
		}
	}
	return current
}

// propertyMap maps lower cased property names to property ids.
type propertyMap map[string]string

func (m propertyMap) lookup(name string) (string, bool) {
	id, ok := m[strings.ToLower(name)]
	return id, ok
}
