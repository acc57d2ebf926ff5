package arduino

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Property is a named attribute exposed by a thing.
type Property struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Type           string     `json:"type,omitempty"`
	VariableName   string     `json:"variable_name,omitempty"`
	LastValue      any        `json:"last_value,omitempty"`
	ValueUpdatedAt *time.Time `json:"value_updated_at,omitempty"`
}

type Thing struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	DeviceID   string     `json:"device_id,omitempty"`
	Properties []Property `json:"properties,omitempty"`
}

// Value is a property value at a point in time. The cloud encodes values as numbers,
// strings or booleans depending on the property type.
type Value struct {
	Value any       `json:"value"`
	Time  time.Time `json:"time"`
}

// Float returns the value as a number. Numeric strings are accepted.
func (v Value) Float() (float64, bool) {
	switch n := v.Value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

type timeseries struct {
	Data []Value `json:"data"`
}
