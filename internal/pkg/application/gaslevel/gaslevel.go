package gaslevel

import (
	"fmt"
	"math"
	"strings"
)

// Status is the severity tier of a gas concentration. The zero value is Safe and the
// tiers are ordered so that a higher value is always more severe.
type Status int

const (
	Safe Status = iota
	Warning
	Danger
)

const (
	WarningThreshold float64 = 30.0
	DangerThreshold  float64 = 50.0

	MinValidPPM float64 = 0.0
	MaxValidPPM float64 = 1000.0
)

var ErrInvalidReading = fmt.Errorf("invalid reading")

func Classify(ppm float64) Status {
	if ppm < WarningThreshold {
		return Safe
	}
	if ppm < DangerThreshold {
		return Warning
	}
	return Danger
}

// Validate rejects values a working sensor cannot produce. It is kept apart from
// Classify so that callers decide whether a faulty sample is stored at all.
func Validate(ppm float64) error {
	if math.IsNaN(ppm) {
		return fmt.Errorf("%w: reading is not a number", ErrInvalidReading)
	}
	if ppm < MinValidPPM {
		return fmt.Errorf("%w: negative PPM reading detected", ErrInvalidReading)
	}
	if ppm > MaxValidPPM {
		return fmt.Errorf("%w: reading exceeds maximum expected value", ErrInvalidReading)
	}
	return nil
}

func (s Status) String() string {
	switch s {
	case Safe:
		return "safe"
	case Warning:
		return "warning"
	case Danger:
		return "danger"
	}
	return "unknown"
}

// ShouldAlert is true for every tier above Safe.
func (s Status) ShouldAlert() bool {
	return s > Safe
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	status, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

func Parse(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return Safe, nil
	case "warning":
		return Warning, nil
	case "danger":
		return Danger, nil
	}
	return Safe, fmt.Errorf("unknown gas level status %q", s)
}
