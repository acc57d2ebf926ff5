package devicestatus

import "strings"

const (
	DefaultDeviceID     string = "default"
	CloudDeviceIDPrefix string = "arduino_cloud_"
)

// CloudDeviceID derives the device id used for readings pulled from the cloud for thingID.
// Direct pushes are not allowed to use the prefix, so the two sources never share an id.
func CloudDeviceID(thingID string) string {
	short := thingID
	if len(short) > 8 {
		short = short[:8]
	}
	return CloudDeviceIDPrefix + short
}

func IsCloudDeviceID(deviceID string) bool {
	return strings.HasPrefix(strings.ToLower(deviceID), CloudDeviceIDPrefix)
}
