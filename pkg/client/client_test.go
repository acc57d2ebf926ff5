package client

import (
	"context"
	"net/http"
	"strings"
	"testing"

	test "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/matryer/is"
)

func TestSendSensorData(t *testing.T) {
	is := is.New(t)

	mockedService := test.NewMockServiceThat(
		test.Expects(is,
			expects.RequestPath("/api/sensor-data"),
			expects.RequestMethod("POST"),
			requestHeaderContains("Content-Type", "application/json"),
			requestHeaderContains("Authorization", "Bearer "),
			expects.RequestBodyContaining(`"ppm":75`, `"device_id":"d1"`),
		),
		test.Returns(
			response.ContentType("application/json"),
			response.Code(200),
			response.Body([]byte(ingestResponse)),
		),
	)
	defer mockedService.Close()

	c := New(mockedService.URL(), WithDeviceSecret("secret"))

	result, err := c.SendSensorData(context.Background(), SensorData{PPM: 75, DeviceID: "d1"})
	is.NoErr(err)
	is.True(result.Success)
	is.Equal("danger", result.Status)
	is.True(result.ShouldAlert)
	is.Equal(uint(3), *result.AlertID)
}

func TestSendSensorDataRejected(t *testing.T) {
	is := is.New(t)

	mockedService := test.NewMockServiceThat(
		test.Expects(is,
			expects.RequestPath("/api/sensor-data"),
		),
		test.Returns(
			response.ContentType("application/json"),
			response.Code(400),
			response.Body([]byte(`{"error":"Invalid data format"}`)),
		),
	)
	defer mockedService.Close()

	_, err := New(mockedService.URL()).SendSensorData(context.Background(), SensorData{PPM: -1})
	is.True(err != nil)
}

func TestAlerts(t *testing.T) {
	is := is.New(t)

	mockedService := test.NewMockServiceThat(
		test.Expects(is,
			expects.RequestPath("/api/alerts"),
			expects.RequestMethod("GET"),
		),
		test.Returns(
			response.ContentType("application/json"),
			response.Code(200),
			response.Body([]byte(alertsResponse)),
		),
	)
	defer mockedService.Close()

	alerts, err := New(mockedService.URL()).Alerts(context.Background(), "d1", true)
	is.NoErr(err)
	is.Equal(1, len(alerts))
	is.Equal("warning", alerts[0].Level)
	is.True(alerts[0].Active)
	is.True(!alerts[0].Acknowledged)
}

func TestCurrentReading(t *testing.T) {
	is := is.New(t)

	mockedService := test.NewMockServiceThat(
		test.Expects(is,
			expects.RequestPath("/api/current-reading"),
		),
		test.Returns(
			response.ContentType("application/json"),
			response.Code(200),
			response.Body([]byte(`{"device_id":"d1","ppm":12.5,"status":"safe","timestamp":"2024-03-01T12:00:00Z"}`)),
		),
	)
	defer mockedService.Close()

	reading, err := New(mockedService.URL()).CurrentReading(context.Background(), "d1")
	is.NoErr(err)
	is.Equal(12.5, reading.PPM)
	is.Equal("safe", reading.Status)
}

func TestAcknowledgeAlert(t *testing.T) {
	is := is.New(t)

	mockedService := test.NewMockServiceThat(
		test.Expects(is,
			expects.RequestPath("/api/alerts/3/acknowledge"),
			expects.RequestMethod("POST"),
		),
		test.Returns(
			response.ContentType("application/json"),
			response.Code(200),
			response.Body([]byte(`{"success":true}`)),
		),
	)
	defer mockedService.Close()

	is.NoErr(New(mockedService.URL()).AcknowledgeAlert(context.Background(), 3))
}

func requestHeaderContains(header, value string) func(*is.I, *http.Request) {
	return func(is *is.I, r *http.Request) {
		is.True(strings.Contains(r.Header.Get(header), value))
	}
}

const ingestResponse string = `{"success":true,"reading_id":12,"status":"danger","should_alert":true,"alert_id":3}`

const alertsResponse string = `[{"id":3,"timestamp":"2024-03-01T12:00:00Z","device_id":"d1","ppm":35,"level":"warning","message":"Gas levels at WARNING level: 35 PPM detected by device d1","is_active":true,"is_acknowledged":false,"notification_sent":true,"sms_sent":false}]`
