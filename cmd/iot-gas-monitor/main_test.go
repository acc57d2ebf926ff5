package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-gas-monitor/pkg/client"
	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	is, server := setupTest(t, testConfig())

	resp, _ := testRequest(is, server, http.MethodGet, "/health", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestDangerousPushRaisesExactlyOneAlert(t *testing.T) {
	is, server := setupTest(t, testConfig())

	resp, body := testRequest(is, server, http.MethodPost, "/api/sensor-data", strings.NewReader(`{"ppm": 75, "device_id": "d1"}`))
	is.Equal(resp.StatusCode, http.StatusOK)

	result := map[string]any{}
	is.NoErr(json.Unmarshal([]byte(body), &result))
	is.Equal("danger", result["status"])
	is.Equal(true, result["should_alert"])
	is.Equal(true, result["success"])

	resp, body = testRequest(is, server, http.MethodGet, "/api/alerts?device_id=d1", nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	alerts := []struct {
		Level        string  `json:"level"`
		Message      string  `json:"message"`
		PPM          float64 `json:"ppm"`
		Active       bool    `json:"is_active"`
		Acknowledged bool    `json:"is_acknowledged"`
	}{}
	is.NoErr(json.Unmarshal([]byte(body), &alerts))

	is.Equal(1, len(alerts))
	is.True(alerts[0].Active)
	is.True(!alerts[0].Acknowledged)
	is.Equal(75.0, alerts[0].PPM)
	is.True(strings.Contains(alerts[0].Message, "75 PPM"))
}

func TestSignedDevicePushAndAcknowledge(t *testing.T) {
	cfg := testConfig()
	cfg.API.SecretKey = "device-secret"

	is, server := setupTest(t, cfg)
	ctx := context.Background()

	_, err := client.New(server.URL).SendSensorData(ctx, client.SensorData{PPM: 40, DeviceID: "d2"})
	is.True(err != nil)

	c := client.New(server.URL, client.WithDeviceSecret("device-secret"))

	result, err := c.SendSensorData(ctx, client.SensorData{PPM: 40, DeviceID: "d2"})
	is.NoErr(err)
	is.Equal("warning", result.Status)
	is.True(result.AlertID != nil)

	reading, err := c.CurrentReading(ctx, "d2")
	is.NoErr(err)
	is.Equal(40.0, reading.PPM)

	is.NoErr(c.AcknowledgeAlert(ctx, *result.AlertID))

	alerts, err := c.Alerts(ctx, "d2", true)
	is.NoErr(err)
	is.Equal(1, len(alerts))
	is.True(alerts[0].Acknowledged)
	is.True(alerts[0].Active)
}

func TestCloudSyncIsDisabledWithoutCredentials(t *testing.T) {
	is, server := setupTest(t, testConfig())

	resp, body := testRequest(is, server, http.MethodGet, "/api/cloud-status", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"enabled":false`))

	resp, _ = testRequest(is, server, http.MethodPost, "/api/sensor-data", strings.NewReader(`{"ppm": 3}`))
	is.Equal(resp.StatusCode, http.StatusOK)
}

func TestParseInterval(t *testing.T) {
	is := is.New(t)

	d, err := parseInterval("SYNC_INTERVAL", "5")
	is.NoErr(err)
	is.Equal(5*time.Minute, d)

	d, err = parseInterval("SYNC_INTERVAL", "90s")
	is.NoErr(err)
	is.Equal(90*time.Second, d)

	_, err = parseInterval("SYNC_INTERVAL", "soon")
	is.True(err != nil)

	_, err = parseInterval("SYNC_INTERVAL", "0")
	is.True(err != nil)
}

func TestLoadConfigFromEnv(t *testing.T) {
	is := is.New(t)

	t.Setenv("PORT", "8080")
	t.Setenv("SYNC_INTERVAL", "2m")
	t.Setenv("SMS_RECIPIENTS", "+46700000000, +46700000001")
	t.Setenv("DATABASE_URI", "sqlite://data/test.db")
	t.Setenv("ARDUINO_CLIENT_ID", "id")
	t.Setenv("ARDUINO_CLIENT_SECRET", "")
	t.Setenv("DEVICE_OFFLINE_AFTER", "")

	cfg, err := loadConfigFromEnv()
	is.NoErr(err)
	is.Equal("0.0.0.0:8080", cfg.listenAddress())
	is.Equal(2*time.Minute, cfg.Cloud.SyncInterval)
	is.Equal(30*time.Minute, cfg.OfflineAfter)
	is.Equal(2, len(cfg.API.SMS.RecipientNumbers))
	is.Equal("warning", cfg.API.SMS.AlertThreshold)
	is.True(!cfg.Cloud.enabled())

	t.Setenv("SMS_ALERT_THRESHOLD", "safe")
	_, err = loadConfigFromEnv()
	is.True(err != nil)

	t.Setenv("SMS_ALERT_THRESHOLD", "danger")
	t.Setenv("DEVICE_OFFLINE_AFTER", "1ns")
	_, err = loadConfigFromEnv()
	is.True(err != nil)
}

func testConfig() appConfig {
	cfg := appConfig{
		Host:        "127.0.0.1",
		Port:        "0",
		DatabaseURI: "file::memory:",
	}
	cfg.API.SMS.AlertThreshold = "warning"
	cfg.Cloud.SyncInterval = time.Hour

	return cfg
}

func setupTest(t *testing.T, cfg appConfig) (*is.I, *httptest.Server) {
	is := is.New(t)
	ctx := context.Background()

	store, err := database.NewDatastore(database.NewConnector(ctx, cfg.DatabaseURI))
	is.NoErr(err)

	app, err := setupApplication(ctx, cfg, store, nil)
	is.NoErr(err)

	r := createAppAndSetupRouter(ctx, zerolog.Nop(), cfg, app)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return is, server
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, string) {
	req, _ := http.NewRequest(method, ts.URL+path, body)
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	return resp, string(respBody)
}
