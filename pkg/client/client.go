package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/jwtauth/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

type GasMonitorClient interface {
	SendSensorData(ctx context.Context, data SensorData) (*IngestResult, error)
	CurrentReading(ctx context.Context, deviceID string) (*Reading, error)
	Alerts(ctx context.Context, deviceID string, activeOnly bool) ([]Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID uint) error
}

type Option func(*gasMonitorClient)

// WithDeviceSecret makes the client sign device requests with a HS256 token derived
// from the secret shared with the service.
func WithDeviceSecret(secret string) Option {
	return func(c *gasMonitorClient) {
		if secret != "" {
			c.tokenAuth = jwtauth.New("HS256", []byte(secret), nil)
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *gasMonitorClient) {
		c.httpClient = httpClient
	}
}

type gasMonitorClient struct {
	url        string
	httpClient *http.Client
	tokenAuth  *jwtauth.JWTAuth
}

var tracer = otel.Tracer("gas-monitor-client")

func New(gasMonitorURL string, opts ...Option) GasMonitorClient {
	c := &gasMonitorClient{
		url: strings.TrimSuffix(gasMonitorURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *gasMonitorClient) SendSensorData(ctx context.Context, data SensorData) (*IngestResult, error) {
	var err error
	ctx, span := tracer.Start(ctx, "send-sensor-data")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	log := logging.GetFromContext(ctx)
	log.Debug().Msgf("sending %.1f ppm from device %s", data.PPM, data.DeviceID)

	body, err := json.Marshal(data)
	if err != nil {
		err = fmt.Errorf("failed to marshal sensor data: %w", err)
		return nil, err
	}

	result := &IngestResult{}
	err = c.do(ctx, http.MethodPost, "/api/sensor-data", bytes.NewReader(body), true, result)
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (c *gasMonitorClient) CurrentReading(ctx context.Context, deviceID string) (*Reading, error) {
	var err error
	ctx, span := tracer.Start(ctx, "current-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := url.Values{}
	if deviceID != "" {
		params.Set("device_id", deviceID)
	}

	reading := &Reading{}
	err = c.do(ctx, http.MethodGet, "/api/current-reading?"+params.Encode(), nil, false, reading)
	if err != nil {
		return nil, err
	}

	return reading, nil
}

func (c *gasMonitorClient) Alerts(ctx context.Context, deviceID string, activeOnly bool) ([]Alert, error) {
	var err error
	ctx, span := tracer.Start(ctx, "alerts")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := url.Values{}
	params.Set("active_only", strconv.FormatBool(activeOnly))
	if deviceID != "" {
		params.Set("device_id", deviceID)
	}

	alerts := []Alert{}
	err = c.do(ctx, http.MethodGet, "/api/alerts?"+params.Encode(), nil, false, &alerts)
	if err != nil {
		return nil, err
	}

	return alerts, nil
}

func (c *gasMonitorClient) AcknowledgeAlert(ctx context.Context, alertID uint) error {
	var err error
	ctx, span := tracer.Start(ctx, "acknowledge-alert")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	path := fmt.Sprintf("/api/alerts/%d/acknowledge", alertID)
	err = c.do(ctx, http.MethodPost, path, nil, false, nil)

	return err
}

func (c *gasMonitorClient) do(ctx context.Context, method, path string, body io.Reader, signed bool, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, body)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if signed && c.tokenAuth != nil {
		_, token, err := c.tokenAuth.Encode(map[string]any{"sub": "gas-sensor"})
		if err != nil {
			return fmt.Errorf("failed to create device token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := struct {
			Error string `json:"error"`
		}{}
		json.Unmarshal(respBody, &apiErr)
		return fmt.Errorf("request to %s failed with status code %d: %s", path, resp.StatusCode, apiErr.Error)
	}

	if result == nil {
		return nil
	}

	err = json.Unmarshal(respBody, result)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
