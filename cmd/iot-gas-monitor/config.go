package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/application/cloudsync"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/gaslevel"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/watchdog"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/arduino"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-gas-monitor/internal/pkg/presentation/api"
)

type cloudConfig struct {
	ClientID     string
	ClientSecret string
	ThingID      string
	APIURL       string
	TokenURL     string
	SyncInterval time.Duration
}

func (c cloudConfig) enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.ThingID != ""
}

type appConfig struct {
	Host              string
	Port              string
	DatabaseURI       string
	Log               logging.Config
	API               api.Config
	Cloud             cloudConfig
	OfflineAfter      time.Duration
	NotificationsFile string
	RabbitMQHost      string
	OtelEndpoint      string
}

func (c appConfig) listenAddress() string {
	return c.Host + ":" + c.Port
}

func loadConfigFromEnv() (appConfig, error) {
	cfg := appConfig{
		Host:        env("HOST", "0.0.0.0"),
		Port:        env("PORT", "5000"),
		DatabaseURI: os.Getenv("DATABASE_URI"),
		Log: logging.Config{
			Level:   env("LOG_LEVEL", "info"),
			Debug:   isTrue(os.Getenv("DEBUG")),
			LogFile: os.Getenv("LOG_FILE"),
		},
		API: api.Config{
			SecretKey: os.Getenv("ESP_SECRET_KEY"),
			SMS: api.SMSConfig{
				RecipientNumbers: splitList(os.Getenv("SMS_RECIPIENTS")),
				AlertThreshold:   env("SMS_ALERT_THRESHOLD", gaslevel.Warning.String()),
				IncludePPM:       true,
				IncludeTimestamp: true,
			},
		},
		Cloud: cloudConfig{
			ClientID:     os.Getenv("ARDUINO_CLIENT_ID"),
			ClientSecret: os.Getenv("ARDUINO_CLIENT_SECRET"),
			ThingID:      os.Getenv("ARDUINO_THING_ID"),
			APIURL:       env("ARDUINO_API_URL", arduino.DefaultAPIURL),
			TokenURL:     env("ARDUINO_TOKEN_URL", arduino.DefaultTokenURL),
		},
		NotificationsFile: os.Getenv("NOTIFICATIONS_FILE"),
		RabbitMQHost:      os.Getenv("RABBITMQ_HOST"),
		OtelEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.DatabaseURI == "" {
		if pg := database.LoadConfigFromEnv(); pg.Host != "" {
			cfg.DatabaseURI = pg.DSN()
		} else {
			cfg.DatabaseURI = database.DefaultDatabaseURI
		}
	}

	threshold, err := gaslevel.Parse(cfg.API.SMS.AlertThreshold)
	if err != nil || threshold == gaslevel.Safe {
		return cfg, fmt.Errorf("SMS_ALERT_THRESHOLD must be warning or danger, not %q", cfg.API.SMS.AlertThreshold)
	}
	cfg.API.SMS.AlertThreshold = threshold.String()

	cfg.Cloud.SyncInterval, err = parseInterval("SYNC_INTERVAL", env("SYNC_INTERVAL", cloudsync.DefaultInterval.String()))
	if err != nil {
		return cfg, err
	}

	cfg.OfflineAfter, err = parseInterval("DEVICE_OFFLINE_AFTER", env("DEVICE_OFFLINE_AFTER", watchdog.DefaultTimeout.String()))
	if err != nil {
		return cfg, err
	}
	if cfg.OfflineAfter < watchdog.MinTimeout {
		return cfg, fmt.Errorf("DEVICE_OFFLINE_AFTER must be at least %s", watchdog.MinTimeout)
	}

	return cfg, nil
}

// parseInterval accepts a duration such as "90s" or a plain number of minutes.
func parseInterval(name, s string) (time.Duration, error) {
	if minutes, err := strconv.Atoi(s); err == nil {
		s = fmt.Sprintf("%dm", minutes)
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}

	return d, nil
}

func env(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func isTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "t", "yes":
		return true
	}
	return false
}

func splitList(s string) []string {
	items := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
