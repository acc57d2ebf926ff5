package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/application/alarms"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/cloudsync"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/devicestatus"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/gaslevel"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/ingest"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-gas-monitor/api")

const (
	DefaultHours int = 24
	MaxHours     int = 24 * 366 * 10
)

// CloudSync is the part of the cloud sync runner exposed over http.
type CloudSync interface {
	Enabled() bool
	SyncNow(ctx context.Context) (cloudsync.Result, error)
	Status() cloudsync.Status
}

type SMSConfig struct {
	RecipientNumbers []string `json:"recipient_numbers"`
	AlertThreshold   string   `json:"alert_threshold"`
	IncludePPM       bool     `json:"include_ppm"`
	IncludeTimestamp bool     `json:"include_timestamp"`
}

type Config struct {
	// SecretKey signs the HS256 tokens devices present when pushing data. Device endpoints
	// are open when it is empty.
	SecretKey string
	SMS       SMSConfig
}

// RegisterHandlers mounts the dashboard and device endpoints on router. The alert event
// stream is only mounted when events is not nil.
func RegisterHandlers(ctx context.Context, router *chi.Mux, cfg Config, store database.Datastore, ingestSvc ingest.Service, alertSvc alarms.AlertService, cloud CloudSync, events http.Handler) *chi.Mux {
	log := logging.GetFromContext(ctx)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.Handle("/metrics", metrics.Handler())

	deviceAuth := func(next http.Handler) http.Handler { return next }
	if cfg.SecretKey != "" {
		tokenAuth := jwtauth.New("HS256", []byte(cfg.SecretKey), nil)
		deviceAuth = func(next http.Handler) http.Handler {
			return jwtauth.Verifier(tokenAuth)(jwtauth.Authenticator(next))
		}
	} else {
		log.Warn().Msg("no device secret configured, sensor endpoints accept unauthenticated requests")
	}

	router.Route("/api", func(r chi.Router) {
		r.Get("/current-reading", getCurrentReadingHandler(store))
		r.Get("/gas-readings", getReadingsHandler(store))
		r.Get("/alerts", getAlertsHandler(alertSvc))
		r.Get("/system-status", getSystemStatusHandler(store))
		r.Get("/gsm-config", getGsmConfigHandler(cfg.SMS))
		r.Get("/cloud-status", getCloudStatusHandler(cloud))

		if events != nil {
			r.Handle("/events", events)
		}

		r.Post("/alerts/{alertID}/acknowledge", acknowledgeAlertHandler(alertSvc))
		r.Post("/cloud/sync", syncCloudHandler(cloud))

		r.Group(func(r chi.Router) {
			r.Use(deviceAuth)

			r.Post("/sensor-data", receiveSensorDataHandler(ingestSvc))
			r.Post("/alerts/{alertID}/sms-status", updateSmsStatusHandler(alertSvc))
		})
	})

	return router
}

type readingResponse struct {
	DeviceID    string     `json:"device_id,omitempty"`
	Time        string     `json:"time,omitempty"`
	PPM         float64    `json:"ppm"`
	Status      string     `json:"status,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	Humidity    *float64   `json:"humidity,omitempty"`
}

func getCurrentReadingHandler(store database.ReadingRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-current-reading")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		log := logging.GetFromContext(ctx)
		deviceID := deviceIDFromQuery(r)

		reading, err := store.GetLatestReading(ctx, deviceID)
		if errors.Is(err, database.ErrNotFound) {
			err = nil
			writeJSON(w, http.StatusOK, map[string]any{"ppm": 0, "status": "unknown"})
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("could not fetch latest reading")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		ts := reading.Timestamp.UTC()

		writeJSON(w, http.StatusOK, readingResponse{
			DeviceID:    reading.DeviceID,
			PPM:         reading.PPM,
			Status:      gaslevel.Classify(reading.PPM).String(),
			Timestamp:   &ts,
			Temperature: reading.Temperature,
			Humidity:    reading.Humidity,
		})
	}
}

func getReadingsHandler(store database.ReadingRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-gas-readings")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		log := logging.GetFromContext(ctx)
		deviceID := deviceIDFromQuery(r)

		hours := DefaultHours
		if h := r.URL.Query().Get("hours"); h != "" {
			hours, err = strconv.Atoi(h)
			if err != nil || hours <= 0 || hours > MaxHours {
				err = nil
				writeError(w, http.StatusBadRequest, fmt.Sprintf("hours must be an integer between 1 and %d", MaxHours))
				return
			}
		}

		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

		readings, err := store.GetReadings(ctx, deviceID, since)
		if err != nil {
			log.Error().Err(err).Msg("could not fetch readings")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		response := lo.Map(readings, func(reading database.Reading, _ int) readingResponse {
			ts := reading.Timestamp.UTC()
			return readingResponse{
				Time:        ts.Format("15:04"),
				PPM:         reading.PPM,
				Timestamp:   &ts,
				Temperature: reading.Temperature,
				Humidity:    reading.Humidity,
			}
		})

		writeJSON(w, http.StatusOK, response)
	}
}

func getAlertsHandler(svc alarms.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-alerts")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		log := logging.GetFromContext(ctx)

		activeOnly := !strings.EqualFold(r.URL.Query().Get("active_only"), "false")

		alerts, err := svc.Query(ctx, deviceIDFromQuery(r), activeOnly)
		if err != nil {
			log.Error().Err(err).Msg("could not fetch alerts")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, alerts)
	}
}

func getSystemStatusHandler(store database.DeviceStatusRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "get-system-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		log := logging.GetFromContext(ctx)

		status, err := devicestatus.Get(ctx, store, deviceIDFromQuery(r))
		if err != nil {
			log.Error().Err(err).Msg("could not fetch device status")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, status)
	}
}

func getGsmConfigHandler(cfg SMSConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg)
	}
}

func receiveSensorDataHandler(svc ingest.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "receive-sensor-data")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		log := logging.GetFromContext(ctx)

		data := ingest.SensorData{}
		err = json.NewDecoder(r.Body).Decode(&data)
		if err != nil || data.PPM == nil {
			log.Warn().Msg("invalid sensor data payload")
			writeError(w, http.StatusBadRequest, "Invalid data format")
			return
		}

		result, err := svc.Ingest(ctx, data)
		if err != nil {
			if errors.Is(err, ingest.ErrInvalidPayload) || errors.Is(err, gaslevel.ErrInvalidReading) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			log.Error().Err(err).Msg("error processing sensor data")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func acknowledgeAlertHandler(svc alarms.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "acknowledge-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		alertID, err := alertIDFromPath(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid alert id")
			return
		}

		_, err = svc.Acknowledge(ctx, alertID)
		if err != nil {
			writeAlertError(ctx, w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func updateSmsStatusHandler(svc alarms.AlertService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "update-sms-status")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		alertID, err := alertIDFromPath(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid alert id")
			return
		}

		body := struct {
			SmsSent *bool `json:"sms_sent"`
		}{}

		err = json.NewDecoder(r.Body).Decode(&body)
		if err != nil || body.SmsSent == nil {
			writeError(w, http.StatusBadRequest, "Missing sms_sent parameter")
			return
		}

		err = svc.SetSmsSent(ctx, alertID, *body.SmsSent)
		if err != nil {
			writeAlertError(ctx, w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func getCloudStatusHandler(cloud CloudSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cloud == nil {
			writeJSON(w, http.StatusOK, cloudsync.Status{Enabled: false})
			return
		}

		writeJSON(w, http.StatusOK, cloud.Status())
	}
}

func syncCloudHandler(cloud CloudSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "sync-cloud")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		if cloud == nil || !cloud.Enabled() {
			writeError(w, http.StatusServiceUnavailable, cloudsync.ErrConfiguration.Error())
			return
		}

		log := logging.GetFromContext(ctx)

		result, err := cloud.SyncNow(ctx)
		if err != nil {
			log.Error().Err(err).Msg("on demand cloud sync failed")
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
	}
}

func writeAlertError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, alarms.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}

	log := logging.GetFromContext(ctx)
	log.Error().Err(err).Msg("could not update alert")
	writeError(w, http.StatusInternalServerError, err.Error())
}

func deviceIDFromQuery(r *http.Request) string {
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	return lo.Ternary(deviceID == "", devicestatus.DefaultDeviceID, deviceID)
}

func alertIDFromPath(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "alertID"), 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
