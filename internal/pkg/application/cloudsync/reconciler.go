package cloudsync

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/application/alarms"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/devicestatus"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/gaslevel"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/notifications"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/arduino"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

const (
	HistoryWindow time.Duration = 1 * time.Hour
	DedupWindow   time.Duration = 5 * time.Second
)

var (
	ErrConfiguration = fmt.Errorf("cloud sync is not configured")
	ErrSyncFailed    = fmt.Errorf("cloud sync failed")
)

var tracer = otel.Tracer("iot-gas-monitor/cloudsync")

type PropertyClient interface {
	ListProperties(ctx context.Context, thingID string) ([]arduino.Property, error)
	GetLastValue(ctx context.Context, thingID, propertyID string) (arduino.Value, error)
	GetHistoricalValues(ctx context.Context, thingID, propertyID string, from, to time.Time) ([]arduino.Value, error)
}

type Result struct {
	DeviceID        string    `json:"device_id"`
	ReadingsAdded   int       `json:"readings_added"`
	StatusUpdated   bool      `json:"status_updated"`
	AlertsRaised    int       `json:"alerts_raised"`
	PropertiesFound int       `json:"properties_found"`
	PropertiesUsed  int       `json:"properties_mapped"`
	SyncedAt        time.Time `json:"synced_at"`
}

type Reconciler struct {
	client   PropertyClient
	store    database.Datastore
	notifier notifications.Notifier
	thingID  string
	now      func() time.Time
}

func NewReconciler(client PropertyClient, store database.Datastore, thingID string, n notifications.Notifier) *Reconciler {
	return &Reconciler{
		client:   client,
		store:    store,
		notifier: n,
		thingID:  strings.TrimSpace(thingID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reconciler) DeviceID() string {
	return devicestatus.CloudDeviceID(r.thingID)
}

// snapshot is everything fetched from the cloud in one cycle, before anything is written.
type snapshot struct {
	properties int
	mapped     int
	latest     *float64
	history    []arduino.Value
	battery    *int
	online     bool
}

// Reconcile pulls the latest state of the configured thing and stores it. All remote
// calls are made before the local transaction starts, and readings and the device status
// are committed together or not at all.
func (r *Reconciler) Reconcile(ctx context.Context) (result Result, err error) {
	ctx, span := tracer.Start(ctx, "reconcile")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	started := time.Now()
	defer func() {
		metrics.SyncCompleted(lo.Ternary(err == nil, "success", "failure"), started)
	}()

	if r.client == nil || r.thingID == "" {
		return Result{}, fmt.Errorf("%w: %w", ErrSyncFailed, ErrConfiguration)
	}

	deviceID := r.DeviceID()

	logger := logging.GetFromContext(ctx).With().Str("thing_id", r.thingID).Str("device_id", deviceID).Logger()
	ctx = logging.NewContextWithLogger(ctx, logger)

	now := r.now()

	snap, err := r.fetch(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to fetch data from arduino cloud")
		return Result{}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	result = Result{
		DeviceID:        deviceID,
		PropertiesFound: snap.properties,
		PropertiesUsed:  snap.mapped,
		SyncedAt:        now,
	}

	var alert *database.Alert
	stored := []float64{}

	err = r.store.Transaction(ctx, func(tx database.Datastore) error {
		if snap.latest != nil {
			reading := database.Reading{
				Timestamp: now,
				DeviceID:  deviceID,
				PPM:       *snap.latest,
				Source:    database.SourceCloud,
			}

			if err := tx.AddReading(ctx, &reading); err != nil {
				return err
			}
			stored = append(stored, reading.PPM)

			a, err := alarms.Raise(ctx, tx, reading)
			if err != nil {
				return err
			}
			alert = a
		}

		for _, v := range snap.history {
			exists, err := tx.ReadingExistsNear(ctx, deviceID, v.Time, DedupWindow)
			if err != nil {
				return err
			}
			if exists {
				continue
			}

			ppm, _ := v.Float()
			err = tx.AddReading(ctx, &database.Reading{
				Timestamp: v.Time,
				DeviceID:  deviceID,
				PPM:       ppm,
				Source:    database.SourceCloud,
			})
			if err != nil {
				return err
			}
			stored = append(stored, ppm)
		}

		_, err := devicestatus.Upsert(ctx, tx, devicestatus.Update{
			DeviceID:     deviceID,
			Timestamp:    now,
			Online:       &snap.online,
			BatteryLevel: snap.battery,
		})
		if err != nil {
			return err
		}
		result.StatusUpdated = true

		return nil
	})

	if err != nil {
		logger.Error().Err(err).Msg("failed to store data from arduino cloud")
		return Result{}, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	result.ReadingsAdded = len(stored)
	for _, ppm := range stored {
		metrics.ReadingStored(database.SourceCloud, ppm)
	}

	if alert != nil {
		result.AlertsRaised = 1
		metrics.AlertsRaised.WithLabelValues(alert.Level).Inc()
		r.notify(ctx, *alert)
	}

	logger.Info().
		Int("readings_added", result.ReadingsAdded).
		Bool("online", snap.online).
		Msgf("synced %d properties from arduino cloud", snap.mapped)

	return result, nil
}

func (r *Reconciler) fetch(ctx context.Context, now time.Time) (snapshot, error) {
	logger := logging.GetFromContext(ctx)

	properties, err := r.client.ListProperties(ctx, r.thingID)
	if err != nil {
		return snapshot{}, err
	}

	pm := propertyMap(lo.Associate(properties, func(p arduino.Property) (string, string) {
		return strings.ToLower(p.Name), p.ID
	}))

	logger.Debug().Msgf("found %d properties: %s", len(properties), strings.Join(lo.Keys(pm), ", "))

	snap := snapshot{
		properties: len(properties),
		online:     true,
	}

	if gasID, ok := pm.lookup(GasLevelProperty); ok {
		snap.mapped++

		latest, err := r.client.GetLastValue(ctx, r.thingID, gasID)
		if err != nil {
			return snapshot{}, err
		}

		if ppm, ok := latest.Float(); ok {
			if err := gaslevel.Validate(ppm); err != nil {
				logger.Warn().Err(err).Msg("ignoring latest gas level")
			} else {
				snap.latest = &ppm
			}
		}

		history, err := r.client.GetHistoricalValues(ctx, r.thingID, gasID, now.Add(-HistoryWindow), now)
		if err != nil {
			return snapshot{}, err
		}

		snap.history = lo.Filter(history, func(v arduino.Value, _ int) bool {
			ppm, ok := v.Float()
			if !ok || gaslevel.Validate(ppm) != nil || v.Time.IsZero() {
				logger.Warn().Msgf("skipping historical value %v at %s", v.Value, v.Time.Format(time.RFC3339))
				return false
			}
			return true
		})
	} else {
		logger.Warn().Msgf("no '%s' property found in arduino cloud", GasLevelProperty)
	}

	if batteryID, ok := pm.lookup(BatteryLevelProperty); ok {
		snap.mapped++

		v, err := r.client.GetLastValue(ctx, r.thingID, batteryID)
		if err != nil {
			return snapshot{}, err
		}

		if f, ok := v.Float(); ok {
			battery := int(math.Round(f))
			snap.battery = &battery
		}
	}

	for _, name := range StatusProperties {
		statusID, ok := pm.lookup(name)
		if !ok {
			continue
		}
		snap.mapped++

		v, err := r.client.GetLastValue(ctx, r.thingID, statusID)
		if err != nil {
			return snapshot{}, err
		}

		snap.online = InferOnline(v.Value, snap.online)
	}

	return snap, nil
}

func (r *Reconciler) notify(ctx context.Context, alert database.Alert) {
	if r.notifier == nil {
		return
	}

	logger := logging.GetFromContext(ctx)

	if err := r.notifier.Notify(ctx, alert); err != nil {
		logger.Error().Err(err).Uint("alertID", alert.ID).Msg("failed to process notification")
		return
	}

	if err := r.store.SetAlertNotificationSent(ctx, alert.ID, true); err != nil {
		logger.Error().Err(err).Uint("alertID", alert.ID).Msg("failed to mark notification as sent")
	}
}
