package cloudsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/arduino"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const thingID string = "5a1f7e2c-9b44-4c1e-a0d3-6f3b2a1c9e77"

var syncTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestReconcileStoresLatestValueAndStatus(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.last["p-gas"] = arduino.Value{Value: 12.5}
	client.last["p-bat"] = arduino.Value{Value: 76.6}

	rec := newTestReconciler(client, store)

	result, err := rec.Reconcile(ctx)
	is.NoErr(err)
	is.Equal(1, result.ReadingsAdded)
	is.True(result.StatusUpdated)
	is.Equal("arduino_cloud_5a1f7e2c", result.DeviceID)

	latest, err := store.GetLatestReading(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.Equal(12.5, latest.PPM)
	is.Equal(database.SourceCloud, latest.Source)
	is.Equal(syncTime, latest.Timestamp.UTC())

	status, err := store.GetDeviceStatus(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.True(status.Online)
	is.Equal(77, *status.BatteryLevel)
}

func TestHistoricalValuesAreDeduplicated(t *testing.T) {
	is, ctx, store := testSetup(t)

	t0 := syncTime.Add(-30 * time.Minute)
	is.NoErr(store.AddReading(ctx, &database.Reading{DeviceID: "arduino_cloud_5a1f7e2c", PPM: 10, Timestamp: t0}))

	client := newClientMock()
	client.last["p-gas"] = arduino.Value{Value: 12.0}
	client.history["p-gas"] = []arduino.Value{
		{Value: 10.0, Time: t0.Add(3 * time.Second)},
		{Value: 11.0, Time: t0.Add(11 * time.Second)},
	}

	result, err := newTestReconciler(client, store).Reconcile(ctx)
	is.NoErr(err)

	// the latest value and the point eleven seconds after the stored one
	is.Equal(2, result.ReadingsAdded)

	readings, err := store.GetReadings(ctx, "arduino_cloud_5a1f7e2c", syncTime.Add(-time.Hour))
	is.NoErr(err)
	is.Equal(3, len(readings))
	is.Equal(t0.Add(11*time.Second), readings[1].Timestamp.UTC())
}

func TestRepeatedSyncDoesNotDuplicateHistory(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.history["p-gas"] = []arduino.Value{
		{Value: 20.0, Time: syncTime.Add(-40 * time.Minute)},
		{Value: 21.0, Time: syncTime.Add(-20 * time.Minute)},
	}

	rec := newTestReconciler(client, store)

	_, err := rec.Reconcile(ctx)
	is.NoErr(err)

	result, err := rec.Reconcile(ctx)
	is.NoErr(err)
	is.Equal(0, result.ReadingsAdded)

	count, err := store.CountReadings(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.Equal(int64(2), count)
}

func TestInvalidHistoricalValuesAreSkipped(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.history["p-gas"] = []arduino.Value{
		{Value: -4.0, Time: syncTime.Add(-40 * time.Minute)},
		{Value: "n/a", Time: syncTime.Add(-30 * time.Minute)},
		{Value: 2000.0, Time: syncTime.Add(-20 * time.Minute)},
		{Value: 15.0, Time: syncTime.Add(-10 * time.Minute)},
	}

	result, err := newTestReconciler(client, store).Reconcile(ctx)
	is.NoErr(err)
	is.Equal(1, result.ReadingsAdded)
}

func TestUpstreamErrorLeavesStoreUnchanged(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.listErr = arduino.ErrUpstream

	_, err := newTestReconciler(client, store).Reconcile(ctx)
	is.True(errors.Is(err, ErrSyncFailed))
	is.True(errors.Is(err, arduino.ErrUpstream))

	count, err := store.CountReadings(ctx, "")
	is.NoErr(err)
	is.Equal(int64(0), count)

	_, err = store.GetDeviceStatus(ctx, "arduino_cloud_5a1f7e2c")
	is.True(errors.Is(err, database.ErrNotFound))
}

func TestHistoryFailureLeavesStoreUnchanged(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.historyErr = arduino.ErrUpstream

	_, err := newTestReconciler(client, store).Reconcile(ctx)
	is.True(errors.Is(err, ErrSyncFailed))

	count, err := store.CountReadings(ctx, "")
	is.NoErr(err)
	is.Equal(int64(0), count)
}

func TestMissingPropertiesAreTolerated(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.properties = []arduino.Property{{ID: "p-temp", Name: "temperature"}}

	result, err := newTestReconciler(client, store).Reconcile(ctx)
	is.NoErr(err)
	is.Equal(0, result.ReadingsAdded)
	is.True(result.StatusUpdated)

	status, err := store.GetDeviceStatus(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.True(status.Online)
	is.True(status.BatteryLevel == nil)
}

func TestStatusPropertyIsInterpreted(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.last["p-status"] = arduino.Value{Value: "Disconnected"}

	_, err := newTestReconciler(client, store).Reconcile(ctx)
	is.NoErr(err)

	status, err := store.GetDeviceStatus(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.True(!status.Online)

	client.last["p-status"] = arduino.Value{Value: true}

	_, err = newTestReconciler(client, store).Reconcile(ctx)
	is.NoErr(err)

	status, err = store.GetDeviceStatus(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.True(status.Online)
}

func TestSyncKeepsBatteryWhenNotReported(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.last["p-bat"] = arduino.Value{Value: 55}

	rec := newTestReconciler(client, store)
	_, err := rec.Reconcile(ctx)
	is.NoErr(err)

	client.properties = client.properties[:1]
	_, err = rec.Reconcile(ctx)
	is.NoErr(err)

	status, err := store.GetDeviceStatus(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.Equal(55, *status.BatteryLevel)
}

func TestDangerousLatestValueRaisesAlert(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.last["p-gas"] = arduino.Value{Value: 64.0}
	client.history["p-gas"] = []arduino.Value{{Value: 90.0, Time: syncTime.Add(-30 * time.Minute)}}

	result, err := newTestReconciler(client, store).Reconcile(ctx)
	is.NoErr(err)
	is.Equal(1, result.AlertsRaised)

	alerts, err := store.GetAlerts(ctx, "arduino_cloud_5a1f7e2c", true)
	is.NoErr(err)
	is.Equal(1, len(alerts))
	is.Equal("danger", alerts[0].Level)
	is.Equal(64.0, alerts[0].PPM)
}

func TestMissingConfiguration(t *testing.T) {
	is, ctx, store := testSetup(t)

	_, err := NewReconciler(nil, store, thingID, nil).Reconcile(ctx)
	is.True(errors.Is(err, ErrConfiguration))

	_, err = NewReconciler(newClientMock(), store, " ", nil).Reconcile(ctx)
	is.True(errors.Is(err, ErrConfiguration))
}

func TestInferOnline(t *testing.T) {
	is := is.New(t)

	is.True(InferOnline("online", false))
	is.True(InferOnline("CONNECTED", false))
	is.True(InferOnline("true", false))
	is.True(!InferOnline("offline", true))
	is.True(!InferOnline("Disconnected", true))
	is.True(!InferOnline("false", true))
	is.True(!InferOnline(false, true))
	is.True(InferOnline(true, false))
	is.True(InferOnline("sleeping", true))
	is.True(!InferOnline(42.0, false))
}

func TestRunnerSerializesCycles(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.last["p-gas"] = arduino.Value{Value: 5.0}
	client.history["p-gas"] = []arduino.Value{
		{Value: 20.0, Time: syncTime.Add(-40 * time.Minute)},
		{Value: 21.0, Time: syncTime.Add(-20 * time.Minute)},
	}

	runner := NewRunner(newTestReconciler(client, store), time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.SyncNow(ctx)
		}()
	}
	wg.Wait()

	// one latest value per cycle and the history exactly once
	count, err := store.CountReadings(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.Equal(int64(6), count)

	readings, err := store.GetReadings(ctx, "arduino_cloud_5a1f7e2c", syncTime.Add(-time.Hour))
	is.NoErr(err)

	historical := 0
	for _, r := range readings {
		if !r.Timestamp.UTC().Equal(syncTime) {
			historical++
		}
	}
	is.Equal(2, historical)

	status := runner.Status()
	is.True(status.Enabled)
	is.True(status.LastSync != nil)
	is.Equal("", status.LastError)
}

func TestRunnerStartAndStop(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	runner := NewRunner(newTestReconciler(client, store), time.Hour)

	runner.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for runner.Status().LastSync == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	is.True(runner.Status().Running)
	runner.Stop()
	is.True(!runner.Status().Running)
	is.True(runner.Status().LastSync != nil)
}

func TestRunnerContinuesAfterFailedCycle(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.listFailures = 1
	client.last["p-gas"] = arduino.Value{Value: 9.0}

	runner := NewRunner(newTestReconciler(client, store), 20*time.Millisecond)
	runner.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for runner.Status().LastResult == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	runner.Stop()

	status := runner.Status()
	is.True(status.LastResult != nil)
	is.Equal("", status.LastError)
	is.True(client.listCalls() >= 2)

	latest, err := store.GetLatestReading(ctx, "arduino_cloud_5a1f7e2c")
	is.NoErr(err)
	is.Equal(9.0, latest.PPM)
}

func TestStoredCloudReadingsAreObserved(t *testing.T) {
	is, ctx, store := testSetup(t)

	client := newClientMock()
	client.last["p-gas"] = arduino.Value{Value: 14.0}
	client.history["p-gas"] = []arduino.Value{
		{Value: 12.0, Time: syncTime.Add(-50 * time.Minute)},
		{Value: 13.0, Time: syncTime.Add(-25 * time.Minute)},
	}

	before := cloudSampleCount(is)

	result, err := newTestReconciler(client, store).Reconcile(ctx)
	is.NoErr(err)
	is.Equal(3, result.ReadingsAdded)
	is.Equal(before+uint64(result.ReadingsAdded), cloudSampleCount(is))
}

func TestDisabledRunner(t *testing.T) {
	is, ctx, store := testSetup(t)

	runner := NewRunner(NewReconciler(nil, store, "", nil), 0)
	is.True(!runner.Enabled())

	_, err := runner.SyncNow(ctx)
	is.True(errors.Is(err, ErrConfiguration))

	status := runner.Status()
	is.True(!status.Enabled)
	is.Equal(DefaultInterval.String(), status.Interval)
	is.True(status.LastError != "")
}

func newTestReconciler(client PropertyClient, store database.Datastore) *Reconciler {
	r := NewReconciler(client, store, thingID, nil)
	r.now = func() time.Time { return syncTime }
	return r
}

func testSetup(t *testing.T) (*is.I, context.Context, database.Datastore) {
	is := is.New(t)
	ctx := context.Background()

	store, err := database.NewDatastore(database.NewSQLiteConnector(ctx, "file::memory:"))
	is.NoErr(err)

	return is, ctx, store
}

func cloudSampleCount(is *is.I) uint64 {
	m := &dto.Metric{}
	is.NoErr(metrics.PPMHistogram.WithLabelValues(database.SourceCloud).(prometheus.Metric).Write(m))
	return m.GetHistogram().GetSampleCount()
}

type clientMock struct {
	mu           sync.Mutex
	properties   []arduino.Property
	last         map[string]arduino.Value
	history      map[string][]arduino.Value
	listErr      error
	listFailures int
	listed       int
	historyErr   error
}

func newClientMock() *clientMock {
	return &clientMock{
		properties: []arduino.Property{
			{ID: "p-gas", Name: "Gas_Level"},
			{ID: "p-bat", Name: "battery_level"},
			{ID: "p-status", Name: "device_status"},
		},
		last:    map[string]arduino.Value{},
		history: map[string][]arduino.Value{},
	}
}

func (c *clientMock) ListProperties(ctx context.Context, thingID string) ([]arduino.Property, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listed++

	if c.listFailures > 0 {
		c.listFailures--
		return nil, errors.New("upstream unavailable")
	}
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.properties, nil
}

func (c *clientMock) listCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listed
}

func (c *clientMock) GetLastValue(ctx context.Context, thingID, propertyID string) (arduino.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last[propertyID], nil
}

func (c *clientMock) GetHistoricalValues(ctx context.Context, thingID, propertyID string, from, to time.Time) ([]arduino.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.historyErr != nil {
		return nil, c.historyErr
	}
	return c.history[propertyID], nil
}
