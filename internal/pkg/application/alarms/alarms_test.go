package alarms

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/diwise/iot-gas-monitor/internal/pkg/application/gaslevel"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/matryer/is"
)

func TestMessage(t *testing.T) {
	is := is.New(t)

	is.Equal("Gas levels at DANGER level: 75 PPM detected by device d1", Message(gaslevel.Danger, 75, "d1"))
	is.Equal("Gas levels at WARNING level: 32.5 PPM detected by device d2", Message(gaslevel.Warning, 32.5, "d2"))
}

func TestSafeReadingRaisesNothing(t *testing.T) {
	is, ctx, store := testSetup(t)

	alert, err := Raise(ctx, store, database.Reading{DeviceID: "d1", PPM: 29.9})
	is.NoErr(err)
	is.True(alert == nil)

	alerts, _ := store.GetAlerts(ctx, "", false)
	is.Equal(0, len(alerts))
}

func TestAlertLevelFollowsClassification(t *testing.T) {
	is, ctx, store := testSetup(t)

	warning, err := Raise(ctx, store, database.Reading{DeviceID: "d1", PPM: 30})
	is.NoErr(err)
	is.Equal("warning", warning.Level)

	danger, err := Raise(ctx, store, database.Reading{DeviceID: "d1", PPM: 50})
	is.NoErr(err)
	is.Equal("danger", danger.Level)
	is.True(strings.Contains(danger.Message, "50 PPM"))
}

func TestConsecutiveAlertsAreIndependent(t *testing.T) {
	is, ctx, store := testSetup(t)
	svc := New(store)

	first, err := Raise(ctx, store, database.Reading{DeviceID: "d1", PPM: 75})
	is.NoErr(err)
	second, err := Raise(ctx, store, database.Reading{DeviceID: "d1", PPM: 80})
	is.NoErr(err)
	is.True(first.ID != second.ID)

	active, err := svc.Query(ctx, "d1", true)
	is.NoErr(err)
	is.Equal(2, len(active))

	acked, err := svc.Acknowledge(ctx, first.ID)
	is.NoErr(err)
	is.True(acked.Acknowledged)
	is.True(acked.Active)

	other, err := svc.GetByID(ctx, second.ID)
	is.NoErr(err)
	is.True(!other.Acknowledged)

	acked, err = svc.Acknowledge(ctx, second.ID)
	is.NoErr(err)
	is.True(acked.Acknowledged)
}

func TestNotificationFlagsAreOrthogonal(t *testing.T) {
	is, ctx, store := testSetup(t)
	svc := New(store)

	alert, err := Raise(ctx, store, database.Reading{DeviceID: "d1", PPM: 60})
	is.NoErr(err)

	is.NoErr(svc.MarkNotificationSent(ctx, alert.ID))
	is.NoErr(svc.SetSmsSent(ctx, alert.ID, true))

	fromDb, err := svc.GetByID(ctx, alert.ID)
	is.NoErr(err)
	is.True(fromDb.NotificationSent)
	is.True(fromDb.SmsSent)
	is.True(!fromDb.Acknowledged)
}

func TestUnknownAlert(t *testing.T) {
	is, ctx, store := testSetup(t)
	svc := New(store)

	_, err := svc.Acknowledge(ctx, 4711)
	is.True(errors.Is(err, ErrAlertNotFound))

	err = svc.SetSmsSent(ctx, 4711, true)
	is.True(errors.Is(err, ErrAlertNotFound))
}

func testSetup(t *testing.T) (*is.I, context.Context, database.Datastore) {
	is := is.New(t)
	ctx := context.Background()

	store, err := database.NewDatastore(database.NewSQLiteConnector(ctx, "file::memory:"))
	is.NoErr(err)

	return is, ctx, store
}
