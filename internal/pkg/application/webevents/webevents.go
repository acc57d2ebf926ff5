package webevents

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	gosse "github.com/alexandrevicenzi/go-sse"
	"github.com/diwise/iot-gas-monitor/internal/pkg/application/notifications"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
)

const EventGasAlertRaised string = "gasAlertRaised"

// WebEvents streams raised alerts to connected dashboards as server-sent events.
type WebEvents interface {
	Handler() http.Handler
	Shutdown()
	Notify(ctx context.Context, alert database.Alert) error
}

type webEvents struct {
	s *gosse.Server
}

func New() WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{}),
	}
}

func (we *webEvents) Handler() http.Handler {
	return we.s
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}

func (we *webEvents) Notify(ctx context.Context, alert database.Alert) error {
	return we.publish(strconv.FormatUint(uint64(alert.ID), 10), EventGasAlertRaised, &notifications.GasAlertRaised{
		AlertID:   alert.ID,
		DeviceID:  alert.DeviceID,
		Level:     alert.Level,
		PPM:       alert.PPM,
		Message:   alert.Message,
		Timestamp: alert.Timestamp.UTC(),
	})
}

func (we *webEvents) publish(id, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	message := gosse.NewMessage(id, string(b), event)
	we.s.SendMessage("", message)

	return nil
}
