package notifications

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const EventTypeGasAlert string = "gasmonitor.alertraised"

// Publisher is the part of the messaging context used to publish topic messages.
type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type Notifier interface {
	Notify(ctx context.Context, alert database.Alert) error
}

type GasAlertRaised struct {
	AlertID   uint      `json:"alertID"`
	DeviceID  string    `json:"deviceID"`
	Level     string    `json:"level"`
	PPM       float64   `json:"ppm"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (g *GasAlertRaised) ContentType() string {
	return "application/json"
}
func (g *GasAlertRaised) TopicName() string {
	return "alarms.gasAlertRaised"
}

type subscriber struct {
	endpoint string
	patterns []*regexp.Regexp
}

func (s subscriber) wants(deviceID string) bool {
	if len(s.patterns) == 0 {
		return true
	}
	for _, p := range s.patterns {
		if p.MatchString(deviceID) {
			return true
		}
	}
	return false
}

type notifier struct {
	publisher   Publisher
	subscribers []subscriber
}

// New creates a Notifier that logs every alert, publishes it on the message broker when a
// publisher is given and posts it as a CloudEvent to the subscribers of gas alerts in cfg.
func New(p Publisher, cfg *Config) (Notifier, error) {
	n := &notifier{
		publisher: p,
	}

	if cfg == nil {
		return n, nil
	}

	for _, notification := range cfg.Notifications {
		if notification.Type != EventTypeGasAlert {
			continue
		}

		for _, s := range notification.Subscribers {
			sub := subscriber{endpoint: s.Endpoint}

			for _, info := range s.Information {
				for _, e := range info.Entities {
					re, err := regexp.Compile(e.IDPattern)
					if err != nil {
						return nil, fmt.Errorf("bad idPattern %q in notification %s: %w", e.IDPattern, notification.ID, err)
					}
					sub.patterns = append(sub.patterns, re)
				}
			}

			n.subscribers = append(n.subscribers, sub)
		}
	}

	return n, nil
}

func (n *notifier) Notify(ctx context.Context, alert database.Alert) error {
	logger := logging.GetFromContext(ctx)

	logger.Warn().
		Uint("alertID", alert.ID).
		Str("device_id", alert.DeviceID).
		Str("level", alert.Level).
		Float64("ppm", alert.PPM).
		Msg(alert.Message)

	msg := &GasAlertRaised{
		AlertID:   alert.ID,
		DeviceID:  alert.DeviceID,
		Level:     alert.Level,
		PPM:       alert.PPM,
		Message:   alert.Message,
		Timestamp: alert.Timestamp.UTC(),
	}

	var errs []error

	if n.publisher != nil {
		if err := n.publisher.PublishOnTopic(ctx, msg); err != nil {
			logger.Error().Err(err).Msg("failed to publish gas alert")
			errs = append(errs, err)
		}
	}

	if err := n.send(ctx, msg); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (n *notifier) send(ctx context.Context, msg *GasAlertRaised) error {
	targets := []string{}
	for _, s := range n.subscribers {
		if s.wants(msg.DeviceID) {
			targets = append(targets, s.endpoint)
		}
	}

	if len(targets) == 0 {
		return nil
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetTime(msg.Timestamp)
	event.SetSource("github.com/diwise/iot-gas-monitor")
	event.SetType(EventTypeGasAlert)

	err = event.SetData(cloudevents.ApplicationJSON, msg)
	if err != nil {
		return err
	}

	logger := logging.GetFromContext(ctx)

	for _, endpoint := range targets {
		ctxWithTarget := cloudevents.ContextWithTarget(ctx, endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send event to %s", endpoint)
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}

type chain []Notifier

// Chain returns a Notifier that passes each alert to every non nil notifier in ns and
// joins their errors.
func Chain(ns ...Notifier) Notifier {
	c := chain{}
	for _, n := range ns {
		if n != nil {
			c = append(c, n)
		}
	}
	return c
}

func (c chain) Notify(ctx context.Context, alert database.Alert) error {
	var errs []error
	for _, n := range c {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
