package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/messaging-golang/pkg/messaging"
)

const (
	DefaultTimeout time.Duration = 30 * time.Minute
	MinTimeout     time.Duration = time.Minute
)

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type Watchdog interface {
	Start(ctx context.Context)
	Stop()
	Check(ctx context.Context, now time.Time) ([]string, error)
}

type watchdogImpl struct {
	repo      database.DeviceStatusRepository
	publisher Publisher
	timeout   time.Duration

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

// New creates a watchdog that marks a device offline when its status has not been
// updated within timeout, which is raised to MinTimeout if shorter. The publisher is optional.
func New(repo database.DeviceStatusRepository, publisher Publisher, timeout time.Duration) Watchdog {
	if timeout <= 0 {
		timeout = DefaultTimeout
	} else if timeout < MinTimeout {
		timeout = MinTimeout
	}

	return &watchdogImpl{
		repo:      repo,
		publisher: publisher,
		timeout:   timeout,
	}
}

func (w *watchdogImpl) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil {
		return
	}

	w.done = make(chan struct{})
	w.stopped = make(chan struct{})

	go w.run(ctx, w.done, w.stopped)
}

func (w *watchdogImpl) Stop() {
	w.mu.Lock()
	done, stopped := w.done, w.stopped
	w.done, w.stopped = nil, nil
	w.mu.Unlock()

	if done == nil {
		return
	}

	close(done)
	<-stopped
}

func (w *watchdogImpl) run(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	log := logging.GetFromContext(ctx)

	// check at least twice per timeout so that a device is flagged at most timeout/2 late
	ticker := time.NewTicker(w.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			offline, err := w.Check(ctx, t)
			if err != nil {
				log.Error().Err(err).Msg("watchdog check failed")
			}
			if len(offline) > 0 {
				log.Info().Strs("devices", offline).Msg("devices marked as offline")
			}
		}
	}
}

// Check marks every online device whose last update is older than the timeout as
// offline and returns the ids of those devices. The last update time is kept.
func (w *watchdogImpl) Check(ctx context.Context, now time.Time) ([]string, error) {
	log := logging.GetFromContext(ctx)

	stale, err := w.repo.GetOnlineDevicesNotUpdatedSince(ctx, now.Add(-w.timeout))
	if err != nil {
		return nil, fmt.Errorf("could not list stale devices: %w", err)
	}

	offline := []string{}
	var errs error

	for _, status := range stale {
		// the device may have reported since it was listed, only mark it if it has not
		marked, err := w.repo.MarkDeviceOffline(ctx, status.DeviceID, now.Add(-w.timeout))
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("could not mark device %s as offline: %w", status.DeviceID, err))
			continue
		}
		if !marked {
			continue
		}

		offline = append(offline, status.DeviceID)

		if w.publisher == nil {
			continue
		}

		msg := &DeviceOffline{
			DeviceID:     status.DeviceID,
			LastUpdate:   status.LastUpdate.UTC(),
			BatteryLevel: status.BatteryLevel,
			DetectedAt:   now.UTC(),
		}

		if err := w.publisher.PublishOnTopic(ctx, msg); err != nil {
			log.Error().Err(err).Str("device_id", status.DeviceID).Msg("failed to publish device offline")
		}
	}

	return offline, errs
}
