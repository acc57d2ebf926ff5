package cloudsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/iot-gas-monitor/internal/pkg/infrastructure/logging"
)

const DefaultInterval time.Duration = 5 * time.Minute

type Status struct {
	Enabled       bool       `json:"enabled"`
	Authenticated bool       `json:"authenticated"`
	Running       bool       `json:"running"`
	ThingID       string     `json:"thing_id,omitempty"`
	DeviceID      string     `json:"device_id,omitempty"`
	Interval      string     `json:"sync_interval"`
	LastSync      *time.Time `json:"last_sync"`
	LastResult    *Result    `json:"last_result,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Runner drives the reconciler on a fixed interval. Cycles never overlap, whether they
// are started by the schedule or by SyncNow.
type Runner struct {
	reconciler *Reconciler
	interval   time.Duration

	cycle sync.Mutex

	mu         sync.Mutex
	running    bool
	lastSync   *time.Time
	lastResult *Result
	lastError  error
	done       chan struct{}
	stopped    chan struct{}
}

func NewRunner(r *Reconciler, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Runner{
		reconciler: r,
		interval:   interval,
	}
}

func (r *Runner) Enabled() bool {
	return r.reconciler != nil && r.reconciler.client != nil && r.reconciler.thingID != ""
}

// Start runs one cycle immediately and then one per interval until ctx is cancelled or
// Stop is called. A failed cycle is logged and the schedule continues.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}

	r.running = true
	r.done = make(chan struct{})
	r.stopped = make(chan struct{})

	go r.backgroundWorker(ctx, r.done, r.stopped)
}

// Stop signals the worker and waits for an in-flight cycle to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.done)
	stopped := r.stopped
	r.mu.Unlock()

	<-stopped
}

func (r *Runner) backgroundWorker(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	logger := logging.GetFromContext(ctx)
	logger.Info().Msgf("starting periodic cloud sync every %s", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		_, err := r.SyncNow(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("cloud sync cycle failed")
		}

		logger.Debug().Msgf("waiting %s until next sync", r.interval)

		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncNow runs a single cycle, waiting for any cycle already in progress to complete first.
func (r *Runner) SyncNow(ctx context.Context) (Result, error) {
	if r.reconciler == nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSyncFailed, ErrConfiguration)
	}

	r.cycle.Lock()
	defer r.cycle.Unlock()

	result, err := r.reconciler.Reconcile(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.lastSync = &now
	r.lastError = err
	if err == nil {
		r.lastResult = &result
	}

	return result, err
}

func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Status{
		Enabled:  r.Enabled(),
		Running:  r.running,
		Interval: r.interval.String(),
		LastSync: r.lastSync,
	}

	if r.reconciler != nil && r.reconciler.thingID != "" {
		s.ThingID = r.reconciler.thingID
		s.DeviceID = r.reconciler.DeviceID()
	}

	if a, ok := r.authState(); ok {
		s.Authenticated = a
	}

	if r.lastResult != nil {
		result := *r.lastResult
		s.LastResult = &result
	}

	if r.lastError != nil {
		s.LastError = r.lastError.Error()
	}

	return s
}

func (r *Runner) authState() (bool, bool) {
	if r.reconciler == nil || r.reconciler.client == nil {
		return false, false
	}

	a, ok := r.reconciler.client.(interface{ Authenticated() bool })
	if !ok {
		return false, false
	}

	return a.Authenticated(), true
}
