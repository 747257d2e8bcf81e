// Package connwatch provides service-level liveness monitoring with
// exponential backoff for external dependencies the bot cannot run
// without but also cannot assume stays up. Its one user in this module
// is the push-subscription (EventSub) connection supervisor.
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. connwatch handles multi-second to
// multi-minute outages: service restarts and network partitions.
//
// Each Watcher probes a single service in three phases:
//  1. Startup: exponential backoff until the first successful probe.
//  2. Steady state: periodic liveness checks (every PollInterval).
//  3. Recovery: when a steady-state check fails, the watcher runs the
//     Recover callback under its own backoff schedule. A bounded
//     recovery schedule that exhausts its attempts marks the service
//     permanently failed and ends the watch.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// RecoverFunc re-establishes a service after a down transition (e.g. a
// full reconnect-and-resubscribe sequence). Return nil once the service
// is usable again.
type RecoverFunc func(ctx context.Context) error

// Backoff is one exponential retry schedule.
type Backoff struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt.
	Multiplier float64

	// MaxAttempts bounds the schedule. Zero means retry forever.
	MaxAttempts int
}

// next grows d by the multiplier, capped at MaxDelay.
func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// StartupBackoff is the default schedule for the startup phase:
// 2s, 4s, 8s, 16s, 32s, 60s (capped), ten attempts.
func StartupBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}
}

// RecoveryBackoff is the default schedule for the recovery phase:
// 10s, 20s, 40s, 80s, 160s, five attempts, then permanent failure.
func RecoveryBackoff() Backoff {
	return Backoff{
		InitialDelay: 10 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
	}
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "eventsub").
	Name string

	// Probe checks service liveness. Must be safe for concurrent use.
	Probe ProbeFunc

	// Recover re-establishes the service after a down transition. If nil,
	// Probe is used as the recovery attempt (probe-until-healthy).
	Recover RecoverFunc

	// Startup controls retry timing before the first successful probe.
	// A wholly zero value is replaced by StartupBackoff(); otherwise only
	// a zero InitialDelay or Multiplier is filled from it.
	Startup Backoff

	// Recovery controls retry timing after a down transition. A wholly
	// zero value is filled from RecoveryBackoff() (five bounded attempts).
	// To retry forever, set InitialDelay explicitly and leave MaxAttempts
	// at zero.
	Recovery Backoff

	// PollInterval is the steady-state liveness check interval (default 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default 10s).
	ProbeTimeout time.Duration

	// OnReady is called when the service transitions to ready, both at
	// startup and after a successful recovery. Called in a separate
	// goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when a steady-state check finds the service
	// unreachable, before recovery begins. Optional.
	OnDown func(err error)

	// OnPermanentFailure is called once, when a bounded schedule exhausts
	// its attempts without reaching ready. The watcher exits afterwards.
	// Optional.
	OnPermanentFailure func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the liveness status of a watched service, suitable
// for a diagnostics command or health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failed    bool      `json:"failed"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's liveness.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	failed atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher for cfg in a background goroutine. The watcher
// runs until ctx is cancelled, Stop is called, or a bounded schedule
// exhausts its attempts.
//
// Panics if Name is empty or Probe is nil — these are programming
// errors, not runtime conditions.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fillBackoff(&cfg.Startup, StartupBackoff())
	fillBackoff(&cfg.Recovery, RecoveryBackoff())
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// fillBackoff replaces zero-value timing fields with those of def.
// MaxAttempts is only defaulted when the whole struct is zero, so a
// caller can explicitly ask for an unbounded schedule by setting any
// timing field and leaving MaxAttempts at 0.
func fillBackoff(b *Backoff, def Backoff) {
	if *b == (Backoff{}) {
		*b = def
		return
	}
	if b.InitialDelay <= 0 {
		b.InitialDelay = def.InitialDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = def.Multiplier
	}
	if b.MaxDelay < 0 {
		b.MaxDelay = def.MaxDelay
	}
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Failed reports whether the watcher has given up permanently.
func (w *Watcher) Failed() bool {
	return w.failed.Load()
}

// LastError returns the most recent probe/recovery error, or nil.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current liveness status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Failed:    w.failed.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run drives the three phases. Startup probes until the first success;
// steady state polls; a failed poll hands off to the recovery loop.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	logger := w.config.Logger

	if !w.startup(ctx) {
		return
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.recordResult(err)
			if err == nil {
				continue
			}

			w.ready.Store(false)
			logger.Info("service became unreachable",
				"service", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}

			if !w.recover(ctx, err) {
				return
			}
			ticker.Reset(w.config.PollInterval)
		}
	}
}

// startup probes with the startup schedule until the first success.
// Returns false if the watcher should exit (cancelled or exhausted).
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Startup
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := w.probe(ctx)
		w.recordResult(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("service connected",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			return true
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			logger.Warn("startup connection failed permanently",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			w.markFailed(err)
			return false
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay = cfg.next(delay)
	}
}

// recover runs the recovery schedule after a down transition. Returns
// true once the service is ready again, false if the watcher should
// exit (cancelled or permanently failed).
func (w *Watcher) recover(ctx context.Context, cause error) bool {
	cfg := w.config.Recovery
	logger := w.config.Logger

	attemptFn := w.config.Recover
	if attemptFn == nil {
		attemptFn = RecoverFunc(w.config.Probe)
	}

	delay := cfg.InitialDelay
	lastErr := cause
	for attempt := 1; ; attempt++ {
		if !sleepCtx(ctx, delay) {
			return false
		}

		err := attemptFn(ctx)
		w.recordResult(err)
		if err == nil {
			w.ready.Store(true)
			logger.Info("service recovered",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			return true
		}
		lastErr = err

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			logger.Warn("recovery exhausted, giving up",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			w.markFailed(lastErr)
			return false
		}

		logger.Debug("recovery attempt failed",
			"service", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		delay = cfg.next(delay)
	}
}

// markFailed flips the permanent-failure flag and fires the callback.
func (w *Watcher) markFailed(err error) {
	w.failed.Store(true)
	if w.config.OnPermanentFailure != nil {
		go w.config.OnPermanentFailure(err)
	}
}

// probe calls the configured ProbeFunc with a timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome under the mutex.
func (w *Watcher) recordResult(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
