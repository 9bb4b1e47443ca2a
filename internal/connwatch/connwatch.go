// Package connwatch monitors reachability of the device cloud
// endpoint. This is distinct from httpkit's transport-level retry,
// which handles sub-second transient dial errors; connwatch covers
// multi-second to multi-minute outages such as upstream maintenance
// windows and network partitions.
//
// A Watcher runs in two phases:
//  1. Startup: exponential backoff probing (2s, 4s, ... capped at 60s)
//  2. Background: periodic polling with state-transition logging
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether the service is reachable. Return nil if
// healthy. Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// Config controls a Watcher's probe timing.
type Config struct {
	// Name identifies the watched service in log output.
	Name string

	// InitialDelay is the delay before the first startup retry.
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// MaxRetries bounds the startup probe attempts before falling
	// back to background polling.
	MaxRetries int

	// PollInterval is the background check cadence.
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the standard probe schedule: 2s, 4s, 8s, 16s,
// 32s, 60s (capped) on startup, then 60-second background polling.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// Status is the current health of the watched service, suitable for
// JSON serialization in health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single service until its context is cancelled.
type Watcher struct {
	config Config
	probe  ProbeFunc
	logger *slog.Logger
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher goroutine probing the service. It runs until
// ctx is cancelled or Stop is called. Zero-value Config timing fields
// are replaced with defaults.
func Watch(ctx context.Context, cfg Config, probe ProbeFunc, logger *slog.Logger) *Watcher {
	if probe == nil {
		panic("connwatch: probe must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultConfig(cfg.Name)
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		probe:  probe,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run executes the startup backoff phase, then settles into periodic
// background polling.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)

		if err == nil {
			w.ready.Store(true)
			w.logger.Info("service reachable",
				"service", cfg.Name,
				"after_attempts", attempt,
			)
			break
		}

		if attempt == cfg.MaxRetries {
			w.logger.Info("startup probes exhausted, entering background polling",
				"service", cfg.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		w.logger.Debug("startup probe failed, retrying",
			"service", cfg.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.check(ctx)
			wasReady := w.ready.Load()

			switch {
			case wasReady && err != nil:
				w.ready.Store(false)
				w.logger.Warn("service became unreachable",
					"service", cfg.Name,
					"error", err,
				)
			case !wasReady && err == nil:
				w.ready.Store(true)
				w.logger.Info("service recovered", "service", cfg.Name)
			case !wasReady && err != nil:
				w.logger.Debug("service still unreachable",
					"service", cfg.Name,
					"error", err,
				)
			}
		}
	}
}

// check runs one probe with the configured timeout and records the
// outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	defer cancel()

	err := w.probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
