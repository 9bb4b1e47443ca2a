package micloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultPropagationDelay is how long the coordinator waits between
// triggering a fleet locate and harvesting results, giving the cloud
// time to collect fresh fixes from the devices.
const DefaultPropagationDelay = 15 * time.Second

// Options holds the tunable polling behavior. Values are snapshotted
// at the start of each cycle, so a live update takes effect on the
// next cycle at the latest.
type Options struct {
	Username            string
	Password            string
	CoordinateType      string
	UpdateInterval      time.Duration
	LowBatteryPolling   bool
	LowBatteryThreshold int
	LowBatteryInterval  time.Duration
}

// SnapshotStore persists the last published snapshots and the position
// ledger across restarts. Implementations must tolerate concurrent
// Save calls not happening; the coordinator serializes them.
type SnapshotStore interface {
	Save(snaps []Snapshot, ledger map[string]int64) error
	Load() ([]Snapshot, map[string]int64, error)
}

// Coordinator drives the poll cycle: login, fleet locate trigger,
// propagation wait, harvest, publish. One cycle runs at a time; the
// published results and options are safe to read concurrently.
type Coordinator struct {
	auth   Authenticator
	client CloudClient
	store  SnapshotStore
	logger *slog.Logger

	propagationDelay time.Duration
	sleep            func(ctx context.Context, d time.Duration) error

	kick chan struct{}

	// cycleMu serializes RunCycle. The fields below it are only
	// touched while it is held.
	cycleMu sync.Mutex
	session *Session
	devices []Device
	ledger  map[string]int64

	mu          sync.Mutex
	opts        Options
	captchaCode string
	pending     *Command
	lastGood    []Snapshot
	lastUpdate  time.Time
	lastErr     error
	interval    time.Duration
	lowBattery  bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithStore attaches a persistence layer. Previously saved snapshots
// and ledger entries are restored by NewCoordinator.
func WithStore(store SnapshotStore) CoordinatorOption {
	return func(c *Coordinator) { c.store = store }
}

// WithPropagationDelay overrides the trigger-to-harvest wait.
func WithPropagationDelay(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) { c.propagationDelay = d }
}

// WithSleeper overrides the propagation wait implementation. Tests use
// this to make cycles instantaneous.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = sleep }
}

// NewCoordinator builds a coordinator. If a store is attached, the
// last published snapshots and the ledger are restored so a restart
// resumes with warm state instead of an empty cache.
func NewCoordinator(auth Authenticator, client CloudClient, opts Options, logger *slog.Logger, copts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		auth:             auth,
		client:           client,
		logger:           logger,
		propagationDelay: DefaultPropagationDelay,
		sleep:            sleepContext,
		kick:             make(chan struct{}, 1),
		ledger:           make(map[string]int64),
		opts:             opts,
		interval:         opts.UpdateInterval,
	}
	for _, o := range copts {
		o(c)
	}

	if c.store != nil {
		snaps, ledger, err := c.store.Load()
		if err != nil {
			c.logger.Warn("restoring persisted state failed, starting cold", "error", err)
		} else {
			if len(snaps) > 0 {
				c.lastGood = snaps
				c.logger.Info("restored persisted snapshots", "devices", len(snaps))
			}
			for imei, ms := range ledger {
				c.ledger[imei] = ms
			}
		}
	}

	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Kicks returns the channel signalled whenever an out-of-band cycle
// should run: a queued command, a live options change.
func (c *Coordinator) Kicks() <-chan struct{} { return c.kick }

func (c *Coordinator) requestCycle() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Dispatch queues a one-shot command for the next cycle and requests
// that the cycle run promptly. A queued command that has not yet run
// is replaced.
func (c *Coordinator) Dispatch(cmd Command) error {
	switch cmd.Kind {
	case KindFind, KindNoise, KindLost, KindClipboard:
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
	if cmd.Kind != KindClipboard && cmd.IMEI == "" {
		return errors.New("command requires a device imei")
	}
	if cmd.Kind == KindClipboard && cmd.Text == "" {
		return errors.New("clipboard command requires text")
	}

	c.mu.Lock()
	if c.pending != nil {
		c.logger.Warn("replacing queued command", "was", c.pending.Kind, "now", cmd.Kind)
	}
	cp := cmd
	c.pending = &cp
	c.mu.Unlock()

	c.requestCycle()
	return nil
}

// SetCaptchaCode supplies a captcha solution for the next login
// attempt. It is consumed by that attempt regardless of outcome.
func (c *Coordinator) SetCaptchaCode(code string) {
	c.mu.Lock()
	c.captchaCode = code
	c.mu.Unlock()
	c.requestCycle()
}

// UpdateOptions applies a live options change. The effective interval
// only moves when the value for the current battery mode changed, so a
// low-battery backoff is not silently cancelled by an unrelated edit.
// Returns true when anything changed; callers should then run a cycle.
func (c *Coordinator) UpdateOptions(next Options) bool {
	c.mu.Lock()
	prev := c.opts
	c.opts = next

	if next.UpdateInterval != prev.UpdateInterval && !c.lowBattery {
		c.interval = next.UpdateInterval
	}
	lowChanged := next.LowBatteryPolling != prev.LowBatteryPolling ||
		next.LowBatteryThreshold != prev.LowBatteryThreshold ||
		next.LowBatteryInterval != prev.LowBatteryInterval
	if lowChanged && c.lowBattery {
		if next.LowBatteryPolling {
			c.interval = next.LowBatteryInterval
		} else {
			c.lowBattery = false
			c.interval = next.UpdateInterval
		}
	}

	changed := next != prev
	c.mu.Unlock()

	if changed {
		c.logger.Info("options updated", "interval", c.Interval())
		c.requestCycle()
	}
	return changed
}

// Options returns the currently configured options.
func (c *Coordinator) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// Snapshots returns a copy of the last published device snapshots.
func (c *Coordinator) Snapshots() []Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Snapshot, len(c.lastGood))
	copy(out, c.lastGood)
	return out
}

// Interval returns the currently effective polling interval.
func (c *Coordinator) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// LowBattery reports whether the coordinator is in low-battery backoff.
func (c *Coordinator) LowBattery() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lowBattery
}

// LastUpdate returns when snapshots were last published, along with
// the error from the most recent cycle (nil when it succeeded).
func (c *Coordinator) LastUpdate() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate, c.lastErr
}

// RunCycle performs one full poll cycle and returns the snapshots it
// published. On failure it falls back to the last published snapshots
// when any exist; with an empty cache the failure surfaces as
// ErrUpdateFailed wrapping the cause.
func (c *Coordinator) RunCycle(ctx context.Context) ([]Snapshot, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	opts := c.opts
	cmd := c.pending
	c.mu.Unlock()

	// Targeted commands run before anything else so a queued noise or
	// lost request is not delayed by a full locate round.
	if cmd != nil && cmd.Kind != KindFind && c.session != nil {
		err := c.runCommand(ctx, *cmd)
		if errors.Is(err, ErrSessionInvalid) {
			// Keep the command queued; it retries once after re-login.
			c.session = nil
		} else {
			if err != nil {
				c.logger.Warn("queued command failed, dropping it", "kind", cmd.Kind, "error", err)
			}
			c.clearPending()
			cmd = nil
		}
	}
	if cmd != nil && cmd.Kind == KindFind {
		// A find request is just an expedited locate round, which
		// every cycle performs anyway.
		c.clearPending()
		cmd = nil
	}

	if c.session == nil {
		if err := c.establishSession(ctx, opts); err != nil {
			return c.finishCycle(nil, err)
		}
		if cmd != nil {
			if err := c.runCommand(ctx, *cmd); err != nil {
				c.logger.Warn("queued command failed after re-login, dropping it", "kind", cmd.Kind, "error", err)
			}
			c.clearPending()
		}
	}

	if err := c.triggerAll(ctx); err != nil {
		if !errors.Is(err, ErrSessionInvalid) {
			c.logger.Warn("locate trigger failed, harvesting stale positions", "error", err)
		} else {
			c.session = nil
			if err := c.establishSession(ctx, opts); err != nil {
				return c.finishCycle(nil, err)
			}
			if err := c.triggerAll(ctx); err != nil {
				c.logger.Warn("locate trigger failed after re-login, harvesting stale positions", "error", err)
			}
		}
	}

	if err := c.sleep(ctx, c.propagationDelay); err != nil {
		return c.finishCycle(nil, err)
	}

	snaps, err := c.harvest(ctx, opts.CoordinateType)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			c.session = nil
		}
		return c.finishCycle(nil, err)
	}

	if len(snaps) == 0 {
		if len(c.devices) == 0 {
			return c.finishCycle(nil, errors.New("device directory is empty"))
		}
		// Every status fetch failed but the session held: publish
		// minimal snapshots so consumers keep seeing the fleet.
		c.logger.Warn("no device reported status, publishing directory skeletons")
		for _, dev := range c.devices {
			snaps = append(snaps, Snapshot{
				IMEI:    dev.IMEI,
				Model:   dev.Model,
				Version: dev.Version,
				Status:  "unknown",
			})
		}
	}

	c.evaluateBattery(snaps, opts)
	return c.finishCycle(snaps, nil)
}

func (c *Coordinator) clearPending() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// establishSession logs in with fresh cookies and refreshes the device
// directory. A queued captcha solution is consumed by the attempt.
func (c *Coordinator) establishSession(ctx context.Context, opts Options) error {
	c.mu.Lock()
	captcha := c.captchaCode
	c.captchaCode = ""
	c.mu.Unlock()

	sess, err := c.auth.Login(ctx, Credentials{
		Username:    opts.Username,
		Password:    opts.Password,
		CaptchaCode: captcha,
	})
	if err != nil {
		return err
	}

	devices, err := c.client.Devices(ctx, sess)
	if err != nil {
		return fmt.Errorf("device directory: %w", err)
	}

	c.session = sess
	c.devices = devices
	c.logger.Info("logged in", "user_id", sess.UserID, "devices", len(devices))
	return nil
}

// triggerAll asks every directory device for a fresh locate. Session
// loss aborts immediately; any other per-device failure is logged and
// the remaining devices are still triggered.
func (c *Coordinator) triggerAll(ctx context.Context) error {
	for _, dev := range c.devices {
		if dev.IMEI == "" {
			continue
		}
		if err := c.client.TriggerLocate(ctx, c.session, dev.IMEI); err != nil {
			if errors.Is(err, ErrSessionInvalid) {
				return err
			}
			c.logger.Warn("locate trigger failed for device", "model", dev.Model, "error", err)
		}
	}
	return nil
}

func (c *Coordinator) runCommand(ctx context.Context, cmd Command) error {
	switch cmd.Kind {
	case KindNoise:
		return c.client.PlaySound(ctx, c.session, cmd.IMEI)
	case KindLost:
		return c.client.MarkLost(ctx, c.session, cmd.IMEI, cmd.Content, cmd.Phone, cmd.OnlineNotify)
	case KindClipboard:
		return c.client.PushClipboard(ctx, c.session, cmd.Text)
	case KindFind:
		return c.client.TriggerLocate(ctx, c.session, cmd.IMEI)
	}
	return fmt.Errorf("unknown command kind %q", cmd.Kind)
}

// evaluateBattery moves the coordinator in and out of low-battery
// backoff. The interval only changes on a transition, so a manual
// interval edit is not overwritten every cycle.
func (c *Coordinator) evaluateBattery(snaps []Snapshot, opts Options) {
	if !opts.LowBatteryPolling {
		return
	}

	anyLow := false
	for _, s := range snaps {
		if s.Battery != nil && *s.Battery < opts.LowBatteryThreshold {
			anyLow = true
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if anyLow == c.lowBattery {
		return
	}
	c.lowBattery = anyLow
	if anyLow {
		c.interval = opts.LowBatteryInterval
		c.logger.Info("device battery below threshold, slowing polling",
			"threshold", opts.LowBatteryThreshold, "interval", c.interval)
	} else {
		c.interval = opts.UpdateInterval
		c.logger.Info("batteries recovered, resuming normal polling", "interval", c.interval)
	}
}

// finishCycle records the outcome. On success the snapshots become the
// new last-good set and are persisted. On failure the last-good set is
// returned instead when it is non-empty; otherwise the cause is
// wrapped in ErrUpdateFailed.
func (c *Coordinator) finishCycle(snaps []Snapshot, cause error) ([]Snapshot, error) {
	if cause == nil {
		ledger := make(map[string]int64, len(c.ledger))
		for imei, ms := range c.ledger {
			ledger[imei] = ms
		}

		c.mu.Lock()
		c.lastGood = snaps
		c.lastUpdate = time.Now()
		c.lastErr = nil
		c.mu.Unlock()

		if c.store != nil {
			if err := c.store.Save(snaps, ledger); err != nil {
				c.logger.Warn("persisting snapshots failed", "error", err)
			}
		}

		out := make([]Snapshot, len(snaps))
		copy(out, snaps)
		return out, nil
	}

	c.mu.Lock()
	c.lastErr = cause
	cached := make([]Snapshot, len(c.lastGood))
	copy(cached, c.lastGood)
	c.mu.Unlock()

	if len(cached) > 0 {
		c.logger.Warn("update cycle failed, serving last known positions", "error", cause)
		return cached, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUpdateFailed, cause)
}
