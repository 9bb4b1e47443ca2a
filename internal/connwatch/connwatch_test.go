package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps test wall time short.
func fastConfig() Config {
	return Config{
		Name:         "cloud",
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		MaxRetries:   3,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, deadline time.Duration, cond func() bool) {
	t.Helper()
	start := time.Now()
	for time.Since(start) < deadline {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatch_ImmediateSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := Watch(ctx, fastConfig(), func(context.Context) error { return nil }, testLogger())
	defer w.Stop()

	waitFor(t, time.Second, w.IsReady)

	st := w.Status()
	if !st.Ready || st.Name != "cloud" {
		t.Errorf("Status() = %+v", st)
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want empty", st.LastError)
	}
}

func TestWatch_SuccessAfterRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	w := Watch(ctx, fastConfig(), probe, testLogger())
	defer w.Stop()

	waitFor(t, time.Second, w.IsReady)
	if calls.Load() < 3 {
		t.Errorf("probe calls = %d, want at least 3", calls.Load())
	}
}

func TestWatch_DownAndRecovery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var failing atomic.Bool
	probe := func(context.Context) error {
		if failing.Load() {
			return errors.New("network unreachable")
		}
		return nil
	}

	w := Watch(ctx, fastConfig(), probe, testLogger())
	defer w.Stop()

	waitFor(t, time.Second, w.IsReady)

	failing.Store(true)
	waitFor(t, time.Second, func() bool { return !w.IsReady() })

	st := w.Status()
	if st.LastError == "" {
		t.Error("Status().LastError should carry the probe error while down")
	}

	failing.Store(false)
	waitFor(t, time.Second, w.IsReady)
}

func TestWatch_ExhaustedRetriesNotReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	probe := func(context.Context) error {
		calls.Add(1)
		return errors.New("no route to host")
	}

	w := Watch(ctx, fastConfig(), probe, testLogger())
	defer w.Stop()

	waitFor(t, time.Second, func() bool { return calls.Load() >= 3 })
	if w.IsReady() {
		t.Error("watcher should not be ready while every probe fails")
	}
}

func TestWatch_StopTerminates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := Watch(ctx, fastConfig(), func(context.Context) error { return nil }, testLogger())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
}

func TestWatch_NilProbePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Watch with nil probe should panic")
		}
	}()
	Watch(context.Background(), fastConfig(), nil, testLogger())
}
