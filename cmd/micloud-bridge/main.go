// Micloud-bridge polls the Mi Cloud find-device service and republishes
// device positions to Home Assistant over MQTT discovery and a local
// HTTP API. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	micloud-bridge serve         Start the bridge
//	micloud-bridge locate        Run one poll cycle and print the results
//	micloud-bridge init [dir]    Write an example config and data directory
//	micloud-bridge version       Print version and build information
//	micloud-bridge -o json version   Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/magicstartrace/micloud-bridge/internal/api"
	"github.com/magicstartrace/micloud-bridge/internal/buildinfo"
	"github.com/magicstartrace/micloud-bridge/internal/config"
	"github.com/magicstartrace/micloud-bridge/internal/connwatch"
	"github.com/magicstartrace/micloud-bridge/internal/micloud"
	"github.com/magicstartrace/micloud-bridge/internal/mqtt"
	"github.com/magicstartrace/micloud-bridge/internal/state"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. All OS-level dependencies are injected
// as parameters; arguments are parsed by hand because the flag package
// relies on package-level globals that interfere with parallel tests,
// and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var commandArg string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-") && commandArg == "":
			commandArg = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "locate":
		return runLocate(ctx, stdout, stderr, configPath)
	case "init":
		dir := commandArg
		if dir == "" {
			dir = "."
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "micloud-bridge - Mi Cloud device position bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: micloud-bridge [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bridge (HTTP API + MQTT)")
	fmt.Fprintln(w, "  locate       Run one poll cycle and print device positions")
	fmt.Fprintln(w, "  init [dir]   Write an example config and data directory")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/micloud-bridge/config.yaml, /etc/micloud-bridge/config.yaml")
	return nil
}

// coordinatorOptions maps the YAML config onto coordinator options.
func coordinatorOptions(cfg *config.Config) micloud.Options {
	return micloud.Options{
		Username:            cfg.MiCloud.Username,
		Password:            cfg.MiCloud.Password,
		CoordinateType:      cfg.MiCloud.CoordinateType,
		UpdateInterval:      time.Duration(cfg.MiCloud.UpdateInterval) * time.Minute,
		LowBatteryPolling:   cfg.MiCloud.LowBatteryPolling,
		LowBatteryThreshold: cfg.MiCloud.LowBatteryThreshold,
		LowBatteryInterval:  time.Duration(cfg.MiCloud.LowBatteryInterval) * time.Minute,
	}
}

// runLocate handles the "micloud-bridge locate" subcommand: one full
// poll cycle with no persistence, printing the harvested snapshots as
// JSON. Useful for verifying credentials and coordinate settings
// without starting the server.
func runLocate(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	auth := micloud.NewWebAuth(logger)
	client := micloud.NewClient(logger)
	coord := micloud.NewCoordinator(auth, client, coordinatorOptions(cfg), logger)

	snaps, err := coord.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("locate: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snaps)
}

// runServe handles the "micloud-bridge serve" subcommand. It is the
// primary operating mode: loads config, opens the state database,
// starts the poll loop, the HTTP API, and (when configured) the MQTT
// publisher, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting micloud-bridge",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level and format are
	// known. The initial Info-level text logger only covers the startup
	// banner and config errors.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"update_interval_minutes", cfg.MiCloud.UpdateInterval,
		"coordinate_type", cfg.MiCloud.CoordinateType,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Persistent state: last published snapshots and position ledger,
	// so a restart serves known positions immediately.
	dbPath := cfg.DataDir + "/micloud.db"
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer db.Close()

	store, err := state.NewStore(db)
	if err != nil {
		return fmt.Errorf("init state database %s: %w", dbPath, err)
	}
	logger.Info("state database opened", "path", dbPath)

	auth := micloud.NewWebAuth(logger)
	client := micloud.NewClient(logger)
	coord := micloud.NewCoordinator(auth, client, coordinatorOptions(cfg), logger,
		micloud.WithStore(store))

	// SIGINT/SIGTERM cancel the context and unwind everything below.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Background reachability probe for the device cloud. Poll cycles
	// run on a minutes-scale timer, so this is what notices an outage
	// (and recovery) promptly enough for the health endpoint.
	watcher := connwatch.Watch(ctx, connwatch.DefaultConfig("micloud"), client.Ping, logger)
	defer watcher.Stop()

	// Optional MQTT bridge: tracked phones as native HA devices, plus a
	// command topic feeding the coordinator.
	var publisher *mqtt.Publisher
	runnerOpts := []micloud.RunnerOption{}
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("instance ID: %w", err)
		}

		activity := mqtt.NewDailyActivity(nil)
		publisher = mqtt.New(cfg.MQTT, instanceID, activity, coord.Dispatch, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()

		runnerOpts = append(runnerOpts, micloud.WithOnPublish(publisher.PublishSnapshots))
		logger.Info("mqtt bridge enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	} else {
		logger.Info("mqtt bridge disabled")
	}

	runner := micloud.NewRunner(coord, logger, runnerOpts...)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("poll loop stopped", "error", err)
		}
	}()

	apiServer := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, coord, logger,
		api.WithCloudStatus(watcher.Status))
	apiErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !api.IsServerClosed(err) {
			apiErr <- err
		}
		close(apiErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-apiErr:
		if ok && err != nil {
			cancel()
			<-runnerDone
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt disconnect", "error", err)
		}
	}
	<-runnerDone

	logger.Info("micloud-bridge stopped")
	return nil
}

// newLogger builds the process logger. The trace level renders as
// "TRACE" instead of slog's default "DEBUG-4".
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the YAML configuration
// file. Returns the parsed config, the path that was loaded, and any
// error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
