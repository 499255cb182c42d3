package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/pidfile"
	"github.com/markus-lassfolk/geolocd/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "/var/run/geolocd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Force start by removing stale PID file")
)

const (
	AppName    = "geolocd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	effectiveLogLevel := "info"
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", *pidPath)
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			fmt.Fprintf(os.Stderr, "Use -force to override, or stop the existing instance first\n")
			os.Exit(1)
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}

	code := run(logger)
	if err := pidFile.Remove(); err != nil {
		logger.Error("Failed to remove PID file", "error", err)
	}
	os.Exit(code)
}

func run(logger *logx.Logger) int {
	cfg, err := uci.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		return 1
	}
	if *logLevel == "" {
		logger.SetLevel(cfg.Main.LogLevel)
	}
	if !cfg.Main.Enable {
		logger.Info("Daemon disabled in configuration", "path", *configPath)
		return 0
	}
	logger.Info("Starting geolocation daemon", "version", AppVersion, "pid", os.Getpid(), "default_accuracy", cfg.Main.DefaultAccuracy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize daemon", "error", err)
		return 1
	}
	if err := d.start(ctx); err != nil {
		logger.Error("Failed to start daemon", "error", err)
		d.shutdown()
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reload(logger)
			continue
		}
		logger.Info("Received shutdown signal", "signal", sig.String())
		break
	}

	cancel()
	done := make(chan struct{})
	go func() {
		d.shutdown()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Graceful shutdown completed")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timeout exceeded")
	}
	return 0
}

// reload re-reads the configuration and applies the log level
func reload(logger *logx.Logger) {
	cfg, err := uci.Load(*configPath)
	if err != nil {
		logger.Error("Configuration reload failed, keeping current settings", "error", err)
		return
	}
	if *logLevel != "" {
		logger.Info("Configuration reloaded, log level fixed by flag", "log_level", logger.Level())
		return
	}
	logger.SetLevel(cfg.Main.LogLevel)
	logger.Info("Configuration reloaded", "log_level", cfg.Main.LogLevel)
}
