package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/care/signaldash/internal/archive"
	"github.com/care/signaldash/internal/clock"
	"github.com/care/signaldash/internal/config"
	"github.com/care/signaldash/internal/core"
	"github.com/care/signaldash/internal/recorder"
	"github.com/care/signaldash/internal/tui"
	"github.com/care/signaldash/internal/web"
)

// options are the command line settings
type options struct {
	configPath string
	debug      bool
	tui        bool
	logFile    string
	listen     string
	broker     string
	wsPort     int
	connect    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("signaldash", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to YAML configuration file (defaults only when empty)")
	flagSet.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&opts.tui, "tui", false, "show the terminal dashboard")
	flagSet.StringVar(&opts.logFile, "log-file", "signaldash.log", "log destination while the terminal dashboard is shown")
	flagSet.StringVar(&opts.listen, "listen", "", "web server listen address (overrides http.listen)")
	flagSet.StringVar(&opts.broker, "broker", "", "MQTT broker host (overrides mqtt.broker)")
	flagSet.IntVar(&opts.wsPort, "ws-port", 0, "MQTT websocket port (overrides mqtt.ws_port)")
	flagSet.BoolVar(&opts.connect, "connect", false, "connect to the broker on startup")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	closeLog, err := setupLogger(opts)
	if err != nil {
		return err
	}
	defer closeLog()

	slog.Info("starting signaldash",
		"config", opts.configPath,
		"debug", opts.debug,
		"tui", opts.tui,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	clk := clock.Real()
	var dashOpts []core.Option

	if cfg.Recorder.Enabled {
		rec, err := recorder.Open(cfg.Recorder.Path, clk)
		if err != nil {
			return fmt.Errorf("failed to start cycle recorder: %w", err)
		}
		dashOpts = append(dashOpts, core.WithRecorder(rec))
	}

	if cfg.Archive.URI != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, cfg.MQTT.ConnectTimeout())
		arc, err := archive.Connect(connectCtx, cfg.Archive)
		connectCancel()
		if err != nil {
			// Archiving is optional; the dashboard runs without it
			slog.Warn("decision archive unavailable", "error", err)
		} else {
			dashOpts = append(dashOpts, core.WithArchive(arc))
		}
	}

	dash := core.New(cfg, clk, dashOpts...)

	server := web.NewServer(cfg.HTTP, dash)
	if err := server.Start(); err != nil {
		dash.Shutdown(context.Background())
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- dash.Run(ctx)
	}()

	tuiDone := make(chan error, 1)
	if opts.tui {
		updates := make(chan core.Update, cfg.HTTP.ClientBuffer)
		if err := dash.Bus().Subscribe("tui", updates); err != nil {
			return fmt.Errorf("failed to subscribe terminal view: %w", err)
		}
		program := tea.NewProgram(tui.NewModel(dash, updates), tea.WithAltScreen())
		go func() {
			_, err := program.Run()
			tuiDone <- err
		}()
	}

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-tuiDone:
		if err != nil {
			slog.Error("terminal view failed", "error", err)
		} else {
			slog.Info("terminal view closed")
		}
	case err := <-errChan:
		if err != nil {
			slog.Error("dashboard error", "error", err)
		}
	}
	cancel()

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("web server shutdown failed", "error", err)
	}
	if err := dash.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("signaldash stopped successfully")
	return nil
}

// loadConfig reads the config file (if any) and applies flag overrides
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.listen != "" {
		cfg.HTTP.Listen = opts.listen
	}
	if opts.broker != "" {
		cfg.MQTT.Broker = opts.broker
	}
	if opts.wsPort != 0 {
		cfg.MQTT.WSPort = opts.wsPort
	}
	if opts.connect {
		cfg.MQTT.AutoConnect = true
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger installs the default slog logger. The terminal view owns
// stdout, so in TUI mode records go to a text log file instead.
func setupLogger(opts options) (func(), error) {
	logLevel := slog.LevelInfo
	if opts.debug {
		logLevel = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}

	if !opts.tui {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts)))
		return func() {}, nil
	}

	f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(f, handlerOpts)))
	return func() { f.Close() }, nil
}
