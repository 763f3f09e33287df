// Command wearproxyd keeps the sysproxy tunnel to the paired phone up.
//
// It wires the proxy shard, the shard runner, the radio controller and the
// mediator to a transport (BlueZ or, for development, mDNS + TCP) and
// optionally runs an interactive shell.
//
// Usage:
//
//	wearproxyd [flags]
//
// Flags:
//
//	-config string        Settings file (YAML)
//	-transport string     Override transport.kind: bluez or lan
//	-log-level string     debug, info, warn, error (default "info")
//	-log-format string    text or json (default "text")
//	-event-log string     Append the proxy event trace to this file
//	-metrics-addr string  Serve /metrics and /health on this address
//	-locked               Start with the user locked (no proxy until "unlock")
//	-interactive          Run the interactive shell
//
// Examples:
//
//	# Run against a companion simulator on the LAN
//	wearproxyd -transport lan -interactive -log-level debug
//
//	# Run on the watch with BlueZ and metrics
//	wearproxyd -config /etc/wearlink/proxy.yaml -metrics-addr :9464
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wearlink/wearlink-go/cmd/wearproxyd/shell"
	"github.com/wearlink/wearlink-go/pkg/settings"
)

// Config holds the process-level options.
type Config struct {
	ConfigFile  string
	Transport   string
	LogLevel    string
	LogFormat   string
	EventLog    string
	MetricsAddr string
	Locked      bool
	Interactive bool
}

var config Config

func init() {
	flag.StringVar(&config.ConfigFile, "config", "", "Settings file (YAML)")
	flag.StringVar(&config.Transport, "transport", "", "Override transport.kind: bluez or lan")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&config.LogFormat, "log-format", "text", "Log format: text or json")
	flag.StringVar(&config.EventLog, "event-log", "", "Append the proxy event trace to this file")
	flag.StringVar(&config.MetricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address")
	flag.BoolVar(&config.Locked, "locked", false, "Start locked; the proxy waits for \"unlock\"")
	flag.BoolVar(&config.Interactive, "interactive", false, "Run the interactive shell")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "wearproxyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	var sh *shell.Shell
	var logOut io.Writer = os.Stderr
	if config.Interactive {
		if sh, err = shell.New(); err != nil {
			return err
		}
		logOut = sh.Stderr()
	}
	logger, err := newLogger(logOut, config.LogLevel, config.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, s, logger)
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Info("wearproxyd starting",
		"transport", s.Transport.Kind,
		"companion", s.Companion.Address,
		"protocol", s.Proxy.Protocol)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watch(ctx) })
	g.Go(func() error { return reloadOnHangup(ctx, d, logger) })
	if d.metrics != nil {
		if err := d.metrics.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return d.metrics.Stop(shutdown)
		})
	}

	d.boot(ctx, !config.Locked)

	if sh != nil {
		runCtx, cancel := context.WithCancel(ctx)
		g.Go(func() error {
			sh.Run(runCtx, cancel, d)
			return errQuit
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	logger.Info("wearproxyd stopped")
	return nil
}

var errQuit = errors.New("quit")

func loadSettings() (settings.Settings, error) {
	s := settings.Default()
	if config.ConfigFile != "" {
		var err error
		if s, err = settings.Load(config.ConfigFile); err != nil {
			return s, err
		}
	}
	if config.Transport != "" {
		s.Transport.Kind = config.Transport
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// reloadOnHangup rereads the settings file on SIGHUP.
func reloadOnHangup(ctx context.Context, d *daemon, logger *slog.Logger) error {
	if config.ConfigFile == "" {
		return nil
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := d.store.Reload(config.ConfigFile); err != nil {
				logger.Warn("settings reload failed", "error", err)
			}
		}
	}
}
