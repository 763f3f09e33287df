// Command companion-sim plays the phone side of a sysproxy session over TCP.
//
// It advertises itself over mDNS as the companion named by -addr so that
// wearproxyd started with -transport lan finds it, then serves sysproxy
// sessions on -port.
//
// Usage:
//
//	companion-sim [flags]
//
// Flags:
//
//	-addr string        Bluetooth address to stand in for (default "02:00:00:00:00:01")
//	-name string        Companion name (default "companion-sim")
//	-os string          android or ios (default "android")
//	-port int           Listen port (default 4780)
//	-network string     Upstream network: none, wifi, cellular, ethernet, other (default "wifi")
//	-metered            Report the upstream network as metered
//	-drop-after dur     Close each session after this long (0 keeps it)
//	-protocols string   Accepted protocols: v1, v2 or v1,v2 (default "v1,v2")
//	-flip dur           Alternate between -network and none at this period
//	-log-level string   debug, info, warn, error (default "info")
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/lan"
	"github.com/wearlink/wearlink-go/pkg/sysproxy"
)

// Config holds the simulator options.
type Config struct {
	Address   string
	Name      string
	OS        string
	Port      int
	Network   string
	Metered   bool
	DropAfter time.Duration
	Protocols string
	Flip      time.Duration
	LogLevel  string
}

var config Config

func init() {
	flag.StringVar(&config.Address, "addr", "02:00:00:00:00:01", "Bluetooth address to stand in for")
	flag.StringVar(&config.Name, "name", "companion-sim", "Companion name")
	flag.StringVar(&config.OS, "os", "android", "Companion OS: android or ios")
	flag.IntVar(&config.Port, "port", lan.DefaultPort, "Listen port")
	flag.StringVar(&config.Network, "network", "wifi", "Upstream network: none, wifi, cellular, ethernet, other")
	flag.BoolVar(&config.Metered, "metered", false, "Report the upstream network as metered")
	flag.DurationVar(&config.DropAfter, "drop-after", 0, "Close each session after this long")
	flag.StringVar(&config.Protocols, "protocols", "v1,v2", "Accepted protocols")
	flag.DurationVar(&config.Flip, "flip", 0, "Alternate the network with none at this period")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "companion-sim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(config.LogLevel))); err != nil {
		return fmt.Errorf("invalid log level %q", config.LogLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	netType, ok := connection.ParseNetworkType(strings.ToUpper(config.Network))
	if !ok {
		return fmt.Errorf("unknown network type %q", config.Network)
	}
	protocols, err := parseProtocols(config.Protocols)
	if err != nil {
		return err
	}

	srv := sysproxy.NewServer(sysproxy.ServerConfig{
		NetworkType: netType,
		Metered:     config.Metered,
		Protocols:   protocols,
		DropAfter:   config.DropAfter,
		Logger:      logger,
	})

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(config.Port)))
	if err != nil {
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	adv := lan.NewAdvertiser(lan.AdvertiserConfig{})
	if err := adv.Advertise(lan.Info{Address: config.Address, Name: config.Name, OS: config.OS, Port: port}); err != nil {
		_ = ln.Close()
		return err
	}
	defer adv.Stop()

	logger.Info("companion simulator ready",
		"addr", config.Address, "port", port, "network", netType.String(), "metered", config.Metered)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ServeListener(ctx, ln) })
	if config.Flip > 0 {
		g.Go(func() error {
			flipNetwork(ctx, srv, netType, config.Metered, config.Flip, logger)
			return nil
		})
	}
	return g.Wait()
}

// flipNetwork alternates the upstream network between up and NONE.
func flipNetwork(ctx context.Context, srv *sysproxy.Server, up connection.NetworkType, metered bool, period time.Duration, logger *slog.Logger) {
	t := time.NewTicker(period)
	defer t.Stop()
	current := up
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if current == connection.NetworkNone {
				current = up
			} else {
				current = connection.NetworkNone
			}
			logger.Info("upstream network changed", "network", current.String(), "sessions", srv.Sessions())
			srv.SetNetworkState(current, metered)
		}
	}
}

func parseProtocols(s string) ([]connection.Protocol, error) {
	var out []connection.Protocol
	for _, p := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(p)) {
		case "v1":
			out = append(out, connection.ProtocolV1)
		case "v2":
			out = append(out, connection.ProtocolV2)
		case "":
		default:
			return nil, fmt.Errorf("unknown protocol %q", p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no protocols in %q", s)
	}
	return out, nil
}
