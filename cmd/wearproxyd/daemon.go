package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/wearlink/wearlink-go/cmd/wearproxyd/shell"
	"github.com/wearlink/wearlink-go/pkg/bluez"
	"github.com/wearlink/wearlink-go/pkg/hfc"
	"github.com/wearlink/wearlink-go/pkg/lan"
	"github.com/wearlink/wearlink-go/pkg/log"
	"github.com/wearlink/wearlink-go/pkg/mediator"
	"github.com/wearlink/wearlink-go/pkg/metrics"
	"github.com/wearlink/wearlink-go/pkg/persistence"
	"github.com/wearlink/wearlink-go/pkg/proxy"
	"github.com/wearlink/wearlink-go/pkg/settings"
	"github.com/wearlink/wearlink-go/pkg/shard"
	"github.com/wearlink/wearlink-go/pkg/sysproxy"
)

// transport is what the daemon needs from a companion link.
type transport interface {
	proxy.SocketProvider
	mediator.CompanionTracker
	mediator.Adapter

	// watch forwards link events to m until ctx ends.
	watch(ctx context.Context, m *mediator.Mediator) error
	connector() hfc.ProfileConnector
	pinger() mediator.PingFunc
	Close() error
}

type bluezTransport struct{ *bluez.Client }

func (t bluezTransport) watch(ctx context.Context, m *mediator.Mediator) error {
	return t.Watch(ctx, bluez.Events{
		AdapterPowered:   m.OnAdapterStateChanged,
		DeviceConnected:  aclHandler(m),
		CompanionChanged: m.OnCompanionChanged,
	})
}

func (t bluezTransport) connector() hfc.ProfileConnector { return t.Client }
func (t bluezTransport) pinger() mediator.PingFunc       { return t.PingCompanion }

type lanTransport struct {
	*lan.Provider
	*lan.VirtualAdapter
}

func (t lanTransport) watch(ctx context.Context, m *mediator.Mediator) error {
	t.OnChange(m.OnAdapterStateChanged)
	return t.Watch(ctx, lan.Events{
		DeviceConnected:  aclHandler(m),
		CompanionChanged: m.OnCompanionChanged,
	})
}

func (lanTransport) connector() hfc.ProfileConnector { return nil }
func (lanTransport) pinger() mediator.PingFunc       { return nil }
func (lanTransport) Close() error                    { return nil }

func aclHandler(m *mediator.Mediator) func(addr string, up bool) {
	return func(addr string, up bool) {
		if up {
			m.OnACLConnected(addr)
		} else {
			m.OnACLDisconnected(addr)
		}
	}
}

// daemon holds the wired components.
type daemon struct {
	logger   *slog.Logger
	store    *settings.Store
	events   log.Logger
	file     *log.FileLogger
	recorder *metrics.Recorder
	metrics  *metrics.Server

	transport transport
	agent     *proxy.LocalAgent
	proxy     *proxy.Shard
	runner    *shard.Runner
	radio     *mediator.RadioController
	mediator  *mediator.Mediator
}

func newTransport(ctx context.Context, s settings.Settings, logger *slog.Logger) (transport, error) {
	pinned := proxy.Device{Address: s.Companion.Address, Name: s.Companion.Name, BLE: s.Companion.BLE || s.IsIOS()}
	switch s.Transport.Kind {
	case settings.TransportLAN:
		p := lan.NewProvider(lan.Config{
			Companion: pinned,
			Service:   s.Transport.LANService,
			Domain:    s.Transport.LANDomain,
			Logger:    logger.With("component", "lan"),
		})
		return lanTransport{Provider: p, VirtualAdapter: lan.NewVirtualAdapter(true)}, nil
	default:
		c, err := bluez.New(ctx, bluez.Config{
			Adapter:   s.Transport.Adapter,
			Companion: pinned,
			Logger:    logger.With("component", "bluez"),
		})
		if err != nil {
			return nil, err
		}
		return bluezTransport{c}, nil
	}
}

func build(ctx context.Context, s settings.Settings, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{logger: logger, store: settings.NewStore(s, logger)}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	sinks := []log.Logger{log.NewSlogAdapter(logger.With("component", "trace"))}
	if config.EventLog != "" {
		if d.file, err = log.NewFileLogger(config.EventLog); err != nil {
			return nil, err
		}
		sinks = append(sinks, d.file)
	}
	d.events = log.NewMultiLogger(sinks...)

	d.recorder = metrics.NewRecorder()
	if config.MetricsAddr != "" {
		d.metrics = metrics.NewServer(config.MetricsAddr, d.recorder.Registry(), logger)
	}

	if d.transport, err = newTransport(ctx, s, logger); err != nil {
		return nil, err
	}

	d.agent = proxy.NewLocalAgent(logger)
	pcfg := proxy.DefaultConfig()
	pcfg.Provider = d.transport
	pcfg.Companions = d.transport
	pcfg.Agent = d.agent
	pcfg.Tunnels = sysproxy.Factory(sysproxy.ClientConfig{
		Name:        "wearproxyd",
		Logger:      logger.With("component", "sysproxy"),
		EventLogger: d.events,
	})
	pcfg.RetryUnit = s.Proxy.RetryUnit
	pcfg.ConnectTimeout = s.Proxy.ConnectTimeout
	pcfg.DisconnectTimeout = s.Proxy.DisconnectTimeout
	pcfg.Logger = logger
	pcfg.EventLogger = d.events
	pcfg.Recorder = d.recorder
	if d.proxy, err = proxy.NewShard(pcfg); err != nil {
		return nil, err
	}

	rcfg := shard.Config{
		Proxy:       d.proxy,
		Companions:  d.transport,
		Logger:      logger,
		EventLogger: d.events,
	}
	if conn := d.transport.connector(); conn != nil {
		rcfg.NewHFC = d.hfcFactory(conn)
	}
	if d.runner, err = shard.NewRunner(rcfg); err != nil {
		return nil, err
	}

	if d.radio, err = mediator.NewRadioController(mediator.RadioConfig{
		Adapter:     d.transport,
		Logger:      logger,
		EventLogger: d.events,
		Recorder:    d.recorder,
	}); err != nil {
		return nil, err
	}

	detector, err := mediator.NewConfigDetector(mediator.DetectorConfig{
		Store:             persistence.NewStateStore(s.StatePath),
		Prefer:            s.Proxy.Protocol,
		FallbackThreshold: s.Proxy.FallbackThreshold,
		ServiceUUID:       s.Proxy.ServiceUUID,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	var pinger mediator.Pinger = mediator.NopPinger{}
	if ping := d.transport.pinger(); ping != nil {
		pinger = mediator.NewThrottledPinger(ping, 0, logger)
	}

	d.mediator, err = mediator.New(mediator.Config{
		Runner:      d.runner,
		Companions:  d.transport,
		Radio:       d.radio,
		Detector:    detector,
		Settings:    d.store,
		Pinger:      pinger,
		Logger:      logger,
		EventLogger: d.events,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *daemon) hfcFactory(conn hfc.ProfileConnector) shard.HFCFactory {
	enabled := d.store.Bool(func(s settings.Settings) bool { return s.HFP.Enabled })
	return func(dev proxy.Device, onGiveUp func()) (shard.HFCShard, error) {
		hs := d.store.Get().HFP
		return hfc.New(hfc.Config{
			Device:       dev,
			Connector:    conn,
			Enabled:      enabled,
			PollInterval: hs.PollInterval,
			MaxRetries:   hs.MaxRetries,
			OnGiveUp:     onGiveUp,
			Logger:       d.logger,
			EventLogger:  d.events,
			Recorder:     d.recorder,
		})
	}
}

// boot replays the platform's startup events into the mediator.
func (d *daemon) boot(ctx context.Context, unlocked bool) {
	d.mediator.Start()
	d.mediator.OnCompanionChanged()

	on, err := d.transport.Powered(ctx)
	if err != nil {
		d.logger.Warn("reading adapter state", "error", err)
	}
	d.mediator.OnBootCompleted(on)
	if unlocked {
		d.mediator.OnUserUnlocked()
	}
}

func (d *daemon) watch(ctx context.Context) error {
	return d.transport.watch(ctx, d.mediator)
}

// Close stops components in reverse order of creation.
func (d *daemon) Close() {
	if d.mediator != nil {
		d.mediator.Close()
	}
	if d.radio != nil {
		d.radio.Close()
	}
	if d.runner != nil {
		d.runner.Close()
	}
	if d.proxy != nil {
		_ = d.proxy.Close()
	}
	if d.transport != nil {
		_ = d.transport.Close()
	}
	if d.file != nil {
		_ = d.file.Close()
	}
}

// Shell commands.

func (d *daemon) Status() shell.Status {
	dev, ok := d.transport.Companion()
	st := shell.Status{
		Companion:      dev.Address,
		HasCompanion:   ok,
		LinkUp:         ok && d.transport.IsConnected(dev.Address),
		ProxyStarted:   d.proxy.IsStarted(),
		ClientState:    d.proxy.State().String(),
		ProxyConnected: d.mediator.IsProxyConnected(),
		Session:        d.agent.Session().Active,
		Config:         d.mediator.Detector().Current().String(),
	}
	if last, ok := d.mediator.ProxyHistory().Last(); ok {
		st.LastEvent = last.Name()
	}
	return st
}

func (d *daemon) Dump(ctx context.Context, w io.Writer) error {
	return d.mediator.Dump(ctx, w)
}

func (d *daemon) Start() {
	d.mediator.OnDeviceEnableChanged(true)
	d.mediator.OnUserUnlocked()
	d.mediator.OnCompanionChanged()
}

func (d *daemon) Stop() {
	d.mediator.OnDeviceEnableChanged(false)
}

func (d *daemon) SetCharging(on bool) {
	d.mediator.OnChargingChanged(on)
}

func (d *daemon) SetDNS(servers []string) error {
	return d.store.Update(func(s *settings.Settings) { s.Proxy.DNSServers = servers })
}

func (d *daemon) ToggleHFP(on bool) bool {
	return d.mediator.ToggleHFP(on)
}

func (d *daemon) SetRadioInput(name string, on bool) error {
	m := d.mediator
	switch strings.ToLower(name) {
	case "airplane":
		m.SetAirplaneMode(on)
		return nil
	case "activity":
		m.SetActivityMode(on)
	case "cellonly":
		m.SetCellOnlyMode(on)
	case "timeonly":
		m.SetTimeOnlyMode(on)
	case "thermal":
		m.SetThermalEmergency(on, true)
	case "idle":
		m.SetDeviceIdle(on, false)
	case "pref", "preference":
		return d.store.Update(func(s *settings.Settings) { s.Radio.Preference = on })
	default:
		return fmt.Errorf("unknown radio input %q", name)
	}
	return nil
}
