package mediator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/wearlink/wearlink-go/pkg/log"
	"github.com/wearlink/wearlink-go/pkg/looper"
	"github.com/wearlink/wearlink-go/pkg/proxy"
	"github.com/wearlink/wearlink-go/pkg/settings"
)

// Start reasons passed to the runner.
const (
	ReasonCompanionFound     = "Companion Found"
	ReasonCompanionConnected = "Companion Connected"
	ReasonUserUnlocked       = "User unlocked"
	ReasonPSMUpdate          = "PSM Update Received"
	ReasonAdapterDisabled    = "Adapter disabled"
	ReasonCompanionGone      = "Companion disconnected"
	ReasonDeviceDisabled     = "Device disabled"
)

// Mediator errors.
var (
	ErrNoRunner  = errors.New("mediator: shard runner required")
	ErrNoRadio   = errors.New("mediator: radio controller required")
	ErrNoTracker = errors.New("mediator: companion tracker required")
)

// Runner is the part of *shard.Runner the mediator drives.
type Runner interface {
	StartProxyShard(score int, dns []netip.Addr, listener proxy.Listener, reason string, cfg proxy.ServiceConfig) bool
	StopProxyShard(reason string)
	UpdateProxyScore(score int)
	UpdateProxyDNS(dns []netip.Addr)
	IsProxyShardStarted() bool
	StartHfcShard(dev proxy.Device) error
	StopHfcShard()
	Dump(ctx context.Context, w io.Writer) error
}

// CompanionTracker knows the paired companion and whether its link is up.
type CompanionTracker interface {
	Companion() (proxy.Device, bool)
	IsConnected(addr string) bool
}

// SettingsSource is a live settings document.
type SettingsSource interface {
	Get() settings.Settings
	Subscribe(fn func(settings.Settings)) (cancel func())
	Update(fn func(*settings.Settings)) error
}

// StatusListener receives proxy status changes on the mediator loop.
type StatusListener func(ProxyStatus)

// Config configures a Mediator.
type Config struct {
	Runner     Runner
	Companions CompanionTracker
	Radio      *RadioController
	Detector   *ConfigDetector
	Settings   SettingsSource

	// Pinger wakes BLE companions. Defaults to NopPinger.
	Pinger Pinger

	// Loop is the mediator loop. A private loop is created when nil.
	Loop *looper.Looper

	Logger      *slog.Logger
	EventLogger log.Logger
}

// Mediator turns platform events into shard and radio decisions.
type Mediator struct {
	cfg      Config
	logger   *slog.Logger
	loop     *looper.Looper
	ownsLoop bool

	radio        *RadioController
	detector     *ConfigDetector
	proxyHistory *EventHistory[ProxyConnectionEvent]

	proxyConnected atomic.Bool
	userUnlocked   atomic.Bool

	// Owned by the loop.
	deviceConnected    bool
	deviceEnabled      bool
	hfpConnected       bool
	adapterOn          bool
	firstAdapterEnable bool
	rebootForHFP       bool
	charging           bool
	inputs             RadioInputs
	dns                []netip.Addr
	status             StatusListener
	cancelSettings     func()
}

// New creates a mediator. Call Start to begin handling events.
func New(cfg Config) (*Mediator, error) {
	if cfg.Runner == nil {
		return nil, ErrNoRunner
	}
	if cfg.Radio == nil {
		return nil, ErrNoRadio
	}
	if cfg.Companions == nil {
		return nil, ErrNoTracker
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.NewStore(settings.Default(), cfg.Logger)
	}
	if cfg.Pinger == nil {
		cfg.Pinger = NopPinger{}
	}
	cfg.EventLogger = log.OrNoop(cfg.EventLogger)

	m := &Mediator{
		cfg:                cfg,
		logger:             cfg.Logger.With("component", "mediator"),
		radio:              cfg.Radio,
		detector:           cfg.Detector,
		proxyHistory:       NewEventHistory[ProxyConnectionEvent]("Proxy Connection History", DefaultHistorySize),
		deviceEnabled:      true,
		firstAdapterEnable: true,
	}
	if m.detector == nil {
		d, err := NewConfigDetector(DetectorConfig{Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		m.detector = d
	}
	m.detector.cfg.OnUpdated = m.OnBackgroundProxyConfigUpdated

	s := cfg.Settings.Get()
	m.applyRadioSettings(s.Radio)
	m.dns = m.parseDNS(s)

	m.loop = cfg.Loop
	if m.loop == nil {
		m.loop = looper.New("mediator", m.logger)
		m.ownsLoop = true
	}
	return m, nil
}

// Loop returns the mediator loop.
func (m *Mediator) Loop() *looper.Looper {
	return m.loop
}

// Start subscribes to settings and starts the loop if the mediator owns it.
func (m *Mediator) Start() {
	cancel := m.cfg.Settings.Subscribe(func(s settings.Settings) {
		m.loop.Post(func() { m.onSettingsChanged(s) })
	})
	m.loop.Post(func() { m.cancelSettings = cancel })
	if m.ownsLoop {
		m.loop.Start()
	}
}

// Close unsubscribes and stops an owned loop. The runner and radio are
// not closed.
func (m *Mediator) Close() {
	done := make(chan struct{})
	posted := m.loop.Post(func() {
		defer close(done)
		if m.cancelSettings != nil {
			m.cancelSettings()
			m.cancelSettings = nil
		}
	})
	if posted {
		select {
		case <-done:
		case <-m.loop.Done():
		}
	}
	if m.ownsLoop {
		m.loop.Quit()
		<-m.loop.Done()
	}
}

// Sync waits until every event posted before the call has been handled.
func (m *Mediator) Sync(ctx context.Context) error {
	return m.loop.Sync(ctx)
}

// SetStatusListener sets the proxy status listener.
func (m *Mediator) SetStatusListener(fn StatusListener) {
	m.loop.Post(func() { m.status = fn })
}

// IsProxyConnected reports the last connectivity notification.
func (m *Mediator) IsProxyConnected() bool {
	return m.proxyConnected.Load()
}

// ProxyHistory returns the proxy connection history.
func (m *Mediator) ProxyHistory() *EventHistory[ProxyConnectionEvent] {
	return m.proxyHistory
}

// Detector returns the service config detector.
func (m *Mediator) Detector() *ConfigDetector {
	return m.detector
}

// OnBootCompleted brings the adapter up unless a companion is already
// connected. adapterOn is the adapter state at boot.
func (m *Mediator) OnBootCompleted(adapterOn bool) {
	m.loop.Post(func() {
		if m.deviceConnected || m.proxyConnected.Load() {
			return
		}
		if adapterOn {
			m.adapterOn = true
			m.onAdapterEnabled()
			return
		}
		if m.inputs.Airplane {
			return
		}
		m.logger.Warn("enabling an unexpectedly disabled adapter")
		m.radio.Change(true, OnBootAuto)
		if err := m.cfg.Settings.Update(func(s *settings.Settings) { s.Radio.Preference = true }); err != nil {
			m.logger.Warn("saving radio preference", "error", err)
		}
	})
}

// OnAdapterStateChanged handles an adapter power transition.
func (m *Mediator) OnAdapterStateChanged(on bool) {
	m.radio.AdapterStateChanged(on)
	m.loop.Post(func() {
		was := m.adapterOn
		m.adapterOn = on
		switch {
		case on:
			m.onAdapterEnabled()
			m.rebootForHFP = false
		case was:
			m.onAdapterDisabled()
			if m.rebootForHFP {
				m.radio.Change(true, OnHFPEnable)
			}
		}
	})
}

// OnCompanionChanged handles a new or removed pairing.
func (m *Mediator) OnCompanionChanged() {
	m.loop.Post(func() {
		dev, ok := m.cfg.Companions.Companion()
		m.detector.SetCompanion(dev, ok)
		m.traceLifecycle(dev.Address, "COMPANION_CHANGED")

		if !ok || !m.cfg.Companions.IsConnected(dev.Address) {
			m.logger.Warn("waiting for the new companion to connect")
			return
		}
		m.deviceConnected = true
		if !dev.BLE {
			m.doStartProxyShard(ReasonCompanionFound)
		}
		m.startHfcShard(dev)
	})
}

// OnACLConnected handles a link-up event for addr.
func (m *Mediator) OnACLConnected(addr string) {
	m.loop.Post(func() {
		dev, ok := m.companion(addr)
		if !ok || !m.cfg.Companions.IsConnected(addr) {
			return
		}
		m.onCompanionDeviceConnected(dev)
	})
}

// OnACLDisconnected handles a link-down event for addr.
func (m *Mediator) OnACLDisconnected(addr string) {
	m.loop.Post(func() {
		if _, ok := m.companion(addr); !ok {
			return
		}
		if m.cfg.Companions.IsConnected(addr) {
			m.logger.Debug("ignoring link down, companion still connected")
			return
		}
		m.onCompanionDeviceDisconnected()
	})
}

// OnUserUnlocked handles the first user unlock after boot.
func (m *Mediator) OnUserUnlocked() {
	m.userUnlocked.Store(true)
	m.loop.Post(func() {
		dev, ok := m.cfg.Companions.Companion()
		m.logger.Debug("user unlocked", "companion connected", m.deviceConnected)
		if ok && m.deviceConnected && !dev.BLE {
			m.doStartProxyShard(ReasonUserUnlocked)
		}
	})
}

// OnDeviceEnableChanged stops both shards when the device is disabled.
// Re-enabling only allows the next companion connection to start them.
func (m *Mediator) OnDeviceEnableChanged(enabled bool) {
	m.loop.Post(func() {
		m.deviceEnabled = enabled
		if !enabled {
			m.cfg.Runner.StopProxyShard(ReasonDeviceDisabled)
			m.stopHfcShard()
		}
	})
}

// OnChargingChanged updates the proxy score.
func (m *Mediator) OnChargingChanged(charging bool) {
	m.loop.Post(func() {
		m.charging = charging
		m.cfg.Runner.UpdateProxyScore(m.score())
	})
}

// OnHFPConnectionChanged records the hands-free profile state.
func (m *Mediator) OnHFPConnectionChanged(connected bool) {
	m.loop.Post(func() { m.hfpConnected = connected })
}

// ToggleHFP enables or disables the hands-free profile. Enabling restarts
// the adapter so the stack picks the profile up. It reports whether the
// setting changed.
func (m *Mediator) ToggleHFP(enable bool) bool {
	if m.cfg.Settings.Get().HFP.Enabled == enable {
		return false
	}
	if err := m.cfg.Settings.Update(func(s *settings.Settings) { s.HFP.Enabled = enable }); err != nil {
		m.logger.Warn("toggling hfp", "error", err)
		return false
	}
	if enable {
		m.loop.Post(func() {
			m.rebootForHFP = true
			m.radio.Change(false, OffHFPEnable)
		})
	}
	return true
}

// SetAirplaneMode records airplane mode. While on, the radio rules make no
// changes; turning it off does not re-evaluate them.
func (m *Mediator) SetAirplaneMode(on bool) {
	m.loop.Post(func() { m.inputs.Airplane = on })
}

// SetActivityMode sets the activity mode input.
func (m *Mediator) SetActivityMode(on bool) {
	m.setInput(func(in *RadioInputs) *bool { return &in.Activity }, on)
}

// SetCellOnlyMode sets the cell only input.
func (m *Mediator) SetCellOnlyMode(on bool) {
	m.setInput(func(in *RadioInputs) *bool { return &in.CellOnly }, on)
}

// SetTimeOnlyMode sets the time only input.
func (m *Mediator) SetTimeOnlyMode(on bool) {
	m.setInput(func(in *RadioInputs) *bool { return &in.TimeOnly }, on)
}

// SetThermalEmergency sets the thermal input. affectsBluetooth is false for
// emergencies that leave the radio alone.
func (m *Mediator) SetThermalEmergency(enabled, affectsBluetooth bool) {
	m.setInput(func(in *RadioInputs) *bool { return &in.ThermalEmergency }, enabled && affectsBluetooth)
}

// SetDeviceIdle sets the doze inputs. An allowlisted radio ignores idle
// changes.
func (m *Mediator) SetDeviceIdle(idle, allowlisted bool) {
	m.loop.Post(func() {
		m.inputs.DeviceIdle = idle
		m.inputs.DozeAllowlisted = allowlisted
		if allowlisted {
			m.logger.Debug("ignoring idle change, radio allowed during doze")
			return
		}
		m.updateRadioPower()
	})
}

// UpdateRadioPower re-evaluates the radio rules.
func (m *Mediator) UpdateRadioPower() {
	m.loop.Post(m.updateRadioPower)
}

// OnBackgroundProxyConfigUpdated restarts a running proxy shard with the
// detector's new config.
func (m *Mediator) OnBackgroundProxyConfigUpdated(reason string) {
	m.loop.Post(func() {
		if m.cfg.Runner.IsProxyShardStarted() {
			m.doStartProxyShard(reason)
		}
	})
}

// OnProxyConfigUpdate handles L2CAP parameters advertised by an iOS
// companion.
func (m *Mediator) OnProxyConfigUpdate(psm, channelChangeID int, minPingInterval time.Duration) {
	m.loop.Post(func() {
		changed := m.detector.SetIOSV1Params(psm, channelChangeID)
		if m.proxyConnected.Load() && !changed {
			m.logger.Info("proxy already connected, ignoring config update")
			return
		}
		m.cfg.Pinger.SetMinPingInterval(minPingInterval)
		m.doStartProxyShard(ReasonPSMUpdate)
	})
}

// OnProxyConnectionChange implements proxy.Listener.
func (m *Mediator) OnProxyConnectionChange(isConnected bool, score int, phoneNoInternet bool) {
	m.proxyConnected.Store(isConnected)
	withInternet := isConnected && !phoneNoInternet
	m.loop.Post(func() {
		m.logger.Debug("proxy connection changed", "connected", isConnected, "internet", withInternet, "score", score)
		m.proxyHistory.Record(ProxyConnectionEvent{Connected: isConnected, WithInternet: withInternet, Score: score})
		m.cfg.EventLogger.Log(log.Event{
			Timestamp: time.Now(),
			Layer:     log.LayerMediator,
			Category:  log.CategoryNotify,
			Notify:    &log.NotifyEvent{Connected: isConnected, Score: score, PhoneNoInternet: phoneNoInternet},
		})
		if isConnected {
			m.detector.HandleConnected()
		}
		m.updateStatusListener(isConnected, withInternet)

		if dev, ok := m.cfg.Companions.Companion(); !isConnected && ok && dev.BLE {
			m.cfg.Pinger.Ping()
		}
	})
}

// OnProxyBleData implements proxy.Listener.
func (m *Mediator) OnProxyBleData() {
	m.cfg.Pinger.PingIfNeeded()
}

// OnProxyConnectFailed implements proxy.Listener.
func (m *Mediator) OnProxyConnectFailed(cfg proxy.ServiceConfig) {
	m.detector.HandleConnectError(cfg)
}

// Dump writes the mediator state, the radio history, the shards and the
// detector.
func (m *Mediator) Dump(ctx context.Context, w io.Writer) error {
	err := m.loop.Call(ctx, func() {
		dev, ok := m.cfg.Companions.Companion()
		fmt.Fprintf(w, "======== WearBluetoothMediator ========\n")
		if ok {
			kind := "CLASSIC"
			if dev.BLE {
				kind = "BLE"
			}
			fmt.Fprintf(w, "  companion:          %s (%s)\n", dev.Address, kind)
		} else {
			fmt.Fprintf(w, "  companion:          (not bonded)\n")
		}
		fmt.Fprintf(w, "  device:             %s\n", connectedString(m.deviceConnected))
		fmt.Fprintf(w, "  proxy:              %s\n", connectedString(m.proxyConnected.Load()))
		fmt.Fprintf(w, "  adapter:            %t\n", m.adapterOn)
		fmt.Fprintf(w, "  device enabled:     %t\n", m.deviceEnabled)
		fmt.Fprintf(w, "  user unlocked:      %t\n", m.userUnlocked.Load())
		fmt.Fprintf(w, "  charging:           %t\n", m.charging)
		fmt.Fprintf(w, "  airplane:           %t\n", m.inputs.Airplane)
		fmt.Fprintf(w, "  preference:         %t\n", m.inputs.Preference)
		fmt.Fprintf(w, "  activity mode:      %t\n", m.inputs.Activity)
		fmt.Fprintf(w, "  thermal emergency:  %t\n", m.inputs.ThermalEmergency)
		fmt.Fprintf(w, "  time only:          %t\n", m.inputs.TimeOnly)
		fmt.Fprintf(w, "  cell only:          %t\n", m.inputs.CellOnly)
		fmt.Fprintf(w, "  doze allowlisted:   %t\n", m.inputs.DozeAllowlisted)
		fmt.Fprintln(w)
	})
	if err != nil {
		return err
	}

	m.radio.Dump(w)
	fmt.Fprintln(w)
	if err := m.cfg.Runner.Dump(ctx, w); err != nil {
		return err
	}
	fmt.Fprintln(w)
	m.proxyHistory.Dump(w)
	fmt.Fprintln(w)
	m.detector.Dump(w)
	return nil
}

func (m *Mediator) onAdapterEnabled() {
	first := m.firstAdapterEnable
	m.firstAdapterEnable = false
	if _, ok := m.cfg.Companions.Companion(); !ok {
		m.logger.Debug("adapter enabled, no companion paired")
		return
	}
	m.syncDetector()
	m.detector.Update()
	m.logger.Debug("adapter enabled", "first after boot", first)
}

func (m *Mediator) onAdapterDisabled() {
	m.logger.Debug("adapter disabled, stopping all shards")
	m.cfg.Runner.StopProxyShard(ReasonAdapterDisabled)
	m.stopHfcShard()
	m.deviceConnected = false
}

func (m *Mediator) onCompanionDeviceConnected(dev proxy.Device) {
	m.deviceConnected = true
	m.traceLifecycle(dev.Address, "ACL_CONNECTED")
	m.syncDetector()
	if !m.proxyConnected.Load() && !dev.BLE {
		if m.userUnlocked.Load() {
			m.doStartProxyShard(ReasonCompanionConnected)
		} else {
			m.logger.Debug("companion connected, waiting for user unlock")
		}
	}
	m.startHfcShard(dev)
}

func (m *Mediator) onCompanionDeviceDisconnected() {
	m.deviceConnected = false
	m.traceLifecycle("", "ACL_DISCONNECTED")
	m.cfg.Runner.StopProxyShard(ReasonCompanionGone)
	m.stopHfcShard()
}

func (m *Mediator) doStartProxyShard(reason string) {
	if !m.deviceEnabled {
		m.logger.Info("device disabled, not starting proxy shard", "reason", reason)
		return
	}
	m.syncDetector()
	cfg := m.detector.Update()
	if err := cfg.Validate(); err != nil {
		m.logger.Error("no usable service config, not starting proxy shard", "reason", reason, "error", err)
		return
	}
	m.cfg.Runner.StartProxyShard(m.score(), m.dns, m, reason, cfg)
}

// syncDetector points the detector at the tracked companion when it
// follows no device or a different one.
func (m *Mediator) syncDetector() {
	dev, ok := m.cfg.Companions.Companion()
	cur, has := m.detector.Companion()
	if has == ok && cur.Address == dev.Address {
		return
	}
	m.detector.SetCompanion(dev, ok)
}

func (m *Mediator) startHfcShard(dev proxy.Device) {
	if dev.BLE || m.hfpConnected || !m.deviceEnabled {
		return
	}
	if err := m.cfg.Runner.StartHfcShard(dev); err != nil {
		m.logger.Warn("starting hfc shard", "error", err)
	}
}

func (m *Mediator) stopHfcShard() {
	m.hfpConnected = false
	m.cfg.Runner.StopHfcShard()
}

func (m *Mediator) score() int {
	dev, ok := m.cfg.Companions.Companion()
	switch {
	case ok && dev.BLE:
		return ScoreBLE
	case m.charging:
		return ScoreOnCharger
	default:
		return ScoreClassic
	}
}

func (m *Mediator) companion(addr string) (proxy.Device, bool) {
	dev, ok := m.cfg.Companions.Companion()
	if !ok || dev.Address != addr {
		m.logger.Debug("ignoring link event for non-companion device", "address", addr)
		return proxy.Device{}, false
	}
	return dev, true
}

func (m *Mediator) updateStatusListener(connected, hasInternet bool) {
	if m.status == nil {
		m.logger.Warn("no proxy status listener set")
		return
	}
	m.status(ProxyStatus{Connected: connected, AdapterOn: m.adapterOn, HasInternet: hasInternet})
}

func (m *Mediator) setInput(field func(*RadioInputs) *bool, on bool) {
	m.loop.Post(func() {
		p := field(&m.inputs)
		if *p == on {
			return
		}
		*p = on
		m.updateRadioPower()
	})
}

func (m *Mediator) updateRadioPower() {
	reason, ok := Decide(m.inputs)
	if !ok {
		m.logger.Debug("airplane mode on, leaving radio alone")
		return
	}
	m.radio.Change(reason.Enables(), reason)
}

func (m *Mediator) applyRadioSettings(r settings.RadioSettings) bool {
	next := m.inputs
	next.Preference = r.Preference
	next.CellOnly = r.CellOnly
	next.TimeOnly = r.TimeOnly
	next.UserAbsentRadiosOff = r.UserAbsentRadiosOff
	changed := next != m.inputs
	m.inputs = next
	return changed
}

func (m *Mediator) onSettingsChanged(s settings.Settings) {
	if dns := m.parseDNS(s); !slices.Equal(dns, m.dns) {
		m.dns = dns
		m.cfg.Runner.UpdateProxyDNS(dns)
	}
	if m.applyRadioSettings(s.Radio) {
		m.updateRadioPower()
	}
}

func (m *Mediator) parseDNS(s settings.Settings) []netip.Addr {
	dns, err := s.DNS()
	if err != nil {
		m.logger.Warn("ignoring dns servers", "error", err)
		return nil
	}
	return dns
}

func (m *Mediator) traceLifecycle(companion, what string) {
	m.cfg.EventLogger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerMediator,
		Category:  log.CategoryState,
		Companion: companion,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityShard,
			NewState: what,
		},
	})
}

func connectedString(b bool) string {
	if b {
		return "connected"
	}
	return "disconnected"
}

var _ proxy.Listener = (*Mediator)(nil)
