package mediator

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/persistence"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

// Protocol preferences for Android companions.
const (
	PreferAuto = "auto"
	PreferV1   = "v1"
	PreferV2   = "v2"
)

// DefaultFallbackThreshold is the number of consecutive v2 failures after
// which an auto companion falls back to v1.
const DefaultFallbackThreshold = 3

// StateStore persists detector decisions.
type StateStore interface {
	Load() (*persistence.State, error)
	Save(state *persistence.State) error
}

// DetectorConfig configures a ConfigDetector.
type DetectorConfig struct {
	// Store is optional; without it decisions live in memory.
	Store StateStore

	// Prefer is auto, v1 or v2.
	Prefer            string
	FallbackThreshold int

	// ServiceUUID overrides the RFCOMM service record for Android configs.
	ServiceUUID uuid.UUID

	// OnUpdated is called, on the caller's goroutine, when a connect
	// failure changes the current config.
	OnUpdated func(reason string)

	Logger *slog.Logger
}

// ConfigDetector picks the ServiceConfig for the current companion.
type ConfigDetector struct {
	cfg    DetectorConfig
	logger *slog.Logger

	mu      sync.Mutex
	state   *persistence.State
	dev     proxy.Device
	hasDev  bool
	current proxy.ServiceConfig
}

// NewConfigDetector creates a detector and loads persisted decisions.
func NewConfigDetector(cfg DetectorConfig) (*ConfigDetector, error) {
	if cfg.Prefer == "" {
		cfg.Prefer = PreferAuto
	}
	switch cfg.Prefer {
	case PreferAuto, PreferV1, PreferV2:
	default:
		return nil, fmt.Errorf("mediator: unknown protocol preference %q", cfg.Prefer)
	}
	if cfg.FallbackThreshold <= 0 {
		cfg.FallbackThreshold = DefaultFallbackThreshold
	}
	if cfg.ServiceUUID == uuid.Nil {
		cfg.ServiceUUID = proxy.DefaultServiceUUID
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	d := &ConfigDetector{cfg: cfg, logger: cfg.Logger.With("component", "detector")}
	d.state = &persistence.State{}
	if cfg.Store != nil {
		state, err := cfg.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("load detector state: %w", err)
		}
		d.state = state
	}
	return d, nil
}

// SetCompanion switches to dev. ok false clears the companion.
func (d *ConfigDetector) SetCompanion(dev proxy.Device, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dev, d.hasDev = dev, ok
	d.updateLocked()
}

// Companion returns the device the detector is tracking.
func (d *ConfigDetector) Companion() (proxy.Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dev, d.hasDev
}

// Update recomputes the current config.
func (d *ConfigDetector) Update() proxy.ServiceConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updateLocked()
	return d.current
}

// Current returns the config last computed.
func (d *ConfigDetector) Current() proxy.ServiceConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// HandleConnectError counts a failure of failed. An auto companion that
// fails v2 FallbackThreshold times in a row is switched to v1.
func (d *ConfigDetector) HandleConnectError(failed proxy.ServiceConfig) {
	d.mu.Lock()
	if !d.hasDev || failed != d.current || failed.IsIOS() {
		d.mu.Unlock()
		return
	}
	rec := d.recordLocked()
	rec.Failures++
	reason := ""
	if d.cfg.Prefer == PreferAuto && failed.Protocol == connection.ProtocolV2 && rec.Failures >= d.cfg.FallbackThreshold {
		rec.Protocol = uint8(connection.ProtocolV1)
		rec.Version = proxy.AndroidSysproxyVersion
		rec.Failures = 0
		reason = fmt.Sprintf("v2 failed %d times, falling back to v1", d.cfg.FallbackThreshold)
	}
	d.storeLocked(rec)
	d.updateLocked()
	d.mu.Unlock()

	if reason != "" {
		d.logger.Info("proxy config changed", "device", d.dev.Address, "reason", reason)
		if d.cfg.OnUpdated != nil {
			d.cfg.OnUpdated(reason)
		}
	}
}

// HandleConnected clears the failure count of the current config.
func (d *ConfigDetector) HandleConnected() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasDev {
		return
	}
	rec := d.recordLocked()
	if rec.Failures == 0 {
		return
	}
	rec.Failures = 0
	d.storeLocked(rec)
}

// SetIOSV1Params records the L2CAP parameters advertised by an iOS
// companion and reports whether they changed.
func (d *ConfigDetector) SetIOSV1Params(psm, channelChangeID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasDev {
		return false
	}
	rec := d.recordLocked()
	if rec.PSM == psm && rec.ChannelChangeID == channelChangeID {
		return false
	}
	rec.PSM, rec.ChannelChangeID = psm, channelChangeID
	d.storeLocked(rec)
	d.updateLocked()
	return true
}

// Dump writes the detector state.
func (d *ConfigDetector) Dump(w io.Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(w, "ProxyServiceDetector\n")
	fmt.Fprintf(w, "  prefer:         %s\n", d.cfg.Prefer)
	fmt.Fprintf(w, "  current config: %s\n", d.current)
	if d.hasDev {
		rec, _ := d.state.Companion(d.dev.Address)
		fmt.Fprintf(w, "  companion:      %s (protocol=%d failures=%d/%d psm=%d)\n",
			d.dev.Address, rec.Protocol, rec.Failures, d.cfg.FallbackThreshold, rec.PSM)
	}
}

func (d *ConfigDetector) updateLocked() {
	if !d.hasDev {
		d.current = proxy.ServiceConfig{}
		return
	}
	rec := d.recordLocked()
	if d.dev.BLE {
		d.current = proxy.IOSV1(rec.PSM, rec.ChannelChangeID)
		return
	}

	var cfg proxy.ServiceConfig
	switch {
	case d.cfg.Prefer == PreferV1:
		cfg = proxy.AndroidV1(proxy.AndroidSysproxyVersion)
	case d.cfg.Prefer == PreferV2:
		cfg = proxy.AndroidV2()
	case rec.Protocol == uint8(connection.ProtocolV1):
		version := rec.Version
		if version <= 0 {
			version = proxy.AndroidSysproxyVersion
		}
		cfg = proxy.AndroidV1(version)
	default:
		cfg = proxy.AndroidV2()
	}
	cfg.UUID = d.cfg.ServiceUUID
	d.current = cfg
}

func (d *ConfigDetector) recordLocked() persistence.CompanionRecord {
	rec, ok := d.state.Companion(d.dev.Address)
	if !ok {
		rec.Protocol = uint8(connection.ProtocolV2)
	}
	return rec
}

func (d *ConfigDetector) storeLocked(rec persistence.CompanionRecord) {
	rec.UpdatedAt = time.Now()
	d.state.SetCompanion(d.dev.Address, rec)
	if d.cfg.Store == nil {
		return
	}
	if err := d.cfg.Store.Save(d.state); err != nil {
		d.logger.Warn("saving detector state", "error", err)
	}
}
