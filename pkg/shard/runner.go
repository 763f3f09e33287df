// Package shard holds the proxy shard and the optional hands-free client
// shard behind one facade.
package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/wearlink/wearlink-go/pkg/log"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

// ErrNoHFCFactory is returned by StartHfcShard when no factory is configured.
var ErrNoHFCFactory = errors.New("shard: no hfc factory configured")

// ProxyShard is the part of *proxy.Shard the runner drives.
type ProxyShard interface {
	StartNetwork(score int, dns []netip.Addr, cfg proxy.ServiceConfig, listener proxy.Listener)
	UpdateScore(score int)
	UpdateDNS(dns []netip.Addr)
	Stop()
	IsStarted() bool
	Dump(ctx context.Context, w io.Writer) error
}

// HFCShard is the part of *hfc.Shard the runner drives.
type HFCShard interface {
	Start()
	Close() error
	Device() proxy.Device
	Dump(ctx context.Context, w io.Writer) error
}

// HFCFactory creates an HFC shard for dev. onGiveUp must be called when
// the shard exhausts its retries.
type HFCFactory func(dev proxy.Device, onGiveUp func()) (HFCShard, error)

// Config configures a Runner.
type Config struct {
	Proxy      ProxyShard
	Companions proxy.CompanionTracker
	NewHFC     HFCFactory

	Logger      *slog.Logger
	EventLogger log.Logger
}

// Runner owns one proxy shard and at most one HFC shard.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	hfc         HFCShard
	proxyStarts int
	proxyStops  int
	hfcStarts   int
	hfcStops    int
}

// NewRunner creates a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Proxy == nil {
		return nil, fmt.Errorf("shard: proxy shard required")
	}
	if cfg.Companions == nil {
		return nil, fmt.Errorf("shard: companion tracker required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	cfg.EventLogger = log.OrNoop(cfg.EventLogger)
	return &Runner{cfg: cfg, logger: cfg.Logger.With("component", "runner")}, nil
}

// StartProxyShard starts or updates the proxy network. It is a no-op when
// no companion is known or cfg does not validate, and reports whether the
// shard was started.
func (r *Runner) StartProxyShard(score int, dns []netip.Addr, listener proxy.Listener, reason string, cfg proxy.ServiceConfig) bool {
	dev, ok := r.cfg.Companions.Companion()
	if !ok {
		r.logger.Warn("no companion device, not starting proxy shard", "reason", reason)
		return false
	}
	if err := cfg.Validate(); err != nil {
		r.logger.Error("refusing to start proxy shard", "reason", reason, "device", dev.Address, "error", err)
		return false
	}

	r.mu.Lock()
	r.proxyStarts++
	r.mu.Unlock()

	r.logger.Info("starting proxy shard", "reason", reason, "device", dev.Address, "config", cfg.String())
	r.trace(dev.Address, "START", reason)
	r.cfg.Proxy.StartNetwork(score, dns, cfg, listener)
	return true
}

// StopProxyShard stops the proxy network. Safe when already stopped.
func (r *Runner) StopProxyShard(reason string) {
	r.mu.Lock()
	r.proxyStops++
	r.mu.Unlock()

	r.logger.Info("stopping proxy shard", "reason", reason)
	r.trace("", "STOP", reason)
	r.cfg.Proxy.Stop()
}

// UpdateProxyScore changes the score without interrupting the connection.
func (r *Runner) UpdateProxyScore(score int) {
	r.cfg.Proxy.UpdateScore(score)
}

// UpdateProxyDNS changes the DNS servers without interrupting the connection.
func (r *Runner) UpdateProxyDNS(dns []netip.Addr) {
	r.cfg.Proxy.UpdateDNS(dns)
}

// IsProxyShardStarted reports whether the proxy shard is started.
func (r *Runner) IsProxyShardStarted() bool {
	return r.cfg.Proxy.IsStarted()
}

// StartHfcShard creates and starts an HFC shard for dev. An existing shard
// is torn down first.
func (r *Runner) StartHfcShard(dev proxy.Device) error {
	if r.cfg.NewHFC == nil {
		return ErrNoHFCFactory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hfc != nil {
		r.logger.Warn("tearing down orphaned hfc shard", "device", r.hfc.Device().Address)
		r.closeHFCLocked()
	}

	var created HFCShard
	s, err := r.cfg.NewHFC(dev, func() { r.onGiveUp(&created) })
	if err != nil {
		return fmt.Errorf("create hfc shard: %w", err)
	}
	created = s
	r.hfc = s
	r.hfcStarts++
	s.Start()
	r.logger.Info("hfc shard started", "device", dev.Address)
	return nil
}

// StopHfcShard stops the HFC shard if one is running.
func (r *Runner) StopHfcShard() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hfc != nil {
		r.closeHFCLocked()
	}
}

// HasHfcShard reports whether an HFC shard is alive.
func (r *Runner) HasHfcShard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hfc != nil
}

// Counters returns the start and stop counters.
func (r *Runner) Counters() (proxyStarts, proxyStops, hfcStarts, hfcStops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proxyStarts, r.proxyStops, r.hfcStarts, r.hfcStops
}

// Close stops both shards.
func (r *Runner) Close() {
	r.StopHfcShard()
	r.cfg.Proxy.Stop()
}

// Dump writes the runner state followed by each shard's dump.
func (r *Runner) Dump(ctx context.Context, w io.Writer) error {
	r.mu.Lock()
	hfc := r.hfc
	fmt.Fprintf(w, "ShardRunner\n")
	fmt.Fprintf(w, "  proxy starts/stops: %d/%d\n", r.proxyStarts, r.proxyStops)
	fmt.Fprintf(w, "  hfc starts/stops:   %d/%d\n", r.hfcStarts, r.hfcStops)
	r.mu.Unlock()

	if err := r.cfg.Proxy.Dump(ctx, w); err != nil {
		return err
	}
	if hfc != nil {
		return hfc.Dump(ctx, w)
	}
	fmt.Fprintf(w, "HfcShard: none\n")
	return nil
}

func (r *Runner) onGiveUp(ref *HFCShard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := *ref
	if s == nil || r.hfc != s {
		return
	}
	r.logger.Info("hfc shard gave up, removing", "device", s.Device().Address)
	r.closeHFCLocked()
}

func (r *Runner) closeHFCLocked() {
	if err := r.hfc.Close(); err != nil {
		r.logger.Warn("closing hfc shard", "error", err)
	}
	r.hfc = nil
	r.hfcStops++
}

func (r *Runner) trace(companion, newState, reason string) {
	r.cfg.EventLogger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerRunner,
		Category:  log.CategoryState,
		Companion: companion,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityShard,
			NewState: newState,
			Reason:   reason,
		},
	})
}
