package lan

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

// Default timeouts.
const (
	DefaultResolveTimeout = 3 * time.Second
	DefaultDialTimeout    = 5 * time.Second
)

// Config configures a Provider.
type Config struct {
	// Companion pins a companion address. Empty selects the first
	// advertised service.
	Companion proxy.Device

	// Service and Domain default to ServiceType and Domain.
	Service string
	Domain  string

	// Interface restricts browsing to one interface.
	Interface string

	ResolveTimeout time.Duration
	DialTimeout    time.Duration

	Logger *slog.Logger
}

// Events receives browse notifications from Watch. Nil fields are skipped.
type Events struct {
	DeviceConnected  func(addr string, connected bool)
	CompanionChanged func()
}

// Provider opens sockets to companion simulators found over mDNS. It
// implements proxy.SocketProvider and the companion tracker interfaces.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	// browse is zeroconf.Browse; tests replace it.
	browse func(ctx context.Context, entries, removed chan<- *zeroconf.ServiceEntry) error

	mu      sync.Mutex
	visible map[string]Info
}

// NewProvider creates a provider.
func NewProvider(cfg Config) *Provider {
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Service == "" {
		cfg.Service = ServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = Domain
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	p := &Provider{cfg: cfg, logger: cfg.Logger, visible: make(map[string]Info)}
	p.browse = func(ctx context.Context, entries, removed chan<- *zeroconf.ServiceEntry) error {
		var opts []zeroconf.ClientOption
		if ifaces := interfaces(cfg.Interface); ifaces != nil {
			opts = append(opts, zeroconf.SelectIfaces(ifaces))
		}
		return zeroconf.Browse(ctx, cfg.Service, cfg.Domain, entries, removed, opts...)
	}
	return p
}

// ConnectSocket implements proxy.SocketProvider. The request's UUID and
// port are Bluetooth parameters and are ignored.
func (p *Provider) ConnectSocket(ctx context.Context, dev proxy.Device, _ proxy.SocketRequest) (connection.Socket, error) {
	info, ok := p.lookup(dev.Address)
	if !ok {
		var err error
		if info, err = p.Resolve(ctx, dev.Address); err != nil {
			return nil, err
		}
	}
	d := net.Dialer{Timeout: p.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", info.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("lan: dial %s: %w", info.Endpoint(), err)
	}
	p.logger.Debug("lan socket connected", "companion", dev.Address, "endpoint", info.Endpoint())
	return conn, nil
}

// Resolve browses until a service for addr shows up or ResolveTimeout ends.
func (p *Provider) Resolve(ctx context.Context, addr string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ResolveTimeout)
	defer cancel()

	found := make(chan Info, 1)
	err := p.run(ctx, func(info Info, added bool) {
		if !added || !strings.EqualFold(info.Address, addr) {
			return
		}
		p.apply(info, true)
		select {
		case found <- info:
			cancel()
		default:
		}
	})
	select {
	case info := <-found:
		return info, nil
	default:
	}
	if err != nil && ctx.Err() == nil {
		return Info{}, fmt.Errorf("lan: browse: %w", err)
	}
	return Info{}, fmt.Errorf("%w: %s", ErrNotFound, addr)
}

// Watch browses until ctx ends, keeping the visible set current.
func (p *Provider) Watch(ctx context.Context, ev Events) error {
	err := p.run(ctx, func(info Info, added bool) {
		before, _ := p.Companion()
		if !p.apply(info, added) {
			return
		}
		p.logger.Debug("lan service changed", "companion", info.Address, "up", added, "endpoint", info.Endpoint())
		if ev.DeviceConnected != nil {
			ev.DeviceConnected(info.Address, added)
		}
		if after, _ := p.Companion(); after != before && ev.CompanionChanged != nil {
			ev.CompanionChanged()
		}
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// run drives one browse session, calling fn for every entry.
func (p *Provider) run(ctx context.Context, fn func(info Info, added bool)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	done := make(chan struct{})
	go func(entries, removed <-chan *zeroconf.ServiceEntry) {
		defer close(done)
		for entries != nil || removed != nil {
			select {
			case e, ok := <-entries:
				if !ok {
					entries = nil
					continue
				}
				if info, ok := entryToInfo(e); ok {
					fn(info, true)
				}
			case e, ok := <-removed:
				if !ok {
					removed = nil
					continue
				}
				if info, ok := entryToInfo(e); ok {
					fn(info, false)
				}
			case <-ctx.Done():
				return
			}
		}
	}(entries, removed)

	err := p.browse(ctx, entries, removed)
	cancel()
	<-done
	return err
}

// apply updates the visible set and reports whether it changed.
func (p *Provider) apply(info Info, added bool) bool {
	key := strings.ToUpper(info.Address)
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, had := p.visible[key]
	if !added {
		if !had || prev.Instance != info.Instance {
			return false
		}
		delete(p.visible, key)
		return true
	}
	p.visible[key] = info
	return !had
}

func (p *Provider) lookup(addr string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.visible[strings.ToUpper(addr)]
	return info, ok
}

// Companion implements proxy.CompanionTracker.
func (p *Provider) Companion() (proxy.Device, bool) {
	if p.cfg.Companion.Address != "" {
		return p.cfg.Companion, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.visible) == 0 {
		return proxy.Device{}, false
	}
	keys := make([]string, 0, len(p.visible))
	for k := range p.visible {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	info := p.visible[keys[0]]
	return proxy.Device{Address: info.Address, Name: info.Name, BLE: info.OS == proxy.OSIOS.String()}, true
}

// IsConnected reports whether a service for addr is currently visible.
func (p *Provider) IsConnected(addr string) bool {
	_, ok := p.lookup(addr)
	return ok
}

var (
	_ proxy.SocketProvider   = (*Provider)(nil)
	_ proxy.CompanionTracker = (*Provider)(nil)
)
