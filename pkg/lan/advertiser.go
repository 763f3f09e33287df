package lan

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Service and Domain default to ServiceType and Domain.
	Service string
	Domain  string

	// Interface restricts advertising to one interface. Empty means all.
	Interface string

	// TTL is the DNS record TTL. Zero keeps the library default.
	TTL time.Duration
}

// Advertiser registers the companion service over mDNS.
type Advertiser struct {
	cfg AdvertiserConfig

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser.
func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	if cfg.Service == "" {
		cfg.Service = ServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = Domain
	}
	return &Advertiser{cfg: cfg}
}

// Advertise starts (or replaces) the advertisement for info.
func (a *Advertiser) Advertise(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
	if info.Address == "" {
		return ErrMissingAddress
	}
	port := info.Port
	if port == 0 {
		port = DefaultPort
	}

	var opts []zeroconf.ServerOption
	if a.cfg.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.cfg.TTL.Seconds())))
	}
	server, err := zeroconf.Register(instanceName(info), a.cfg.Service, a.cfg.Domain, port, EncodeTXT(info), interfaces(a.cfg.Interface), opts...)
	if err != nil {
		return fmt.Errorf("lan: register service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// interfaces returns the interface list for name, or nil for all.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}
