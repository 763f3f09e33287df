package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/hfc"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

// Config configures a Client.
type Config struct {
	// Adapter is the controller name, e.g. "hci0".
	Adapter string

	// Companion pins the companion device. An empty address selects the
	// first paired device. BLE and Name are carried into the result.
	Companion proxy.Device

	Logger *slog.Logger
}

// Events receives bus notifications from Watch. Nil fields are skipped.
type Events struct {
	AdapterPowered   func(on bool)
	DeviceConnected  func(addr string, connected bool)
	CompanionChanged func()
}

// Client talks to bluetoothd over the system bus.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	bus     *dbus.Conn
	adapter dbus.ObjectPath

	mu        sync.Mutex
	closed    bool
	companion proxy.Device
	hasComp   bool
	connected map[string]bool
	hfp       map[string]hfc.ProfileState
	profiles  map[uuid.UUID]*profile
}

// New connects to the system bus and loads the paired device list.
func New(ctx context.Context, cfg Config) (*Client, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	c := newClient(cfg, bus)
	if err := c.Refresh(ctx); err != nil {
		_ = bus.Close()
		return nil, err
	}
	return c, nil
}

func newClient(cfg Config, bus *dbus.Conn) *Client {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		cfg:       cfg,
		logger:    cfg.Logger,
		bus:       bus,
		adapter:   AdapterPath(cfg.Adapter),
		connected: make(map[string]bool),
		hfp:       make(map[string]hfc.ProfileState),
		profiles:  make(map[uuid.UUID]*profile),
	}
}

// Refresh reloads the device list and reselects the companion.
func (c *Client) Refresh(ctx context.Context) error {
	var objs managedObjects
	if err := c.bus.Object(bluezService, "/").CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		return fmt.Errorf("bluez: GetManagedObjects: %w", err)
	}
	c.applyDevices(devicesFromObjects(objs, c.adapter))
	return nil
}

// applyDevices replaces the device snapshot and reports whether the
// companion changed.
func (c *Client) applyDevices(devs []deviceInfo) bool {
	dev, info, ok := selectCompanion(devs, c.cfg.Companion)

	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.connected)
	for _, d := range devs {
		c.connected[strings.ToUpper(d.Address)] = d.Connected
	}
	changed := ok != c.hasComp || dev != c.companion
	c.companion, c.hasComp = dev, ok
	if ok && changed {
		state := hfc.ProfileDisconnected
		if info.Connected && hasUUID(info.UUIDs, HandsfreeUUID) {
			state = hfc.ProfileConnected
		}
		c.hfp[strings.ToUpper(dev.Address)] = state
		c.logger.Info("companion selected", "address", dev.Address, "name", dev.Name)
	}
	return changed
}

// Companion implements proxy.CompanionTracker.
func (c *Client) Companion() (proxy.Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.companion, c.hasComp
}

// IsConnected reports whether the ACL link to addr is up.
func (c *Client) IsConnected(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected[strings.ToUpper(addr)]
}

// Powered returns the adapter power state.
func (c *Client) Powered(ctx context.Context) (bool, error) {
	var v dbus.Variant
	err := c.bus.Object(bluezService, c.adapter).CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered").Store(&v)
	if err != nil {
		return false, fmt.Errorf("bluez: get Powered: %w", err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: Powered has type %s", v.Signature())
	}
	return on, nil
}

// SetPowered switches the adapter on or off.
func (c *Client) SetPowered(ctx context.Context, on bool) error {
	call := c.bus.Object(bluezService, c.adapter).CallWithContext(ctx, propsIface+".Set", 0, adapterIface, "Powered", dbus.MakeVariant(on))
	if call.Err != nil {
		return fmt.Errorf("bluez: set Powered=%t: %w", on, call.Err)
	}
	return nil
}

// ConnectSocket implements proxy.SocketProvider. Requests with a port dial
// the channel or PSM directly; others go through the profile manager.
func (c *Client) ConnectSocket(ctx context.Context, dev proxy.Device, req proxy.SocketRequest) (connection.Socket, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	if req.Port > 0 || req.Type == proxy.SocketL2CAP {
		return dialSocket(ctx, dev.Address, req)
	}
	return c.connectProfileSocket(ctx, dev, req.UUID)
}

func (c *Client) connectProfileSocket(ctx context.Context, dev proxy.Device, id uuid.UUID) (connection.Socket, error) {
	p, err := c.ensureProfile(id)
	if err != nil {
		return nil, err
	}
	path := DevicePath(c.cfg.Adapter, dev.Address)
	ch := p.wait(path)
	defer p.cancel(path, ch)

	call := c.bus.Object(bluezService, path).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, id.String())
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile(%s): %w", id, call.Err)
	}
	select {
	case fd := <-ch:
		c.logger.Debug("profile socket acquired", "uuid", id, "device", dev.Address)
		return os.NewFile(uintptr(fd), "profile:"+dev.Address), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ensureProfile exports and registers a client profile for id once.
func (c *Client) ensureProfile(id uuid.UUID) (*profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.profiles[id]; ok {
		return p, nil
	}

	path := dbus.ObjectPath(profileBasePath + "/" + strings.ReplaceAll(id.String(), "-", "_"))
	p := newProfile(id.String(), path, c.logger)
	if err := c.bus.Export(p, path, profileIface); err != nil {
		return nil, fmt.Errorf("bluez: export profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Role":                  dbus.MakeVariant("client"),
		"RequireAuthentication": dbus.MakeVariant(true),
		"AutoConnect":           dbus.MakeVariant(false),
	}
	pm := c.bus.Object(bluezService, "/org/bluez")
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, id.String(), opts); call.Err != nil {
		_ = c.bus.Export(nil, path, profileIface)
		return nil, fmt.Errorf("bluez: RegisterProfile: %w", call.Err)
	}
	c.profiles[id] = p
	return p, nil
}

// PingCompanion asks bluetoothd to bring up the link to the companion.
func (c *Client) PingCompanion(ctx context.Context) error {
	dev, ok := c.Companion()
	if !ok {
		return proxy.ErrNoCompanion
	}
	call := c.bus.Object(bluezService, DevicePath(c.cfg.Adapter, dev.Address)).CallWithContext(ctx, deviceIface+".Connect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: Connect %s: %w", dev.Address, call.Err)
	}
	return nil
}

// ProfileState implements hfc.ProfileConnector.
func (c *Client) ProfileState(_ context.Context, dev proxy.Device) (hfc.ProfileState, error) {
	key := strings.ToUpper(dev.Address)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected[key] {
		return hfc.ProfileDisconnected, nil
	}
	return c.hfp[key], nil
}

// ConnectProfile implements hfc.ProfileConnector.
func (c *Client) ConnectProfile(ctx context.Context, dev proxy.Device) error {
	c.setHFP(dev.Address, hfc.ProfileConnecting)
	call := c.bus.Object(bluezService, DevicePath(c.cfg.Adapter, dev.Address)).CallWithContext(ctx, deviceIface+".ConnectProfile", 0, HandsfreeUUID.String())
	if call.Err != nil {
		c.setHFP(dev.Address, hfc.ProfileDisconnected)
		return fmt.Errorf("bluez: connect handsfree %s: %w", dev.Address, call.Err)
	}
	c.setHFP(dev.Address, hfc.ProfileConnected)
	return nil
}

// DisconnectProfile implements hfc.ProfileConnector.
func (c *Client) DisconnectProfile(ctx context.Context, dev proxy.Device) error {
	call := c.bus.Object(bluezService, DevicePath(c.cfg.Adapter, dev.Address)).CallWithContext(ctx, deviceIface+".DisconnectProfile", 0, HandsfreeUUID.String())
	c.setHFP(dev.Address, hfc.ProfileDisconnected)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect handsfree %s: %w", dev.Address, call.Err)
	}
	return nil
}

func (c *Client) setHFP(addr string, st hfc.ProfileState) {
	c.mu.Lock()
	c.hfp[strings.ToUpper(addr)] = st
	c.mu.Unlock()
}

// Watch forwards adapter and device signals to ev until ctx ends.
func (c *Client) Watch(ctx context.Context, ev Events) error {
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchPathNamespace(c.adapter)},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved")},
	}
	for _, m := range matches {
		if err := c.bus.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
		defer func(m []dbus.MatchOption) { _ = c.bus.RemoveMatchSignal(m...) }(m)
	}

	sigCh := make(chan *dbus.Signal, 64)
	c.bus.Signal(sigCh)
	defer c.bus.RemoveSignal(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigCh:
			if !ok {
				return ErrClosed
			}
			if c.handleSignal(sig, ev) {
				if err := c.Refresh(ctx); err != nil {
					c.logger.Warn("device refresh failed", "error", err)
				} else if ev.CompanionChanged != nil {
					ev.CompanionChanged()
				}
			}
		}
	}
}

// handleSignal applies sig and reports whether the device list must be
// reloaded.
func (c *Client) handleSignal(sig *dbus.Signal, ev Events) bool {
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded", objManagerIface + ".InterfacesRemoved":
		if len(sig.Body) == 0 {
			return false
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		return strings.HasPrefix(string(path), string(c.adapter)+"/")
	case propsIface + ".PropertiesChanged":
	default:
		return false
	}
	if len(sig.Body) < 2 {
		return false
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)

	switch {
	case iface == adapterIface && sig.Path == c.adapter:
		if on, ok := variant[bool](changed, "Powered"); ok {
			c.logger.Debug("adapter power changed", "on", on)
			if ev.AdapterPowered != nil {
				ev.AdapterPowered(on)
			}
		}
	case iface == deviceIface:
		addr := AddressFromPath(sig.Path)
		if _, ok := changed["Paired"]; ok {
			return true
		}
		if conn, ok := variant[bool](changed, "Connected"); ok {
			key := strings.ToUpper(addr)
			c.mu.Lock()
			c.connected[key] = conn
			if !conn {
				c.hfp[key] = hfc.ProfileDisconnected
			}
			c.mu.Unlock()
			c.logger.Debug("device link changed", "address", addr, "connected", conn)
			if ev.DeviceConnected != nil {
				ev.DeviceConnected(addr, conn)
			}
		}
	}
	return false
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close unregisters exported profiles and closes the bus connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	profiles := c.profiles
	c.profiles = nil
	c.mu.Unlock()

	pm := c.bus.Object(bluezService, "/org/bluez")
	for _, p := range profiles {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, p.path).Err
		_ = c.bus.Export(nil, p.path, profileIface)
	}
	return c.bus.Close()
}

var (
	_ proxy.SocketProvider   = (*Client)(nil)
	_ proxy.CompanionTracker = (*Client)(nil)
	_ hfc.ProfileConnector   = (*Client)(nil)
)
