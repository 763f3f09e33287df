package bluez

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/wearlink/wearlink-go/pkg/proxy"
)

const (
	bluezService        = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	profileBasePath = "/org/wearlink/profile"
)

// HandsfreeUUID is the Hands-Free Profile (HF role) service class.
var HandsfreeUUID = uuid.MustParse("0000111e-0000-1000-8000-00805f9b34fb")

// Errors.
var (
	ErrUnsupportedPlatform = errors.New("bluez: raw bluetooth sockets unsupported on this platform")
	ErrClosed              = errors.New("bluez: client closed")
	ErrInvalidAddress      = errors.New("bluez: invalid bluetooth address")
	ErrRejected            = errors.New("bluez: connection rejected")
)

// AdapterPath returns the object path of adapter, e.g. /org/bluez/hci0.
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath returns the object path of the device with addr on adapter.
func DevicePath(adapter, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, strings.ReplaceAll(strings.ToUpper(addr), ":", "_")))
}

// AddressFromPath extracts the device address from a Device1 object path.
func AddressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// ParseAddress parses "AA:BB:CC:DD:EE:FF" into bytes in display order.
func ParseAddress(s string) ([6]byte, error) {
	var out [6]byte
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 1 {
			return out, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		out[i] = b[0]
	}
	return out, nil
}

// deviceInfo is the subset of Device1 properties the client uses.
type deviceInfo struct {
	Path      dbus.ObjectPath
	Address   string
	Name      string
	Paired    bool
	Connected bool
	UUIDs     []string
}

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// devicesFromObjects returns the devices below adapter, sorted by address.
func devicesFromObjects(objs managedObjects, adapter dbus.ObjectPath) []deviceInfo {
	var out []deviceInfo
	prefix := string(adapter) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		out = append(out, deviceFromProps(path, props))
	}
	slices.SortFunc(out, func(a, b deviceInfo) int { return strings.Compare(a.Address, b.Address) })
	return out
}

func deviceFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) deviceInfo {
	d := deviceInfo{Path: path}
	d.Address, _ = variant[string](props, "Address")
	if d.Address == "" {
		d.Address = AddressFromPath(path)
	}
	d.Name, _ = variant[string](props, "Alias")
	if d.Name == "" {
		d.Name, _ = variant[string](props, "Name")
	}
	d.Paired, _ = variant[bool](props, "Paired")
	d.Connected, _ = variant[bool](props, "Connected")
	d.UUIDs, _ = variant[[]string](props, "UUIDs")
	return d
}

func variant[T any](props map[string]dbus.Variant, name string) (T, bool) {
	v, ok := props[name]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

// selectCompanion picks the companion among devs. A pinned address must
// match and be paired; otherwise the first paired device wins.
func selectCompanion(devs []deviceInfo, pinned proxy.Device) (proxy.Device, deviceInfo, bool) {
	for _, d := range devs {
		if !d.Paired {
			continue
		}
		if pinned.Address != "" && !strings.EqualFold(d.Address, pinned.Address) {
			continue
		}
		dev := proxy.Device{Address: d.Address, Name: d.Name, BLE: pinned.BLE}
		if pinned.Name != "" {
			dev.Name = pinned.Name
		}
		return dev, d, true
	}
	return proxy.Device{}, deviceInfo{}, false
}

func hasUUID(list []string, u uuid.UUID) bool {
	return slices.ContainsFunc(list, func(s string) bool {
		return strings.EqualFold(s, u.String())
	})
}
