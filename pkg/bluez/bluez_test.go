package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wearlink/wearlink-go/pkg/hfc"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

func TestPaths(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), AdapterPath("hci0"))
	p := DevicePath("hci0", "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), p)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", AddressFromPath(p))
	assert.Empty(t, AddressFromPath("/org/bluez/hci0"))
}

func TestParseAddress(t *testing.T) {
	b, err := ParseAddress("01:23:45:67:89:AB")
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab}, b)

	for _, bad := range []string{"", "01:23:45:67:89", "01:23:45:67:89:GG", "0123:45:67:89:AB:CD"} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func deviceObj(addr string, paired, connected bool, uuids ...string) map[string]map[string]dbus.Variant {
	return map[string]map[string]dbus.Variant{
		deviceIface: {
			"Address":   dbus.MakeVariant(addr),
			"Alias":     dbus.MakeVariant("phone " + addr[:2]),
			"Paired":    dbus.MakeVariant(paired),
			"Connected": dbus.MakeVariant(connected),
			"UUIDs":     dbus.MakeVariant(uuids),
		},
	}
}

func TestSelectCompanion(t *testing.T) {
	objs := managedObjects{
		"/org/bluez/hci0":                       {adapterIface: {}},
		"/org/bluez/hci0/dev_22_00_00_00_00_02": deviceObj("22:00:00:00:00:02", true, false),
		"/org/bluez/hci0/dev_11_00_00_00_00_01": deviceObj("11:00:00:00:00:01", false, true),
		"/org/bluez/hci1/dev_00_00_00_00_00_03": deviceObj("00:00:00:00:00:03", true, true),
	}
	devs := devicesFromObjects(objs, AdapterPath("hci0"))
	require.Len(t, devs, 2)
	assert.Equal(t, "11:00:00:00:00:01", devs[0].Address)

	t.Run("FirstPaired", func(t *testing.T) {
		dev, _, ok := selectCompanion(devs, proxy.Device{})
		require.True(t, ok)
		assert.Equal(t, "22:00:00:00:00:02", dev.Address)
		assert.Equal(t, "phone 22", dev.Name)
	})

	t.Run("Pinned", func(t *testing.T) {
		dev, _, ok := selectCompanion(devs, proxy.Device{Address: "22:00:00:00:00:02", Name: "iPhone", BLE: true})
		require.True(t, ok)
		assert.Equal(t, "iPhone", dev.Name)
		assert.True(t, dev.BLE)
	})

	t.Run("PinnedUnpaired", func(t *testing.T) {
		_, _, ok := selectCompanion(devs, proxy.Device{Address: "11:00:00:00:00:01"})
		assert.False(t, ok)
	})
}

func TestClientState(t *testing.T) {
	c := newClient(Config{}, nil)
	addr := "22:00:00:00:00:02"
	path := DevicePath("hci0", addr)

	changed := c.applyDevices([]deviceInfo{{Path: path, Address: addr, Paired: true, Connected: true, UUIDs: []string{HandsfreeUUID.String()}}})
	assert.True(t, changed)
	assert.False(t, c.applyDevices([]deviceInfo{{Path: path, Address: addr, Paired: true, Connected: true}}))

	dev, ok := c.Companion()
	require.True(t, ok)
	assert.True(t, c.IsConnected("22:00:00:00:00:02"))
	st, err := c.ProfileState(t.Context(), dev)
	require.NoError(t, err)
	assert.Equal(t, hfc.ProfileConnected, st)

	t.Run("LinkSignals", func(t *testing.T) {
		var powered []bool
		var links []bool
		ev := Events{
			AdapterPowered:  func(on bool) { powered = append(powered, on) },
			DeviceConnected: func(_ string, up bool) { links = append(links, up) },
		}

		reload := c.handleSignal(&dbus.Signal{
			Path: AdapterPath("hci0"),
			Name: propsIface + ".PropertiesChanged",
			Body: []any{adapterIface, map[string]dbus.Variant{"Powered": dbus.MakeVariant(false)}, []string{}},
		}, ev)
		assert.False(t, reload)
		assert.Equal(t, []bool{false}, powered)

		c.handleSignal(&dbus.Signal{
			Path: path,
			Name: propsIface + ".PropertiesChanged",
			Body: []any{deviceIface, map[string]dbus.Variant{"Connected": dbus.MakeVariant(false)}, []string{}},
		}, ev)
		assert.Equal(t, []bool{false}, links)
		assert.False(t, c.IsConnected(addr))
		st, _ := c.ProfileState(t.Context(), dev)
		assert.Equal(t, hfc.ProfileDisconnected, st)
	})

	t.Run("PairingReloads", func(t *testing.T) {
		assert.True(t, c.handleSignal(&dbus.Signal{
			Path: path,
			Name: propsIface + ".PropertiesChanged",
			Body: []any{deviceIface, map[string]dbus.Variant{"Paired": dbus.MakeVariant(false)}, []string{}},
		}, Events{}))
		assert.True(t, c.handleSignal(&dbus.Signal{
			Name: objManagerIface + ".InterfacesAdded",
			Body: []any{path, map[string]map[string]dbus.Variant{}},
		}, Events{}))
		assert.False(t, c.handleSignal(&dbus.Signal{
			Name: objManagerIface + ".InterfacesAdded",
			Body: []any{dbus.ObjectPath("/org/bluez/hci1/dev_00"), map[string]map[string]dbus.Variant{}},
		}, Events{}))
	})
}

func TestProfileDispatch(t *testing.T) {
	p := newProfile(proxy.DefaultServiceUUID.String(), "/p", nil)
	var closed []int
	p.closeFD = func(fd int) { closed = append(closed, fd) }
	p.logger = newClient(Config{}, nil).logger

	dev := DevicePath("hci0", "22:00:00:00:00:02")

	t.Run("Unsolicited", func(t *testing.T) {
		assert.NotNil(t, p.NewConnection(dev, 7, nil))
		assert.Equal(t, []int{7}, closed)
	})

	t.Run("Delivered", func(t *testing.T) {
		ch := p.wait(dev)
		assert.Nil(t, p.NewConnection(dev, 8, nil))
		assert.Equal(t, 8, <-ch)
		p.cancel(dev, ch)
		assert.Equal(t, []int{7}, closed)
	})

	t.Run("LateClosed", func(t *testing.T) {
		ch := p.wait(dev)
		assert.Nil(t, p.NewConnection(dev, 9, nil))
		p.cancel(dev, ch)
		assert.Equal(t, []int{7, 9}, closed)
	})
}
