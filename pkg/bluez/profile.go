package bluez

import (
	"log/slog"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
)

// profile is the exported org.bluez.Profile1 object for one service UUID.
// BlueZ calls NewConnection with the connected socket after a successful
// Device1.ConnectProfile; the fd is handed to the goroutine waiting on
// that device.
type profile struct {
	uuid   string
	path   dbus.ObjectPath
	logger *slog.Logger

	closeFD func(fd int)

	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan int
}

func newProfile(uuid string, path dbus.ObjectPath, logger *slog.Logger) *profile {
	return &profile{
		uuid:    uuid,
		path:    path,
		logger:  logger,
		closeFD: func(fd int) { _ = os.NewFile(uintptr(fd), "bluez").Close() },
		waiters: make(map[dbus.ObjectPath]chan int),
	}
}

// wait registers interest in the next connection from dev.
func (p *profile) wait(dev dbus.ObjectPath) chan int {
	ch := make(chan int, 1)
	p.mu.Lock()
	p.waiters[dev] = ch
	p.mu.Unlock()
	return ch
}

// cancel unregisters ch and closes an fd that arrived too late.
func (p *profile) cancel(dev dbus.ObjectPath, ch chan int) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()
	select {
	case fd := <-ch:
		p.closeFD(fd)
	default:
	}
}

// NewConnection implements org.bluez.Profile1.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.waiters[dev]
	if ok {
		delete(p.waiters, dev)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Debug("unsolicited profile connection", "uuid", p.uuid, "device", AddressFromPath(dev))
		p.closeFD(int(fd))
		return dbus.NewError("org.bluez.Error.Rejected", []any{"no pending connect"})
	}
	ch <- int(fd)
	return nil
}

// RequestDisconnection implements org.bluez.Profile1.
func (p *profile) RequestDisconnection(dev dbus.ObjectPath) *dbus.Error {
	p.logger.Debug("profile disconnection requested", "uuid", p.uuid, "device", AddressFromPath(dev))
	return nil
}

// Release implements org.bluez.Profile1.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel implements org.bluez.Profile1.
func (p *profile) Cancel() *dbus.Error { return nil }
