package proxy

import (
	"context"
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/wearlink/wearlink-go/pkg/connection"
)

// Proxy errors.
var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrServiceUnavailable = errors.New("bluetooth service unavailable")
	ErrNoCompanion        = errors.New("no companion device")
)

// Device is a paired companion phone.
type Device struct {
	Address string
	Name    string

	// BLE is set for companions reachable only over LE (iOS).
	BLE bool
}

// SocketRequest carries the parameters of one socket acquisition.
type SocketRequest struct {
	Type   SocketType
	UUID   uuid.UUID
	Port   int
	Secure bool
}

// SocketProvider opens transport sockets to the companion.
// A returned error is treated as "no socket" and retried.
type SocketProvider interface {
	ConnectSocket(ctx context.Context, dev Device, req SocketRequest) (connection.Socket, error)
}

// CompanionTracker knows the currently paired companion.
type CompanionTracker interface {
	Companion() (Device, bool)
}

// NetworkAgent is the upstream network session manager: it tells the OS
// networking stack whether the tunnel is a usable network path.
type NetworkAgent interface {
	SetCompanionName(name string)
	SetDNSServers(servers []netip.Addr)
	SetNetworkScore(score int)
	NetworkScore() int
	SetMetered(metered bool)

	// StartNetworkSession registers the tunnel interface. unwanted may be
	// called from any goroutine when the OS no longer wants the network.
	StartNetworkSession(reason, iface string, mtu int, unwanted func())
	StopNetworkSession(reason string)
}

// Listener observes proxy connectivity. Callbacks run on the shard loop
// and must not block.
type Listener interface {
	OnProxyConnectionChange(isConnected bool, score int, phoneNoInternet bool)
	OnProxyBleData()
	OnProxyConnectFailed(cfg ServiceConfig)
}

// Recorder receives metrics from the shard. Calls happen on the loop.
type Recorder interface {
	ClientStateChanged(from, to connection.ClientState)
	StartedChanged(started bool)
	ConnectStep(stage, result string, took time.Duration)
	RetryScheduled(delay int)
	ConnectionNotified(connected, phoneNoInternet bool, score int)
}

// NopRecorder discards metrics.
type NopRecorder struct{}

func (NopRecorder) ClientStateChanged(connection.ClientState, connection.ClientState) {}
func (NopRecorder) StartedChanged(bool)                                               {}
func (NopRecorder) ConnectStep(string, string, time.Duration)                         {}
func (NopRecorder) RetryScheduled(int)                                                {}
func (NopRecorder) ConnectionNotified(bool, bool, int)                                {}

var _ Recorder = NopRecorder{}
