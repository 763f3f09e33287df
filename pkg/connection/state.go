package connection

import (
	"errors"
	"io"
)

// Connection errors.
var (
	ErrNoTunnel       = errors.New("no tunnel")
	ErrInvalidVersion = errors.New("invalid sysproxy version")
)

// Socket is an open transport socket handed to the tunnel layer.
type Socket = io.ReadWriteCloser

// ClientState is the authoritative state of a proxy client.
type ClientState int32

const (
	// ClientIdle indicates no tunnel session and no operation in flight.
	ClientIdle ClientState = iota

	// ClientConnecting indicates socket acquisition or native connect is in progress.
	ClientConnecting

	// ClientConnected indicates the native tunnel is established.
	ClientConnected

	// ClientDisconnecting indicates native teardown is in progress.
	ClientDisconnecting
)

// String returns a human-readable state name.
func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "IDLE"
	case ClientConnecting:
		return "CONNECTING"
	case ClientConnected:
		return "CONNECTED"
	case ClientDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

// ConnectResult is the outcome of a native connect attempt.
type ConnectResult uint8

const (
	ResultConnected ConnectResult = iota
	ResultFailed
	ResultTimeout
)

// String returns a human-readable result name.
func (r ConnectResult) String() string {
	switch r {
	case ResultConnected:
		return "CONNECTED"
	case ResultFailed:
		return "FAILED"
	case ResultTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// NetworkType is the phone's active network as reported over the tunnel.
type NetworkType uint8

const (
	// NetworkNone means the phone has no validated internet access.
	NetworkNone NetworkType = iota
	NetworkWifi
	NetworkCellular
	NetworkEthernet
	NetworkOther
)

// String returns a human-readable network type.
func (n NetworkType) String() string {
	switch n {
	case NetworkNone:
		return "NONE"
	case NetworkWifi:
		return "WIFI"
	case NetworkCellular:
		return "CELLULAR"
	case NetworkEthernet:
		return "ETHERNET"
	case NetworkOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// ParseNetworkType parses the String form of a network type.
func ParseNetworkType(s string) (NetworkType, bool) {
	for n := NetworkNone; n <= NetworkOther; n++ {
		if n.String() == s {
			return n, true
		}
	}
	return NetworkNone, false
}
