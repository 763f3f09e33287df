package connection

import (
	"context"
	"fmt"
)

// Protocol selects the tunnel protocol variant.
type Protocol uint8

const (
	// ProtocolV1 needs an explicit sysproxy wire version.
	ProtocolV1 Protocol = 1

	// ProtocolV2 negotiates the wire version itself.
	ProtocolV2 Protocol = 2
)

// String returns "v1" or "v2".
func (p Protocol) String() string {
	switch p {
	case ProtocolV1:
		return "v1"
	case ProtocolV2:
		return "v2"
	default:
		return fmt.Sprintf("v?(%d)", uint8(p))
	}
}

// Callbacks receives asynchronous events from the tunnel layer.
// Both methods may be called from any goroutine.
type Callbacks interface {
	OnActiveNetworkState(networkType NetworkType, metered bool)
	OnDisconnect(status int, reason string)
}

// Tunnel is the native tunnel boundary. All calls block.
type Tunnel interface {
	ConnectV1(ctx context.Context, sock Socket, version int, cb Callbacks) ConnectResult
	ConnectV2(ctx context.Context, sock Socket, cb Callbacks) ConnectResult

	// ContinueConnect resumes a connect that returned TIMEOUT.
	ContinueConnect(ctx context.Context) ConnectResult

	// Disconnect reports whether the teardown request was issued.
	Disconnect(ctx context.Context) bool

	// InterfaceName and MTU are valid after a CONNECTED result.
	InterfaceName() string
	MTU() int
}

// TunnelFactory creates a fresh tunnel for each handle.
type TunnelFactory func() Tunnel

// Handle is one attempt to establish a tunnel over an open socket.
type Handle struct {
	tunnel   Tunnel
	protocol Protocol
	version  int
	cb       Callbacks
}

// NewV1 creates a v1 handle speaking the given wire version.
func NewV1(t Tunnel, version int, cb Callbacks) (*Handle, error) {
	if t == nil {
		return nil, ErrNoTunnel
	}
	if version <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidVersion, version)
	}
	return &Handle{tunnel: t, protocol: ProtocolV1, version: version, cb: cb}, nil
}

// NewV2 creates a v2 handle.
func NewV2(t Tunnel, cb Callbacks) (*Handle, error) {
	if t == nil {
		return nil, ErrNoTunnel
	}
	return &Handle{tunnel: t, protocol: ProtocolV2, cb: cb}, nil
}

// Protocol returns the variant this handle was created for.
func (h *Handle) Protocol() Protocol {
	return h.protocol
}

// Version returns the v1 wire version, or 0 for v2 handles.
func (h *Handle) Version() int {
	return h.version
}

// Connect hands sock to the tunnel layer.
func (h *Handle) Connect(ctx context.Context, sock Socket) ConnectResult {
	if h.protocol == ProtocolV1 {
		return h.tunnel.ConnectV1(ctx, sock, h.version, h.cb)
	}
	return h.tunnel.ConnectV2(ctx, sock, h.cb)
}

// ContinueConnect retries completion of a connect left in TIMEOUT.
func (h *Handle) ContinueConnect(ctx context.Context) ConnectResult {
	return h.tunnel.ContinueConnect(ctx)
}

// Disconnect tears the tunnel down.
func (h *Handle) Disconnect(ctx context.Context) bool {
	return h.tunnel.Disconnect(ctx)
}

// InterfaceName returns the negotiated network interface name.
func (h *Handle) InterfaceName() string {
	return h.tunnel.InterfaceName()
}

// MTU returns the negotiated MTU.
func (h *Handle) MTU() int {
	return h.tunnel.MTU()
}

// String identifies the handle in logs.
func (h *Handle) String() string {
	if h.protocol == ProtocolV1 {
		return fmt.Sprintf("handle(%s, version=%d)", h.protocol, h.version)
	}
	return fmt.Sprintf("handle(%s)", h.protocol)
}
