//go:build linux

package bluez

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

// Kernel socket option values from <bluetooth/bluetooth.h>.
const (
	solBluetooth     = 274
	btSecurity       = 4
	btSecurityMedium = 2

	bdaddrLEPublic = 1

	pollInterval = 100 * time.Millisecond
)

// dialSocket opens a raw RFCOMM or L2CAP socket to addr.
func dialSocket(ctx context.Context, addr string, req proxy.SocketRequest) (connection.Socket, error) {
	bd, err := ParseAddress(addr)
	if err != nil {
		return nil, err
	}

	var (
		typ, proto int
		sa         unix.Sockaddr
		name       string
	)
	switch req.Type {
	case proxy.SocketL2CAP:
		typ, proto, name = unix.SOCK_SEQPACKET, unix.BTPROTO_L2CAP, "l2cap"
		// SockaddrL2 reverses Addr itself.
		sa = &unix.SockaddrL2{PSM: uint16(req.Port), Addr: bd, AddrType: bdaddrLEPublic}
	default:
		typ, proto, name = unix.SOCK_STREAM, unix.BTPROTO_RFCOMM, "rfcomm"
		sa = &unix.SockaddrRFCOMM{Addr: reverse(bd), Channel: uint8(req.Port)}
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, typ|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, proto)
	if err != nil {
		return nil, fmt.Errorf("%s socket: %w", name, err)
	}
	if req.Secure {
		if err := unix.SetsockoptInt(fd, solBluetooth, btSecurity, btSecurityMedium); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%s security: %w", name, err)
		}
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s connect %s: %w", name, addr, err)
	}
	if err := waitConnected(ctx, fd); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s connect %s: %w", name, addr, err)
	}
	return os.NewFile(uintptr(fd), name+":"+addr), nil
}

// waitConnected polls a non-blocking connect until it completes or ctx ends.
func waitConnected(ctx context.Context, fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(pollInterval/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soerr != 0 {
			return unix.Errno(soerr)
		}
		return nil
	}
}

// reverse converts a display-order address to the kernel's little-endian bdaddr_t.
func reverse(b [6]byte) [6]byte {
	var out [6]byte
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}
