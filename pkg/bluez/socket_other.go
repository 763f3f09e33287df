//go:build !linux

package bluez

import (
	"context"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

func dialSocket(context.Context, string, proxy.SocketRequest) (connection.Socket, error) {
	return nil, ErrUnsupportedPlatform
}
