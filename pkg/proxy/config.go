package proxy

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/wearlink/wearlink-go/pkg/connection"
)

// Sysproxy wire versions used by v1 configs.
const (
	AndroidSysproxyVersion = 1
	IOSSysproxyVersion     = 2
)

// DefaultServiceUUID is the RFCOMM service record the Android companion
// app publishes for sysproxy (Serial Port Profile).
var DefaultServiceUUID = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")

// CompanionOS identifies the phone platform.
type CompanionOS uint8

const (
	OSAndroid CompanionOS = iota
	OSIOS
)

// String returns "android" or "ios".
func (o CompanionOS) String() string {
	switch o {
	case OSAndroid:
		return "android"
	case OSIOS:
		return "ios"
	default:
		return "unknown"
	}
}

// SocketType is the Bluetooth socket family.
type SocketType uint8

const (
	SocketRFCOMM SocketType = iota
	SocketL2CAP
)

// String returns "rfcomm" or "l2cap".
func (t SocketType) String() string {
	switch t {
	case SocketRFCOMM:
		return "rfcomm"
	case SocketL2CAP:
		return "l2cap"
	default:
		return "unknown"
	}
}

// ServiceConfig describes which tunnel protocol and transport to use.
// It is comparable; a different value passed to StartNetwork forces a
// restart.
type ServiceConfig struct {
	OS         CompanionOS
	Protocol   connection.Protocol
	Version    int
	SocketType SocketType
	UUID       uuid.UUID

	// Port is the RFCOMM channel or L2CAP PSM. 0 means resolve through SDP.
	Port int

	// ChannelChangeID increments each time the iOS app reopens its L2CAP
	// channel.
	ChannelChangeID int
}

// AndroidV1 returns a v1 RFCOMM config speaking the given wire version.
func AndroidV1(version int) ServiceConfig {
	return ServiceConfig{
		OS:         OSAndroid,
		Protocol:   connection.ProtocolV1,
		Version:    version,
		SocketType: SocketRFCOMM,
		UUID:       DefaultServiceUUID,
	}
}

// AndroidV2 returns the v2 RFCOMM config.
func AndroidV2() ServiceConfig {
	return ServiceConfig{
		OS:         OSAndroid,
		Protocol:   connection.ProtocolV2,
		SocketType: SocketRFCOMM,
		UUID:       DefaultServiceUUID,
	}
}

// IOSV1 returns the L2CAP config for an iOS companion advertising psm.
func IOSV1(psm, channelChangeID int) ServiceConfig {
	return ServiceConfig{
		OS:              OSIOS,
		Protocol:        connection.ProtocolV1,
		Version:         IOSSysproxyVersion,
		SocketType:      SocketL2CAP,
		Port:            psm,
		ChannelChangeID: channelChangeID,
	}
}

// IsIOS reports whether the config targets an iOS companion.
func (c ServiceConfig) IsIOS() bool {
	return c.OS == OSIOS
}

// IsZero reports whether c is the zero config.
func (c ServiceConfig) IsZero() bool {
	return c == ServiceConfig{}
}

// SocketRequest returns the socket parameters for this config.
func (c ServiceConfig) SocketRequest() SocketRequest {
	return SocketRequest{
		Type:   c.SocketType,
		UUID:   c.UUID,
		Port:   c.Port,
		Secure: true,
	}
}

// String returns a compact description used in logs and dumps.
func (c ServiceConfig) String() string {
	proto := c.Protocol.String()
	if c.Protocol == connection.ProtocolV1 {
		proto = fmt.Sprintf("%s(%d)", proto, c.Version)
	}
	if c.SocketType == SocketL2CAP {
		return fmt.Sprintf("%s/%s %s psm=%d ccid=%d", c.OS, proto, c.SocketType, c.Port, c.ChannelChangeID)
	}
	return fmt.Sprintf("%s/%s %s uuid=%s port=%d", c.OS, proto, c.SocketType, c.UUID, c.Port)
}

// Validate checks that a handle can be built from the config.
func (c ServiceConfig) Validate() error {
	switch c.Protocol {
	case connection.ProtocolV1:
		if c.Version <= 0 {
			return fmt.Errorf("%w: v1 config needs a sysproxy version", ErrInvalidConfig)
		}
	case connection.ProtocolV2:
	default:
		return fmt.Errorf("%w: unknown protocol %d", ErrInvalidConfig, uint8(c.Protocol))
	}
	if c.SocketType == SocketL2CAP && c.Port <= 0 {
		return fmt.Errorf("%w: l2cap config needs a psm", ErrInvalidConfig)
	}
	if c.SocketType == SocketRFCOMM && c.Port == 0 && c.UUID == uuid.Nil {
		return fmt.Errorf("%w: rfcomm config needs a uuid or channel", ErrInvalidConfig)
	}
	return nil
}
