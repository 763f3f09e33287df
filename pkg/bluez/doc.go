// Package bluez opens sysproxy sockets to the companion through the BlueZ
// D-Bus API and raw Bluetooth sockets.
//
// Sockets for configs without a fixed port are obtained by exporting an
// org.bluez.Profile1 object for the service UUID and calling
// Device1.ConnectProfile; BlueZ resolves the RFCOMM channel through SDP
// and hands the connected file descriptor to Profile1.NewConnection.
// Configs with a fixed RFCOMM channel or L2CAP PSM are dialed directly
// with AF_BLUETOOTH sockets.
//
// The Client also implements the adapter power control used by the radio
// loop, a companion tracker backed by the paired device list, and the
// hands-free profile connector used by the HFC shard.
//
// Raw sockets are only available on Linux. Elsewhere the dial path returns
// ErrUnsupportedPlatform.
package bluez
