// Package sysproxy implements the sysproxy control protocol that runs over
// the Bluetooth socket handed to the tunnel.
//
// Every message is a CBOR envelope carried in a length-prefixed frame
// (4-byte big-endian length, 64 KiB maximum). A session is:
//
//	watch                          phone
//	  | ---- HELLO{protocol,version} -->|
//	  |<--- WELCOME{iface,mtu} ---------|
//	  |<--- NETWORK_STATE{type,metered} |  (again on every change)
//	  | ---- PING{seq} ---------------->|
//	  |<--- PONG{seq} ------------------|
//	  | ---- GOODBYE{status,reason} --->|  (either side)
//
// The phone answers an unsupported HELLO with REJECT. Client is the watch
// side and implements connection.Tunnel; Server is the phone side used by
// the companion simulator.
package sysproxy
