// Package lan carries sysproxy sessions over TCP on the local network.
//
// It replaces the Bluetooth transport during development: the companion
// simulator registers a _wearlink-proxy._tcp service over mDNS with the
// Bluetooth address it stands in for, and the Provider browses for that
// service and dials it when the proxy shard asks for a socket.
//
// TXT records:
//
//	addr=<bluetooth address>  required
//	name=<companion name>
//	os=android|ios
package lan
