// Package log provides a structured event trace for the proxy subsystem.
//
// It is separate from operational logging (slog). The trace records every
// shard state transition, connect attempt, listener notification, retry,
// radio decision and sysproxy control message as a machine-readable CBOR
// event so that connectivity flapping can be analysed after the fact.
//
// # Basic Usage
//
//	// For development: events to the console via slog
//	cfg.EventLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: append to a binary file
//	cfg.EventLogger, _ = log.NewFileLogger("/var/log/wearlink/proxy.plog")
//
//	// Both
//	cfg.EventLogger = log.NewMultiLogger(adapter, fileLogger)
//
// # Event Types
//
// Each event carries a timestamp, the proxy session it belongs to, the
// layer that produced it and a category. One typed payload is set:
//   - StateChange: client state or start/stop transitions
//   - Connect: socket acquisition and native connect attempts
//   - Notify: listener notifications
//   - Retry: scheduled retries and their delay
//   - Control: sysproxy control messages
//   - Radio: radio power decisions
//   - Error: failures at any layer
//
// # File Format
//
// Log files are concatenated CBOR items, conventionally with a .plog
// extension. The wearproxy-log tool views, filters and summarises them.
package log
