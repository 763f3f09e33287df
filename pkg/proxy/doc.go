// Package proxy implements the companion proxy shard: the state machine
// that keeps a sysproxy tunnel to the paired phone alive.
//
// # Lifecycle
//
//	IDLE -> CONNECTING -> CONNECTED -> DISCONNECTING -> IDLE
//
// StartNetwork marks the shard started and requests a connection. The
// shard acquires a transport socket from the SocketProvider, hands it to a
// connection.Handle, and tracks the phone's reachability as reported by
// the tunnel. Socket and native connect failures schedule a retry with a
// multistage exponential backoff for as long as the shard remains started.
//
// # Concurrency
//
// All shard state is owned by a single looper.Looper. The exported methods
// are safe for concurrent use: they post to the loop and return. Blocking
// work (socket acquisition, native connect and disconnect) runs on worker
// goroutines whose completions are posted back. Tunnel callbacks are
// re-posted as messages and never touch state directly.
//
// A completion is applied only if it belongs to the current connect
// generation, the shard is still started and the client state is what the
// completion expects; anything else is discarded with a debug log.
//
// # Listener
//
// Listener callbacks run inline on the loop. Duplicate disconnect
// notifications are expected; listeners deduplicate.
package proxy
