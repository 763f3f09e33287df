// Package connection provides the building blocks of one sysproxy tunnel
// session: the retry schedule, the client state enum and the connection
// handle that drives the native tunnel layer.
//
// # Retry Schedule
//
// Failed connection attempts are retried with a multistage exponential
// backoff:
//
//  1. Flat delay of 2 units for the first 5 attempts
//  2. Doubling afterwards: 4, 8, 16, 32, 64, 128, 256
//  3. Clamped at 300 units
//  4. Reset to 2 on a successful connect or an explicit stop
//
// # Connection Handle
//
// A Handle wraps one attempt to hand an open transport socket to the
// tunnel layer. Two protocol variants exist: v1 carries an explicit wire
// version, v2 negotiates without one. Connect and ContinueConnect block and
// must run off the control loop. Their result is CONNECTED, FAILED or
// TIMEOUT; ordinary connectivity problems are never reported as errors.
//
// Tunnel callbacks (active network state, disconnect) arrive on arbitrary
// goroutines and must be re-posted by the owner before touching state.
package connection
