// Package mediator decides when the Bluetooth radio should be powered and
// when the proxy and hands-free shards should run.
//
// All inputs (adapter state, companion ACL events, user unlock, power and
// settings changes, proxy listener callbacks) are serialized onto the
// mediator loop. Radio power changes are queued on a separate radio loop
// that flips the adapter and then waits, bounded, for the adapter to
// confirm the new state before handling the next change.
//
// The mediator also owns two histories: proxy connectivity events, with
// duplicate suppression, and radio power decisions.
package mediator
