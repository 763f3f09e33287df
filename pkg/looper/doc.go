// Package looper provides a single-consumer message loop.
//
// All state owned by a loop is mutated only from its goroutine. Other
// goroutines communicate with it by sending messages to a Handler,
// optionally delayed, or by posting closures. Entries run in due-time
// order; entries due at the same time run in the order they were queued.
// Several handlers may share one loop, each with its own message codes.
//
// Blocking work never runs on the loop. Async runs it on a worker
// goroutine and posts the completion back:
//
//	looper.Async(l, func() Result { return conn.Connect(ctx, sock) },
//	    func(r Result) { s.onConnectResult(r) })
package looper
