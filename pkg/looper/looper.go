package looper

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrQuit is returned by Call when the loop has stopped.
var ErrQuit = errors.New("looper: quit")

// Message is a unit of work for a Handler.
type Message struct {
	What int
	Obj  any
}

// HandleFunc processes messages on the loop goroutine.
type HandleFunc func(msg Message)

type entry struct {
	target *Handler
	msg    Message
	fn     func()
	when   time.Time
	seq    uint64
}

// Looper runs queued messages and closures on one goroutine.
type Looper struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	queue   []entry
	seq     uint64
	quit    bool
	started bool
	wake    chan struct{}
	done    chan struct{}
}

// Handler delivers messages to one HandleFunc on a Looper. Several
// handlers may share a looper; message codes are scoped to the handler.
type Handler struct {
	looper *Looper
	fn     HandleFunc
}

// New creates a loop. It does not run until Start is called; work queued
// before that is kept.
func New(name string, logger *slog.Logger) *Looper {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Looper{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// NewHandler binds fn to the loop.
func (l *Looper) NewHandler(fn HandleFunc) *Handler {
	return &Handler{looper: l, fn: fn}
}

// Name returns the loop name.
func (l *Looper) Name() string {
	return l.name
}

// Start launches the loop goroutine. Calling it twice is a no-op.
func (l *Looper) Start() {
	l.mu.Lock()
	if l.started || l.quit {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run()
}

// Quit stops the loop and drops pending messages. A message already
// running completes; use Done to wait for the goroutine to exit.
func (l *Looper) Quit() {
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		return
	}
	l.quit = true
	l.queue = nil
	started := l.started
	l.mu.Unlock()

	l.signal()
	if !started {
		close(l.done)
	}
}

// Done is closed when the loop goroutine has exited.
func (l *Looper) Done() <-chan struct{} {
	return l.done
}

// Post queues fn to run on the loop.
func (l *Looper) Post(fn func()) bool {
	return l.enqueue(entry{fn: fn}, 0)
}

// PostDelayed queues fn to run on the loop after d.
func (l *Looper) PostDelayed(fn func(), d time.Duration) bool {
	return l.enqueue(entry{fn: fn}, d)
}

// Looper returns the loop the handler runs on.
func (h *Handler) Looper() *Looper {
	return h.looper
}

// Send queues a message for immediate processing.
func (h *Handler) Send(what int, obj any) bool {
	return h.looper.enqueue(entry{target: h, msg: Message{What: what, Obj: obj}}, 0)
}

// SendDelayed queues a message to run after d.
func (h *Handler) SendDelayed(what int, obj any, d time.Duration) bool {
	return h.looper.enqueue(entry{target: h, msg: Message{What: what, Obj: obj}}, d)
}

// Remove drops every pending message of this handler with the given code.
func (h *Handler) Remove(what int) {
	l := h.looper
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.queue[:0]
	for _, e := range l.queue {
		if e.target == h && e.msg.What == what {
			continue
		}
		kept = append(kept, e)
	}
	l.queue = kept
}

// Has reports whether a message of this handler with the given code is pending.
func (h *Handler) Has(what int) bool {
	l := h.looper
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.queue {
		if e.target == h && e.msg.What == what {
			return true
		}
	}
	return false
}

// Pending returns the number of queued entries.
func (l *Looper) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Call runs fn on the loop and waits for it to return.
// It must not be called from the loop goroutine.
func (l *Looper) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrQuit
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrQuit
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every entry queued before the call has run.
func (l *Looper) Sync(ctx context.Context) error {
	return l.Call(ctx, func() {})
}

// Async runs work on a new goroutine and posts done(result) to the loop.
// If the loop has quit by the time work finishes, done is never called.
func Async[T any](l *Looper, work func() T, done func(T)) {
	go func() {
		result := work()
		l.Post(func() { done(result) })
	}()
}

func (l *Looper) enqueue(e entry, d time.Duration) bool {
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		return false
	}
	if d < 0 {
		d = 0
	}
	l.seq++
	e.seq = l.seq
	e.when = time.Now().Add(d)

	// Keep the queue ordered by (when, seq).
	i := sort.Search(len(l.queue), func(i int) bool {
		q := l.queue[i]
		return q.when.After(e.when)
	})
	l.queue = append(l.queue, entry{})
	copy(l.queue[i+1:], l.queue[i:])
	l.queue[i] = e
	l.mu.Unlock()

	l.signal()
	return true
}

func (l *Looper) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Looper) run() {
	defer close(l.done)
	l.logger.Debug("looper started", "name", l.name)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		e, wait, ok := l.next()
		if !ok {
			l.logger.Debug("looper quit", "name", l.name)
			return
		}
		if wait > 0 {
			timer.Reset(wait)
			select {
			case <-l.wake:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}
		if wait < 0 {
			<-l.wake
			continue
		}
		l.dispatch(e)
	}
}

// next pops the head entry if due. wait > 0 is the time until the head is
// due; wait < 0 means the queue is empty.
func (l *Looper) next() (entry, time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.quit {
		return entry{}, 0, false
	}
	if len(l.queue) == 0 {
		return entry{}, -1, true
	}
	head := l.queue[0]
	if wait := time.Until(head.when); wait > 0 {
		return entry{}, wait, true
	}
	l.queue = l.queue[1:]
	return head, 0, true
}

func (l *Looper) dispatch(e entry) {
	if e.fn != nil {
		e.fn()
		return
	}
	if e.target != nil && e.target.fn != nil {
		e.target.fn(e.msg)
	}
}
