package mediator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pinger wakes a BLE companion app so it reopens the proxy channel.
type Pinger interface {
	Ping()
	PingIfNeeded()
	SetMinPingInterval(d time.Duration)
}

// PingFunc performs one ping.
type PingFunc func(ctx context.Context) error

// DefaultPingTimeout bounds one ping.
const DefaultPingTimeout = 5 * time.Second

// ThrottledPinger runs PingFunc on a background goroutine. PingIfNeeded
// skips the ping when the last one is younger than the minimum interval;
// Ping always pings. At most one ping runs at a time.
type ThrottledPinger struct {
	ping    PingFunc
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	min      time.Duration
	last     time.Time
	inFlight bool
	sent     int
}

// NewThrottledPinger creates a pinger. A nil logger discards output.
func NewThrottledPinger(ping PingFunc, minInterval time.Duration, logger *slog.Logger) *ThrottledPinger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ThrottledPinger{
		ping:    ping,
		timeout: DefaultPingTimeout,
		logger:  logger.With("component", "pinger"),
		now:     time.Now,
		min:     minInterval,
	}
}

// Ping pings now.
func (p *ThrottledPinger) Ping() {
	p.start(false)
}

// PingIfNeeded pings when the minimum interval has passed.
func (p *ThrottledPinger) PingIfNeeded() {
	p.start(true)
}

// SetMinPingInterval changes the minimum interval.
func (p *ThrottledPinger) SetMinPingInterval(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.min = d
}

// Sent returns the number of pings started.
func (p *ThrottledPinger) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func (p *ThrottledPinger) start(throttle bool) {
	p.mu.Lock()
	now := p.now()
	if p.inFlight || (throttle && !p.last.IsZero() && now.Sub(p.last) < p.min) {
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.last = now
	p.sent++
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.ping(ctx); err != nil {
			p.logger.Debug("companion ping failed", "error", err)
		}
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()
}

// NopPinger never pings.
type NopPinger struct{}

func (NopPinger) Ping()                            {}
func (NopPinger) PingIfNeeded()                    {}
func (NopPinger) SetMinPingInterval(time.Duration) {}

var (
	_ Pinger = (*ThrottledPinger)(nil)
	_ Pinger = NopPinger{}
)
