package sysproxy

import (
	"sync"
	"sync/atomic"
	"time"
)

// Keep-alive defaults.
const (
	DefaultPingInterval   = 15 * time.Second
	DefaultMaxMissedPongs = 3
)

// KeepAliveConfig configures client pings.
type KeepAliveConfig struct {
	// PingInterval is the interval between pings. Negative disables pings.
	PingInterval time.Duration

	// MaxMissedPongs is the number of unanswered pings before the session
	// is considered dead.
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// DetectionDelay is the longest time a dead peer goes unnoticed.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	return c.PingInterval * time.Duration(c.MaxMissedPongs+1)
}

// keepAlive sends pings on a ticker and fires onTimeout once after
// MaxMissedPongs ticks without a matching pong.
type keepAlive struct {
	cfg       KeepAliveConfig
	sendPing  func(seq uint32) error
	onTimeout func()

	seq     atomic.Uint32
	pending atomic.Uint32
	missed  int

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newKeepAlive(cfg KeepAliveConfig, sendPing func(uint32) error, onTimeout func()) *keepAlive {
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return &keepAlive{
		cfg:       cfg,
		sendPing:  sendPing,
		onTimeout: onTimeout,
		stopCh:    make(chan struct{}),
	}
}

func (ka *keepAlive) start() {
	if ka.cfg.PingInterval <= 0 {
		return
	}
	go ka.loop()
}

func (ka *keepAlive) stop() {
	ka.stopOnce.Do(func() { close(ka.stopCh) })
}

// pongReceived clears the outstanding ping if seq matches it.
func (ka *keepAlive) pongReceived(seq uint32) {
	ka.pending.CompareAndSwap(seq, 0)
}

func (ka *keepAlive) loop() {
	ticker := time.NewTicker(ka.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ka.stopCh:
			return
		case <-ticker.C:
		}

		if ka.pending.Load() != 0 {
			ka.missed++
			if ka.missed >= ka.cfg.MaxMissedPongs {
				ka.onTimeout()
				return
			}
		} else {
			ka.missed = 0
		}

		seq := ka.seq.Add(1)
		ka.pending.Store(seq)
		// A failed send counts as a miss on the next tick.
		_ = ka.sendPing(seq)
	}
}
