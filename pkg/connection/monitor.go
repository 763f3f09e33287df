package connection

import (
	"sync"
	"time"
)

// DefaultMonitorInterval throttles traffic notifications.
const DefaultMonitorInterval = 5 * time.Second

// monitoredSocket reports traffic in either direction, at most once per interval.
type monitoredSocket struct {
	Socket

	interval time.Duration
	onData   func()

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// MonitorTraffic wraps sock so that onData is called when bytes move,
// no more often than interval. onData runs on the reading or writing
// goroutine and must not block.
func MonitorTraffic(sock Socket, interval time.Duration, onData func()) Socket {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &monitoredSocket{
		Socket:   sock,
		interval: interval,
		onData:   onData,
		now:      time.Now,
	}
}

func (m *monitoredSocket) Read(p []byte) (int, error) {
	n, err := m.Socket.Read(p)
	if n > 0 {
		m.touch()
	}
	return n, err
}

func (m *monitoredSocket) Write(p []byte) (int, error) {
	n, err := m.Socket.Write(p)
	if n > 0 {
		m.touch()
	}
	return n, err
}

func (m *monitoredSocket) touch() {
	now := m.now()
	m.mu.Lock()
	if !m.last.IsZero() && now.Sub(m.last) < m.interval {
		m.mu.Unlock()
		return
	}
	m.last = now
	m.mu.Unlock()

	if m.onData != nil {
		m.onData()
	}
}
