package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/log"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

type nopSocket struct {
	mu     sync.Mutex
	closed bool
}

func (s *nopSocket) Read(p []byte) (int, error)  { return 0, nil }
func (s *nopSocket) Write(p []byte) (int, error) { return len(p), nil }
func (s *nopSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *nopSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
	socks []*nopSocket
}

func (p *fakeProvider) ConnectSocket(ctx context.Context, dev Device, req SocketRequest) (connection.Socket, error) {
	p.mu.Lock()
	p.calls++
	err, block := p.err, p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	sock := &nopSocket{}
	p.mu.Lock()
	p.socks = append(p.socks, sock)
	p.mu.Unlock()
	return sock, nil
}

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

type fakeTunnel struct {
	mu          sync.Mutex
	block       <-chan struct{}
	result      connection.ConnectResult
	contResult  connection.ConnectResult
	cb          connection.Callbacks
	version     int
	v2          bool
	connected   bool
	disconnects int
	continues   int
}

// wait holds a connect until the test releases it.
func (t *fakeTunnel) wait(ctx context.Context) bool {
	if t.block == nil {
		return true
	}
	select {
	case <-t.block:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *fakeTunnel) ConnectV1(ctx context.Context, sock connection.Socket, version int, cb connection.Callbacks) connection.ConnectResult {
	if !t.wait(ctx) {
		return connection.ResultTimeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb, t.version = cb, version
	t.connected = t.result == connection.ResultConnected
	return t.result
}

func (t *fakeTunnel) ConnectV2(ctx context.Context, sock connection.Socket, cb connection.Callbacks) connection.ConnectResult {
	if !t.wait(ctx) {
		return connection.ResultTimeout
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb, t.v2 = cb, true
	t.connected = t.result == connection.ResultConnected
	return t.result
}

func (t *fakeTunnel) ContinueConnect(ctx context.Context) connection.ConnectResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.continues++
	t.connected = t.contResult == connection.ResultConnected
	return t.contResult
}

func (t *fakeTunnel) Disconnect(ctx context.Context) bool {
	t.mu.Lock()
	t.disconnects++
	cb, connected := t.cb, t.connected
	t.connected = false
	t.mu.Unlock()
	if !connected {
		return false
	}
	go cb.OnDisconnect(0, "local disconnect")
	return true
}

func (t *fakeTunnel) InterfaceName() string { return "sysproxy0" }
func (t *fakeTunnel) MTU() int              { return 1400 }

func (t *fakeTunnel) callbacks() connection.Callbacks {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cb
}

func (t *fakeTunnel) isConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTunnel) disconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// tunnels hands out fakeTunnels and remembers them.
type tunnels struct {
	mu         sync.Mutex
	result     connection.ConnectResult
	contResult connection.ConnectResult
	block      chan struct{}
	made       []*fakeTunnel
}

func (f *tunnels) factory() connection.Tunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTunnel{block: f.block, result: f.result, contResult: f.contResult}
	f.made = append(f.made, t)
	return t
}

// hold makes tunnels created from now on block in connect until release.
func (f *tunnels) hold() (release func()) {
	block := make(chan struct{})
	f.mu.Lock()
	f.block = block
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.block = nil
		f.mu.Unlock()
		close(block)
	}
}

func (f *tunnels) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *tunnels) last() *fakeTunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

func (f *tunnels) at(i int) *fakeTunnel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

type staticTracker struct{ dev Device }

func (s staticTracker) Companion() (Device, bool) { return s.dev, s.dev.Address != "" }

type notification struct {
	connected       bool
	score           int
	phoneNoInternet bool
}

type recordingListener struct {
	mu       sync.Mutex
	notes    []notification
	failures []ServiceConfig
	bleData  int
}

func (l *recordingListener) OnProxyConnectionChange(isConnected bool, score int, phoneNoInternet bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = append(l.notes, notification{isConnected, score, phoneNoInternet})
}

func (l *recordingListener) OnProxyBleData() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bleData++
}

func (l *recordingListener) OnProxyConnectFailed(cfg ServiceConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, cfg)
}

func (l *recordingListener) last() (notification, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.notes) == 0 {
		return notification{}, false
	}
	return l.notes[len(l.notes)-1], true
}

func (l *recordingListener) all() []notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]notification(nil), l.notes...)
}

func (l *recordingListener) failureCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.failures)
}

type harness struct {
	shard    *Shard
	provider *fakeProvider
	tunnels  *tunnels
	agent    *LocalAgent
	listener *recordingListener
	events   *log.MemoryLogger
}

func newHarness(t *testing.T, result connection.ConnectResult) *harness {
	t.Helper()
	h := &harness{
		provider: &fakeProvider{},
		tunnels:  &tunnels{result: result, contResult: connection.ResultConnected},
		agent:    NewLocalAgent(nil),
		listener: &recordingListener{},
		events:   log.NewMemoryLogger(256),
	}
	cfg := DefaultConfig()
	cfg.Name = t.Name()
	cfg.Provider = h.provider
	cfg.Tunnels = h.tunnels.factory
	cfg.Companions = staticTracker{dev: Device{Address: "AA:BB:CC:DD:EE:FF", Name: "Pixel"}}
	cfg.Agent = h.agent
	cfg.RetryUnit = time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.DisconnectTimeout = 200 * time.Millisecond
	cfg.EventLogger = h.events

	s, err := NewShard(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	h.shard = s
	return h
}

func (h *harness) start(score int, cfg ServiceConfig) {
	h.shard.StartNetwork(score, []netip.Addr{netip.MustParseAddr("8.8.8.8")}, cfg, h.listener)
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.shard.Sync(ctx))
}

func (h *harness) awaitState(t *testing.T, want connection.ClientState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.shard.State() == want }, waitFor, tick,
		"state %s, want %s", h.shard.State(), want)
}

func (h *harness) awaitNote(t *testing.T, want notification) {
	t.Helper()
	require.Eventually(t, func() bool {
		n, ok := h.listener.last()
		return ok && n == want
	}, waitFor, tick)
}

// awaitSeen waits for want anywhere in the notification history.
func (h *harness) awaitSeen(t *testing.T, want notification) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, n := range h.listener.all() {
			if n == want {
				return true
			}
		}
		return false
	}, waitFor, tick, "never notified %+v", want)
}

func TestNewShardValidates(t *testing.T) {
	_, err := NewShard(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewShard(Config{Provider: &fakeProvider{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewShard(Config{Provider: &fakeProvider{}, Tunnels: (&tunnels{}).factory})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestShardConnect(t *testing.T) {
	t.Run("NoInternetUntilNetworkState", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		h.start(55, AndroidV1(AndroidSysproxyVersion))

		h.awaitState(t, connection.ClientConnected)
		h.awaitNote(t, notification{connected: true, score: 55, phoneNoInternet: true})
		assert.False(t, h.agent.Session().Active)

		h.tunnels.last().callbacks().OnActiveNetworkState(connection.NetworkWifi, true)
		h.awaitNote(t, notification{connected: true, score: 55, phoneNoInternet: false})
		h.sync(t)

		session := h.agent.Session()
		assert.True(t, session.Active)
		assert.Equal(t, ReasonSysproxyConnected, session.Reason)
		assert.Equal(t, "sysproxy0", session.Interface)
		assert.Equal(t, 1400, session.MTU)
		assert.True(t, h.agent.Metered())
		assert.Equal(t, []netip.Addr{netip.MustParseAddr("8.8.8.8")}, h.agent.DNSServers())
		assert.Equal(t, 1, h.tunnels.last().version)
	})

	t.Run("CellularLosesInternet", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		h.start(45, AndroidV1(AndroidSysproxyVersion))
		h.awaitState(t, connection.ClientConnected)

		cb := h.tunnels.last().callbacks()
		cb.OnActiveNetworkState(connection.NetworkCellular, false)
		h.awaitNote(t, notification{connected: true, score: 45, phoneNoInternet: false})

		cb.OnActiveNetworkState(connection.NetworkNone, false)
		h.awaitNote(t, notification{connected: true, score: 45, phoneNoInternet: true})
		h.sync(t)
		assert.False(t, h.agent.Session().Active)
	})

	t.Run("V2UsesProtocolTwo", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		h.start(55, AndroidV2())
		h.awaitState(t, connection.ClientConnected)
		assert.True(t, h.tunnels.last().v2)
	})

	t.Run("TimeoutContinues", func(t *testing.T) {
		h := newHarness(t, connection.ResultTimeout)
		h.start(55, AndroidV1(AndroidSysproxyVersion))
		h.awaitState(t, connection.ClientConnected)

		tun := h.tunnels.last()
		tun.mu.Lock()
		continues := tun.continues
		tun.mu.Unlock()
		assert.Equal(t, 1, continues)
		assert.Equal(t, 1, h.tunnels.count())
	})

	t.Run("RepeatedStartReannounces", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		cfg := AndroidV1(AndroidSysproxyVersion)
		h.start(55, cfg)
		h.awaitState(t, connection.ClientConnected)
		h.tunnels.last().callbacks().OnActiveNetworkState(connection.NetworkWifi, false)
		h.awaitNote(t, notification{connected: true, score: 55})

		h.start(70, cfg)
		h.awaitNote(t, notification{connected: true, score: 70})
		h.sync(t)
		assert.Equal(t, 1, h.tunnels.count())
		assert.Equal(t, ReasonSysproxyWasConnected, h.agent.Session().Reason)
	})
}

func TestShardRetry(t *testing.T) {
	t.Run("SocketFailureRetries", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		h.provider.setErr(ErrServiceUnavailable)
		h.start(55, AndroidV1(AndroidSysproxyVersion))

		require.Eventually(t, func() bool { return h.provider.Calls() >= 3 }, waitFor, tick)
		assert.GreaterOrEqual(t, h.listener.failureCount(), 2)
		assert.Equal(t, 0, h.tunnels.count())

		h.provider.setErr(nil)
		h.awaitState(t, connection.ClientConnected)
	})

	t.Run("NativeFailureRetries", func(t *testing.T) {
		h := newHarness(t, connection.ResultFailed)
		h.start(55, AndroidV1(AndroidSysproxyVersion))

		require.Eventually(t, func() bool { return h.tunnels.count() >= 2 }, waitFor, tick)
		assert.GreaterOrEqual(t, h.tunnels.at(0).disconnectCount(), 1)
		assert.GreaterOrEqual(t, h.listener.failureCount(), 1)
	})

	t.Run("NoRetryAfterStop", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		h.provider.setErr(errors.New("refused"))
		h.start(55, AndroidV1(AndroidSysproxyVersion))
		require.Eventually(t, func() bool { return h.provider.Calls() >= 1 }, waitFor, tick)

		h.shard.Stop()
		h.sync(t)
		calls := h.provider.Calls()
		time.Sleep(50 * time.Millisecond)
		h.sync(t)
		assert.LessOrEqual(t, h.provider.Calls(), calls+1)
		assert.False(t, h.shard.IsStarted())
		assert.False(t, h.shard.handler.Has(msgStartSysproxy))
	})

	t.Run("RemoteDisconnectReconnects", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		h.start(55, AndroidV1(AndroidSysproxyVersion))
		h.awaitState(t, connection.ClientConnected)
		h.tunnels.last().callbacks().OnActiveNetworkState(connection.NetworkWifi, false)
		h.awaitNote(t, notification{connected: true, score: 55})

		h.tunnels.last().callbacks().OnDisconnect(1, "phone went away")
		h.awaitSeen(t, notification{connected: false, score: 55})
		require.Eventually(t, func() bool { return h.tunnels.count() == 2 }, waitFor, tick)
		h.awaitState(t, connection.ClientConnected)

		var retries int
		for _, e := range h.events.Filter(log.Filter{Category: ptr(log.CategoryRetry)}) {
			if e.Retry != nil {
				retries++
			}
		}
		assert.GreaterOrEqual(t, retries, 1)
	})
}

func TestShardStop(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		h.start(55, AndroidV1(AndroidSysproxyVersion))
		h.awaitState(t, connection.ClientConnected)
		h.tunnels.last().callbacks().OnActiveNetworkState(connection.NetworkWifi, false)
		h.awaitNote(t, notification{connected: true, score: 55})

		before := len(h.listener.all())
		h.shard.Stop()
		h.shard.Stop()
		h.awaitState(t, connection.ClientIdle)
		h.sync(t)

		notes := h.listener.all()
		require.Len(t, notes, before+1)
		assert.False(t, notes[len(notes)-1].connected)
		assert.Equal(t, 1, h.tunnels.last().disconnectCount())
		assert.False(t, h.shard.IsStarted())
		assert.Equal(t, ReasonClosable, h.agent.Session().Reason)
	})

	t.Run("WhileSocketPending", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		block := make(chan struct{})
		h.provider.mu.Lock()
		h.provider.block = block
		h.provider.mu.Unlock()

		h.start(55, AndroidV1(AndroidSysproxyVersion))
		require.Eventually(t, func() bool { return h.provider.Calls() == 1 }, waitFor, tick)
		h.shard.Stop()
		h.awaitState(t, connection.ClientIdle)
		close(block)

		require.Eventually(t, func() bool {
			h.provider.mu.Lock()
			socks := append([]*nopSocket(nil), h.provider.socks...)
			h.provider.mu.Unlock()
			return len(socks) == 1 && socks[0].isClosed()
		}, waitFor, tick)
		h.sync(t)
		assert.Equal(t, 0, h.tunnels.count())
		assert.Equal(t, connection.ClientIdle, h.shard.State())
	})

	t.Run("WhileNativeConnectPending", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		release := h.tunnels.hold()
		cfg := AndroidV1(AndroidSysproxyVersion)

		h.start(55, cfg)
		require.Eventually(t, func() bool { return h.tunnels.count() == 1 }, waitFor, tick)
		h.shard.Stop()
		h.awaitState(t, connection.ClientIdle)

		h.start(55, cfg)
		h.sync(t)
		assert.Equal(t, 1, h.tunnels.count())
		assert.Equal(t, connection.ClientIdle, h.shard.State())
		for _, n := range h.listener.all() {
			assert.False(t, n.connected)
		}

		release()
		require.Eventually(t, func() bool { return h.tunnels.count() == 2 }, waitFor, tick)
		h.awaitState(t, connection.ClientConnected)

		first := h.tunnels.at(0)
		require.Eventually(t, func() bool { return first.disconnectCount() == 2 }, waitFor, tick)
		assert.False(t, first.isConnected())
		assert.True(t, h.tunnels.last().isConnected())
		assert.True(t, h.shard.IsStarted())
	})

	t.Run("RestartAfterStop", func(t *testing.T) {
		h := newHarness(t, connection.ResultConnected)
		cfg := AndroidV1(AndroidSysproxyVersion)
		h.start(55, cfg)
		h.awaitState(t, connection.ClientConnected)
		h.shard.Stop()
		h.awaitState(t, connection.ClientIdle)

		h.start(55, cfg)
		h.awaitState(t, connection.ClientConnected)
		assert.True(t, h.shard.IsStarted())
		assert.Equal(t, 2, h.tunnels.count())
	})
}

func TestShardConfigChangeRestarts(t *testing.T) {
	h := newHarness(t, connection.ResultConnected)
	h.start(55, AndroidV1(AndroidSysproxyVersion))
	h.awaitState(t, connection.ClientConnected)
	first := h.tunnels.last()

	h.start(55, AndroidV2())
	require.Eventually(t, func() bool { return h.tunnels.count() == 2 }, waitFor, tick)
	h.awaitState(t, connection.ClientConnected)

	assert.Equal(t, 1, first.disconnectCount())
	assert.True(t, h.tunnels.last().v2)
	assert.True(t, h.shard.IsStarted())

	var sawDisconnect bool
	for _, n := range h.listener.all() {
		if !n.connected {
			sawDisconnect = true
		}
	}
	assert.True(t, sawDisconnect)
}

func TestShardDropsStaleCallbacks(t *testing.T) {
	h := newHarness(t, connection.ResultConnected)
	h.start(55, AndroidV1(AndroidSysproxyVersion))
	h.awaitState(t, connection.ClientConnected)
	stale := h.tunnels.last().callbacks()

	h.start(55, AndroidV2())
	require.Eventually(t, func() bool { return h.tunnels.count() == 2 }, waitFor, tick)
	h.awaitState(t, connection.ClientConnected)
	h.sync(t)
	before := len(h.listener.all())

	stale.OnActiveNetworkState(connection.NetworkWifi, false)
	stale.OnDisconnect(0, "late")
	h.sync(t)

	assert.Len(t, h.listener.all(), before)
	assert.Equal(t, connection.ClientConnected, h.shard.State())
	assert.Equal(t, 2, h.tunnels.count())
}

func TestShardUpdateScore(t *testing.T) {
	h := newHarness(t, connection.ResultConnected)
	h.start(55, AndroidV1(AndroidSysproxyVersion))
	h.awaitState(t, connection.ClientConnected)
	h.tunnels.last().callbacks().OnActiveNetworkState(connection.NetworkWifi, false)
	h.awaitNote(t, notification{connected: true, score: 55})

	h.shard.UpdateScore(70)
	h.awaitNote(t, notification{connected: true, score: 70})

	h.shard.UpdateDNS([]netip.Addr{netip.MustParseAddr("1.1.1.1")})
	h.sync(t)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("1.1.1.1")}, h.agent.DNSServers())
}

func TestShardUnwantedRestarts(t *testing.T) {
	h := newHarness(t, connection.ResultConnected)
	h.start(55, AndroidV1(AndroidSysproxyVersion))
	h.awaitState(t, connection.ClientConnected)
	h.tunnels.last().callbacks().OnActiveNetworkState(connection.NetworkWifi, false)
	h.awaitNote(t, notification{connected: true, score: 55})
	h.sync(t)

	require.True(t, h.agent.Unwant())
	require.Eventually(t, func() bool {
		return h.agent.Session().Reason == ReasonSysproxyWasConnected
	}, waitFor, tick)
}

func TestShardIOSMonitorsTraffic(t *testing.T) {
	h := newHarness(t, connection.ResultConnected)
	h.start(45, IOSV1(0x0081, 3))
	h.awaitState(t, connection.ClientConnected)
	h.sync(t)
	assert.Equal(t, IOSSysproxyVersion, h.tunnels.last().version)
}

func TestShardDump(t *testing.T) {
	h := newHarness(t, connection.ResultConnected)
	h.start(55, AndroidV1(AndroidSysproxyVersion))
	h.awaitState(t, connection.ClientConnected)

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.shard.Dump(ctx, &buf))

	out := buf.String()
	assert.Contains(t, out, "isStarted:        true")
	assert.Contains(t, out, "client state:     CONNECTED")
	assert.Contains(t, out, "handle(v1, version=1)")
}

func TestShardTracesStateChanges(t *testing.T) {
	h := newHarness(t, connection.ResultConnected)
	h.start(55, AndroidV1(AndroidSysproxyVersion))
	h.awaitState(t, connection.ClientConnected)
	h.sync(t)

	var states []string
	for _, e := range h.events.Filter(log.Filter{Category: ptr(log.CategoryState)}) {
		if e.StateChange != nil && e.StateChange.Entity == log.StateEntityClient {
			states = append(states, e.StateChange.NewState)
		}
	}
	assert.Equal(t, []string{"CONNECTING", "CONNECTED"}, states)

	sessions := map[string]bool{}
	for _, e := range h.events.Events() {
		sessions[e.SessionID] = true
	}
	assert.Len(t, sessions, 1)
}

func ptr[T any](v T) *T { return &v }
