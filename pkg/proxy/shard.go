package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/log"
	"github.com/wearlink/wearlink-go/pkg/looper"
)

// Control loop message codes.
const (
	msgStartSysproxy = iota + 1
	msgActiveNetworkState
	msgDisconnected
	msgResetConnection
	msgDisconnectTimeout
)

// Reasons reported to the network agent.
const (
	ReasonClosable             = "CLOSABLE"
	ReasonSysproxyWasConnected = "SYSPROXY_WAS_CONNECTED"
	ReasonSysproxyConnected    = "SYSPROXY_CONNECTED"
	ReasonSysproxyNoInternet   = "SYSPROXY_NO_INTERNET"
	ReasonSysproxyDisconnected = "SYSPROXY_DISCONNECTED"
)

// Timing defaults.
const (
	DefaultRetryUnit         = time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultDisconnectTimeout = 10 * time.Second
)

// Config configures a Shard.
type Config struct {
	// Name identifies the shard in logs.
	Name string

	// Provider opens transport sockets. Required.
	Provider SocketProvider

	// Tunnels creates one tunnel per connection handle. Required.
	Tunnels connection.TunnelFactory

	// Companions supplies the device to connect to. Required.
	Companions CompanionTracker

	// Agent is the upstream network session manager. Defaults to a LocalAgent.
	Agent NetworkAgent

	// Loop is the control loop. When nil the shard runs its own.
	Loop *looper.Looper

	// Backoff is the retry schedule. Defaults to 2/5/300.
	Backoff *connection.MultistageBackoff

	// RetryUnit converts backoff units into time.
	RetryUnit time.Duration

	// ConnectTimeout bounds socket acquisition and each native connect call.
	ConnectTimeout time.Duration

	// DisconnectTimeout bounds the wait for the tunnel's disconnect callback.
	DisconnectTimeout time.Duration

	// MonitorInterval throttles OnProxyBleData for iOS configs.
	MonitorInterval time.Duration

	// Logger is used for operational logging.
	Logger *slog.Logger

	// EventLogger receives the proxy event trace (optional).
	EventLogger log.Logger

	// Recorder receives metrics (optional).
	Recorder Recorder
}

// DefaultConfig returns a Config with default timing values.
func DefaultConfig() Config {
	return Config{
		Name:              "proxy",
		RetryUnit:         DefaultRetryUnit,
		ConnectTimeout:    DefaultConnectTimeout,
		DisconnectTimeout: DefaultDisconnectTimeout,
		MonitorInterval:   connection.DefaultMonitorInterval,
	}
}

// Validate checks that the required collaborators are set.
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("%w: socket provider required", ErrInvalidConfig)
	}
	if c.Tunnels == nil {
		return fmt.Errorf("%w: tunnel factory required", ErrInvalidConfig)
	}
	if c.Companions == nil {
		return fmt.Errorf("%w: companion tracker required", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.RetryUnit <= 0 {
		c.RetryUnit = d.RetryUnit
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Agent == nil {
		c.Agent = NewLocalAgent(c.Logger)
	}
	if c.Backoff == nil {
		c.Backoff = connection.NewDefaultBackoff()
	}
	c.EventLogger = log.OrNoop(c.EventLogger)
	if c.Recorder == nil {
		c.Recorder = NopRecorder{}
	}
}

type networkState uint8

const (
	networkDisconnected networkState = iota
	networkNoInternet
	networkWithInternet
)

type activeNetworkState struct {
	gen         uint64
	networkType connection.NetworkType
	metered     bool
}

type disconnectEvent struct {
	gen    uint64
	status int
	reason string
}

type socketResult struct {
	sock connection.Socket
	err  error
	took time.Duration
}

type connectOutcome struct {
	result connection.ConnectResult
	took   time.Duration
}

// Shard manages the sysproxy tunnel to one companion.
type Shard struct {
	cfg     Config
	logger  *slog.Logger
	loop    *looper.Looper
	handler *looper.Handler
	ownLoop bool

	// Loop-owned state.
	clientState     connection.ClientState
	isStarted       bool
	networkType     connection.NetworkType
	isMetered       bool
	serviceConfig   ServiceConfig
	hasConfig       bool
	backoff         *connection.MultistageBackoff
	handle          *connection.Handle
	listener        Listener
	startAttempts   int
	dnsServers      []netip.Addr
	isConnected     bool
	phoneNoInternet bool
	sessionID       string
	companion       string

	// gen identifies the current connect sequence. Completions and tunnel
	// callbacks carry the gen they were issued for.
	gen uint64

	// inFlight counts outstanding connect-path async operations. A new
	// connect sequence only begins when it is zero.
	inFlight        int
	startWhenIdle   bool
	disconnectToken uint64

	// Mirrors readable from any goroutine.
	started atomic.Bool
	state   atomic.Int32
}

// NewShard creates a shard. If cfg.Loop is nil the shard starts its own
// loop, which Close stops.
func NewShard(cfg Config) (*Shard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	s := &Shard{
		cfg:     cfg,
		logger:  cfg.Logger.With("shard", cfg.Name),
		backoff: cfg.Backoff,
	}
	s.loop = cfg.Loop
	if s.loop == nil {
		s.loop = looper.New(cfg.Name, cfg.Logger)
		s.ownLoop = true
	}
	s.handler = s.loop.NewHandler(s.handleMessage)
	if s.ownLoop {
		s.loop.Start()
	}
	s.debugLog("created companion proxy shard")
	return s, nil
}

// Loop returns the control loop the shard runs on.
func (s *Shard) Loop() *looper.Looper {
	return s.loop
}

// StartNetwork starts the proxy network with the given parameters. A cfg
// different from the active one forces a full stop first; an equal cfg is
// a live update of score and DNS servers.
func (s *Shard) StartNetwork(score int, dns []netip.Addr, cfg ServiceConfig, listener Listener) {
	dns = append([]netip.Addr(nil), dns...)
	s.loop.Post(func() { s.startNetwork(score, dns, cfg, listener) })
}

// UpdateScore changes the advertised network score and re-announces the
// current connection state.
func (s *Shard) UpdateScore(score int) {
	s.loop.Post(func() {
		s.cfg.Agent.SetNetworkScore(score)
		s.doNotifyConnectionChange()
	})
}

// UpdateDNS changes the DNS servers handed to the upstream network.
func (s *Shard) UpdateDNS(dns []netip.Addr) {
	dns = append([]netip.Addr(nil), dns...)
	s.loop.Post(func() {
		s.dnsServers = dns
		s.cfg.Agent.SetDNSServers(dns)
	})
}

// Stop shuts the proxy network down until the next StartNetwork. Pending
// retries are removed immediately; teardown runs on the loop.
func (s *Shard) Stop() {
	s.handler.Remove(msgStartSysproxy)
	s.loop.Post(s.stop)
}

// IsStarted reports whether the shard is logically active.
func (s *Shard) IsStarted() bool {
	return s.started.Load()
}

// State returns the current client state.
func (s *Shard) State() connection.ClientState {
	return connection.ClientState(s.state.Load())
}

// Sync waits until everything posted before the call has been processed.
func (s *Shard) Sync(ctx context.Context) error {
	return s.loop.Sync(ctx)
}

// Close stops the shard and, if it owns its loop, stops the loop.
func (s *Shard) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
	defer cancel()

	err := s.loop.Call(ctx, s.stop)
	if s.ownLoop {
		s.loop.Quit()
	}
	if errors.Is(err, looper.ErrQuit) {
		return nil
	}
	return err
}

// Dump writes a human-readable state snapshot.
func (s *Shard) Dump(ctx context.Context, w io.Writer) error {
	return s.loop.Call(ctx, func() {
		fmt.Fprintf(w, "CompanionProxyShard [%s]\n", s.cfg.Name)
		fmt.Fprintf(w, "  isStarted:        %t\n", s.isStarted)
		fmt.Fprintf(w, "  start attempts:   %d\n", s.startAttempts)
		fmt.Fprintf(w, "  start scheduled:  %t\n", s.handler.Has(msgStartSysproxy))
		fmt.Fprintf(w, "  client state:     %s\n", s.clientState)
		fmt.Fprintf(w, "  network type:     %s\n", s.networkType)
		fmt.Fprintf(w, "  isMetered:        %t\n", s.isMetered)
		fmt.Fprintf(w, "  backoff attempts: %d (next %d)\n", s.backoff.Attempts(), s.backoff.Peek())
		if s.handle != nil {
			fmt.Fprintf(w, "  handle:           %s\n", s.handle)
		}
		if s.hasConfig {
			fmt.Fprintf(w, "  config:           %s\n", s.serviceConfig)
		} else {
			fmt.Fprintf(w, "  config:           <none>\n")
		}
		if s.sessionID != "" {
			fmt.Fprintf(w, "  session:          %s\n", s.sessionID)
		}
	})
}

// Loop-confined implementation below.

func (s *Shard) startNetwork(score int, dns []netip.Addr, cfg ServiceConfig, listener Listener) {
	s.debugLog("startNetwork", "score", score, "config", cfg.String())

	if !s.hasConfig || cfg != s.serviceConfig {
		s.stop()
		s.serviceConfig = cfg
		s.hasConfig = true
	}

	if !s.isStarted {
		s.sessionID = log.NewSessionID()
		s.setStarted(true, "startNetwork")
	}

	if s.listener != nil && !sameListener(s.listener, listener) {
		s.logger.Error("replacing existing non-nil listener")
	}
	s.listener = listener

	if dev, ok := s.cfg.Companions.Companion(); ok {
		s.companion = dev.Address
		s.cfg.Agent.SetCompanionName(dev.Name)
	}
	s.dnsServers = dns
	s.cfg.Agent.SetDNSServers(dns)
	s.cfg.Agent.SetNetworkScore(score)

	s.handler.Send(msgStartSysproxy, nil)
}

func (s *Shard) stop() {
	if !s.isStarted {
		s.logger.Warn("already stopped")
		return
	}
	s.backoff.Reset()
	// Notify before clearing isStarted so the listener hears the disconnect.
	s.updateAndNotify(networkDisconnected, ReasonClosable)
	s.setStarted(false, "stop")
	s.disconnectNative()
	s.handler.Remove(msgStartSysproxy)
	s.startWhenIdle = false
	s.listener = nil
	s.debugLog("stopped companion proxy shard")
}

func (s *Shard) handleMessage(msg looper.Message) {
	switch msg.What {
	case msgStartSysproxy:
		s.handleStart()
	case msgActiveNetworkState:
		s.handleActiveNetworkState(msg.Obj.(activeNetworkState))
	case msgDisconnected:
		s.handleDisconnected(msg.Obj.(disconnectEvent))
	case msgResetConnection:
		s.handleReset()
	case msgDisconnectTimeout:
		s.handleDisconnectTimeout(msg.Obj.(uint64))
	}
}

func (s *Shard) handleStart() {
	s.handler.Remove(msgStartSysproxy)
	if !s.isStarted {
		s.debugLog("start sysproxy but shard stopped, bailing")
		return
	}
	if s.clientState == connection.ClientDisconnecting {
		s.debugLog("waiting for sysproxy to disconnect, will retry")
		s.handler.Send(msgResetConnection, nil)
		return
	}

	s.startAttempts++
	switch {
	case s.connectedWithInternet():
		s.debugLog("start sysproxy already running, set connected")
		s.updateAndNotify(networkWithInternet, ReasonSysproxyWasConnected)
	case s.connectedNoInternet():
		s.debugLog("start sysproxy already running but with no internet access")
		s.updateAndNotify(networkNoInternet, ReasonSysproxyNoInternet)
	default:
		s.connectSysproxy()
	}
}

func (s *Shard) handleActiveNetworkState(ev activeNetworkState) {
	if ev.gen != s.gen {
		s.debugLog("dropping network state from stale connection", "gen", ev.gen)
		return
	}
	if s.clientState != connection.ClientConnecting && s.clientState != connection.ClientConnected {
		s.debugLog("dropping network state", "state", s.clientState.String())
		return
	}

	s.networkType = ev.networkType
	s.isMetered = ev.metered
	s.setClientState(connection.ClientConnected, "active network state")
	s.backoff.Reset()

	if !s.isStarted {
		s.debugLog("network state received but shard stopped, bailing")
		return
	}

	switch {
	case s.connectedWithInternet():
		s.updateAndNotify(networkWithInternet, ReasonSysproxyConnected)
		s.cfg.Agent.SetMetered(s.isMetered)
	case s.connectedNoInternet():
		s.updateAndNotify(networkNoInternet, ReasonSysproxyNoInternet)
	}
	s.debugLog("sysproxy network state processed",
		"networkType", s.networkType.String(), "metered", s.isMetered)
}

func (s *Shard) handleDisconnected(ev disconnectEvent) {
	if ev.gen != s.gen {
		s.debugLog("dropping disconnect from stale connection", "gen", ev.gen)
		return
	}
	if s.clientState == connection.ClientIdle {
		s.debugLog("disconnect while idle, ignoring", "status", ev.status)
		return
	}

	prev := s.clientState
	s.handle = nil
	s.networkType = connection.NetworkNone
	s.setClientState(connection.ClientIdle, "tunnel disconnected")
	s.debugLog("tunnel disconnected", "isStarted", s.isStarted, "status", ev.status, "reason", ev.reason)
	s.updateAndNotify(networkDisconnected, ReasonSysproxyDisconnected)

	// A teardown we initiated already has its retry queued.
	if prev != connection.ClientDisconnecting || !s.handler.Has(msgStartSysproxy) {
		s.scheduleRetry()
	}
	s.maybeStartWhenIdle()
}

func (s *Shard) handleReset() {
	s.debugLog("reset companion proxy network connection", "isStarted", s.isStarted)
	s.handler.Remove(msgStartSysproxy)
	s.handler.Remove(msgResetConnection)
	s.disconnectNative()
	s.scheduleRetry()
}

func (s *Shard) handleDisconnectTimeout(token uint64) {
	if token != s.disconnectToken || s.clientState != connection.ClientDisconnecting {
		return
	}
	s.logger.Warn("tunnel did not confirm disconnect, forcing idle",
		"timeout", s.cfg.DisconnectTimeout)
	s.handle = nil
	s.setClientState(connection.ClientIdle, "disconnect timeout")
	s.maybeStartWhenIdle()
}

// connectSysproxy begins a new connect sequence from IDLE.
func (s *Shard) connectSysproxy() {
	if s.clientState != connection.ClientIdle {
		s.debugLog("connect already in progress", "state", s.clientState.String())
		return
	}
	if s.inFlight > 0 {
		s.debugLog("waiting for in-flight operation before connecting", "inFlight", s.inFlight)
		s.startWhenIdle = true
		return
	}
	dev, ok := s.cfg.Companions.Companion()
	if !ok {
		s.logger.Warn("no companion device, cannot connect")
		s.failConnect(ErrNoCompanion)
		return
	}

	s.gen++
	gen := s.gen
	cfg := s.serviceConfig
	s.companion = dev.Address
	s.networkType = connection.NetworkNone
	s.setClientState(connection.ClientConnecting, "connect")
	s.debugLog("retrieving bluetooth network socket", "device", dev.Address, "config", cfg.String())

	onData := s.bleDataNotifier(gen)
	s.inFlight++
	looper.Async(s.loop, func() socketResult {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		begin := time.Now()
		sock, err := s.cfg.Provider.ConnectSocket(ctx, dev, cfg.SocketRequest())
		if err == nil && sock == nil {
			err = ErrServiceUnavailable
		}
		if err == nil && cfg.IsIOS() {
			sock = connection.MonitorTraffic(sock, s.cfg.MonitorInterval, onData)
		}
		return socketResult{sock: sock, err: err, took: time.Since(begin)}
	}, func(r socketResult) {
		s.inFlight--
		s.onSocketResult(gen, cfg, r)
		s.maybeStartWhenIdle()
	})
}

func (s *Shard) onSocketResult(gen uint64, cfg ServiceConfig, r socketResult) {
	stale := gen != s.gen || !s.isStarted || s.clientState != connection.ClientConnecting
	if stale {
		s.debugLog("shard stopped after retrieving bluetooth socket", "gen", gen)
		if r.sock != nil {
			_ = r.sock.Close()
		}
		if gen == s.gen && s.clientState == connection.ClientConnecting {
			s.setClientState(connection.ClientIdle, "stale socket")
		}
		return
	}

	if r.err != nil {
		s.logger.Error("unable to request bluetooth network socket", "error", r.err)
		s.traceConnect(log.ConnectStageSocket, "FAILED", r.took)
		s.failConnect(r.err)
		return
	}

	s.traceConnect(log.ConnectStageSocket, "OK", r.took)
	s.connectNative(gen, cfg, r.sock)
}

// failConnect drops to IDLE, tells the listener and resets.
func (s *Shard) failConnect(err error) {
	s.setClientState(connection.ClientIdle, "connect failed")
	s.traceError("connect", err)
	if s.listener != nil {
		s.listener.OnProxyConnectFailed(s.serviceConfig)
	}
	s.handler.Send(msgResetConnection, nil)
}

func (s *Shard) connectNative(gen uint64, cfg ServiceConfig, sock connection.Socket) {
	if old := s.handle; old != nil {
		s.logger.Warn("connectNative already has an open connection")
		s.handle = nil
		s.disconnectDetached(old)
	}

	cb := &handleCallbacks{shard: s, gen: gen}
	var (
		h   *connection.Handle
		err error
	)
	if cfg.Protocol == connection.ProtocolV2 {
		h, err = connection.NewV2(s.cfg.Tunnels(), cb)
	} else {
		h, err = connection.NewV1(s.cfg.Tunnels(), cfg.Version, cb)
	}
	if err != nil {
		_ = sock.Close()
		s.logger.Error("unable to create connection handle", "error", err)
		s.failConnect(err)
		return
	}
	s.handle = h
	s.debugLog("handing socket to tunnel", "handle", h.String())

	s.runConnect(gen, log.ConnectStageNative, func(ctx context.Context) connection.ConnectResult {
		return h.Connect(ctx, sock)
	})
}

// disconnectDetached tears down a tunnel the shard no longer tracks. Its
// late callbacks are ignored.
func (s *Shard) disconnectDetached(h *connection.Handle) {
	timeout := s.cfg.DisconnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		h.Disconnect(ctx)
	}()
}

func (s *Shard) continueConnect(gen uint64) {
	if !s.isStarted {
		s.debugLog("shard stopped while continuing to connect sysproxy")
		return
	}
	h := s.handle
	if h == nil {
		s.debugLog("no connection to continue sysproxy connect")
		s.onConnectResult(gen, connectOutcome{result: connection.ResultFailed})
		return
	}
	s.debugLog("continue sysproxy connect after timeout")
	s.runConnect(gen, log.ConnectStageContinue, func(ctx context.Context) connection.ConnectResult {
		return h.ContinueConnect(ctx)
	})
}

// runConnect runs one blocking connect step. A FAILED handle is torn down
// on the worker before the result is posted.
func (s *Shard) runConnect(gen uint64, stage log.ConnectStage, step func(context.Context) connection.ConnectResult) {
	h := s.handle
	s.inFlight++
	looper.Async(s.loop, func() connectOutcome {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		begin := time.Now()
		result := step(ctx)
		took := time.Since(begin)
		if result == connection.ResultFailed {
			dctx, dcancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
			h.Disconnect(dctx)
			dcancel()
		}
		return connectOutcome{result: result, took: took}
	}, func(o connectOutcome) {
		s.inFlight--
		s.traceConnect(stage, o.result.String(), o.took)
		if o.result == connection.ResultConnected && s.handle != h {
			s.debugLog("tunnel connected after teardown, disconnecting", "handle", h.String())
			s.disconnectDetached(h)
		}
		s.onConnectResult(gen, o)
		s.maybeStartWhenIdle()
	})
}

func (s *Shard) onConnectResult(gen uint64, o connectOutcome) {
	if gen != s.gen {
		s.debugLog("dropping connect result from stale connection", "gen", gen)
		return
	}
	if !s.isStarted {
		s.debugLog("shard stopped after sending bluetooth socket")
		return
	}
	if s.clientState != connection.ClientConnecting {
		s.debugLog("not in connecting state, cannot continue to connect sysproxy",
			"state", s.clientState.String())
		return
	}

	switch {
	case o.result == connection.ResultConnected && s.handle != nil:
		s.logger.Info("proxy connection established",
			"iface", s.handle.InterfaceName(), "mtu", s.handle.MTU(), "config", s.serviceConfig.String())
		s.setClientState(connection.ClientConnected, "connected")
		s.backoff.Reset()
		s.notifyReachability(ReasonSysproxyConnected)
		return
	case o.result == connection.ResultTimeout:
		s.continueConnect(gen)
		return
	}

	s.logger.Warn("unable to establish sysproxy connection", "result", o.result.String())
	s.handle = nil
	s.failConnect(fmt.Errorf("native connect %s", o.result))
}

// disconnectNative tears down the current tunnel session, if any.
func (s *Shard) disconnectNative() {
	switch s.clientState {
	case connection.ClientIdle:
		s.debugLog("tunnel already disconnected")
		return
	case connection.ClientDisconnecting:
		s.debugLog("disconnect already in progress")
		return
	}
	s.setClientState(connection.ClientDisconnecting, "disconnect")

	h := s.handle
	if h == nil {
		// Nothing to talk to yet; socket acquisition results are discarded.
		s.setClientState(connection.ClientIdle, "no tunnel")
		return
	}

	s.disconnectToken++
	token := s.disconnectToken
	gen := s.gen
	s.handler.SendDelayed(msgDisconnectTimeout, token, s.cfg.DisconnectTimeout)

	looper.Async(s.loop, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DisconnectTimeout)
		defer cancel()
		s.debugLog("disconnect request to tunnel")
		return h.Disconnect(ctx)
	}, func(ok bool) {
		s.debugLog("disconnect result", "ok", ok, "state", s.clientState.String(), "isStarted", s.isStarted)
		if ok || gen != s.gen || s.clientState != connection.ClientDisconnecting {
			// The tunnel confirms through OnDisconnect.
			return
		}
		s.handle = nil
		s.setClientState(connection.ClientIdle, "disconnect returned false")
		s.maybeStartWhenIdle()
	})
}

func (s *Shard) maybeStartWhenIdle() {
	if !s.startWhenIdle || s.inFlight > 0 || s.clientState != connection.ClientIdle {
		return
	}
	s.startWhenIdle = false
	if s.isStarted {
		s.handler.Send(msgStartSysproxy, nil)
	}
}

func (s *Shard) scheduleRetry() {
	if !s.isStarted {
		return
	}
	delay := s.backoff.Next()
	s.handler.Remove(msgStartSysproxy)
	s.handler.SendDelayed(msgStartSysproxy, nil, time.Duration(delay)*s.cfg.RetryUnit)
	s.cfg.Recorder.RetryScheduled(delay)
	s.trace(log.CategoryRetry, func(e *log.Event) {
		e.Retry = &log.RetryEvent{Delay: delay, Attempt: s.backoff.Attempts()}
	})
	s.logger.Warn("attempting reconnect", "in", time.Duration(delay)*s.cfg.RetryUnit)
}

func (s *Shard) notifyReachability(reason string) {
	switch {
	case s.connectedWithInternet():
		s.updateAndNotify(networkWithInternet, reason)
	case s.connectedNoInternet():
		s.updateAndNotify(networkNoInternet, ReasonSysproxyNoInternet)
	}
}

func (s *Shard) updateAndNotify(state networkState, reason string) {
	h := s.handle
	switch {
	case state == networkWithInternet && h != nil:
		gen := s.gen
		s.cfg.Agent.StartNetworkSession(reason, h.InterfaceName(), h.MTU(), func() {
			s.loop.Post(func() {
				if gen != s.gen {
					return
				}
				s.debugLog("network agent unwanted")
				s.handler.Send(msgStartSysproxy, nil)
			})
		})
		s.notifyConnectionChange(true, false)
	case state == networkNoInternet:
		s.cfg.Agent.StopNetworkSession(reason)
		s.notifyConnectionChange(true, true)
	default:
		s.cfg.Agent.StopNetworkSession(reason)
		s.notifyConnectionChange(false, false)
	}
}

func (s *Shard) notifyConnectionChange(isConnected, phoneNoInternet bool) {
	s.isConnected = isConnected
	s.phoneNoInternet = phoneNoInternet
	s.doNotifyConnectionChange()
}

func (s *Shard) doNotifyConnectionChange() {
	if !s.isStarted || s.listener == nil {
		return
	}
	score := s.cfg.Agent.NetworkScore()
	s.cfg.Recorder.ConnectionNotified(s.isConnected, s.phoneNoInternet, score)
	s.trace(log.CategoryNotify, func(e *log.Event) {
		e.Notify = &log.NotifyEvent{Connected: s.isConnected, Score: score, PhoneNoInternet: s.phoneNoInternet}
	})
	s.listener.OnProxyConnectionChange(s.isConnected, score, s.phoneNoInternet)
}

func (s *Shard) connectedWithInternet() bool {
	return s.clientState == connection.ClientConnected && s.networkType != connection.NetworkNone
}

func (s *Shard) connectedNoInternet() bool {
	return s.clientState == connection.ClientConnected && s.networkType == connection.NetworkNone
}

func (s *Shard) setClientState(to connection.ClientState, reason string) {
	from := s.clientState
	if from == to {
		return
	}
	s.clientState = to
	s.state.Store(int32(to))
	s.cfg.Recorder.ClientStateChanged(from, to)
	s.trace(log.CategoryState, func(e *log.Event) {
		e.StateChange = &log.StateChangeEvent{
			Entity:   log.StateEntityClient,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		}
	})
	s.debugLog("client state", "from", from.String(), "to", to.String())
}

func (s *Shard) setStarted(started bool, reason string) {
	s.isStarted = started
	s.started.Store(started)
	s.cfg.Recorder.StartedChanged(started)
	newState, oldState := "STOPPED", "STARTED"
	if started {
		newState, oldState = oldState, newState
	}
	s.trace(log.CategoryState, func(e *log.Event) {
		e.StateChange = &log.StateChangeEvent{
			Entity:   log.StateEntityShard,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		}
	})
}

// bleDataNotifier returns a traffic hook bound to gen. It runs on socket
// goroutines and re-posts onto the loop.
func (s *Shard) bleDataNotifier(gen uint64) func() {
	return func() {
		s.loop.Post(func() {
			if gen == s.gen && s.listener != nil {
				s.listener.OnProxyBleData()
			}
		})
	}
}

func (s *Shard) trace(cat log.Category, fill func(e *log.Event)) {
	e := log.Event{
		Timestamp: time.Now(),
		SessionID: s.sessionID,
		Layer:     log.LayerShard,
		Category:  cat,
		Companion: s.companion,
	}
	fill(&e)
	s.cfg.EventLogger.Log(e)
}

func (s *Shard) traceConnect(stage log.ConnectStage, result string, took time.Duration) {
	s.cfg.Recorder.ConnectStep(stage.String(), result, took)
	s.trace(log.CategoryConnect, func(e *log.Event) {
		e.Connect = &log.ConnectEvent{
			Stage:    stage,
			Attempt:  s.startAttempts,
			Config:   s.serviceConfig.String(),
			Result:   result,
			Duration: took,
		}
	})
}

func (s *Shard) traceError(op string, err error) {
	s.trace(log.CategoryError, func(e *log.Event) {
		e.Error = &log.ErrorEventData{Layer: log.LayerShard, Message: err.Error(), Context: op}
	})
}

func (s *Shard) debugLog(msg string, args ...any) {
	s.logger.Debug(msg, args...)
}

// handleCallbacks forwards tunnel callbacks for one connect generation.
type handleCallbacks struct {
	shard *Shard
	gen   uint64
}

func (c *handleCallbacks) OnActiveNetworkState(networkType connection.NetworkType, metered bool) {
	c.shard.handler.Send(msgActiveNetworkState, activeNetworkState{
		gen:         c.gen,
		networkType: networkType,
		metered:     metered,
	})
}

func (c *handleCallbacks) OnDisconnect(status int, reason string) {
	c.shard.handler.Send(msgDisconnected, disconnectEvent{gen: c.gen, status: status, reason: reason})
}

func sameListener(a, b Listener) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}
