package sysproxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/log"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name is sent in HELLO.
	Name string

	KeepAlive KeepAliveConfig

	Logger *slog.Logger

	// EventLogger receives control message traces (optional).
	EventLogger log.Logger
}

// Client is the watch side of a sysproxy session. It implements
// connection.Tunnel; one Client serves one connection handle.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu    sync.Mutex
	sess  *session
	iface string
	mtu   int
}

type session struct {
	conn *Conn
	cb   connection.Callbacks
	ka   *keepAlive

	welcome chan struct{}
	failed  chan struct{}
	done    chan struct{}

	established atomic.Bool

	mu     sync.Mutex
	status int
	reason string
	closed bool
}

// NewClient creates a client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.KeepAlive.PingInterval == 0 {
		cfg.KeepAlive = DefaultKeepAliveConfig()
	}
	return &Client{cfg: cfg, logger: cfg.Logger}
}

// Factory returns a connection.TunnelFactory creating clients from cfg.
func Factory(cfg ClientConfig) connection.TunnelFactory {
	return func() connection.Tunnel { return NewClient(cfg) }
}

// ConnectV1 implements connection.Tunnel.
func (c *Client) ConnectV1(ctx context.Context, sock connection.Socket, version int, cb connection.Callbacks) connection.ConnectResult {
	return c.connect(ctx, sock, Hello{Protocol: uint8(connection.ProtocolV1), Version: version, Client: c.cfg.Name}, cb)
}

// ConnectV2 implements connection.Tunnel.
func (c *Client) ConnectV2(ctx context.Context, sock connection.Socket, cb connection.Callbacks) connection.ConnectResult {
	return c.connect(ctx, sock, Hello{Protocol: uint8(connection.ProtocolV2), Client: c.cfg.Name}, cb)
}

// ContinueConnect waits again for a handshake that timed out.
func (c *Client) ContinueConnect(ctx context.Context) connection.ConnectResult {
	s := c.current()
	if s == nil {
		return connection.ResultFailed
	}
	if s.established.Load() {
		return connection.ResultConnected
	}
	return c.await(ctx, s)
}

// Disconnect ends the session. It returns true when an established
// session was torn down; OnDisconnect follows.
func (c *Client) Disconnect(ctx context.Context) bool {
	s := c.current()
	if s == nil {
		return false
	}
	established := s.established.Load()
	if established {
		sent := make(chan struct{})
		go func() {
			defer close(sent)
			_ = s.conn.Send(Envelope{Type: MsgGoodbye, Goodbye: &Goodbye{Status: StatusNormal, Reason: "disconnect"}})
		}()
		select {
		case <-sent:
		case <-ctx.Done():
		}
	}
	s.closeWith(StatusNormal, "local disconnect")

	select {
	case <-s.done:
	case <-ctx.Done():
	}
	c.drop(s)
	return established
}

// InterfaceName implements connection.Tunnel.
func (c *Client) InterfaceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.iface
}

// MTU implements connection.Tunnel.
func (c *Client) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *Client) connect(ctx context.Context, sock connection.Socket, hello Hello, cb connection.Callbacks) connection.ConnectResult {
	if sock == nil || cb == nil {
		return connection.ResultFailed
	}

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		c.logger.Warn("sysproxy session already open")
		return connection.ResultFailed
	}
	s := &session{
		conn:    NewConn(sock, c.cfg.EventLogger, ""),
		cb:      cb,
		welcome: make(chan struct{}),
		failed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.sess = s
	c.mu.Unlock()

	if err := s.conn.Send(Envelope{Type: MsgHello, Hello: &hello}); err != nil {
		c.logger.Warn("sysproxy hello failed", "error", err)
		_ = s.conn.Close()
		c.drop(s)
		return connection.ResultFailed
	}
	c.logger.Debug("sysproxy hello sent", "protocol", hello.Protocol, "version", hello.Version)

	go c.readLoop(s)
	return c.await(ctx, s)
}

func (c *Client) await(ctx context.Context, s *session) connection.ConnectResult {
	select {
	case <-s.welcome:
		return connection.ResultConnected
	case <-s.failed:
		c.drop(s)
		return connection.ResultFailed
	case <-ctx.Done():
		return connection.ResultTimeout
	}
}

func (c *Client) readLoop(s *session) {
	defer close(s.done)

	for {
		env, err := s.conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.setStatus(StatusRemoteClosed, "connection closed")
			} else {
				s.setStatus(StatusIOError, err.Error())
			}
			break
		}
		if !c.dispatch(s, env) {
			break
		}
	}

	_ = s.conn.Close()
	if s.ka != nil {
		s.ka.stop()
	}
	c.drop(s)

	status, reason := s.result()
	if s.established.Load() {
		c.logger.Info("sysproxy session ended", "status", status, "reason", reason)
		s.cb.OnDisconnect(status, reason)
		return
	}
	c.logger.Debug("sysproxy handshake failed", "status", status, "reason", reason)
	close(s.failed)
}

// dispatch handles one envelope and reports whether to keep reading.
func (c *Client) dispatch(s *session, env Envelope) bool {
	switch env.Type {
	case MsgWelcome:
		if s.established.Load() {
			return true
		}
		c.mu.Lock()
		c.iface, c.mtu = env.Welcome.Interface, env.Welcome.MTU
		c.mu.Unlock()
		s.ka = newKeepAlive(c.cfg.KeepAlive, func(seq uint32) error {
			return s.conn.Send(Envelope{Type: MsgPing, Seq: seq})
		}, func() {
			c.logger.Warn("sysproxy keepalive timeout")
			s.closeWith(StatusKeepaliveTimeout, "keepalive timeout")
		})
		s.established.Store(true)
		s.ka.start()
		close(s.welcome)
	case MsgReject:
		s.setStatus(StatusProtocolError, env.Reject.Reason)
		return false
	case MsgNetworkState:
		if !s.established.Load() {
			s.setStatus(StatusProtocolError, "network state before welcome")
			return false
		}
		s.cb.OnActiveNetworkState(connection.NetworkType(env.NetworkState.Type), env.NetworkState.Metered)
	case MsgPong:
		if s.ka != nil {
			s.ka.pongReceived(env.Seq)
		}
	case MsgGoodbye:
		s.setStatus(env.Goodbye.Status, env.Goodbye.Reason)
		return false
	default:
		c.logger.Debug("ignoring sysproxy message", "type", env.Type.String())
	}
	return true
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) drop(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == s {
		c.sess = nil
	}
}

// closeWith records status and closes the socket, ending the read loop.
func (s *session) closeWith(status int, reason string) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.status, s.reason = status, reason
	}
	s.mu.Unlock()
	_ = s.conn.Close()
}

// setStatus records the first end-of-session cause.
func (s *session) setStatus(status int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.status, s.reason = status, reason
	}
}

func (s *session) result() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.reason
}

var _ connection.Tunnel = (*Client)(nil)
