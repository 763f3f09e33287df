package sysproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/wearlink/wearlink-go/pkg/connection"
	"github.com/wearlink/wearlink-go/pkg/log"
)

// Server defaults.
const (
	DefaultInterfaceName = "sysproxy0"
	DefaultMTU           = 1400
	DefaultMaxVersion    = 2
)

// ErrUnsupported is returned by Serve when a HELLO is rejected.
var ErrUnsupported = errors.New("unsupported sysproxy protocol")

// ServerConfig configures the phone side.
type ServerConfig struct {
	InterfaceName string
	MTU           int

	// NetworkType and Metered are the initial upstream network.
	NetworkType connection.NetworkType
	Metered     bool

	// Protocols lists the accepted protocols. Defaults to both.
	Protocols []connection.Protocol

	// MaxVersion is the highest accepted v1 wire version.
	MaxVersion int

	// DropAfter closes each session with GOODBYE after the duration.
	DropAfter time.Duration

	Logger      *slog.Logger
	EventLogger log.Logger
}

// Server serves sysproxy sessions.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	netType  connection.NetworkType
	metered  bool
	sessions map[*Conn]struct{}
	served   int
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.InterfaceName == "" {
		cfg.InterfaceName = DefaultInterfaceName
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = []connection.Protocol{connection.ProtocolV1, connection.ProtocolV2}
	}
	if cfg.MaxVersion <= 0 {
		cfg.MaxVersion = DefaultMaxVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		netType:  cfg.NetworkType,
		metered:  cfg.Metered,
		sessions: make(map[*Conn]struct{}),
	}
}

// Serve runs one session on sock until the peer leaves, ctx is done or
// DropAfter elapses. A peer that closes the socket is not an error.
func (s *Server) Serve(ctx context.Context, sock io.ReadWriteCloser) error {
	conn := NewConn(sock, s.cfg.EventLogger, "")
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { s.goodbye(conn, StatusNormal, "server shutdown") })
	defer stop()

	env, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if env.Type != MsgHello {
		s.goodbye(conn, StatusProtocolError, "expected hello")
		return fmt.Errorf("%w: got %s before hello", ErrInvalidMessage, env.Type)
	}
	if reason := s.check(*env.Hello); reason != "" {
		s.logger.Warn("rejecting sysproxy client", "reason", reason, "client", env.Hello.Client)
		_ = conn.Send(Envelope{Type: MsgReject, Reject: &Reject{Reason: reason}})
		return fmt.Errorf("%w: %s", ErrUnsupported, reason)
	}

	if err := conn.Send(Envelope{Type: MsgWelcome, Welcome: &Welcome{
		Interface: s.cfg.InterfaceName,
		MTU:       s.cfg.MTU,
	}}); err != nil {
		return err
	}

	s.mu.Lock()
	state := NetworkState{Type: uint8(s.netType), Metered: s.metered}
	s.sessions[conn] = struct{}{}
	s.served++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, conn)
		s.mu.Unlock()
	}()

	if err := conn.Send(Envelope{Type: MsgNetworkState, NetworkState: &state}); err != nil {
		return err
	}
	s.logger.Info("sysproxy session established",
		"client", env.Hello.Client, "protocol", env.Hello.Protocol, "version", env.Hello.Version)

	if s.cfg.DropAfter > 0 {
		t := time.AfterFunc(s.cfg.DropAfter, func() {
			s.logger.Info("dropping sysproxy session", "after", s.cfg.DropAfter)
			s.goodbye(conn, StatusRemoteClosed, "dropped by companion")
		})
		defer t.Stop()
	}

	for {
		env, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		switch env.Type {
		case MsgPing:
			if err := conn.Send(Envelope{Type: MsgPong, Seq: env.Seq}); err != nil {
				return err
			}
		case MsgGoodbye:
			s.logger.Info("sysproxy client left", "status", env.Goodbye.Status, "reason", env.Goodbye.Reason)
			return nil
		}
	}
}

// ServeListener accepts connections until ctx is done and serves each on
// its own goroutine.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Serve(ctx, c); err != nil {
				s.logger.Warn("sysproxy session error", "remote", c.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// SetNetworkState changes the upstream network and pushes it to every
// established session.
func (s *Server) SetNetworkState(t connection.NetworkType, metered bool) {
	s.mu.Lock()
	s.netType, s.metered = t, metered
	conns := make([]*Conn, 0, len(s.sessions))
	for c := range s.sessions {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	state := NetworkState{Type: uint8(t), Metered: metered}
	for _, c := range conns {
		if err := c.Send(Envelope{Type: MsgNetworkState, NetworkState: &state}); err != nil {
			s.logger.Debug("network state push failed", "error", err)
		}
	}
}

// Sessions returns the number of established sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Served returns the number of sessions established since creation.
func (s *Server) Served() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

func (s *Server) check(h Hello) string {
	p := connection.Protocol(h.Protocol)
	if !slices.Contains(s.cfg.Protocols, p) {
		return fmt.Sprintf("protocol %s not supported", p)
	}
	if p == connection.ProtocolV1 && (h.Version <= 0 || h.Version > s.cfg.MaxVersion) {
		return fmt.Sprintf("version %d not supported", h.Version)
	}
	return ""
}

func (s *Server) goodbye(conn *Conn, status int, reason string) {
	// The send gets one second; the socket is closed either way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Send(Envelope{Type: MsgGoodbye, Goodbye: &Goodbye{Status: status, Reason: reason}})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	_ = conn.Close()
}
