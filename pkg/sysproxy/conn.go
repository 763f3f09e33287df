package sysproxy

import (
	"io"
	"sync"
	"time"

	"github.com/wearlink/wearlink-go/pkg/log"
)

// Conn sends and receives envelopes on a socket.
type Conn struct {
	sock   io.ReadWriteCloser
	reader *FrameReader
	writer *FrameWriter

	events    log.Logger
	sessionID string
	layer     log.Layer

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps sock. Control messages are traced to events (may be nil)
// under sessionID.
func NewConn(sock io.ReadWriteCloser, events log.Logger, sessionID string) *Conn {
	return &Conn{
		sock:      sock,
		reader:    NewFrameReader(sock),
		writer:    NewFrameWriter(sock),
		events:    log.OrNoop(events),
		sessionID: sessionID,
		layer:     log.LayerTunnel,
	}
}

// Send encodes and writes env. Safe for concurrent use.
func (c *Conn) Send(env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := c.writer.WriteFrame(data); err != nil {
		return err
	}
	c.trace(log.DirectionOut, env.Type, len(data))
	return nil
}

// Recv reads the next envelope. Only one goroutine may call Recv.
func (c *Conn) Recv() (Envelope, error) {
	data, err := c.reader.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	env, err := Decode(data)
	if err != nil {
		return Envelope{}, err
	}
	c.trace(log.DirectionIn, env.Type, len(data))
	return env, nil
}

// Close closes the socket once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sock.Close()
	})
	return c.closeErr
}

func (c *Conn) trace(dir log.Direction, t MsgType, size int) {
	c.events.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: c.sessionID,
		Layer:     c.layer,
		Category:  log.CategoryControl,
		Control: &log.ControlMsgEvent{
			Direction: dir,
			Type:      t.String(),
			Size:      LengthPrefixSize + size,
		},
	})
}
