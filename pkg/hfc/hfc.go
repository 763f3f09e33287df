// Package hfc keeps the hands-free profile connected to the companion.
//
// The shard polls the profile state on a fixed interval and connects when
// it is down. After MaxRetries consecutive failed attempts it stops and
// calls OnGiveUp so the owner can discard it. Administratively disabling
// the profile disconnects it and pauses polling until re-enabled.
package hfc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/wearlink/wearlink-go/pkg/log"
	"github.com/wearlink/wearlink-go/pkg/looper"
	"github.com/wearlink/wearlink-go/pkg/proxy"
)

// Defaults.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultMaxRetries   = 5
	DefaultCallTimeout  = 5 * time.Second
)

const (
	msgPoll = iota + 1
	msgEnabledChanged
)

// ErrNoConnector is returned by New without a ProfileConnector.
var ErrNoConnector = errors.New("hfc: profile connector required")

// ProfileState is the hands-free profile connection state.
type ProfileState uint8

const (
	ProfileDisconnected ProfileState = iota
	ProfileConnecting
	ProfileConnected
)

// String returns the state name.
func (p ProfileState) String() string {
	switch p {
	case ProfileDisconnected:
		return "DISCONNECTED"
	case ProfileConnecting:
		return "CONNECTING"
	case ProfileConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ProfileConnector reaches the Bluetooth stack's hands-free client.
type ProfileConnector interface {
	ProfileState(ctx context.Context, dev proxy.Device) (ProfileState, error)
	ConnectProfile(ctx context.Context, dev proxy.Device) error
	DisconnectProfile(ctx context.Context, dev proxy.Device) error
}

// Setting is a live boolean setting.
type Setting interface {
	Value() bool
	Subscribe(fn func(bool)) (cancel func())
}

// Recorder receives attempt metrics (optional).
type Recorder interface {
	HFCAttempt(connected bool)
}

// Config configures a Shard.
type Config struct {
	Device    proxy.Device
	Connector ProfileConnector

	// Enabled gates the profile. Nil means always enabled.
	Enabled Setting

	// Loop is the control loop. When nil the shard runs its own.
	Loop *looper.Looper

	PollInterval time.Duration
	MaxRetries   int
	CallTimeout  time.Duration

	// OnGiveUp runs on the loop after the retry cap is exceeded.
	OnGiveUp func()

	Logger      *slog.Logger
	EventLogger log.Logger
	Recorder    Recorder
}

// Shard is the hands-free client shard for one companion.
type Shard struct {
	cfg     Config
	logger  *slog.Logger
	loop    *looper.Looper
	handler *looper.Handler
	ownLoop bool
	cancel  func()

	// Loop-owned state.
	enabled  bool
	running  bool
	polling  bool
	retries  int
	state    ProfileState
	gaveUp   bool
	attempts int

	retriesMirror atomic.Int32
	stateMirror   atomic.Uint32
}

// New creates a shard. Call Start to begin polling.
func New(cfg Config) (*Shard, error) {
	if cfg.Connector == nil {
		return nil, ErrNoConnector
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	cfg.EventLogger = log.OrNoop(cfg.EventLogger)

	s := &Shard{
		cfg:     cfg,
		logger:  cfg.Logger.With("shard", "hfc", "device", cfg.Device.Address),
		loop:    cfg.Loop,
		enabled: true,
	}
	if s.loop == nil {
		s.loop = looper.New("hfc", cfg.Logger)
		s.ownLoop = true
	}
	s.handler = s.loop.NewHandler(s.handleMessage)
	if cfg.Enabled != nil {
		s.enabled = cfg.Enabled.Value()
		s.cancel = cfg.Enabled.Subscribe(func(v bool) {
			s.handler.Send(msgEnabledChanged, v)
		})
	}
	if s.ownLoop {
		s.loop.Start()
	}
	return s, nil
}

// Device returns the companion the shard serves.
func (s *Shard) Device() proxy.Device {
	return s.cfg.Device
}

// Start begins polling.
func (s *Shard) Start() {
	s.loop.Post(func() {
		if s.running {
			return
		}
		s.running = true
		s.trace("STOPPED", "STARTED", "start")
		s.logger.Info("hfc shard started", "enabled", s.enabled)
		if s.enabled {
			s.handler.Send(msgPoll, nil)
		}
	})
}

// Close stops polling and unsubscribes from the setting. It does not
// block and may be called from the loop.
func (s *Shard) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.handler.Remove(msgPoll)
	s.loop.Post(func() {
		s.handler.Remove(msgPoll)
		if s.running {
			s.running = false
			s.trace("STARTED", "STOPPED", "close")
		}
	})
	if s.ownLoop {
		s.loop.Quit()
	}
	return nil
}

// Retries returns the consecutive failed attempt count.
func (s *Shard) Retries() int {
	return int(s.retriesMirror.Load())
}

// State returns the last observed profile state.
func (s *Shard) State() ProfileState {
	return ProfileState(s.stateMirror.Load())
}

// Dump writes a state snapshot.
func (s *Shard) Dump(ctx context.Context, w io.Writer) error {
	return s.loop.Call(ctx, func() {
		fmt.Fprintf(w, "HfcShard [%s]\n", s.cfg.Device.Address)
		fmt.Fprintf(w, "  running:       %t\n", s.running)
		fmt.Fprintf(w, "  enabled:       %t\n", s.enabled)
		fmt.Fprintf(w, "  profile state: %s\n", s.state)
		fmt.Fprintf(w, "  retries:       %d/%d\n", s.retries, s.cfg.MaxRetries)
		fmt.Fprintf(w, "  attempts:      %d\n", s.attempts)
		fmt.Fprintf(w, "  gave up:       %t\n", s.gaveUp)
	})
}

func (s *Shard) handleMessage(msg looper.Message) {
	switch msg.What {
	case msgPoll:
		s.poll()
	case msgEnabledChanged:
		s.setEnabled(msg.Obj.(bool))
	}
}

func (s *Shard) poll() {
	if !s.running || !s.enabled || s.polling {
		return
	}
	s.polling = true
	dev := s.cfg.Device

	type pollResult struct {
		state      ProfileState
		err        error
		attempted  bool
		connectErr error
	}
	retries := s.retries
	looper.Async(s.loop, func() pollResult {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()
		st, err := s.cfg.Connector.ProfileState(ctx, dev)
		if err != nil || st != ProfileDisconnected || retries >= s.cfg.MaxRetries {
			return pollResult{state: st, err: err}
		}
		return pollResult{state: st, attempted: true, connectErr: s.cfg.Connector.ConnectProfile(ctx, dev)}
	}, func(r pollResult) {
		s.polling = false
		if !s.running || !s.enabled {
			return
		}
		s.setState(r.state)

		switch {
		case r.err != nil:
			s.logger.Warn("hfc profile state query failed", "error", r.err)
			s.fail()
		case r.state == ProfileConnected:
			s.setRetries(0)
		case r.state == ProfileConnecting:
			// The stack is already working on it.
		case !r.attempted:
			s.fail()
		default:
			s.attempts++
			if s.cfg.Recorder != nil {
				s.cfg.Recorder.HFCAttempt(r.connectErr == nil)
			}
			if r.connectErr != nil {
				s.logger.Debug("hfc connect failed", "error", r.connectErr, "retries", s.retries)
				s.fail()
			} else {
				s.setState(ProfileConnecting)
			}
		}
		if s.running && !s.gaveUp {
			s.handler.Remove(msgPoll)
			s.handler.SendDelayed(msgPoll, nil, s.cfg.PollInterval)
		}
	})
}

// fail counts a failed attempt and gives up past the cap.
func (s *Shard) fail() {
	if s.retries >= s.cfg.MaxRetries {
		s.giveUp()
		return
	}
	s.setRetries(s.retries + 1)
}

func (s *Shard) giveUp() {
	s.logger.Warn("hfc retries exhausted, giving up", "maxRetries", s.cfg.MaxRetries)
	s.gaveUp = true
	s.running = false
	s.handler.Remove(msgPoll)
	s.trace("STARTED", "GAVE_UP", "max retries")
	if s.cfg.OnGiveUp != nil {
		s.cfg.OnGiveUp()
	}
}

func (s *Shard) setEnabled(enabled bool) {
	if enabled == s.enabled {
		return
	}
	s.enabled = enabled
	s.logger.Info("hfc setting changed", "enabled", enabled)
	if !enabled {
		s.handler.Remove(msgPoll)
		dev := s.cfg.Device
		looper.Async(s.loop, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
			defer cancel()
			return s.cfg.Connector.DisconnectProfile(ctx, dev)
		}, func(err error) {
			if err != nil {
				s.logger.Warn("hfc disconnect failed", "error", err)
			}
			s.setState(ProfileDisconnected)
		})
		return
	}
	s.setRetries(0)
	if s.running {
		s.handler.Send(msgPoll, nil)
	}
}

func (s *Shard) setRetries(n int) {
	s.retries = n
	s.retriesMirror.Store(int32(n))
}

func (s *Shard) setState(st ProfileState) {
	s.state = st
	s.stateMirror.Store(uint32(st))
}

func (s *Shard) trace(from, to, reason string) {
	s.cfg.EventLogger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerRunner,
		Category:  log.CategoryState,
		Companion: s.cfg.Device.Address,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityHfc,
			OldState: from,
			NewState: to,
			Reason:   reason,
		},
	})
}
