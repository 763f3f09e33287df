package mediator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wearlink/wearlink-go/pkg/log"
	"github.com/wearlink/wearlink-go/pkg/looper"
)

// Radio loop defaults.
const (
	DefaultRadioConfirmWait = 2 * time.Second
	DefaultRadioCallTimeout = 5 * time.Second
)

const (
	msgDisableRadio = iota + 1
	msgEnableRadio
)

// RadioInputs are the conditions the radio power rules look at.
type RadioInputs struct {
	Airplane            bool
	CellOnly            bool
	Activity            bool
	ThermalEmergency    bool
	DeviceIdle          bool
	UserAbsentRadiosOff bool
	DozeAllowlisted     bool
	TimeOnly            bool
	Preference          bool
}

// Decide applies the radio power rules in priority order. ok is false
// when no change should be made (airplane mode owns the radio).
func Decide(in RadioInputs) (reason Reason, ok bool) {
	switch {
	case in.Airplane:
		return 0, false
	case in.CellOnly:
		return OffCellOnlyMode, true
	case in.Activity:
		return OffActivityMode, true
	case in.ThermalEmergency:
		return OffThermalEmergency, true
	case in.DeviceIdle && in.UserAbsentRadiosOff && !in.DozeAllowlisted:
		return OffUserAbsent, true
	case in.TimeOnly:
		return OffTimeOnlyMode, true
	case !in.Preference:
		return OffSettingsPreference, true
	default:
		return OnAuto, true
	}
}

// Adapter is the local Bluetooth adapter.
type Adapter interface {
	Powered(ctx context.Context) (bool, error)
	SetPowered(ctx context.Context, on bool) error
}

// RadioRecorder receives radio decision metrics (optional).
type RadioRecorder interface {
	RadioDecision(reason string)
}

// RadioConfig configures a RadioController.
type RadioConfig struct {
	Adapter Adapter

	// ConfirmWait bounds how long the loop waits for the adapter to report
	// the new state.
	ConfirmWait time.Duration
	CallTimeout time.Duration

	Logger      *slog.Logger
	EventLogger log.Logger
	Recorder    RadioRecorder
}

// RadioController serializes adapter power changes on its own loop.
type RadioController struct {
	cfg     RadioConfig
	logger  *slog.Logger
	loop    *looper.Looper
	handler *looper.Handler
	history *EventHistory[RadioDecision]

	mu      sync.Mutex
	want    *bool
	confirm chan struct{}
}

// NewRadioController creates and starts the radio loop.
func NewRadioController(cfg RadioConfig) (*RadioController, error) {
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("mediator: radio adapter required")
	}
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = DefaultRadioConfirmWait
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultRadioCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	cfg.EventLogger = log.OrNoop(cfg.EventLogger)

	r := &RadioController{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "radio"),
		history: NewEventHistory[RadioDecision]("Bluetooth Radio Power History", DefaultHistorySize),
		confirm: make(chan struct{}, 1),
	}
	r.loop = looper.New("radio", r.logger)
	r.handler = r.loop.NewHandler(r.handleMessage)
	r.loop.Start()
	return r, nil
}

// Change queues a power change, replacing any change not yet handled.
func (r *RadioController) Change(enable bool, reason Reason) {
	r.logger.Debug("radio power change requested", "enable", enable, "reason", reason.String())
	r.handler.Remove(msgEnableRadio)
	r.handler.Remove(msgDisableRadio)
	what := msgDisableRadio
	if enable {
		what = msgEnableRadio
	}
	r.handler.Send(what, reason)
}

// AdapterStateChanged releases the loop when the adapter reaches the
// requested state.
func (r *RadioController) AdapterStateChanged(on bool) {
	r.mu.Lock()
	match := r.want != nil && *r.want == on
	r.mu.Unlock()
	if !match {
		return
	}
	select {
	case r.confirm <- struct{}{}:
	default:
	}
}

// History returns the decision history.
func (r *RadioController) History() *EventHistory[RadioDecision] {
	return r.history
}

// Sync waits until every queued change has been handled.
func (r *RadioController) Sync(ctx context.Context) error {
	return r.loop.Sync(ctx)
}

// Close stops the radio loop.
func (r *RadioController) Close() {
	r.loop.Quit()
	<-r.loop.Done()
}

// Dump writes the decision history.
func (r *RadioController) Dump(w io.Writer) {
	r.history.Dump(w)
}

func (r *RadioController) handleMessage(msg looper.Message) {
	enable := msg.What == msgEnableRadio
	reason, _ := msg.Obj.(Reason)

	r.mu.Lock()
	r.want = &enable
	r.mu.Unlock()
	select {
	case <-r.confirm:
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CallTimeout)
	err := r.cfg.Adapter.SetPowered(ctx, enable)
	cancel()
	if err != nil {
		r.logger.Warn("set adapter power failed", "enable", enable, "reason", reason.String(), "error", err)
	}

	decision := RadioDecision{Enable: enable, Reason: reason}
	r.history.Record(decision)
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.RadioDecision(reason.String())
	}
	r.cfg.EventLogger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerRadio,
		Category:  log.CategoryRadio,
		Radio:     &log.RadioEvent{Enable: enable, Reason: reason.String()},
	})
	r.logger.Info("changed radio power", "enable", enable, "reason", reason.String())

	if err == nil {
		select {
		case <-r.confirm:
		case <-time.After(r.cfg.ConfirmWait):
			r.logger.Debug("adapter did not confirm power change", "enable", enable)
		}
	}

	r.mu.Lock()
	r.want = nil
	r.mu.Unlock()
}
