package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes trace events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session", event.SessionID),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.Companion != "" {
		attrs = append(attrs, slog.String("companion", event.Companion))
	}

	switch {
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Connect != nil:
		attrs = append(attrs,
			slog.String("stage", event.Connect.Stage.String()),
			slog.Int("attempt", event.Connect.Attempt),
			slog.String("result", event.Connect.Result),
		)
		if event.Connect.Config != "" {
			attrs = append(attrs, slog.String("config", event.Connect.Config))
		}
		if event.Connect.Duration > 0 {
			attrs = append(attrs, slog.Duration("duration", event.Connect.Duration))
		}
	case event.Notify != nil:
		attrs = append(attrs,
			slog.Bool("connected", event.Notify.Connected),
			slog.Int("score", event.Notify.Score),
			slog.Bool("phone_no_internet", event.Notify.PhoneNoInternet),
		)
	case event.Retry != nil:
		attrs = append(attrs,
			slog.Int("delay", event.Retry.Delay),
			slog.Int("backoff_attempt", event.Retry.Attempt),
		)
	case event.Control != nil:
		attrs = append(attrs,
			slog.String("direction", event.Control.Direction.String()),
			slog.String("ctrl_type", event.Control.Type),
		)
	case event.Radio != nil:
		attrs = append(attrs,
			slog.Bool("enable", event.Radio.Enable),
			slog.String("reason", event.Radio.Reason),
		)
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "proxy", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
