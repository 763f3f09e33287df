// Package commands implements the wearproxy-log CLI commands.
package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wearlink/wearlink-go/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Category  *log.Category
	Companion string
}

func (f ViewFilter) matches(e log.Event) bool {
	lf := log.Filter{Layer: f.Layer, Category: f.Category, Companion: strings.ToUpper(f.Companion)}
	return lf.Matches(e)
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	session := shortenID(event.SessionID)

	var label string
	switch {
	case event.StateChange != nil:
		label = "State"
	case event.Connect != nil:
		label = "Connect " + event.Connect.Stage.String()
	case event.Notify != nil:
		label = "Notify"
	case event.Retry != nil:
		label = "Retry"
	case event.Control != nil:
		label = event.Control.Direction.String() + " " + event.Control.Type
	case event.Radio != nil:
		label = "Radio"
	case event.Error != nil:
		label = "Error"
	default:
		label = "Unknown"
	}

	fmt.Fprintf(w, "%s [session:%s] %-8s %s", ts, session, event.Layer.String(), label)
	if event.Companion != "" {
		fmt.Fprintf(w, " (%s)", event.Companion)
	}
	fmt.Fprintln(w)

	switch {
	case event.StateChange != nil:
		sc := event.StateChange
		fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
		if sc.OldState != "" {
			fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
		} else {
			fmt.Fprintf(w, "  -> %s\n", sc.NewState)
		}
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
	case event.Connect != nil:
		c := event.Connect
		fmt.Fprintf(w, "  Attempt: %d  Result: %s", c.Attempt, c.Result)
		if c.Duration > 0 {
			fmt.Fprintf(w, "  Took: %s", formatDuration(c.Duration))
		}
		fmt.Fprintln(w)
		if c.Config != "" {
			fmt.Fprintf(w, "  Config: %s\n", c.Config)
		}
	case event.Notify != nil:
		n := event.Notify
		fmt.Fprintf(w, "  Connected: %t  Score: %d  PhoneNoInternet: %t\n", n.Connected, n.Score, n.PhoneNoInternet)
	case event.Retry != nil:
		fmt.Fprintf(w, "  Delay: %d  Attempt: %d\n", event.Retry.Delay, event.Retry.Attempt)
	case event.Control != nil:
		if event.Control.Size > 0 {
			fmt.Fprintf(w, "  Size: %d bytes\n", event.Control.Size)
		}
	case event.Radio != nil:
		fmt.Fprintf(w, "  Enable: %t  Reason: %s\n", event.Radio.Enable, event.Radio.Reason)
	case event.Error != nil:
		e := event.Error
		fmt.Fprintf(w, "  Layer: %s\n", e.Layer.String())
		fmt.Fprintf(w, "  Message: %s\n", e.Message)
		if e.Code != nil {
			fmt.Fprintf(w, "  Code: %d\n", *e.Code)
		}
		if e.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", e.Context)
		}
	}

	fmt.Fprintln(w)
}

// shortenID returns the first 8 characters of a session ID.
func shortenID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	l, ok := log.ParseLayer(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid layer: %s (must be shard, tunnel, runner, mediator, or radio)", s)
	}
	return l, nil
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be state, connect, notify, retry, control, radio, or error)", s)
	}
	return c, nil
}

// RunView executes the view command.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if filter.matches(event) {
			formatEvent(output, event)
		}
	}
	return nil
}
