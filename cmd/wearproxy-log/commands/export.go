package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/wearlink/wearlink-go/pkg/log"
)

// RunExport exports the log file to the specified format.
func RunExport(path, format, output string) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		return exportJSONL(reader, w)
	case "csv":
		return exportCSV(reader, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"timestamp", "session_id", "layer", "category", "companion", "type", "detail"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		eventType, detail := csvDetail(event)
		row := []string{
			event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
			event.SessionID,
			event.Layer.String(),
			event.Category.String(),
			event.Companion,
			eventType,
			detail,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	return nil
}

// csvDetail returns the payload kind and a one-field summary of it.
func csvDetail(event log.Event) (string, string) {
	switch {
	case event.StateChange != nil:
		return "state", event.StateChange.Entity.String() + ":" + event.StateChange.NewState
	case event.Connect != nil:
		return "connect", event.Connect.Stage.String() + ":" + event.Connect.Result
	case event.Notify != nil:
		return "notify", strconv.FormatBool(event.Notify.Connected) + ":" + strconv.Itoa(event.Notify.Score)
	case event.Retry != nil:
		return "retry", strconv.Itoa(event.Retry.Delay)
	case event.Control != nil:
		return "control", event.Control.Direction.String() + ":" + event.Control.Type
	case event.Radio != nil:
		return "radio", strconv.FormatBool(event.Radio.Enable) + ":" + event.Radio.Reason
	case event.Error != nil:
		return "error", event.Error.Message
	}
	return "unknown", ""
}
