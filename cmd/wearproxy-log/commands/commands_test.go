package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wearlink/wearlink-go/pkg/log"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleEvents() []log.Event {
	code := 3
	return []log.Event{
		{
			Timestamp: base, SessionID: "sess-aaaa-1111", Layer: log.LayerShard, Category: log.CategoryState,
			Companion:   "AA:BB:CC:DD:EE:FF",
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityClient, OldState: "IDLE", NewState: "CONNECTING", Reason: "start"},
		},
		{
			Timestamp: base.Add(time.Second), SessionID: "sess-aaaa-1111", Layer: log.LayerShard, Category: log.CategoryConnect,
			Companion: "AA:BB:CC:DD:EE:FF",
			Connect:   &log.ConnectEvent{Stage: log.ConnectStageNative, Attempt: 1, Config: "android/v2", Result: "FAILED", Duration: 20 * time.Millisecond},
		},
		{
			Timestamp: base.Add(2 * time.Second), SessionID: "sess-aaaa-1111", Layer: log.LayerShard, Category: log.CategoryRetry,
			Retry: &log.RetryEvent{Delay: 2, Attempt: 1},
		},
		{
			Timestamp: base.Add(3 * time.Second), SessionID: "sess-aaaa-1111", Layer: log.LayerTunnel, Category: log.CategoryControl,
			Control: &log.ControlMsgEvent{Direction: log.DirectionOut, Type: "HELLO", Size: 14},
		},
		{
			Timestamp: base.Add(4 * time.Second), SessionID: "sess-aaaa-1111", Layer: log.LayerShard, Category: log.CategoryNotify,
			Notify: &log.NotifyEvent{Connected: true, Score: 100},
		},
		{
			Timestamp: base.Add(5 * time.Second), Layer: log.LayerRadio, Category: log.CategoryRadio,
			Radio: &log.RadioEvent{Enable: false, Reason: "proxy connected"},
		},
		{
			Timestamp: base.Add(6 * time.Second), SessionID: "sess-bbbb-2222", Layer: log.LayerRunner, Category: log.CategoryError,
			Error: &log.ErrorEventData{Layer: log.LayerRunner, Message: "hfp connect failed", Code: &code, Context: "retry 3"},
		},
	}
}

func writeLog(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.wlog")
	fl, err := log.NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		fl.Log(e)
	}
	require.NoError(t, fl.Close())
	return path
}

func TestRunView(t *testing.T) {
	path := writeLog(t, sampleEvents())

	t.Run("All", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, RunView(path, ViewFilter{}, &buf))
		out := buf.String()
		assert.Contains(t, out, "[session:sess-aaa]")
		assert.Contains(t, out, "IDLE -> CONNECTING")
		assert.Contains(t, out, "Connect NATIVE")
		assert.Contains(t, out, "Took: 20.000ms")
		assert.Contains(t, out, "OUT HELLO")
		assert.Contains(t, out, "Connected: true  Score: 100")
		assert.Contains(t, out, "Reason: proxy connected")
		assert.Contains(t, out, "Code: 3")
		assert.Contains(t, out, "[session:-]")
	})

	t.Run("ByLayer", func(t *testing.T) {
		l, err := ParseLayerFlag("radio")
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, RunView(path, ViewFilter{Layer: &l}, &buf))
		assert.Equal(t, 1, strings.Count(buf.String(), "RADIO"))
		assert.NotContains(t, buf.String(), "HELLO")
	})

	t.Run("ByCompanion", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, RunView(path, ViewFilter{Companion: "aa:bb:cc:dd:ee:ff"}, &buf))
		assert.Contains(t, buf.String(), "CONNECTING")
		assert.NotContains(t, buf.String(), "Retry")
	})

	t.Run("MissingFile", func(t *testing.T) {
		err := RunView(filepath.Join(t.TempDir(), "none.wlog"), ViewFilter{}, &bytes.Buffer{})
		assert.Error(t, err)
	})
}

func TestParseFlags(t *testing.T) {
	l, err := ParseLayerFlag("Mediator")
	require.NoError(t, err)
	assert.Equal(t, log.LayerMediator, l)
	_, err = ParseLayerFlag("wire")
	assert.Error(t, err)

	c, err := ParseCategoryFlag("connect")
	require.NoError(t, err)
	assert.Equal(t, log.CategoryConnect, c)
	_, err = ParseCategoryFlag("frame")
	assert.Error(t, err)
}

func TestRunStats(t *testing.T) {
	path := writeLog(t, sampleEvents())

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	out := buf.String()

	assert.Contains(t, out, "Total Events: 7")
	assert.Contains(t, out, "SHARD:")
	assert.Contains(t, out, "FAILED:")
	assert.Contains(t, out, "proxy connected:")
	assert.Contains(t, out, "Sessions: 2")
	assert.Contains(t, out, "1 retries, 1 connects")
	assert.Contains(t, out, "Companion: AA:BB:CC:DD:EE:FF")
	assert.Contains(t, out, "Errors: 1")
}

func TestRunFilter(t *testing.T) {
	path := writeLog(t, sampleEvents())

	t.Run("BySession", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.wlog")
		n, err := RunFilter(path, FilterOptions{Output: out, SessionID: "sess-bbbb-2222"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		events, err := log.ReadAll(out, log.Filter{})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "hfp connect failed", events[0].Error.Message)
	})

	t.Run("ByTimeAndCategory", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.wlog")
		n, err := RunFilter(path, FilterOptions{
			Output:    out,
			Category:  "state",
			TimeStart: base.Format(time.RFC3339),
			TimeEnd:   base.Add(time.Minute).Format(time.RFC3339),
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.wlog")
		_, err := RunFilter(path, FilterOptions{Output: out, TimeStart: "yesterday"})
		assert.Error(t, err)
		_, err = RunFilter(path, FilterOptions{Output: out, Layer: "wire"})
		assert.Error(t, err)
	})
}

func TestRunExport(t *testing.T) {
	path := writeLog(t, sampleEvents())

	t.Run("JSONL", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.jsonl")
		require.NoError(t, RunExport(path, "jsonl", out))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 7)
	})

	t.Run("CSV", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "out.csv")
		require.NoError(t, RunExport(path, "csv", out))
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 8)
		assert.True(t, strings.HasPrefix(lines[0], "timestamp,session_id"))
		assert.Contains(t, lines[1], "CLIENT:CONNECTING")
		assert.Contains(t, lines[6], "false:proxy connected")
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		assert.Error(t, RunExport(path, "xml", filepath.Join(t.TempDir(), "x")))
	})
}
