package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvents(session string, base time.Time) []Event {
	return []Event{
		{
			Timestamp: base,
			SessionID: session,
			Layer:     LayerShard,
			Category:  CategoryState,
			Companion: "AA:BB:CC:DD:EE:FF",
			StateChange: &StateChangeEvent{
				Entity:   StateEntityClient,
				OldState: "IDLE",
				NewState: "CONNECTING",
			},
		},
		{
			Timestamp: base.Add(time.Second),
			SessionID: session,
			Layer:     LayerShard,
			Category:  CategoryConnect,
			Connect: &ConnectEvent{
				Stage:    ConnectStageNative,
				Attempt:  1,
				Config:   "android/v2 rfcomm",
				Result:   "CONNECTED",
				Duration: 120 * time.Millisecond,
			},
		},
		{
			Timestamp: base.Add(2 * time.Second),
			SessionID: session,
			Layer:     LayerShard,
			Category:  CategoryNotify,
			Notify:    &NotifyEvent{Connected: true, Score: 55},
		},
		{
			Timestamp: base.Add(3 * time.Second),
			SessionID: session,
			Layer:     LayerRadio,
			Category:  CategoryRadio,
			Radio:     &RadioEvent{Enable: false, Reason: "OFF_ACTIVITY_MODE"},
		},
	}
}

func TestEventRoundTrip(t *testing.T) {
	code := 3
	event := Event{
		Timestamp: time.Date(2026, 3, 4, 5, 6, 7, 891, time.UTC),
		SessionID: NewSessionID(),
		Layer:     LayerTunnel,
		Category:  CategoryError,
		Error: &ErrorEventData{
			Layer:   LayerTunnel,
			Message: "hello rejected",
			Code:    &code,
			Context: "connect",
		},
	}

	data, err := MarshalEvent(event)
	require.NoError(t, err)

	decoded, err := UnmarshalEvent(data)
	require.NoError(t, err)
	assert.True(t, event.Timestamp.Equal(decoded.Timestamp), "nanosecond timestamps survive")
	assert.Equal(t, event.SessionID, decoded.SessionID)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, 3, *decoded.Error.Code)
	assert.Nil(t, decoded.Connect)

	_, err = uuid.Parse(event.SessionID)
	assert.NoError(t, err)
}

func TestUnmarshalEventRejectsGarbage(t *testing.T) {
	_, err := UnmarshalEvent([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestMarshalEventTagsTimestamp(t *testing.T) {
	data, err := MarshalEvent(Event{Timestamp: time.Unix(0, 0).UTC(), Category: CategoryError})
	require.NoError(t, err)
	// Tag 0 (0xc0) marks an RFC3339 string timestamp.
	assert.Contains(t, string(data), "\xc0")
}

func TestUnmarshalEventRejectsDeepNesting(t *testing.T) {
	data := bytes.Repeat([]byte{0x81}, maxTraceNesting+2)
	data = append(data, 0x00)
	_, err := UnmarshalEvent(data)
	assert.Error(t, err)
}

func TestFileLoggerAndReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "proxy.plog")
	session := NewSessionID()
	base := time.Now().UTC()

	logger, err := NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range sampleEvents(session, base) {
		logger.Log(e)
	}
	logger.Log(Event{Timestamp: base, SessionID: "other", Category: CategoryRetry, Retry: &RetryEvent{Delay: 2, Attempt: 1}})
	assert.Equal(t, 5, logger.Written())
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "close is idempotent")

	// Writes after close are ignored.
	logger.Log(Event{SessionID: session})

	all, err := ReadAll(path, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	t.Run("BySession", func(t *testing.T) {
		events, err := ReadAll(path, Filter{SessionID: session})
		require.NoError(t, err)
		assert.Len(t, events, 4)
	})

	t.Run("ByLayerAndCategory", func(t *testing.T) {
		layer := LayerShard
		cat := CategoryNotify
		events, err := ReadAll(path, Filter{Layer: &layer, Category: &cat})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, 55, events[0].Notify.Score)
	})

	t.Run("ByTime", func(t *testing.T) {
		start := base.Add(time.Second)
		end := base.Add(3 * time.Second)
		events, err := ReadAll(path, Filter{SessionID: session, TimeStart: &start, TimeEnd: &end})
		require.NoError(t, err)
		assert.Len(t, events, 2)
	})

	t.Run("ByCompanion", func(t *testing.T) {
		events, err := ReadAll(path, Filter{Companion: "AA:BB:CC:DD:EE:FF"})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestFileLoggerAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.plog")
	for i := 0; i < 2; i++ {
		l, err := NewFileLogger(path)
		require.NoError(t, err)
		l.Log(Event{Timestamp: time.Now(), SessionID: "s"})
		require.NoError(t, l.Close())
	}
	events, err := ReadAll(path, Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFileLoggerConcurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.plog")
	l, err := NewFileLogger(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				l.Log(Event{Timestamp: time.Now(), SessionID: "s", Category: CategoryRetry, Retry: &RetryEvent{Delay: j}})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, l.Close())

	events, err := ReadAll(path, Filter{})
	require.NoError(t, err)
	assert.Len(t, events, 200)
}

func TestReaderMissingFile(t *testing.T) {
	_, err := NewReader(filepath.Join(t.TempDir(), "missing.plog"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	adapter.Log(sampleEvents("sess-1", time.Now())[1])

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "proxy", entry["msg"])
	assert.Equal(t, "sess-1", entry["session"])
	assert.Equal(t, "SHARD", entry["layer"])
	assert.Equal(t, "CONNECT", entry["category"])
	assert.Equal(t, "NATIVE", entry["stage"])
	assert.Equal(t, "CONNECTED", entry["result"])
}

func TestSlogAdapterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewSlogAdapter(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	adapter.Log(sampleEvents("s", time.Now())[0])
	assert.Empty(t, buf.String())
}

func TestMultiLogger(t *testing.T) {
	a := NewMemoryLogger(4)
	b := NewMemoryLogger(4)
	m := NewMultiLogger(a, nil, b)
	assert.Equal(t, 2, m.Len())

	m.Log(Event{SessionID: "x"})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1)
}

func TestMemoryLoggerRing(t *testing.T) {
	m := NewMemoryLogger(3)
	for i := 0; i < 5; i++ {
		m.Log(Event{Retry: &RetryEvent{Delay: i}, Category: CategoryRetry})
	}
	events := m.Events()
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].Retry.Delay)
	assert.Equal(t, 4, events[2].Retry.Delay)

	cat := CategoryRetry
	assert.Len(t, m.Filter(Filter{Category: &cat}), 3)
}

func TestParseLayerAndCategory(t *testing.T) {
	l, ok := ParseLayer("RADIO")
	assert.True(t, ok)
	assert.Equal(t, LayerRadio, l)
	_, ok = ParseLayer("WIRE")
	assert.False(t, ok)

	c, ok := ParseCategory("NOTIFY")
	assert.True(t, ok)
	assert.Equal(t, CategoryNotify, c)
}

func TestOrNoop(t *testing.T) {
	assert.Equal(t, NoopLogger{}, OrNoop(nil))
	m := NewMemoryLogger(1)
	assert.Same(t, m, OrNoop(m))
}
