package mediator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wearlink/wearlink-go/pkg/log"
)

type fakeAdapter struct {
	mu      sync.Mutex
	powered bool
	calls   []bool
	err     error

	// onSet runs after each SetPowered, outside the lock.
	onSet func(on bool)
}

func (a *fakeAdapter) Powered(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.powered, nil
}

func (a *fakeAdapter) SetPowered(ctx context.Context, on bool) error {
	a.mu.Lock()
	a.calls = append(a.calls, on)
	err := a.err
	if err == nil {
		a.powered = on
	}
	onSet := a.onSet
	a.mu.Unlock()
	if onSet != nil && err == nil {
		onSet(on)
	}
	return err
}

func (a *fakeAdapter) Calls() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bool(nil), a.calls...)
}

type radioRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *radioRecorder) RadioDecision(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		in     RadioInputs
		reason Reason
		ok     bool
	}{
		{"Airplane", RadioInputs{Airplane: true, CellOnly: true}, 0, false},
		{"CellOnlyBeatsActivity", RadioInputs{CellOnly: true, Activity: true, Preference: true}, OffCellOnlyMode, true},
		{"Activity", RadioInputs{Activity: true, ThermalEmergency: true, Preference: true}, OffActivityMode, true},
		{"Thermal", RadioInputs{ThermalEmergency: true, TimeOnly: true, Preference: true}, OffThermalEmergency, true},
		{"UserAbsent", RadioInputs{DeviceIdle: true, UserAbsentRadiosOff: true, Preference: true}, OffUserAbsent, true},
		{"IdleAllowlisted", RadioInputs{DeviceIdle: true, UserAbsentRadiosOff: true, DozeAllowlisted: true, Preference: true}, OnAuto, true},
		{"IdleWithoutFlag", RadioInputs{DeviceIdle: true, Preference: true}, OnAuto, true},
		{"TimeOnly", RadioInputs{TimeOnly: true, Preference: true}, OffTimeOnlyMode, true},
		{"PreferenceOff", RadioInputs{}, OffSettingsPreference, true},
		{"Auto", RadioInputs{Preference: true}, OnAuto, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, ok := Decide(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.reason, reason)
			}
		})
	}
}

func TestReason(t *testing.T) {
	assert.Equal(t, "OFF_THERMAL_EMERGENCY", OffThermalEmergency.String())
	assert.Equal(t, "ON_HFP_ENABLE", OnHFPEnable.String())
	assert.Equal(t, "UNKNOWN(99)", Reason(99).String())
	assert.True(t, OnAuto.Enables())
	assert.True(t, OnBootAuto.Enables())
	assert.False(t, OffHFPEnable.Enables())

	d := RadioDecision{Reason: OffTimeOnlyMode}
	assert.Equal(t, "OFF_TIME_ONLY_MODE", d.Name())
	assert.True(t, d.DuplicateOf(RadioDecision{Reason: OffTimeOnlyMode}))
	assert.False(t, d.DuplicateOf(RadioDecision{Enable: true, Reason: OnAuto}))
}

func newRadio(t *testing.T, a *fakeAdapter, wait time.Duration) (*RadioController, *log.MemoryLogger, *radioRecorder) {
	t.Helper()
	events := log.NewMemoryLogger(64)
	rec := &radioRecorder{}
	r, err := NewRadioController(RadioConfig{
		Adapter:     a,
		ConfirmWait: wait,
		EventLogger: events,
		Recorder:    rec,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, events, rec
}

func TestRadioController(t *testing.T) {
	t.Run("RequiresAdapter", func(t *testing.T) {
		_, err := NewRadioController(RadioConfig{})
		assert.Error(t, err)
	})

	t.Run("RecordsDecision", func(t *testing.T) {
		a := &fakeAdapter{}
		r, events, rec := newRadio(t, a, 10*time.Millisecond)

		r.Change(false, OffThermalEmergency)
		require.NoError(t, r.Sync(context.Background()))

		assert.Equal(t, []bool{false}, a.Calls())
		last, ok := r.History().Last()
		require.True(t, ok)
		assert.Equal(t, OffThermalEmergency, last.Reason)
		assert.Equal(t, []string{"OFF_THERMAL_EMERGENCY"}, rec.reasons)

		radio := log.CategoryRadio
		got := events.Filter(log.Filter{Category: &radio})
		require.Len(t, got, 1)
		assert.Equal(t, "OFF_THERMAL_EMERGENCY", got[0].Radio.Reason)
		assert.False(t, got[0].Radio.Enable)
	})

	t.Run("LatestChangeWins", func(t *testing.T) {
		a := &fakeAdapter{}
		r, _, _ := newRadio(t, a, 100*time.Millisecond)

		// The first change blocks the loop waiting for confirmation while
		// the next two are queued; only the last queued one survives.
		r.Change(false, OffActivityMode)
		require.Eventually(t, func() bool { return len(a.Calls()) == 1 }, time.Second, time.Millisecond)
		r.Change(false, OffTimeOnlyMode)
		r.Change(true, OnAuto)
		require.NoError(t, r.Sync(context.Background()))

		assert.Equal(t, []bool{false, true}, a.Calls())
		var names []string
		for _, rec := range r.History().Records() {
			names = append(names, rec.Event.Name())
		}
		assert.Equal(t, []string{"OFF_ACTIVITY_MODE", "ON_AUTO"}, names)
	})

	t.Run("ConfirmationReleasesWait", func(t *testing.T) {
		a := &fakeAdapter{}
		r, _, _ := newRadio(t, a, 10*time.Second)
		a.onSet = func(on bool) {
			go r.AdapterStateChanged(on)
		}

		start := time.Now()
		r.Change(true, OnAuto)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, r.Sync(ctx))
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("MismatchedConfirmationIgnored", func(t *testing.T) {
		a := &fakeAdapter{}
		r, _, _ := newRadio(t, a, 50*time.Millisecond)
		a.onSet = func(on bool) {
			r.AdapterStateChanged(!on)
		}

		start := time.Now()
		r.Change(true, OnAuto)
		require.NoError(t, r.Sync(context.Background()))
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("AdapterErrorSkipsWait", func(t *testing.T) {
		a := &fakeAdapter{err: errors.New("not ready")}
		r, _, _ := newRadio(t, a, 10*time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Change(false, OffUserAbsent)
		require.NoError(t, r.Sync(ctx))
		assert.Equal(t, 1, r.History().Len())
	})
}

func TestProxyConnectionEvent(t *testing.T) {
	t.Run("NoInternet", func(t *testing.T) {
		e := ProxyConnectionEvent{Connected: true, Score: 111}
		assert.Equal(t, "CONNECTED [NO INTERNET]", e.Name())
		assert.Equal(t, "DISCONNECTED", ProxyConnectionEvent{Score: 111}.Name())

		assert.True(t, e.DuplicateOf(ProxyConnectionEvent{Connected: true, Score: 111}))
		assert.True(t, e.DuplicateOf(ProxyConnectionEvent{Connected: true, Score: 222}))
		assert.False(t, e.DuplicateOf(ProxyConnectionEvent{Score: 111}))
		assert.False(t, e.DuplicateOf(RadioDecision{}))
	})

	t.Run("WithInternet", func(t *testing.T) {
		e := ProxyConnectionEvent{Connected: true, WithInternet: true, Score: 111}
		assert.Equal(t, "CONNECTED [SCORE:111]", e.Name())

		assert.True(t, e.DuplicateOf(ProxyConnectionEvent{Connected: true, WithInternet: true, Score: 111}))
		assert.False(t, e.DuplicateOf(ProxyConnectionEvent{Connected: true, WithInternet: true, Score: 222}))
		assert.False(t, e.DuplicateOf(ProxyConnectionEvent{Connected: true, Score: 111}))
		assert.False(t, e.DuplicateOf(ProxyConnectionEvent{WithInternet: true, Score: 111}))
	})
}

func TestEventHistory(t *testing.T) {
	h := NewEventHistory[ProxyConnectionEvent]("test", 3)

	assert.True(t, h.Record(ProxyConnectionEvent{Connected: true, WithInternet: true, Score: 55}))
	assert.False(t, h.Record(ProxyConnectionEvent{Connected: true, WithInternet: true, Score: 55}))
	assert.True(t, h.Record(ProxyConnectionEvent{Connected: true, WithInternet: true, Score: 70}))
	assert.True(t, h.Record(ProxyConnectionEvent{}))
	assert.False(t, h.Record(ProxyConnectionEvent{Score: 1}))
	assert.True(t, h.Record(ProxyConnectionEvent{Connected: true}))
	assert.Equal(t, 3, h.Len())

	recs := h.Records()
	assert.Equal(t, "CONNECTED [SCORE:70]", recs[0].Event.Name())
	assert.Equal(t, "CONNECTED [NO INTERNET]", recs[2].Event.Name())
}
