package shell

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type stubDaemon struct{ mock.Mock }

func (d *stubDaemon) Status() Status { return d.Called().Get(0).(Status) }

func (d *stubDaemon) Dump(_ context.Context, w io.Writer) error {
	_, _ = io.WriteString(w, "dumped\n")
	return d.Called().Error(0)
}

func (d *stubDaemon) Start()              { d.Called() }
func (d *stubDaemon) Stop()               { d.Called() }
func (d *stubDaemon) SetCharging(on bool) { d.Called(on) }

func (d *stubDaemon) SetDNS(servers []string) error { return d.Called(servers).Error(0) }
func (d *stubDaemon) ToggleHFP(on bool) bool        { return d.Called(on).Bool(0) }

func (d *stubDaemon) SetRadioInput(name string, on bool) error {
	return d.Called(name, on).Error(0)
}

func newTestShell() (*Shell, *bytes.Buffer) {
	var buf bytes.Buffer
	return &Shell{out: &buf}, &buf
}

func TestExec(t *testing.T) {
	ctx := context.Background()

	t.Run("Commands", func(t *testing.T) {
		s, out := newTestShell()
		d := &stubDaemon{}
		d.On("Start").Once()
		d.On("Stop").Once()
		d.On("SetCharging", true).Once()
		d.On("SetDNS", []string{"1.1.1.1", "9.9.9.9"}).Return(nil).Once()
		d.On("ToggleHFP", false).Return(false).Once()
		d.On("SetRadioInput", "thermal", true).Return(nil).Once()
		d.On("SetRadioInput", "bogus", false).Return(errors.New("unknown radio input")).Once()
		d.On("Dump").Return(nil).Once()

		for _, line := range []string{
			"", "start", "stop", "score charging on", "dns 1.1.1.1,9.9.9.9",
			"hfp off", "radio thermal on", "radio bogus off", "dump",
		} {
			assert.True(t, s.Exec(ctx, d, line), line)
		}
		d.AssertExpectations(t)
		assert.Contains(t, out.String(), "hfp unchanged")
		assert.Contains(t, out.String(), "Error: unknown radio input")
		assert.Contains(t, out.String(), "dumped")
	})

	t.Run("Status", func(t *testing.T) {
		s, out := newTestShell()
		d := &stubDaemon{}
		d.On("Status").Return(Status{Companion: "AA", HasCompanion: true, LinkUp: true, ClientState: "CONNECTED", LastEvent: "DISCONNECTED"})
		s.Exec(ctx, d, "status")
		assert.Contains(t, out.String(), "companion:       AA (link up: true)")
		assert.Contains(t, out.String(), "client state:    CONNECTED")
		assert.Contains(t, out.String(), "last event:      DISCONNECTED")
	})

	t.Run("UsageAndQuit", func(t *testing.T) {
		s, out := newTestShell()
		d := &stubDaemon{}
		assert.True(t, s.Exec(ctx, d, "hfp maybe"))
		assert.True(t, s.Exec(ctx, d, "radio thermal"))
		assert.True(t, s.Exec(ctx, d, "frobnicate"))
		assert.False(t, s.Exec(ctx, d, "quit"))
		assert.Contains(t, out.String(), "Usage: hfp on|off")
		assert.Contains(t, out.String(), "Unknown command: frobnicate")
		d.AssertExpectations(t)
	})
}
