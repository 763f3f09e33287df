package connection

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMultistageBackoff(t *testing.T) {
	t.Run("DefaultSequence", func(t *testing.T) {
		b := NewDefaultBackoff()

		expected := []int{2, 2, 2, 2, 2, 4, 8, 16, 32, 64, 128, 256, 300, 300, 300, 300}
		for i, exp := range expected {
			if got := b.Next(); got != exp {
				t.Errorf("Attempt %d: delay = %d, want %d", i, got, exp)
			}
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewDefaultBackoff()
		for i := 0; i < 12; i++ {
			b.Next()
		}
		if b.Attempts() != 12 {
			t.Errorf("Attempts() = %d, want 12", b.Attempts())
		}

		b.Reset()

		if b.Attempts() != 0 {
			t.Errorf("Attempts() after reset = %d, want 0", b.Attempts())
		}
		if got := b.Next(); got != 2 {
			t.Errorf("Next() after reset = %d, want 2", got)
		}
	})

	t.Run("PeekDoesNotAdvance", func(t *testing.T) {
		b := NewDefaultBackoff()
		for i := 0; i < 6; i++ {
			b.Next()
		}
		if b.Peek() != 8 || b.Peek() != 8 {
			t.Errorf("Peek() = %d, want 8", b.Peek())
		}
		if b.Next() != 8 {
			t.Error("Next() should return the peeked value")
		}
	})

	t.Run("StaysClampedForLargeAttemptCounts", func(t *testing.T) {
		b := NewDefaultBackoff()
		for i := 0; i < 10000; i++ {
			b.Next()
		}
		if got := b.Next(); got != 300 {
			t.Errorf("Next() = %d, want 300", got)
		}
	})

	t.Run("ZeroPeriodDoublesImmediately", func(t *testing.T) {
		b := NewMultistageBackoff(1, 0, 10)
		got := []int{b.Next(), b.Next(), b.Next(), b.Next(), b.Next()}
		assert.Equal(t, []int{2, 4, 8, 10, 10}, got)
	})

	t.Run("InvalidParametersFallBack", func(t *testing.T) {
		b := NewMultistageBackoff(0, -1, 0)
		assert.Equal(t, DefaultBaseInterval, b.Next())
	})
}

func TestBackoffSequence(t *testing.T) {
	assert.Equal(t, []int{2, 2, 2, 2, 2, 4, 8}, BackoffSequence(7))
}

func TestClientStateString(t *testing.T) {
	tests := []struct {
		state ClientState
		want  string
	}{
		{ClientIdle, "IDLE"},
		{ClientConnecting, "CONNECTING"},
		{ClientConnected, "CONNECTED"},
		{ClientDisconnecting, "DISCONNECTING"},
		{ClientState(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestParseNetworkType(t *testing.T) {
	for n := NetworkNone; n <= NetworkOther; n++ {
		got, ok := ParseNetworkType(n.String())
		assert.True(t, ok)
		assert.Equal(t, n, got)
	}
	_, ok := ParseNetworkType("BLUETOOTH")
	assert.False(t, ok)
}

type stubTunnel struct{ mock.Mock }

func (s *stubTunnel) ConnectV1(ctx context.Context, sock Socket, version int, cb Callbacks) ConnectResult {
	args := s.Called(ctx, sock, version, cb)
	return args.Get(0).(ConnectResult)
}

func (s *stubTunnel) ConnectV2(ctx context.Context, sock Socket, cb Callbacks) ConnectResult {
	args := s.Called(ctx, sock, cb)
	return args.Get(0).(ConnectResult)
}

func (s *stubTunnel) ContinueConnect(ctx context.Context) ConnectResult {
	args := s.Called(ctx)
	return args.Get(0).(ConnectResult)
}

func (s *stubTunnel) Disconnect(ctx context.Context) bool {
	return s.Called(ctx).Bool(0)
}

func (s *stubTunnel) InterfaceName() string {
	return s.Called().String(0)
}

func (s *stubTunnel) MTU() int {
	return s.Called().Int(0)
}

type nopCallbacks struct{}

func (nopCallbacks) OnActiveNetworkState(NetworkType, bool) {}
func (nopCallbacks) OnDisconnect(int, string)               {}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	sock, peer := net.Pipe()
	defer sock.Close()
	defer peer.Close()

	t.Run("V1PassesVersion", func(t *testing.T) {
		tun := &stubTunnel{}
		cb := nopCallbacks{}
		tun.On("ConnectV1", ctx, sock, 3, cb).Return(ResultConnected).Once()
		tun.On("InterfaceName").Return("sysproxy0")
		tun.On("MTU").Return(1500)

		h, err := NewV1(tun, 3, cb)
		require.NoError(t, err)
		assert.Equal(t, ProtocolV1, h.Protocol())
		assert.Equal(t, 3, h.Version())
		assert.Equal(t, ResultConnected, h.Connect(ctx, sock))
		assert.Equal(t, "sysproxy0", h.InterfaceName())
		assert.Equal(t, 1500, h.MTU())
		tun.AssertExpectations(t)
	})

	t.Run("V2HasNoVersion", func(t *testing.T) {
		tun := &stubTunnel{}
		cb := nopCallbacks{}
		tun.On("ConnectV2", ctx, sock, cb).Return(ResultTimeout).Once()
		tun.On("ContinueConnect", ctx).Return(ResultConnected).Once()
		tun.On("Disconnect", ctx).Return(true).Once()

		h, err := NewV2(tun, cb)
		require.NoError(t, err)
		assert.Equal(t, 0, h.Version())
		assert.Equal(t, ResultTimeout, h.Connect(ctx, sock))
		assert.Equal(t, ResultConnected, h.ContinueConnect(ctx))
		assert.True(t, h.Disconnect(ctx))
		tun.AssertExpectations(t)
		tun.AssertNotCalled(t, "ConnectV1", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := NewV1(nil, 1, nil)
		assert.ErrorIs(t, err, ErrNoTunnel)
		_, err = NewV1(&stubTunnel{}, 0, nil)
		assert.ErrorIs(t, err, ErrInvalidVersion)
		_, err = NewV2(nil, nil)
		assert.ErrorIs(t, err, ErrNoTunnel)
	})

	t.Run("String", func(t *testing.T) {
		h1, _ := NewV1(&stubTunnel{}, 2, nil)
		h2, _ := NewV2(&stubTunnel{}, nil)
		assert.Equal(t, "handle(v1, version=2)", h1.String())
		assert.Equal(t, "handle(v2)", h2.String())
	})
}

type rwc struct {
	io.Reader
	io.Writer
}

func (rwc) Close() error { return nil }

type countingReader struct{}

func (countingReader) Read(p []byte) (int, error) { return len(p), nil }

func TestMonitorTraffic(t *testing.T) {
	var hits atomic.Int32
	sock := MonitorTraffic(rwc{Reader: countingReader{}, Writer: io.Discard}, time.Hour, func() {
		hits.Add(1)
	})

	m := sock.(*monitoredSocket)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	buf := make([]byte, 4)
	_, _ = sock.Read(buf)
	_, _ = sock.Write(buf)
	_, _ = sock.Read(buf)
	assert.Equal(t, int32(1), hits.Load(), "throttled within interval")

	now = now.Add(2 * time.Hour)
	_, _ = sock.Write(buf)
	assert.Equal(t, int32(2), hits.Load())

	_, _ = sock.Write(nil)
	assert.Equal(t, int32(2), hits.Load(), "empty writes are not traffic")
}
