package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/pipeline"
	"github.com/zsiec/vidlink/internal/sdp"
	"github.com/zsiec/vidlink/internal/transport"
)

func testStream() config.Stream {
	s := config.Default()
	s.Width, s.Height = 64, 48
	s.Bitrate = 1_000_000
	s.IdleTimeout = 0
	s.DrainTimeout = 20 * time.Millisecond
	return s
}

func sendSpec(peer string) Spec {
	return Spec{Role: transport.RoleSend, Peer: peer, Stream: testStream()}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// fakePipeline fails every run with err.
type fakePipeline struct {
	err    error
	params sdp.ParameterSets
}

func (f *fakePipeline) Run(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return nil
}

func (f *fakePipeline) PipelineDebug() pipeline.Debug { return pipeline.Debug{} }
func (f *fakePipeline) ParameterSets() *sdp.ParameterSets { return &f.params }
func (f *fakePipeline) State() transport.State { return transport.StateIdle }

func failingManager(t *testing.T, clk *testingclock.FakeClock, maxRestarts int, builds *atomic.Int32) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		MaxRestarts:    maxRestarts,
		RestartBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
		Clock:          clk,
		NewPipeline: func(Spec, pipeline.Options, *slog.Logger) (pipeline.Pipeline, error) {
			builds.Add(1)
			return &fakePipeline{err: errors.New("decoder fault")}, nil
		},
	}, nil)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestStartStopSender(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{}, nil)
	defer m.Close()
	events, unsubscribe := m.Subscribe(16)
	defer unsubscribe()

	id, err := m.Start(context.Background(), sendSpec("127.0.0.1:9"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	assert.Equal(t, transport.StateConnecting, nextEvent(t, events).State)
	ev := nextEvent(t, events)
	assert.Equal(t, transport.StateStreaming, ev.State)
	assert.Equal(t, id, ev.SessionID)
	assert.Equal(t, transport.RoleSend, ev.Role)

	info, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, transport.StateStreaming, info.State)
	assert.Equal(t, "udp", info.Transport)
	assert.Len(t, m.List(), 1)

	d, err := m.Debug(id)
	require.NoError(t, err)
	assert.Equal(t, "send", d.Role)

	require.NoError(t, m.Stop(id))
	ev = nextEvent(t, events)
	assert.Equal(t, transport.StateClosed, ev.State)
	assert.True(t, ev.Final)
	assert.Empty(t, m.List())

	_, ok = m.Get(id)
	assert.False(t, ok)
	assert.ErrorIs(t, m.Stop(id), ErrNotFound)
}

func TestDuplicatePeerAndRole(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{}, nil)
	defer m.Close()

	id, err := m.Start(context.Background(), sendSpec("127.0.0.1:19"))
	require.NoError(t, err)

	_, err = m.Start(context.Background(), sendSpec("127.0.0.1:19"))
	require.ErrorIs(t, err, ErrDuplicate)

	// Same peer, other role, is a different session.
	recv := Spec{Role: transport.RoleReceive, Listen: "127.0.0.1:0", Stream: testStream()}
	_, err = m.Start(context.Background(), recv)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.Stop(id))
	_, err = m.Start(context.Background(), sendSpec("127.0.0.1:19"))
	assert.NoError(t, err, "peer should be free after stop")
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{}, nil)
	defer m.Close()

	bad := testStream()
	bad.FrameRate = 0
	tests := []struct {
		name string
		spec Spec
	}{
		{"send without peer", Spec{Role: transport.RoleSend, Stream: testStream()}},
		{"receive without listen", Spec{Role: transport.RoleReceive, Stream: testStream()}},
		{"unknown role", Spec{Role: transport.Role(7), Peer: "127.0.0.1:9", Stream: testStream()}},
		{"invalid stream", Spec{Role: transport.RoleSend, Peer: "127.0.0.1:9", Stream: bad}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Start(context.Background(), tt.spec)
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
	assert.Zero(t, m.Len())
}

func TestStartHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{}, nil)
	defer m.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Start(ctx, sendSpec("127.0.0.1:9"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRestartWithBackoff(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	var builds atomic.Int32
	m := failingManager(t, clk, 2, &builds)
	events, unsubscribe := m.Subscribe(16)
	defer unsubscribe()

	id, err := m.Start(context.Background(), sendSpec("127.0.0.1:9"))
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, transport.StateFaulted, ev.State)
	assert.False(t, ev.Final)
	assert.Equal(t, "decoder fault", ev.Err)

	// Not due yet.
	m.Tick(clk.Now())
	assert.EqualValues(t, 1, builds.Load())

	clk.Step(time.Second)
	m.Tick(clk.Now())
	assert.EqualValues(t, 2, builds.Load())
	ev = nextEvent(t, events)
	assert.False(t, ev.Final)
	info, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, 1, info.Restarts)
	assert.Equal(t, transport.StateFaulted, info.State)

	// The second delay is doubled.
	clk.Step(time.Second)
	m.Tick(clk.Now())
	assert.EqualValues(t, 2, builds.Load())
	clk.Step(time.Second)
	m.Tick(clk.Now())
	assert.EqualValues(t, 3, builds.Load())

	ev = nextEvent(t, events)
	assert.Equal(t, transport.StateFaulted, ev.State)
	assert.True(t, ev.Final, "restart budget spent")
	_, ok = m.Get(id)
	assert.False(t, ok)

	// A failed session frees its peer.
	_, err = m.Start(context.Background(), sendSpec("127.0.0.1:9"))
	assert.NoError(t, err)
}

func TestNoRestartsFailsImmediately(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	var builds atomic.Int32
	m := failingManager(t, clk, 0, &builds)
	events, unsubscribe := m.Subscribe(4)
	defer unsubscribe()

	_, err := m.Start(context.Background(), sendSpec("127.0.0.1:9"))
	require.NoError(t, err)
	ev := nextEvent(t, events)
	assert.True(t, ev.Final)
	assert.Zero(t, m.Len())
}

func TestStopDuringBackoff(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())
	var builds atomic.Int32
	m := failingManager(t, clk, 3, &builds)
	events, unsubscribe := m.Subscribe(4)
	defer unsubscribe()

	id, err := m.Start(context.Background(), sendSpec("127.0.0.1:9"))
	require.NoError(t, err)
	require.Equal(t, transport.StateFaulted, nextEvent(t, events).State)

	require.NoError(t, m.Stop(id))
	ev := nextEvent(t, events)
	assert.Equal(t, transport.StateClosed, ev.State)
	assert.True(t, ev.Final)

	clk.Step(time.Minute)
	m.Tick(clk.Now())
	assert.EqualValues(t, 1, builds.Load(), "stopped session was restarted")
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{RestartBackoff: time.Second, MaxBackoff: 5 * time.Second}, nil)
	defer m.Close()
	tests := []struct {
		restarts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{40, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.backoff(tt.restarts), "restarts=%d", tt.restarts)
	}
}

func TestDescribeSender(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{}, nil)
	defer m.Close()

	id, err := m.Start(context.Background(), sendSpec("127.0.0.1:5004"))
	require.NoError(t, err)

	out, err := m.Describe(id)
	require.NoError(t, err)
	assert.Contains(t, string(out), "m=video 5004 RTP/AVP 96")
	assert.Contains(t, string(out), "sprop-sps=")

	_, err = m.Describe("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDescribeReceiverNeedsParameterSets(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{}, nil)
	defer m.Close()

	id, err := m.Start(context.Background(), Spec{Role: transport.RoleReceive, Listen: "127.0.0.1:0", Stream: testStream()})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, _ := m.Get(id)
		return info.LocalAddr != ""
	}, 5*time.Second, 5*time.Millisecond)

	_, err = m.Describe(id)
	assert.ErrorIs(t, err, sdp.ErrNotReady)
}

func TestCloseStopsEverything(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{}, nil)
	events, _ := m.Subscribe(16)

	for _, peer := range []string{"127.0.0.1:21", "127.0.0.1:22"} {
		_, err := m.Start(context.Background(), sendSpec(peer))
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())
	assert.Zero(t, m.Len())

	closed := 0
	for ev := range events {
		if ev.State == transport.StateClosed && ev.Final {
			closed++
		}
	}
	assert.Equal(t, 2, closed)

	_, err := m.Start(context.Background(), sendSpec("127.0.0.1:23"))
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, m.Close())

	late, _ := m.Subscribe(1)
	_, ok := <-late
	assert.False(t, ok)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{}, nil)
	defer m.Close()
	_, unsubscribe := m.Subscribe(0)
	defer unsubscribe()

	id, err := m.Start(context.Background(), sendSpec("127.0.0.1:9"))
	require.NoError(t, err)
	require.NoError(t, m.Stop(id))
	assert.Positive(t, m.EventsDropped())
}

func TestKeyIncludesTransport(t *testing.T) {
	t.Parallel()
	a := sendSpec("127.0.0.1:9")
	b := sendSpec("127.0.0.1:9")
	b.Stream.Transport = config.TransportQUIC
	assert.NotEqual(t, a.key(), b.key())
	assert.True(t, strings.HasPrefix(a.key(), "send|"))
}

// Start/stop cycles must not leak sockets. Not parallel: it reads the
// process-wide open connection gauge.
func TestStartStopCyclesReleaseSockets(t *testing.T) {
	cycles := 10_000
	if testing.Short() {
		cycles = 500
	}
	base := transport.OpenConns()
	m := NewManager(ManagerConfig{}, slog.New(slog.DiscardHandler))
	defer m.Close()

	specs := []Spec{
		sendSpec("127.0.0.1:9"),
		{Role: transport.RoleReceive, Listen: "127.0.0.1:0", Stream: testStream()},
	}
	for i := range cycles {
		id, err := m.Start(context.Background(), specs[i%len(specs)])
		require.NoError(t, err, "cycle %d", i)
		require.NoError(t, m.Stop(id), "cycle %d", i)
	}
	assert.Zero(t, m.Len())
	assert.Equal(t, base, transport.OpenConns())
}

func TestDebugWhileStarting(t *testing.T) {
	t.Parallel()
	m := NewManager(ManagerConfig{
		NewPipeline: func(Spec, pipeline.Options, *slog.Logger) (pipeline.Pipeline, error) {
			return &fakePipeline{}, nil
		},
	}, nil)
	defer m.Close()

	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, info := range m.List() {
				_, _ = m.Debug(info.ID)
				_, _ = m.Describe(info.ID)
			}
		}
	}()

	for i := 0; i < 300; i++ {
		id, err := m.Start(context.Background(), sendSpec(fmt.Sprintf("127.0.0.1:%d", 20000+i)))
		require.NoError(t, err)
		if i%2 == 1 {
			require.NoError(t, m.Stop(id))
		}
	}
	close(stop)
	<-polled
}
