package transport

import (
	"context"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/zsiec/vidlink/internal/certs"
	"github.com/zsiec/vidlink/internal/config"
)

type recorder struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	control [][]rtcp.Packet
	states  []State
	errs    []error
}

func (r *recorder) onPacket(p *rtp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, p)
}

func (r *recorder) onControl(p []rtcp.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.control = append(r.control, p)
}

func (r *recorder) onState(s State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
	r.errs = append(r.errs, err)
}

func (r *recorder) packetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func (r *recorder) controlCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.control)
}

func (r *recorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newPair(t *testing.T, transport string, idle time.Duration) (send, recv *Session, sr, rr *recorder) {
	t.Helper()
	ctx := context.Background()

	rr = &recorder{}
	var id *certs.Identity
	if transport == config.TransportQUIC {
		var err error
		id, err = certs.Generate(time.Hour)
		require.NoError(t, err)
	}
	recv = NewSession(Config{
		Endpoint: Endpoint{
			Role:        RoleReceive,
			Transport:   transport,
			Listen:      "127.0.0.1:0",
			Identity:    id,
			IdleTimeout: idle,
		},
		DrainTimeout: 100 * time.Millisecond,
		OnPacket:     rr.onPacket,
		OnControl:    rr.onControl,
		OnState:      rr.onState,
	}, nil)
	require.NoError(t, recv.Open(ctx))
	t.Cleanup(func() { recv.Close() })

	addr := recv.Stats().LocalAddr
	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	require.NotEqual(t, "0", port, "receiver must report its bound port")

	ep := Endpoint{
		Role:        RoleSend,
		Transport:   transport,
		Peer:        addr,
		IdleTimeout: idle,
	}
	if id != nil {
		ep.Fingerprint = id.FingerprintBase64()
	}
	sr = &recorder{}
	send = NewSession(Config{
		Endpoint:     ep,
		DrainTimeout: 100 * time.Millisecond,
		OnPacket:     sr.onPacket,
		OnControl:    sr.onControl,
		OnState:      sr.onState,
	}, nil)
	require.NoError(t, send.Open(ctx))
	t.Cleanup(func() { send.Close() })
	return send, recv, sr, rr
}

func testPacket(seq uint16) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      3000,
			SSRC:           0xCAFE,
			Marker:         true,
		},
		Payload: []byte{0x26, 0x01, 0xAA, 0xBB},
	}
}

func exchange(t *testing.T, transport string) {
	send, recv, sr, rr := newPair(t, transport, 0)
	assert.Equal(t, StateStreaming, send.State())

	// Keep sending until the receiver is up; the first datagrams of a
	// handshake-based transport may race the accept.
	require.Eventually(t, func() bool {
		_ = send.Send(testPacket(1))
		return rr.packetCount() > 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, StateStreaming, recv.State())

	rr.mu.Lock()
	got := rr.packets[0]
	rr.mu.Unlock()
	assert.Equal(t, uint32(0xCAFE), got.SSRC)
	assert.Equal(t, []byte{0x26, 0x01, 0xAA, 0xBB}, got.Payload)

	// RTCP flows back over the same socket.
	require.Eventually(t, func() bool {
		_ = recv.SendControl(&rtcp.PictureLossIndication{MediaSSRC: 0xCAFE})
		return sr.controlCount() > 0
	}, 5*time.Second, 20*time.Millisecond)

	sr.mu.Lock()
	pli, ok := sr.control[0][0].(*rtcp.PictureLossIndication)
	sr.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, uint32(0xCAFE), pli.MediaSSRC)
	assert.Zero(t, sr.packetCount(), "rtcp must not surface as rtp")

	st := send.Stats()
	assert.Positive(t, st.PacketsSent)
	assert.Positive(t, st.ControlReceived)
	assert.NotEmpty(t, recv.Stats().RemoteAddr)
}

func TestUDPExchange(t *testing.T) {
	t.Parallel()
	exchange(t, config.TransportUDP)
}

func TestQUICExchange(t *testing.T) {
	t.Parallel()
	exchange(t, config.TransportQUIC)
}

func TestSRTExchange(t *testing.T) {
	t.Parallel()
	exchange(t, config.TransportSRT)
}

func TestQUICRejectsWrongFingerprint(t *testing.T) {
	t.Parallel()
	recv := NewSession(Config{Endpoint: Endpoint{
		Role:      RoleReceive,
		Transport: config.TransportQUIC,
		Listen:    "127.0.0.1:0",
	}}, nil)
	require.NoError(t, recv.Open(context.Background()))
	defer recv.Close()

	other, err := certs.Generate(time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	send := NewSession(Config{Endpoint: Endpoint{
		Role:        RoleSend,
		Transport:   config.TransportQUIC,
		Peer:        recv.Stats().LocalAddr,
		Fingerprint: other.FingerprintBase64(),
	}}, nil)
	err = send.Open(ctx)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "open", terr.Op)
	assert.Equal(t, StateFaulted, send.State())
	require.NoError(t, send.Close())
}

func TestReceiverWaitsForFirstPacket(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	s := NewSession(Config{
		Endpoint: Endpoint{Role: RoleReceive, Listen: "127.0.0.1:0"},
		OnState:  rec.onState,
	}, nil)
	require.NoError(t, s.Open(context.Background()))
	assert.Equal(t, StateConnecting, s.State())

	// With no peer known yet, queued sends are dropped, not fatal.
	require.NoError(t, s.SendControl(&rtcp.ReceiverReport{SSRC: 1}))
	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, []State{StateConnecting, StateClosing, StateClosed}, rec.stateLog())
}

func TestIdleTimeoutFaults(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())

	// A silent receiver: bound but never replying.
	silent := NewSession(Config{Endpoint: Endpoint{Role: RoleReceive, Listen: "127.0.0.1:0"}}, nil)
	require.NoError(t, silent.Open(context.Background()))
	defer silent.Close()

	rec := &recorder{}
	idle := 2 * time.Second
	s := NewSession(Config{
		Endpoint: Endpoint{
			Role:        RoleSend,
			Peer:        silent.Stats().LocalAddr,
			IdleTimeout: idle,
		},
		Clock:   clk,
		OnState: rec.onState,
	}, nil)
	require.NoError(t, s.Open(context.Background()))

	require.Eventually(t, func() bool {
		clk.Step(idle / 2)
		return s.State() == StateFaulted
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, s.Err(), ErrIdleTimeout)
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session goroutines did not exit after fault")
	}
	require.NoError(t, s.Close())
	assert.Equal(t, StateFaulted, s.State(), "a faulted session stays faulted")
	assert.Equal(t, []State{StateConnecting, StateStreaming, StateFaulted}, rec.stateLog())
}

func TestTrafficKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	clk := testingclock.NewFakeClock(time.Now())

	peer := NewSession(Config{
		Endpoint: Endpoint{Role: RoleReceive, Listen: "127.0.0.1:0"},
		OnPacket: func(*rtp.Packet) {},
	}, nil)
	require.NoError(t, peer.Open(context.Background()))
	defer peer.Close()

	idle := 2 * time.Second
	got := make(chan struct{}, 64)
	s := NewSession(Config{
		Endpoint: Endpoint{Role: RoleSend, Peer: peer.Stats().LocalAddr, IdleTimeout: idle},
		Clock:    clk,
		OnControl: func([]rtcp.Packet) {
			select {
			case got <- struct{}{}:
			default:
			}
		},
	}, nil)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	// Teach the peer our address, then have it report back each step.
	require.NoError(t, s.Send(testPacket(1)))
	require.Eventually(t, func() bool { return peer.State() == StateStreaming }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 10; i++ {
		require.NoError(t, peer.SendControl(&rtcp.ReceiverReport{SSRC: 2}))
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("receiver report not delivered")
		}
		clk.Step(idle / 2)
	}
	assert.Equal(t, StateStreaming, s.State())
}

func TestSendOnIdleOrClosedSession(t *testing.T) {
	t.Parallel()
	s := NewSession(Config{Endpoint: Endpoint{Role: RoleSend, Peer: "127.0.0.1:9"}}, nil)
	assert.ErrorIs(t, s.Send(testPacket(1)), ErrClosed)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Open(context.Background()), ErrClosed)
	assert.ErrorIs(t, s.SendControl(&rtcp.PictureLossIndication{}), ErrClosed)
	require.NoError(t, s.Close())
}

func TestUnknownTransport(t *testing.T) {
	t.Parallel()
	_, err := Dial(context.Background(), Endpoint{Transport: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownTransport)
}

func TestSendQueueDropsOldest(t *testing.T) {
	t.Parallel()
	s := NewSession(Config{
		Endpoint:  Endpoint{Role: RoleReceive, Listen: "127.0.0.1:0"},
		SendQueue: 4,
	}, nil)
	require.NoError(t, s.Open(context.Background()))
	defer s.Close()

	// No peer yet, so the writer discards; pushing faster than it drains
	// must never block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			s.Send(testPacket(uint16(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked")
	}
	assert.LessOrEqual(t, s.Stats().SendQueueLen, 4)
}

func TestSendUnitWaitsForRoom(t *testing.T) {
	t.Parallel()
	s := NewSession(Config{
		Endpoint:  Endpoint{Role: RoleReceive, Listen: "127.0.0.1:0"},
		SendQueue: 8,
	}, nil)
	ctx := context.Background()
	assert.ErrorIs(t, s.SendUnit(ctx, []*rtp.Packet{testPacket(0)}), ErrClosed)
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	unit := make([]*rtp.Packet, 8)
	for i := range unit {
		unit[i] = testPacket(uint16(i))
	}
	for i := 0; i < 500; i++ {
		require.NoError(t, s.SendUnit(ctx, unit))
	}
	assert.Zero(t, s.Stats().SendDropped, "whole units must never displace each other")

	err := s.SendUnit(ctx, append(unit, testPacket(8)))
	assert.ErrorIs(t, err, ErrUnitTooLarge)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	for i := 0; i < 100; i++ {
		if err := s.SendUnit(canceled, unit); err != nil {
			assert.ErrorIs(t, err, context.Canceled)
			break
		}
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateConnecting, true},
		{StateIdle, StateStreaming, false},
		{StateConnecting, StateStreaming, true},
		{StateStreaming, StateConnecting, false},
		{StateStreaming, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateIdle, StateFaulted, true},
		{StateClosing, StateFaulted, true},
		{StateClosed, StateFaulted, false},
		{StateFaulted, StateClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			t.Parallel()
			if got := canTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

// Not parallel: OpenConns is process-wide.
func TestOpenCloseReleasesSockets(t *testing.T) {
	base := OpenConns()
	for i := 0; i < 200; i++ {
		recv := NewSession(Config{Endpoint: Endpoint{Role: RoleReceive, Listen: "127.0.0.1:0"}}, nil)
		require.NoError(t, recv.Open(context.Background()))
		send := NewSession(Config{Endpoint: Endpoint{Role: RoleSend, Peer: recv.Stats().LocalAddr}}, nil)
		require.NoError(t, send.Open(context.Background()))
		require.NoError(t, send.Send(testPacket(uint16(i))))

		require.NoError(t, send.Close())
		require.NoError(t, recv.Close())
	}
	assert.Equal(t, base, OpenConns())
}

// Not parallel: OpenConns is process-wide.
func TestCloseDuringDial(t *testing.T) {
	base := OpenConns()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nothing answers, so the QUIC handshake blocks until Close.
	s := NewSession(Config{Endpoint: Endpoint{
		Role:      RoleSend,
		Transport: config.TransportQUIC,
		Peer:      "127.0.0.1:9",
	}}, nil)
	errc := make(chan error, 1)
	go func() { errc <- s.Open(ctx) }()

	require.Eventually(t, func() bool { return s.State() == StateConnecting }, time.Second, time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Open did not return after Close")
	}
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, base, OpenConns())
}

// Not parallel: OpenConns is process-wide.
func TestCloseRacingOpenWaitsForLoops(t *testing.T) {
	base := OpenConns()
	recv := NewSession(Config{Endpoint: Endpoint{Role: RoleReceive, Listen: "127.0.0.1:0"}}, nil)
	require.NoError(t, recv.Open(context.Background()))
	defer recv.Close()

	for i := 0; i < 200; i++ {
		s := NewSession(Config{Endpoint: Endpoint{Role: RoleSend, Peer: recv.Stats().LocalAddr}}, nil)
		opened := make(chan struct{})
		go func() {
			defer close(opened)
			s.Open(context.Background())
		}()
		if i%2 == 0 {
			runtime.Gosched()
		}
		require.NoError(t, s.Close())
		require.Zero(t, s.loops.Load(), "iteration %d: session goroutines outlived Close", i)
		<-opened
	}
	require.NoError(t, recv.Close())
	assert.Equal(t, base, OpenConns())
}
