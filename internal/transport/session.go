package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"k8s.io/utils/clock"

	"github.com/zsiec/vidlink/internal/media"
	"github.com/zsiec/vidlink/internal/packet"
)

// Config configures a Session.
type Config struct {
	Endpoint

	// DrainTimeout bounds how long Close waits for queued sends.
	DrainTimeout time.Duration
	// SendQueue is the depth of the drop-oldest send queue. It must hold
	// the largest unit passed to SendUnit.
	SendQueue int
	Clock     clock.WithTicker

	// Callbacks run on the session's read goroutine and must not block.
	// OnState must not call back into the Session.
	OnPacket  func(*rtp.Packet)
	OnControl func([]rtcp.Packet)
	OnState   func(State, error)
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	State           State  `json:"state"`
	PacketsSent     int64  `json:"packetsSent"`
	PacketsReceived int64  `json:"packetsReceived"`
	ControlSent     int64  `json:"controlSent"`
	ControlReceived int64  `json:"controlReceived"`
	BytesSent       int64  `json:"bytesSent"`
	BytesReceived   int64  `json:"bytesReceived"`
	SendDropped     int64  `json:"sendDropped"`
	SendErrors      int64  `json:"sendErrors"`
	Malformed       int64  `json:"malformed"`
	SendQueueLen    int    `json:"sendQueueLen"`
	LocalAddr       string `json:"localAddr,omitempty"`
	RemoteAddr      string `json:"remoteAddr,omitempty"`
}

// outbound is one marshaled packet waiting in the send queue.
type outbound struct {
	buf     []byte
	control bool
}

// Session owns one Conn for the lifetime of a stream. Sends are queued
// and written by a dedicated goroutine so callers never block on the
// network; received packets are demultiplexed into RTP and RTCP and
// pushed to the configured callbacks.
type Session struct {
	cfg Config
	log *slog.Logger
	clk clock.WithTicker

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	err   error
	conn  Conn

	// notifyMu keeps OnState calls in transition order.
	notifyMu sync.Mutex

	queue   *media.Queue[outbound]
	room    chan struct{}
	drain   chan struct{}
	drained chan struct{}

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once

	lastRecv atomic.Int64
	loops    atomic.Int32

	packetsSent     atomic.Int64
	packetsReceived atomic.Int64
	controlSent     atomic.Int64
	controlReceived atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
	sendErrors      atomic.Int64
	malformed       atomic.Int64
}

// NewSession creates an idle session. Nothing is opened until Open.
func NewSession(cfg Config, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.SendQueue < 1 {
		cfg.SendQueue = media.PacketQueueSize
	}
	log = log.With("component", "session", "role", cfg.Role.String(), "transport", cfg.Transport)
	cfg.Log = log

	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		log:     log,
		clk:     cfg.Clock,
		ctx:     ctx,
		cancel:  cancel,
		queue:   media.NewQueue[outbound](cfg.SendQueue),
		room:    make(chan struct{}, 1),
		drain:   make(chan struct{}),
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Open acquires the socket. A sender is Streaming as soon as its conn is
// up; a receiver stays Connecting until the first packet arrives.
func (s *Session) Open(ctx context.Context) error {
	if err := s.transition(StateConnecting, nil); err != nil {
		return err
	}

	dialCtx, cancelDial := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancelDial)
	conn, err := Dial(dialCtx, s.cfg.Endpoint)
	stop()
	cancelDial()
	if err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		err = &Error{Op: "open", Err: err}
		s.fault(err)
		return err
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.wg.Add(3)
	s.loops.Add(3)
	s.mu.Unlock()

	s.touch()
	go s.readLoop(conn)
	go s.writeLoop(conn)
	go s.watchdog()
	go func() {
		s.wg.Wait()
		s.finish()
	}()

	s.log.Info("session open", "local", conn.LocalAddr(), "mtu", conn.MaxPacketSize())
	if s.cfg.Role == RoleSend {
		return s.transition(StateStreaming, nil)
	}
	return nil
}

// Send marshals pkt and queues it. When the queue is full the oldest
// packet is dropped; Send itself never blocks.
func (s *Session) Send(pkt *rtp.Packet) error {
	if !s.sendable() {
		return ErrClosed
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp: %w", err)
	}
	s.queue.Push(outbound{buf: buf})
	return nil
}

// SendUnit queues the packets of one access unit together. Rather than
// evicting earlier packets of the same unit, it waits for the writer to
// free enough room, until ctx is done or the session ends. pkts must come
// from a single producer; concurrent Sends may still evict.
func (s *Session) SendUnit(ctx context.Context, pkts []*rtp.Packet) error {
	if len(pkts) > s.queue.Cap() {
		return fmt.Errorf("%w: %d packets, queue holds %d", ErrUnitTooLarge, len(pkts), s.queue.Cap())
	}
	bufs := make([][]byte, len(pkts))
	for i, pkt := range pkts {
		buf, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		bufs[i] = buf
	}

	for s.queue.Cap()-s.queue.Len() < len(bufs) {
		if !s.sendable() {
			return ErrClosed
		}
		select {
		case <-s.room:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return ErrClosed
		}
	}
	if !s.sendable() {
		return ErrClosed
	}
	for _, buf := range bufs {
		s.queue.Push(outbound{buf: buf})
	}
	return nil
}

// SendControl queues a compound RTCP packet.
func (s *Session) SendControl(pkts ...rtcp.Packet) error {
	if !s.sendable() {
		return ErrClosed
	}
	buf, err := rtcp.Marshal(pkts)
	if err != nil {
		return fmt.Errorf("marshal rtcp: %w", err)
	}
	s.queue.Push(outbound{buf: buf, control: true})
	return nil
}

func (s *Session) sendable() bool {
	st := s.State()
	return st == StateConnecting || st == StateStreaming
}

// Close drains queued sends for up to DrainTimeout, then releases the
// socket and waits for every session goroutine to exit. It is safe to
// call more than once and after a fault.
func (s *Session) Close() error {
	// Open only installs a conn while Connecting, so once the session has
	// left that state the conn read below is final.
	if st := s.State(); !st.Terminal() && st != StateClosing {
		if err := s.transition(StateClosing, nil); err == nil && s.opened() {
			s.awaitDrain()
		}
	}

	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.finish()
	} else if err := conn.Close(); err != nil {
		s.log.Debug("conn close", "error", err)
	}
	<-s.done

	if err := s.transition(StateClosed, nil); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

func (s *Session) opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Session) awaitDrain() {
	close(s.drain)
	if s.cfg.DrainTimeout <= 0 {
		return
	}
	select {
	case <-s.drained:
	case <-s.clk.After(s.cfg.DrainTimeout):
		s.log.Debug("drain timed out", "pending", s.queue.Len())
	case <-s.done:
	}
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fault that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once every session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// MaxPacketSize is the largest datagram the open conn can carry, or zero
// before Open.
func (s *Session) MaxPacketSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return 0
	}
	return s.conn.MaxPacketSize()
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	st := Stats{
		PacketsSent:     s.packetsSent.Load(),
		PacketsReceived: s.packetsReceived.Load(),
		ControlSent:     s.controlSent.Load(),
		ControlReceived: s.controlReceived.Load(),
		BytesSent:       s.bytesSent.Load(),
		BytesReceived:   s.bytesReceived.Load(),
		SendDropped:     s.queue.Dropped(),
		SendErrors:      s.sendErrors.Load(),
		Malformed:       s.malformed.Load(),
		SendQueueLen:    s.queue.Len(),
	}
	s.mu.Lock()
	st.State = s.state
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		if a := conn.LocalAddr(); a != nil {
			st.LocalAddr = a.String()
		}
		if a := conn.RemoteAddr(); a != nil {
			st.RemoteAddr = a.String()
		}
	}
	return st
}

func (s *Session) transition(to State, cause error) error {
	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		if from.Terminal() {
			return ErrClosed
		}
		return fmt.Errorf("transport: invalid transition %s -> %s", from, to)
	}
	s.state = to
	if cause != nil {
		s.err = cause
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.log.Debug("state", "from", from, "to", to, "error", cause)
	if s.cfg.OnState != nil {
		s.cfg.OnState(to, cause)
	}
	return nil
}

// fault moves the session to Faulted and tears down its goroutines.
// Close must still be called to release the socket.
func (s *Session) fault(err error) {
	if s.transition(StateFaulted, err) != nil {
		return
	}
	s.log.Warn("session faulted", "error", err)
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.finish()
		return
	}
	// Unblocks the read goroutine; the socket count drops on Close.
	go conn.Close()
}

func (s *Session) exit() {
	s.loops.Add(-1)
	s.wg.Done()
}

func (s *Session) touch() {
	s.lastRecv.Store(s.clk.Now().UnixNano())
}

func (s *Session) readLoop(conn Conn) {
	defer s.exit()
	for {
		b, err := conn.ReadPacket(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if transient(err) {
				continue
			}
			s.fault(&Error{Op: "read", Err: err})
			return
		}
		s.touch()
		s.bytesReceived.Add(int64(len(b)))
		if s.State() == StateConnecting {
			s.transition(StateStreaming, nil)
		}

		if packet.IsRTCP(b) {
			pkts, err := rtcp.Unmarshal(b)
			if err != nil {
				s.malformed.Add(1)
				continue
			}
			s.controlReceived.Add(1)
			if s.cfg.OnControl != nil {
				s.cfg.OnControl(pkts)
			}
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(b); err != nil {
			s.malformed.Add(1)
			continue
		}
		s.packetsReceived.Add(1)
		if s.cfg.OnPacket != nil {
			s.cfg.OnPacket(&pkt)
		}
	}
}

func (s *Session) writeLoop(conn Conn) {
	defer s.exit()
	drain := s.drain
	for {
		select {
		case out := <-s.queue.C():
			if !s.write(conn, out) {
				return
			}
		case <-drain:
			for {
				out, ok := s.queue.TryPop()
				if !ok {
					break
				}
				if !s.write(conn, out) {
					return
				}
			}
			close(s.drained)
			drain = nil
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) write(conn Conn, out outbound) bool {
	select {
	case s.room <- struct{}{}:
	default:
	}
	if err := conn.WritePacket(out.buf); err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		s.sendErrors.Add(1)
		if transient(err) {
			return true
		}
		s.fault(&Error{Op: "write", Err: err})
		return false
	}
	s.bytesSent.Add(int64(len(out.buf)))
	if out.control {
		s.controlSent.Add(1)
	} else {
		s.packetsSent.Add(1)
	}
	return true
}

// watchdog faults a Streaming session that has heard nothing from its
// peer for IdleTimeout.
func (s *Session) watchdog() {
	defer s.exit()
	idle := s.cfg.IdleTimeout
	if idle <= 0 {
		<-s.ctx.Done()
		return
	}
	t := s.clk.NewTicker(idle / 4)
	defer t.Stop()
	for {
		select {
		case <-t.C():
			if s.State() != StateStreaming {
				continue
			}
			last := time.Unix(0, s.lastRecv.Load())
			if s.clk.Since(last) >= idle {
				s.fault(ErrIdleTimeout)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}
