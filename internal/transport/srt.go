package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// maxSRTPayload is the live-mode payload size; each write is one message.
const maxSRTPayload = 1316

// srtDialTimeout bounds the caller handshake.
const srtDialTimeout = 10 * time.Second

// StreamIDPrefix prefixes the SRT stream id of every session.
const StreamIDPrefix = "vidlink/"

// srtConn is an SRT live-mode connection. The sender is the caller; the
// receiver listens and accepts the first caller that presents a vidlink
// stream id.
type srtConn struct {
	log   *slog.Logger
	ref   *socketRef
	local net.Addr

	closeListener func() error
	accepted      chan struct{}

	mu   sync.Mutex
	conn *srtgo.Conn
	buf  []byte
}

func srtConfig(streamID string) srtgo.Config {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID
	return cfg
}

func dialSRT(ctx context.Context, ep Endpoint) (*srtConn, error) {
	cfg := srtConfig(StreamIDPrefix + ep.StreamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(ep.Peer, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(srtDialTimeout)
	defer timer.Stop()

	// A dial that loses the race is closed in the background.
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt dial %s: %w", ep.Peer, res.err)
		}
		s := &srtConn{
			log:           ep.Log.With("component", "srt"),
			ref:           acquire(),
			closeListener: func() error { return nil },
			accepted:      make(chan struct{}),
			conn:          res.conn,
			buf:           make([]byte, maxSRTPayload*2),
		}
		close(s.accepted)
		return s, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("srt dial %s: timed out after %s", ep.Peer, srtDialTimeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func listenSRT(ep Endpoint) (*srtConn, error) {
	l, err := srtgo.Listen(ep.Listen, srtConfig(""))
	if err != nil {
		return nil, fmt.Errorf("srt listen %s: %w", ep.Listen, err)
	}

	var taken atomic.Bool
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if !strings.HasPrefix(strings.TrimPrefix(req.StreamID, "/"), StreamIDPrefix) || taken.Load() {
			return srtgo.RejPeer
		}
		return 0
	})

	s := &srtConn{
		log:           ep.Log.With("component", "srt"),
		ref:           acquire(),
		local:         l.Addr(),
		closeListener: l.Close,
		accepted:      make(chan struct{}),
		buf:           make([]byte, maxSRTPayload*2),
	}

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		taken.Store(true)
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.log.Info("peer connected", "peer", conn.RemoteAddr(), "stream_id", conn.StreamID())
		close(s.accepted)
	}()
	return s, nil
}

func (s *srtConn) current() *srtgo.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *srtConn) WritePacket(b []byte) error {
	conn := s.current()
	if conn == nil {
		return ErrNoPeer
	}
	_, err := conn.Write(b)
	return err
}

func (s *srtConn) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case <-s.accepted:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	conn := s.current()
	n, err := conn.Read(s.buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), s.buf[:n]...), nil
}

func (s *srtConn) Close() error {
	return s.ref.release(func() error {
		err := s.closeListener()
		if conn := s.current(); conn != nil {
			conn.Close()
		}
		return err
	})
}

func (s *srtConn) MaxPacketSize() int { return maxSRTPayload }

func (s *srtConn) LocalAddr() net.Addr { return s.local }

func (s *srtConn) RemoteAddr() net.Addr {
	if conn := s.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}
