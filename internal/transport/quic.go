package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/vidlink/internal/certs"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "vidlink-rtp"

// mediaFlowID tags every datagram, in the style of RTP over QUIC.
const mediaFlowID = 0

// maxQUICDatagram is a conservative datagram payload that fits the
// smallest QUIC packet size on any path.
const maxQUICDatagram = 1100

// quicConn carries packets in QUIC DATAGRAM frames. A sending conn dials
// its peer; a receiving conn listens and adopts the first connection.
type quicConn struct {
	log *slog.Logger
	ref *socketRef

	ln       *quic.Listener
	local    net.Addr
	accepted chan struct{}
	cancel   context.CancelFunc

	mu   sync.Mutex
	conn quic.Connection
}

func quicConfig(idle time.Duration) *quic.Config {
	cfg := &quic.Config{EnableDatagrams: true}
	if idle > 0 {
		cfg.MaxIdleTimeout = 2 * idle
		cfg.KeepAlivePeriod = idle / 2
	}
	return cfg
}

func dialQUIC(ctx context.Context, ep Endpoint) (*quicConn, error) {
	tlsConf, err := certs.ClientConfig(ep.Fingerprint, ALPN)
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, ep.Peer, tlsConf, quicConfig(ep.IdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", ep.Peer, err)
	}
	if !conn.ConnectionState().SupportsDatagrams {
		conn.CloseWithError(0, "datagrams required")
		return nil, fmt.Errorf("quic dial %s: peer does not support datagrams", ep.Peer)
	}
	q := &quicConn{
		log:      ep.Log.With("component", "quic"),
		ref:      acquire(),
		local:    conn.LocalAddr(),
		accepted: make(chan struct{}),
		cancel:   func() {},
		conn:     conn,
	}
	close(q.accepted)
	return q, nil
}

func listenQUIC(ep Endpoint) (*quicConn, error) {
	id := ep.Identity
	if id == nil {
		var err error
		if id, err = certs.Generate(0); err != nil {
			return nil, err
		}
	}
	ln, err := quic.ListenAddr(ep.Listen, id.ServerConfig(ALPN), quicConfig(ep.IdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", ep.Listen, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &quicConn{
		log:      ep.Log.With("component", "quic"),
		ref:      acquire(),
		ln:       ln,
		local:    ln.Addr(),
		accepted: make(chan struct{}),
		cancel:   cancel,
	}
	go q.acceptOne(ctx)
	return q, nil
}

func (q *quicConn) acceptOne(ctx context.Context) {
	conn, err := q.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() == nil {
			q.log.Warn("accept error", "error", err)
		}
		return
	}
	q.mu.Lock()
	q.conn = conn
	q.mu.Unlock()
	q.log.Info("peer connected", "peer", conn.RemoteAddr())
	close(q.accepted)
}

func (q *quicConn) current() quic.Connection {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.conn
}

func (q *quicConn) WritePacket(b []byte) error {
	conn := q.current()
	if conn == nil {
		return ErrNoPeer
	}
	buf := make([]byte, 0, quicvarint.Len(mediaFlowID)+len(b))
	buf = quicvarint.Append(buf, mediaFlowID)
	buf = append(buf, b...)
	return conn.SendDatagram(buf)
}

func (q *quicConn) ReadPacket(ctx context.Context) ([]byte, error) {
	select {
	case <-q.accepted:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	conn := q.current()
	if conn == nil {
		return nil, net.ErrClosed
	}
	for {
		d, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return nil, err
		}
		flow, n, err := quicvarint.Parse(d)
		if err != nil || flow != mediaFlowID {
			q.log.Debug("dropping datagram", "flow", flow, "error", err)
			continue
		}
		return d[n:], nil
	}
}

func (q *quicConn) Close() error {
	return q.ref.release(func() error {
		q.cancel()
		var errs []error
		if conn := q.current(); conn != nil {
			errs = append(errs, conn.CloseWithError(0, "session closed"))
		}
		if q.ln != nil {
			errs = append(errs, q.ln.Close())
		}
		return errors.Join(errs...)
	})
}

func (q *quicConn) MaxPacketSize() int { return maxQUICDatagram }

func (q *quicConn) LocalAddr() net.Addr { return q.local }

func (q *quicConn) RemoteAddr() net.Addr {
	if conn := q.current(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}
