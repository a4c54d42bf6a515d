package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// maxUDPPayload is the largest IPv4 UDP payload.
const maxUDPPayload = 65507

// udpSocketBuffer is requested for both socket directions so a key frame
// burst is not lost in the kernel. The OS may grant less.
const udpSocketBuffer = 4 << 20

// udpConn is a plain UDP socket. A sending conn is connected to its peer;
// a receiving conn binds the listen address and adopts the source of the
// first datagram as its peer, ignoring everyone else.
type udpConn struct {
	log *slog.Logger
	c   *net.UDPConn
	ref *socketRef

	connected bool
	mu        sync.Mutex
	peer      *net.UDPAddr
	buf       []byte
}

func dialUDP(ctx context.Context, ep Endpoint) (*udpConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", ep.Peer)
	if err != nil {
		return nil, fmt.Errorf("udp dial %s: %w", ep.Peer, err)
	}
	uc := c.(*net.UDPConn)
	log := ep.Log.With("component", "udp")
	setSocketBuffers(uc, log)
	return &udpConn{
		log:       log,
		c:         uc,
		ref:       acquire(),
		connected: true,
		peer:      uc.RemoteAddr().(*net.UDPAddr),
		buf:       make([]byte, maxUDPPayload),
	}, nil
}

func listenUDP(ep Endpoint) (*udpConn, error) {
	addr, err := net.ResolveUDPAddr("udp", ep.Listen)
	if err != nil {
		return nil, fmt.Errorf("udp resolve %s: %w", ep.Listen, err)
	}
	c, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udp listen %s: %w", ep.Listen, err)
	}
	log := ep.Log.With("component", "udp")
	setSocketBuffers(c, log)
	return &udpConn{
		log: log,
		c:   c,
		ref: acquire(),
		buf: make([]byte, maxUDPPayload),
	}, nil
}

func setSocketBuffers(c *net.UDPConn, log *slog.Logger) {
	if err := c.SetReadBuffer(udpSocketBuffer); err != nil {
		log.Debug("set read buffer", "error", err)
	}
	if err := c.SetWriteBuffer(udpSocketBuffer); err != nil {
		log.Debug("set write buffer", "error", err)
	}
}

func (u *udpConn) WritePacket(b []byte) error {
	if u.connected {
		_, err := u.c.Write(b)
		return err
	}
	u.mu.Lock()
	peer := u.peer
	u.mu.Unlock()
	if peer == nil {
		return ErrNoPeer
	}
	_, err := u.c.WriteToUDP(b, peer)
	return err
}

func (u *udpConn) ReadPacket(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if u.connected {
			n, err := u.c.Read(u.buf)
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), u.buf[:n]...), nil
		}

		n, from, err := u.c.ReadFromUDP(u.buf)
		if err != nil {
			return nil, err
		}
		u.mu.Lock()
		switch {
		case u.peer == nil:
			u.peer = from
			u.log.Info("peer learned", "peer", from)
		case !u.peer.IP.Equal(from.IP) || u.peer.Port != from.Port:
			u.mu.Unlock()
			u.log.Debug("ignoring datagram from stranger", "from", from, "peer", u.peer)
			continue
		}
		u.mu.Unlock()
		return append([]byte(nil), u.buf[:n]...), nil
	}
}

func (u *udpConn) Close() error {
	err := u.ref.release(u.c.Close)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (u *udpConn) MaxPacketSize() int { return maxUDPPayload }

func (u *udpConn) LocalAddr() net.Addr { return u.c.LocalAddr() }

func (u *udpConn) RemoteAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.peer == nil {
		return nil
	}
	return u.peer
}
