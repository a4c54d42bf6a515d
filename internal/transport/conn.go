// Package transport carries RTP and RTCP between peers over UDP, QUIC
// datagrams or SRT, and manages the lifecycle of one streaming session.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/vidlink/internal/certs"
	"github.com/zsiec/vidlink/internal/config"
)

// Role is the direction of a session.
type Role int

// Session roles.
const (
	RoleSend Role = iota
	RoleReceive
)

func (r Role) String() string {
	if r == RoleReceive {
		return "receive"
	}
	return "send"
}

// MarshalText renders the role name in JSON.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText accepts "send" or "receive".
func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "send":
		*r = RoleSend
	case "receive":
		*r = RoleReceive
	default:
		return fmt.Errorf("unknown role %q", b)
	}
	return nil
}

// Conn is a message-preserving datagram socket: every WritePacket is
// delivered, if at all, as exactly one ReadPacket.
type Conn interface {
	WritePacket(b []byte) error
	// ReadPacket blocks until a packet arrives, ctx is done or the conn is
	// closed. The returned slice is owned by the caller.
	ReadPacket(ctx context.Context) ([]byte, error)
	Close() error
	MaxPacketSize() int
	LocalAddr() net.Addr
	// RemoteAddr is nil until a listening side has heard from its peer.
	RemoteAddr() net.Addr
}

// Endpoint describes how to open a Conn.
type Endpoint struct {
	Role      Role
	Transport string // config.TransportUDP, TransportQUIC or TransportSRT
	Peer      string // remote address, used by senders
	Listen    string // local address, used by receivers
	// StreamID identifies the session to SRT listeners.
	StreamID string
	// Fingerprint pins the QUIC listener certificate on the sending side.
	Fingerprint string
	// Identity is presented by QUIC listeners; one is generated if nil.
	Identity    *certs.Identity
	IdleTimeout time.Duration
	Log         *slog.Logger
}

// Dial opens a Conn for ep. Senders connect to Peer and may block until
// the handshake completes or ctx is done; receivers bind Listen and return
// immediately.
func Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	if ep.Log == nil {
		ep.Log = slog.Default()
	}
	switch ep.Transport {
	case config.TransportUDP, "":
		if ep.Role == RoleSend {
			return dialUDP(ctx, ep)
		}
		return listenUDP(ep)
	case config.TransportQUIC:
		if ep.Role == RoleSend {
			return dialQUIC(ctx, ep)
		}
		return listenQUIC(ep)
	case config.TransportSRT:
		if ep.Role == RoleSend {
			return dialSRT(ctx, ep)
		}
		return listenSRT(ep)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, ep.Transport)
	}
}

// PacketLimit is the largest packet the named backend carries, the same
// value its Conn reports from MaxPacketSize. Unknown names report zero.
func PacketLimit(transport string) int {
	switch transport {
	case config.TransportUDP, "":
		return maxUDPPayload
	case config.TransportQUIC:
		return maxQUICDatagram
	case config.TransportSRT:
		return maxSRTPayload
	default:
		return 0
	}
}

var openConns atomic.Int64

// OpenConns reports how many sockets are currently held by this process.
func OpenConns() int64 {
	return openConns.Load()
}

// socketRef counts one held socket and releases it exactly once.
type socketRef struct {
	once sync.Once
}

func acquire() *socketRef {
	openConns.Add(1)
	return &socketRef{}
}

func (r *socketRef) release(closeFn func() error) error {
	var err error
	r.once.Do(func() {
		err = closeFn()
		openConns.Add(-1)
	})
	return err
}
