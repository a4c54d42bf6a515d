package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/host"
	"github.com/zsiec/vidlink/internal/transport"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrDuplicate = errors.New("session already active")
	ErrClosed    = errors.New("session manager closed")
)

// Spec describes a session to start. Senders need Peer, receivers need
// Listen. Source and Sink are optional; without them the host drives
// the pipeline's frame queues itself.
type Spec struct {
	Peer        string         `json:"peer,omitempty"`
	Listen      string         `json:"listen,omitempty"`
	Role        transport.Role `json:"role"`
	Stream      config.Stream  `json:"stream"`
	StreamID    string         `json:"streamId,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Source      host.Source    `json:"-"`
	Sink        host.Sink      `json:"-"`
}

func (s Spec) validate() error {
	switch {
	case s.Role != transport.RoleSend && s.Role != transport.RoleReceive:
		return &config.Error{Field: "role", Err: fmt.Errorf("%w: %d", config.ErrInvalid, s.Role)}
	case s.Role == transport.RoleSend && s.Peer == "":
		return &config.Error{Field: "peer", Err: fmt.Errorf("%w: required to send", config.ErrInvalid)}
	case s.Role == transport.RoleReceive && s.Listen == "":
		return &config.Error{Field: "listen", Err: fmt.Errorf("%w: required to receive", config.ErrInvalid)}
	}
	return nil
}

// key identifies the (peer, role) pair a session occupies. Receivers
// are keyed by their listen address.
func (s Spec) key() string {
	addr := s.Peer
	if s.Role == transport.RoleReceive {
		addr = s.Listen
	}
	return s.Role.String() + "|" + s.Stream.Transport + "://" + addr
}

// Event is a session state change. Final marks the last event of a
// session.
type Event struct {
	SessionID string          `json:"sessionId"`
	Peer      string          `json:"peer,omitempty"`
	Listen    string          `json:"listen,omitempty"`
	Role      transport.Role  `json:"role"`
	State     transport.State `json:"state"`
	Err       string          `json:"error,omitempty"`
	Final     bool            `json:"final,omitempty"`
	At        time.Time       `json:"at"`
}

// Info is a snapshot of one session.
type Info struct {
	ID        string          `json:"id"`
	Peer      string          `json:"peer,omitempty"`
	Listen    string          `json:"listen,omitempty"`
	Role      transport.Role  `json:"role"`
	Transport string          `json:"transport"`
	State     transport.State `json:"state"`
	LocalAddr string          `json:"localAddr,omitempty"`
	Restarts  int             `json:"restarts"`
	StartedAt time.Time       `json:"startedAt"`
	LastError string          `json:"lastError,omitempty"`
}
