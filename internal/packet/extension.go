package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// FragmentExtensionID is the RFC 8285 one-byte header extension carrying
// a packet's position within its access unit.
const FragmentExtensionID = 1

// Fragment locates a packet within its access unit.
type Fragment struct {
	Index uint16
	Count uint16
}

func (f Fragment) marshal() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], f.Index)
	binary.BigEndian.PutUint16(b[2:4], f.Count)
	return b
}

// FragmentOf reads the fragment extension from an RTP header.
func FragmentOf(h *rtp.Header) (Fragment, error) {
	b := h.GetExtension(FragmentExtensionID)
	if len(b) != 4 {
		return Fragment{}, fmt.Errorf("%w: fragment extension of %d bytes", ErrMalformed, len(b))
	}
	f := Fragment{
		Index: binary.BigEndian.Uint16(b[0:2]),
		Count: binary.BigEndian.Uint16(b[2:4]),
	}
	if f.Count == 0 || f.Index >= f.Count {
		return Fragment{}, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, f.Index, f.Count)
	}
	return f, nil
}

// IsRTCP reports whether a datagram multiplexed on an RTP port is RTCP
// (RFC 5761: payload type byte 192-223).
func IsRTCP(buf []byte) bool {
	return len(buf) >= 2 && buf[1] >= 192 && buf[1] <= 223
}
