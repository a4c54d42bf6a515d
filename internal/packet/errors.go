package packet

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for packetization. Loss causes are carried by LossEvent
// and are never fatal to a session.
var (
	ErrInvalidUnit       = errors.New("packet: invalid access unit")
	ErrUnitTooLarge      = errors.New("packet: access unit needs too many packets")
	ErrMalformed         = errors.New("packet: malformed packet")
	ErrLatePacket        = errors.New("packet: late packet")
	ErrSequenceGap       = errors.New("packet: sequence gap")
	ErrReassemblyTimeout = errors.New("packet: reassembly timeout")
)

// LossEvent reports packets that will never be delivered. One event is
// raised per gap: the missing range is accounted once and never reported
// again.
type LossEvent struct {
	Cause        error  // ErrSequenceGap, ErrReassemblyTimeout or ErrMalformed
	FirstMissing uint16 // first sequence number of the lost range
	LastMissing  uint16 // last sequence number of the lost range
	Packets      int    // packets in the lost range that never arrived
	Units        int    // incomplete access units discarded
	At           time.Time
}

func (e LossEvent) Error() string {
	return fmt.Sprintf("%v: seq %d..%d (%d packets, %d units)",
		e.Cause, e.FirstMissing, e.LastMissing, e.Packets, e.Units)
}

func (e LossEvent) Unwrap() error {
	return e.Cause
}
