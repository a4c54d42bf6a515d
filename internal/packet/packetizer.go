// Package packet maps access units onto RTP packets and back, using the
// HEVC payload format of RFC 7798 plus a fragment header extension that
// lets the receiver account for every packet of a unit.
package packet

import (
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/pion/rtp"

	"github.com/zsiec/vidlink/internal/media"
)

// PayloadType is the dynamic RTP payload type used for video.
const PayloadType = 96

// RFC 7798 header sizes.
const (
	payloadHeaderSize = 2
	fuHeaderSize      = 1
	apLengthSize      = 2
)

// PacketizerConfig is fixed for the life of a Packetizer.
type PacketizerConfig struct {
	MTU         int    // largest marshaled packet in bytes
	SSRC        uint32 // 0 picks a random SSRC
	PayloadType uint8  // 0 means PayloadType
}

// Packetizer splits access units into RTP packets. Packetize must be called
// from a single goroutine; the counters are safe from any.
type Packetizer struct {
	ssrc       uint32
	pt         uint8
	maxPayload int
	tsOffset   uint32
	seq        rtp.Sequencer

	packets atomic.Uint32
	octets  atomic.Uint32
	lastTS  atomic.Uint32
}

// NewPacketizer returns a packetizer with a random initial sequence number
// and timestamp offset.
func NewPacketizer(cfg PacketizerConfig) (*Packetizer, error) {
	p := &Packetizer{
		ssrc:     cfg.SSRC,
		pt:       cfg.PayloadType,
		tsOffset: rand.Uint32(),
		seq:      rtp.NewRandomSequencer(),
	}
	if p.ssrc == 0 {
		p.ssrc = rand.Uint32() | 1
	}
	if p.pt == 0 {
		p.pt = PayloadType
	}

	p.maxPayload = cfg.MTU - headerSize()
	if p.maxPayload < payloadHeaderSize+fuHeaderSize+1 {
		return nil, fmt.Errorf("%w: MTU %d leaves no room for payload", ErrInvalidUnit, cfg.MTU)
	}
	return p, nil
}

// headerSize is the marshaled size of an RTP header carrying the fragment
// extension.
func headerSize() int {
	h := rtp.Header{Version: 2}
	_ = h.SetExtension(FragmentExtensionID, Fragment{}.marshal())
	return h.MarshalSize()
}

// MaxPackets bounds how many packets Packetize produces at mtu for an
// access unit of size bytes split over nalus NAL units. It returns zero if
// mtu leaves no room for payload.
func MaxPackets(size, nalus, mtu int) int {
	chunk := mtu - headerSize() - payloadHeaderSize - fuHeaderSize
	if chunk < 1 {
		return 0
	}
	// Every unit fragments at worst, and each may leave one short packet.
	return (size+chunk-1)/chunk + nalus
}

// MaxUnitPackets is the most packets one access unit may span; the
// fragment extension counts them in 16 bits.
const MaxUnitPackets = 0xFFFF

// SSRC returns the synchronization source of every packet.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// PacketCount returns the number of packets produced, for sender reports.
func (p *Packetizer) PacketCount() uint32 { return p.packets.Load() }

// OctetCount returns the number of payload octets produced.
func (p *Packetizer) OctetCount() uint32 { return p.octets.Load() }

// LastTimestamp returns the RTP timestamp of the most recent unit.
func (p *Packetizer) LastTimestamp() uint32 { return p.lastTS.Load() }

// RTPTimestamp maps an access unit timestamp to the wire timestamp.
func (p *Packetizer) RTPTimestamp(ts uint32) uint32 { return ts + p.tsOffset }

// MaxPayload returns the largest RTP payload a packet may carry.
func (p *Packetizer) MaxPayload() int { return p.maxPayload }

// Packetize turns one access unit into packets no larger than the MTU.
// NAL units that fit travel alone; runs of small units share an
// aggregation packet; larger units are split into fragmentation units.
// The marker bit is set on the last packet.
func (p *Packetizer) Packetize(au *media.AccessUnit) ([]*rtp.Packet, error) {
	if au == nil || len(au.NALUs) == 0 {
		return nil, fmt.Errorf("%w: no NAL units", ErrInvalidUnit)
	}
	for i, nalu := range au.NALUs {
		if len(nalu) < payloadHeaderSize+1 {
			return nil, fmt.Errorf("%w: NAL unit %d is %d bytes", ErrInvalidUnit, i, len(nalu))
		}
	}

	payloads := p.payloads(au.NALUs)
	if len(payloads) > MaxUnitPackets {
		return nil, fmt.Errorf("%w: %d packets", ErrUnitTooLarge, len(payloads))
	}

	ts := p.RTPTimestamp(au.Timestamp)
	count := uint16(len(payloads))
	pkts := make([]*rtp.Packet, len(payloads))
	octets := 0
	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.pt,
				SequenceNumber: p.seq.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		if err := pkt.Header.SetExtension(FragmentExtensionID, Fragment{Index: uint16(i), Count: count}.marshal()); err != nil {
			return nil, fmt.Errorf("setting fragment extension: %w", err)
		}
		pkts[i] = pkt
		octets += len(payload)
	}

	p.packets.Add(uint32(len(pkts)))
	p.octets.Add(uint32(octets))
	p.lastTS.Store(ts)
	return pkts, nil
}

func (p *Packetizer) payloads(nalus [][]byte) [][]byte {
	var out [][]byte
	for i := 0; i < len(nalus); {
		nalu := nalus[i]
		if len(nalu) > p.maxPayload {
			out = append(out, p.fragment(nalu)...)
			i++
			continue
		}

		// Greedily aggregate following units that fit alongside.
		size := payloadHeaderSize + apLengthSize + len(nalu)
		j := i + 1
		for j < len(nalus) && size+apLengthSize+len(nalus[j]) <= p.maxPayload {
			size += apLengthSize + len(nalus[j])
			j++
		}
		if j-i < 2 {
			out = append(out, nalu)
			i++
			continue
		}
		out = append(out, aggregate(nalus[i:j], size))
		i = j
	}
	return out
}

// aggregate builds an RFC 7798 aggregation packet. The F bit is set if any
// unit sets it; layer and TID are the lowest of the aggregated units.
func aggregate(nalus [][]byte, size int) []byte {
	buf := make([]byte, payloadHeaderSize, size)
	var f byte
	layer, tid := byte(0x3F), byte(0x07)
	for _, n := range nalus {
		f |= n[0] & 0x80
		layer = min(layer, (n[0]&0x01)<<5|n[1]>>3)
		tid = min(tid, n[1]&0x07)
	}
	buf[0] = f | byte(h265.NALUType_AggregationUnit)<<1 | layer>>5
	buf[1] = (layer&0x1F)<<3 | tid
	for _, n := range nalus {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n)))
		buf = append(buf, n...)
	}
	return buf
}

// fragment splits one NAL unit into RFC 7798 fragmentation units.
func (p *Packetizer) fragment(nalu []byte) [][]byte {
	typ := (nalu[0] >> 1) & 0x3F
	hdr0 := nalu[0]&0x81 | byte(h265.NALUType_FragmentationUnit)<<1
	hdr1 := nalu[1]

	body := nalu[payloadHeaderSize:]
	chunk := p.maxPayload - payloadHeaderSize - fuHeaderSize
	out := make([][]byte, 0, (len(body)+chunk-1)/chunk)
	for off := 0; off < len(body); off += chunk {
		end := min(off+chunk, len(body))
		fu := typ
		if off == 0 {
			fu |= 0x80
		}
		if end == len(body) {
			fu |= 0x40
		}
		buf := make([]byte, 0, payloadHeaderSize+fuHeaderSize+end-off)
		buf = append(buf, hdr0, hdr1, fu)
		buf = append(buf, body[off:end]...)
		out = append(out, buf)
	}
	return out
}
