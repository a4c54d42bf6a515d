package codec

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// InvalidNALType is the unspecified type 63, reported for units too short
// to carry a header.
const InvalidNALType h265.NALUType = 63

// NALType extracts the unit type from an HEVC 2-byte NAL header:
// forbidden(1) | type(6) | layerID(6) | tid(3).
func NALType(nalu []byte) h265.NALUType {
	if len(nalu) < 2 {
		return InvalidNALType
	}
	return h265.NALUType((nalu[0] >> 1) & 0x3F)
}

// IsKeyframe reports whether t is a random access point (BLA, IDR or CRA).
func IsKeyframe(t h265.NALUType) bool {
	return t >= h265.NALUType_BLA_W_LP && t <= h265.NALUType_CRA_NUT
}

// IsParameterSet reports whether t is a VPS, SPS or PPS.
func IsParameterSet(t h265.NALUType) bool {
	return t == h265.NALUType_VPS_NUT || t == h265.NALUType_SPS_NUT || t == h265.NALUType_PPS_NUT
}

// nalHeader returns a 2-byte header for type t with layer 0 and tid 1.
func nalHeader(t h265.NALUType) [2]byte {
	return [2]byte{byte(t) << 1, 0x01}
}

// rbspStopByte terminates every payload, so a NAL unit never ends in 0x00.
const rbspStopByte = 0x80

// newNALU builds a NAL unit from a header and a payload, appending the stop
// byte and inserting emulation prevention bytes.
func newNALU(t h265.NALUType, payload []byte) []byte {
	hdr := nalHeader(t)
	out := make([]byte, 0, 3+len(payload)+len(payload)/64+1)
	out = append(out, hdr[0], hdr[1])
	out = AddEmulationPrevention(out, payload)
	return append(out, rbspStopByte)
}

// nalPayload reverses newNALU: it strips the header, the emulation
// prevention bytes and the stop byte.
func nalPayload(nalu []byte) ([]byte, bool) {
	if len(nalu) < 3 {
		return nil, false
	}
	rbsp := RemoveEmulationPrevention(nalu[2:])
	if len(rbsp) == 0 || rbsp[len(rbsp)-1] != rbspStopByte {
		return nil, false
	}
	return rbsp[:len(rbsp)-1], true
}

// AddEmulationPrevention appends rbsp to dst, inserting a 0x03 byte after
// every pair of zero bytes that would otherwise be followed by a byte in
// 0x00..0x03.
func AddEmulationPrevention(dst, rbsp []byte) []byte {
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			dst = append(dst, 3)
			zeros = 0
		}
		dst = append(dst, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return dst
}

// RemoveEmulationPrevention strips the 0x03 bytes inserted by
// AddEmulationPrevention.
func RemoveEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// ParseAnnexB splits an Annex B byte stream into NAL units. Both 3-byte
// and 4-byte start codes are recognized; units shorter than a 2-byte header
// are skipped.
func ParseAnnexB(data []byte) [][]byte {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	for i := 0; i < n-2; {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units [][]byte
	for idx, pos := range positions {
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if end-pos.dataStart < 2 {
			continue
		}
		units = append(units, data[pos.dataStart:end])
	}
	return units
}
