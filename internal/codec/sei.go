package codec

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

// UserDataUUID tags vidlink user data in user_data_unregistered SEI
// messages. Messages with any other UUID are ignored.
var UserDataUUID = [16]byte{
	0x76, 0x69, 0x64, 0x6c, 0x69, 0x6e, 0x6b, 0x2d,
	0x75, 0x73, 0x65, 0x72, 0x64, 0x61, 0x74, 0x61,
}

// seiUserDataUnregistered is the SEI payload type for opaque application
// data identified by a UUID.
const seiUserDataUnregistered = 5

// marshalUserDataSEI wraps data in a prefix SEI NAL unit holding a single
// user_data_unregistered message.
func marshalUserDataSEI(data []byte) []byte {
	size := len(UserDataUUID) + len(data)
	msg := make([]byte, 0, 2+size/255+size)
	msg = appendSEIValue(msg, seiUserDataUnregistered)
	msg = appendSEIValue(msg, size)
	msg = append(msg, UserDataUUID[:]...)
	msg = append(msg, data...)
	return newNALU(h265.NALUType_PREFIX_SEI_NUT, msg)
}

// appendSEIValue writes an SEI payload type or size: a run of 0xFF bytes
// followed by the remainder.
func appendSEIValue(b []byte, v int) []byte {
	for ; v >= 0xFF; v -= 0xFF {
		b = append(b, 0xFF)
	}
	return append(b, byte(v))
}

func readSEIValue(p []byte) (int, []byte, bool) {
	v := 0
	for len(p) > 0 && p[0] == 0xFF {
		v += 0xFF
		p = p[1:]
	}
	if len(p) == 0 {
		return 0, nil, false
	}
	return v + int(p[0]), p[1:], true
}

// parseUserDataSEI returns the payload of the first vidlink
// user_data_unregistered message in an SEI NAL unit.
func parseUserDataSEI(nalu []byte) ([]byte, bool, error) {
	p, ok := nalPayload(nalu)
	if !ok {
		return nil, false, fmt.Errorf("%w: SEI missing stop byte", ErrDecoderFault)
	}
	for len(p) > 0 {
		typ, rest, ok := readSEIValue(p)
		if !ok {
			return nil, false, fmt.Errorf("%w: truncated SEI payload type", ErrDecoderFault)
		}
		size, rest, ok := readSEIValue(rest)
		if !ok || size > len(rest) {
			return nil, false, fmt.Errorf("%w: truncated SEI message", ErrDecoderFault)
		}
		body := rest[:size]
		p = rest[size:]
		if typ != seiUserDataUnregistered || len(body) < len(UserDataUUID) {
			continue
		}
		if bytes.Equal(body[:len(UserDataUUID)], UserDataUUID[:]) {
			return bytes.Clone(body[len(UserDataUUID):]), true, nil
		}
	}
	return nil, false, nil
}
