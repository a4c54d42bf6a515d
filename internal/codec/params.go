package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/zsiec/vidlink/internal/config"
)

// bitstreamVersion is carried in the VPS; a decoder refuses other versions.
const bitstreamVersion = 1

// BlockSize is the edge length of the square blocks a picture is coded in.
const BlockSize = 8

const chromaFormat420 = 1

// SequenceParams is the content of an SPS: what a decoder needs to size its
// picture buffers.
type SequenceParams struct {
	Width  int
	Height int
}

// PictureParams is the content of a PPS.
type PictureParams struct {
	BlockSize int
}

func marshalVPS() []byte {
	return newNALU(h265.NALUType_VPS_NUT, []byte{bitstreamVersion, 0xFF})
}

func parseVPS(nalu []byte) error {
	p, ok := nalPayload(nalu)
	if !ok || len(p) < 1 {
		return fmt.Errorf("%w: truncated VPS", ErrDecoderFault)
	}
	if p[0] != bitstreamVersion {
		return fmt.Errorf("%w: unsupported bitstream version %d", ErrDecoderFault, p[0])
	}
	return nil
}

func marshalSPS(sp SequenceParams) []byte {
	var b [5]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(sp.Width))
	binary.BigEndian.PutUint16(b[2:4], uint16(sp.Height))
	b[4] = chromaFormat420
	return newNALU(h265.NALUType_SPS_NUT, b[:])
}

// ParseSPS decodes the picture dimensions from an SPS NAL unit.
func ParseSPS(nalu []byte) (SequenceParams, error) {
	if NALType(nalu) != h265.NALUType_SPS_NUT {
		return SequenceParams{}, fmt.Errorf("%w: not an SPS", ErrDecoderFault)
	}
	p, ok := nalPayload(nalu)
	if !ok || len(p) < 5 {
		return SequenceParams{}, fmt.Errorf("%w: truncated SPS", ErrDecoderFault)
	}
	sp := SequenceParams{
		Width:  int(binary.BigEndian.Uint16(p[0:2])),
		Height: int(binary.BigEndian.Uint16(p[2:4])),
	}
	if sp.Width < config.MinDimension || sp.Height < config.MinDimension ||
		sp.Width > config.MaxDimension || sp.Height > config.MaxDimension {
		return SequenceParams{}, fmt.Errorf("%w: SPS resolution %dx%d out of range", ErrDecoderFault, sp.Width, sp.Height)
	}
	if p[4] != chromaFormat420 {
		return SequenceParams{}, fmt.Errorf("%w: unsupported chroma format %d", ErrDecoderFault, p[4])
	}
	return sp, nil
}

func marshalPPS(pp PictureParams) []byte {
	return newNALU(h265.NALUType_PPS_NUT, []byte{byte(pp.BlockSize)})
}

func parsePPS(nalu []byte) (PictureParams, error) {
	p, ok := nalPayload(nalu)
	if !ok || len(p) < 1 {
		return PictureParams{}, fmt.Errorf("%w: truncated PPS", ErrDecoderFault)
	}
	if int(p[0]) != BlockSize {
		return PictureParams{}, fmt.Errorf("%w: unsupported block size %d", ErrDecoderFault, p[0])
	}
	return PictureParams{BlockSize: int(p[0])}, nil
}
