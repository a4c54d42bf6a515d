// Package media defines the core types that flow through the vidlink
// streaming pipeline, from capture through encode, transport, decode and
// presentation.
package media

import (
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// Queue sizes used at the pipeline handoff points. Frame queues are kept
// short on purpose: a stale frame is worth less than a fresh one, so the
// queues drop their oldest entry when full instead of growing.
const (
	FrameQueueSize  = 4
	PacketQueueSize = 512
)

// ClockRate is the RTP clock rate used for video timestamps.
const ClockRate = 90000

// MaxUserDataSize bounds the per-frame user data carried with a picture.
const MaxUserDataSize = 4096

// PixelFormat tags the memory layout of a Frame's Data.
type PixelFormat int

// Supported pixel formats.
const (
	PixelFormatI420 PixelFormat = iota // planar Y, U, V with 2x2 chroma subsampling
	PixelFormatRGBA                    // packed 8-bit RGBA
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatI420:
		return "i420"
	case PixelFormatRGBA:
		return "rgba"
	default:
		return "unknown"
	}
}

// BufferSize returns the number of bytes a tightly packed width x height
// picture occupies in this format.
func (f PixelFormat) BufferSize(width, height int) int {
	switch f {
	case PixelFormatI420:
		cw, ch := (width+1)/2, (height+1)/2
		return width*height + 2*cw*ch
	case PixelFormatRGBA:
		return width * height * 4
	default:
		return 0
	}
}

// Frame is a raw picture. A Frame is owned by exactly one pipeline stage at
// a time; stages hand it on and never touch it again.
type Frame struct {
	Data     []byte
	Width    int
	Height   int
	Format   PixelFormat
	Captured time.Time // monotonic capture time
	Seq      uint64

	// UserData is opaque application data that travels with this picture
	// and is handed to the sink together with it.
	UserData []byte
}

// Planes splits an I420 frame into its Y, U and V planes. It returns nil
// slices if the frame is not I420 or is too short.
func (f *Frame) Planes() (y, u, v []byte) {
	if f.Format != PixelFormatI420 || len(f.Data) < f.Format.BufferSize(f.Width, f.Height) {
		return nil, nil, nil
	}
	ySize := f.Width * f.Height
	cSize := ((f.Width + 1) / 2) * ((f.Height + 1) / 2)
	return f.Data[:ySize], f.Data[ySize : ySize+cSize], f.Data[ySize+cSize : ySize+2*cSize]
}

// FrameType distinguishes independently decodable pictures from pictures
// that depend on earlier ones.
type FrameType int

// Frame types.
const (
	FrameDelta FrameType = iota
	FrameKey
)

func (t FrameType) String() string {
	if t == FrameKey {
		return "key"
	}
	return "delta"
}

// AccessUnit is the encoded form of exactly one Frame: a run of NAL units
// (2-byte HEVC headers, no start codes) sharing one presentation timestamp.
type AccessUnit struct {
	Type      FrameType
	NALUs     [][]byte
	Timestamp uint32 // 90 kHz presentation timestamp
}

// Size returns the total NAL payload size in bytes.
func (au *AccessUnit) Size() int {
	n := 0
	for _, nalu := range au.NALUs {
		n += len(nalu)
	}
	return n
}

// AnnexB serializes the access unit as an Annex B byte stream with
// 4-byte start codes, suitable for writing to a raw .h265 file.
func (au *AccessUnit) AnnexB() ([]byte, error) {
	return h264.AnnexB(au.NALUs).Marshal()
}
