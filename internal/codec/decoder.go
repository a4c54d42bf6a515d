package codec

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/zsiec/vidlink/internal/media"
)

// DecoderStats is a snapshot of decoder counters.
type DecoderStats struct {
	Frames    int64 `json:"frames"`
	KeyFrames int64 `json:"keyFrames"`
	Awaiting  int64 `json:"awaitingKeyframe"`
	Faults    int64 `json:"faults"`
	Resets    int64 `json:"resets"`
	UserData  int64 `json:"userData,omitempty"`
	BadSEI    int64 `json:"badSei,omitempty"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
}

// Decoder reconstructs frames from access units. Decode and Reset must be
// called from a single goroutine; Synced and Stats are safe from any.
type Decoder struct {
	log *slog.Logger

	sps *SequenceParams
	pps *PictureParams
	ref []byte
	seq uint64

	synced   atomic.Bool
	width    atomic.Int32
	height   atomic.Int32
	frames   atomic.Int64
	keys     atomic.Int64
	awaiting atomic.Int64
	faults   atomic.Int64
	resets   atomic.Int64
	userData atomic.Int64
	badSEI   atomic.Int64
}

// NewDecoder returns a decoder waiting for its first key frame.
func NewDecoder(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.Default()
	}
	return &Decoder{log: log.With("component", "decoder")}
}

// Synced reports whether the decoder holds a valid reference picture.
func (d *Decoder) Synced() bool {
	return d.synced.Load()
}

// Reset drops the reference picture. Delta frames are refused until the
// next key frame. Parameter sets already seen are kept.
func (d *Decoder) Reset() {
	if d.synced.Swap(false) {
		d.resets.Add(1)
	}
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Frames:    d.frames.Load(),
		KeyFrames: d.keys.Load(),
		Awaiting:  d.awaiting.Load(),
		Faults:    d.faults.Load(),
		Resets:    d.resets.Load(),
		UserData:  d.userData.Load(),
		BadSEI:    d.badSEI.Load(),
		Width:     int(d.width.Load()),
		Height:    int(d.height.Load()),
	}
}

// Decode reconstructs one frame. Delta units that arrive without a valid
// reference return ErrAwaitingKeyframe and are not decoded. Any malformed
// input returns ErrDecoderFault and resets the decoder. User data carried
// in a prefix SEI unit is returned on the frame; a malformed SEI unit is
// counted and skipped, since the picture does not depend on it.
func (d *Decoder) Decode(au *media.AccessUnit) (*media.Frame, error) {
	if au == nil || len(au.NALUs) == 0 {
		return nil, d.fault(fmt.Errorf("%w: empty access unit", ErrDecoderFault))
	}

	var (
		slice     []byte
		sliceType h265.NALUType
		sps       *SequenceParams
		pps       *PictureParams
		userData  []byte
	)
	for _, nalu := range au.NALUs {
		t := NALType(nalu)
		switch {
		case t == InvalidNALType:
			return nil, d.fault(fmt.Errorf("%w: NAL unit of %d bytes", ErrDecoderFault, len(nalu)))
		case t == h265.NALUType_VPS_NUT:
			if err := parseVPS(nalu); err != nil {
				return nil, d.fault(err)
			}
		case t == h265.NALUType_SPS_NUT:
			sp, err := ParseSPS(nalu)
			if err != nil {
				return nil, d.fault(err)
			}
			sps = &sp
		case t == h265.NALUType_PPS_NUT:
			pp, err := parsePPS(nalu)
			if err != nil {
				return nil, d.fault(err)
			}
			pps = &pp
		case IsKeyframe(t), t == h265.NALUType_TRAIL_R, t == h265.NALUType_TRAIL_N:
			if slice != nil {
				return nil, d.fault(fmt.Errorf("%w: more than one slice in access unit", ErrDecoderFault))
			}
			slice, sliceType = nalu, t
		case t == h265.NALUType_PREFIX_SEI_NUT:
			data, ok, err := parseUserDataSEI(nalu)
			if err != nil {
				d.badSEI.Add(1)
				d.log.Debug("skipping SEI", "error", err)
			} else if ok {
				userData = data
			}
		case t == h265.NALUType_AUD_NUT, t == h265.NALUType_SUFFIX_SEI_NUT:
		default:
			return nil, d.fault(fmt.Errorf("%w: unexpected NAL type %d", ErrDecoderFault, t))
		}
	}
	if slice == nil {
		return nil, d.fault(fmt.Errorf("%w: access unit without slice", ErrDecoderFault))
	}

	key := IsKeyframe(sliceType)
	if !key && !d.synced.Load() {
		d.awaiting.Add(1)
		return nil, ErrAwaitingKeyframe
	}

	// Parameter sets only take effect at a key frame; the reference must
	// keep the dimensions it was decoded with.
	if key && sps != nil {
		d.sps = sps
	}
	if key && pps != nil {
		d.pps = pps
	}
	if d.sps == nil || d.pps == nil {
		return nil, d.fault(fmt.Errorf("%w: slice before parameter sets", ErrDecoderFault))
	}

	w, h := d.sps.Width, d.sps.Height
	size := media.PixelFormatI420.BufferSize(w, h)
	if key && len(d.ref) != size {
		d.ref = make([]byte, size)
		d.width.Store(int32(w))
		d.height.Store(int32(h))
	}

	payload, ok := nalPayload(slice)
	if !ok {
		return nil, d.fault(fmt.Errorf("%w: slice missing stop byte", ErrDecoderFault))
	}
	limit := size
	if !key {
		limit += blockCount(w, h)
	}
	step, sym, err := readSlice(payload, limit)
	if err != nil {
		return nil, d.fault(err)
	}

	r := &symbolReader{sym: sym}
	for _, p := range splitPlanes(d.ref, w, h) {
		if key {
			decodeKey(r, p, step)
		} else {
			decodeDelta(r, p, step)
		}
	}
	if r.err != nil {
		return nil, d.fault(r.err)
	}
	if r.pos != len(sym) {
		return nil, d.fault(fmt.Errorf("%w: %d trailing symbols", ErrDecoderFault, len(sym)-r.pos))
	}

	if key {
		d.synced.Store(true)
		d.keys.Add(1)
	}
	d.frames.Add(1)
	d.seq++
	if userData != nil {
		d.userData.Add(1)
	}

	out := make([]byte, size)
	copy(out, d.ref)
	return &media.Frame{
		Data:     out,
		Width:    w,
		Height:   h,
		Format:   media.PixelFormatI420,
		Seq:      d.seq,
		UserData: userData,
	}, nil
}

func (d *Decoder) fault(err error) error {
	d.faults.Add(1)
	d.Reset()
	d.log.Debug("decode failed, waiting for key frame", "error", err)
	return err
}
