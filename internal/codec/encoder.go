// Package codec implements the block-based video codec: an encoder that
// turns I420 frames into HEVC-framed access units and the matching decoder.
//
// Every key frame is preceded by VPS, SPS and PPS units so a receiver can
// join or recover at any key frame. Delta frames code only the blocks that
// changed against the reconstructed reference, which encoder and decoder
// keep bit-identical.
package codec

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/media"
)

// Quantizer step bounds.
const (
	minQuant = 2
	maxQuant = 64
)

// Rate control reacts when a frame misses its budget by more than
// rateTolerance percent. Key frames get keyBudgetFactor times the budget
// and their own quantizer, so cheap delta frames cannot pull it down.
const (
	rateTolerance   = 15
	keyBudgetFactor = 4
)

// maxUnitNALUs is the most NAL units in one access unit: VPS, SPS, PPS,
// user data SEI and the slice.
const maxUnitNALUs = 5

// MaxUnitSize bounds the size in bytes of any access unit the encoder can
// produce for a w x h picture, and the number of NAL units in it.
func MaxUnitSize(w, h int) (size, nalus int) {
	sym := media.PixelFormatI420.BufferSize(w, h) + blockCount(w, h)
	// Stored DEFLATE blocks and Huffman-only fallbacks stay well under
	// an eighth of overhead.
	slice := 1 + sym + sym/8 + 64
	sei := 2*(1+len(UserDataUUID)+media.MaxUserDataSize/255) + len(UserDataUUID) + media.MaxUserDataSize
	size = nalBound(slice) + nalBound(sei) +
		len(marshalVPS()) + len(marshalSPS(SequenceParams{Width: w, Height: h})) + len(marshalPPS(PictureParams{BlockSize: BlockSize}))
	return size, maxUnitNALUs
}

// nalBound is the largest NAL unit a payload of n bytes can become: header,
// one emulation prevention byte per two payload bytes at worst, stop byte.
func nalBound(n int) int {
	return 2 + n + n/2 + 1
}

// EncoderConfig is fixed for the life of an Encoder.
type EncoderConfig struct {
	Width            int
	Height           int
	FrameRate        int
	Bitrate          int // bits per second
	KeyframeInterval int // frames per GOP
	Quant            int // initial quantizer step
}

// EncoderConfigFor derives the encoder settings from a stream configuration.
func EncoderConfigFor(s config.Stream) EncoderConfig {
	return EncoderConfig{
		Width:            s.Width,
		Height:           s.Height,
		FrameRate:        s.FrameRate,
		Bitrate:          s.Bitrate,
		KeyframeInterval: s.KeyframeInterval,
		Quant:            s.Quant,
	}
}

// EncoderStats is a snapshot of encoder counters.
type EncoderStats struct {
	Frames        int64 `json:"frames"`
	KeyFrames     int64 `json:"keyFrames"`
	Bytes         int64 `json:"bytes"`
	SkippedBlocks int64 `json:"skippedBlocks"`
	Quant         int   `json:"quant"`
	KeyQuant      int   `json:"keyQuant"`
	UserData      int64 `json:"userData,omitempty"`
}

// Encoder compresses frames into access units. Encode must be called from a
// single goroutine; RequestKeyframe and Stats are safe from any goroutine.
type Encoder struct {
	cfg           EncoderConfig
	vps, sps, pps []byte
	frameSize     int

	// recon is the reference both ends share; next is scratch that only
	// replaces it once a frame has been fully encoded.
	recon    []byte
	next     []byte
	sym      []byte
	sw       *sliceWriter
	compress func(step int, sym []byte) ([]byte, error)

	started      bool
	sinceKey     int
	firstCapture time.Time
	lastTS       uint32
	budget       int

	forceKey atomic.Bool
	quant    atomic.Int32
	keyQuant atomic.Int32
	frames   atomic.Int64
	keys     atomic.Int64
	bytes    atomic.Int64
	skipped  atomic.Int64
	userData atomic.Int64
}

// NewEncoder validates cfg and returns an encoder whose first output will
// be a key frame.
func NewEncoder(cfg EncoderConfig) (*Encoder, error) {
	switch {
	case cfg.Width < config.MinDimension || cfg.Width > config.MaxDimension,
		cfg.Height < config.MinDimension || cfg.Height > config.MaxDimension:
		return nil, fmt.Errorf("%w: unsupported resolution %dx%d", ErrEncoderFault, cfg.Width, cfg.Height)
	case cfg.FrameRate <= 0:
		return nil, fmt.Errorf("%w: frame rate %d", ErrEncoderFault, cfg.FrameRate)
	case cfg.Bitrate <= 0:
		return nil, fmt.Errorf("%w: bitrate %d", ErrEncoderFault, cfg.Bitrate)
	case cfg.KeyframeInterval < 1:
		return nil, fmt.Errorf("%w: keyframe interval %d", ErrEncoderFault, cfg.KeyframeInterval)
	}

	frameSize := media.PixelFormatI420.BufferSize(cfg.Width, cfg.Height)
	e := &Encoder{
		cfg:       cfg,
		vps:       marshalVPS(),
		sps:       marshalSPS(SequenceParams{Width: cfg.Width, Height: cfg.Height}),
		pps:       marshalPPS(PictureParams{BlockSize: BlockSize}),
		frameSize: frameSize,
		recon:     make([]byte, frameSize),
		next:      make([]byte, frameSize),
		sym:       make([]byte, 0, frameSize+blockCount(cfg.Width, cfg.Height)),
		sw:        newSliceWriter(),
		budget:    max(1, cfg.Bitrate/8/cfg.FrameRate),
	}
	e.compress = e.sw.payload
	e.quant.Store(clampQuant(cfg.Quant))
	e.keyQuant.Store(clampQuant(cfg.Quant))
	return e, nil
}

// RequestKeyframe makes the next encoded frame a key frame.
func (e *Encoder) RequestKeyframe() {
	e.forceKey.Store(true)
}

// ParameterSets returns the VPS, SPS and PPS sent ahead of every key frame.
func (e *Encoder) ParameterSets() (vps, sps, pps []byte) {
	return e.vps, e.sps, e.pps
}

// Stats returns a snapshot of the encoder counters.
func (e *Encoder) Stats() EncoderStats {
	return EncoderStats{
		Frames:        e.frames.Load(),
		KeyFrames:     e.keys.Load(),
		Bytes:         e.bytes.Load(),
		SkippedBlocks: e.skipped.Load(),
		Quant:         int(e.quant.Load()),
		KeyQuant:      int(e.keyQuant.Load()),
		UserData:      e.userData.Load(),
	}
}

// Encode compresses one I420 frame. The first frame, every
// KeyframeInterval-th frame and the frame after RequestKeyframe are key
// frames. The frame's user data, if any, travels in a prefix SEI unit
// ahead of the slice. The frame's data is not retained. A failed encode
// leaves the reference picture untouched.
func (e *Encoder) Encode(f *media.Frame) (*media.AccessUnit, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: nil frame", ErrEncoderFault)
	}
	if f.Format != media.PixelFormatI420 {
		return nil, fmt.Errorf("%w: pixel format %s, want i420", ErrEncoderFault, f.Format)
	}
	if f.Width != e.cfg.Width || f.Height != e.cfg.Height {
		return nil, fmt.Errorf("%w: frame is %dx%d, configured for %dx%d",
			ErrEncoderFault, f.Width, f.Height, e.cfg.Width, e.cfg.Height)
	}
	if len(f.Data) < e.frameSize {
		return nil, fmt.Errorf("%w: frame buffer is %d bytes, want %d", ErrEncoderFault, len(f.Data), e.frameSize)
	}
	if len(f.UserData) > media.MaxUserDataSize {
		return nil, fmt.Errorf("%w: %d bytes of user data, limit %d", ErrEncoderFault, len(f.UserData), media.MaxUserDataSize)
	}

	forced := e.forceKey.Swap(false)
	key := !e.started || forced || e.sinceKey >= e.cfg.KeyframeInterval

	quant := &e.quant
	if key {
		quant = &e.keyQuant
	} else {
		copy(e.next, e.recon)
	}
	step := int(quant.Load())
	src := splitPlanes(f.Data, f.Width, f.Height)
	recon := splitPlanes(e.next, f.Width, f.Height)

	sym := e.sym[:0]
	skipped := 0
	for i := range src {
		if key {
			sym = codeKey(sym, src[i], recon[i], step)
		} else {
			var n int
			sym, n = codeDelta(sym, src[i], recon[i], step)
			skipped += n
		}
	}
	e.sym = sym

	payload, err := e.compress(step, sym)
	if err != nil {
		if forced {
			e.forceKey.Store(true)
		}
		return nil, err
	}
	e.recon, e.next = e.next, e.recon

	au := &media.AccessUnit{Timestamp: e.timestamp(f)}
	au.NALUs = make([][]byte, 0, maxUnitNALUs)
	if key {
		au.Type = media.FrameKey
		au.NALUs = append(au.NALUs, e.vps, e.sps, e.pps)
		e.sinceKey = 0
		e.keys.Add(1)
	} else {
		au.Type = media.FrameDelta
	}
	if len(f.UserData) > 0 {
		au.NALUs = append(au.NALUs, marshalUserDataSEI(f.UserData))
		e.userData.Add(1)
	}
	if key {
		au.NALUs = append(au.NALUs, newNALU(h265.NALUType_IDR_W_RADL, payload))
	} else {
		au.NALUs = append(au.NALUs, newNALU(h265.NALUType_TRAIL_R, payload))
	}
	e.sinceKey++
	e.started = true

	size := au.Size()
	e.adjustQuant(size, key)
	e.frames.Add(1)
	e.bytes.Add(int64(size))
	e.skipped.Add(int64(skipped))
	return au, nil
}

// timestamp maps the capture time onto the 90 kHz clock, keeping output
// timestamps strictly increasing. Frames without a capture time advance
// by one nominal frame interval.
func (e *Encoder) timestamp(f *media.Frame) uint32 {
	if !e.started {
		e.firstCapture = f.Captured
		e.lastTS = 0
		return 0
	}
	ts := e.lastTS + uint32(media.ClockRate/e.cfg.FrameRate)
	if !f.Captured.IsZero() && !e.firstCapture.IsZero() {
		ts = uint32(f.Captured.Sub(e.firstCapture).Microseconds() * 9 / 100)
	}
	if int32(ts-e.lastTS) <= 0 {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	return ts
}

// adjustQuant steps the delta quantizer by one toward the frame budget.
// The key quantizer jumps in proportion to an overshoot, since residual
// size falls roughly linearly with the step and key frames are too rare
// to converge one step at a time.
func (e *Encoder) adjustQuant(size int, key bool) {
	budget, quant := e.budget, &e.quant
	if key {
		budget, quant = e.budget*keyBudgetFactor, &e.keyQuant
	}
	q := int(quant.Load())
	switch {
	case size*100 > budget*(100+rateTolerance):
		if key {
			q = max(q+1, (q*size+budget-1)/budget)
		} else {
			q++
		}
	case size*100 < budget*(100-rateTolerance):
		q--
	}
	quant.Store(clampQuant(q))
}

func clampQuant(q int) int32 {
	return int32(max(minQuant, min(maxQuant, q)))
}
