package codec

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/zsiec/vidlink/internal/media"
)

// noiseFrame fills every plane with uniform random samples, the worst case
// for the slice coder.
func noiseFrame(w, h int, seed uint64) *media.Frame {
	f := testFrame(w, h, 0)
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range f.Data {
		f.Data[i] = byte(r.Uint32())
	}
	return f
}

func TestUserDataRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := testEncoderConfig()
	cfg.KeyframeInterval = 3
	enc, _ := NewEncoder(cfg)
	dec := NewDecoder(nil)

	for n := 0; n < 6; n++ {
		in := testFrame(cfg.Width, cfg.Height, n)
		if n != 4 {
			in.UserData = []byte{0, 0, 0, byte(n), 0, 0, 1}
		}
		au, err := enc.Encode(in)
		if err != nil {
			t.Fatal(err)
		}
		out, err := dec.Decode(au)
		if err != nil {
			t.Fatalf("frame %d: %v", n, err)
		}
		if !bytes.Equal(out.UserData, in.UserData) {
			t.Errorf("frame %d (%s): user data %x, want %x", n, au.Type, out.UserData, in.UserData)
		}
	}
	if got := enc.Stats().UserData; got != 5 {
		t.Errorf("encoder user data = %d, want 5", got)
	}
	if got := dec.Stats().UserData; got != 5 {
		t.Errorf("decoder user data = %d, want 5", got)
	}
}

func TestUserDataPrecedesSlice(t *testing.T) {
	t.Parallel()
	cfg := testEncoderConfig()
	enc, _ := NewEncoder(cfg)
	in := testFrame(cfg.Width, cfg.Height, 0)
	in.UserData = []byte("frame-0")

	au, err := enc.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	want := []h265.NALUType{
		h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT,
		h265.NALUType_PREFIX_SEI_NUT, h265.NALUType_IDR_W_RADL,
	}
	if len(au.NALUs) != len(want) {
		t.Fatalf("got %d NAL units, want %d", len(au.NALUs), len(want))
	}
	for i, nalu := range au.NALUs {
		if got := NALType(nalu); got != want[i] {
			t.Errorf("NAL %d: type %d, want %d", i, got, want[i])
		}
	}
}

func TestUserDataSizeLimit(t *testing.T) {
	t.Parallel()
	cfg := testEncoderConfig()
	enc, _ := NewEncoder(cfg)
	dec := NewDecoder(nil)

	in := testFrame(cfg.Width, cfg.Height, 0)
	in.UserData = bytes.Repeat([]byte{0xFF}, media.MaxUserDataSize)
	au, err := enc.Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := dec.Decode(au)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out.UserData, in.UserData) {
		t.Errorf("user data of %d bytes did not survive", len(in.UserData))
	}

	in.UserData = make([]byte, media.MaxUserDataSize+1)
	if _, err := enc.Encode(in); !errors.Is(err, ErrEncoderFault) {
		t.Errorf("oversized user data: Encode = %v, want ErrEncoderFault", err)
	}
}

func TestSEIWithForeignUUIDIgnored(t *testing.T) {
	t.Parallel()
	cfg := testEncoderConfig()
	enc, _ := NewEncoder(cfg)
	dec := NewDecoder(nil)

	au, err := enc.Encode(testFrame(cfg.Width, cfg.Height, 0))
	if err != nil {
		t.Fatal(err)
	}
	var msg []byte
	msg = appendSEIValue(msg, seiUserDataUnregistered)
	msg = appendSEIValue(msg, 16+3)
	msg = append(msg, bytes.Repeat([]byte{0xAB}, 16)...)
	msg = append(msg, 1, 2, 3)
	// A recovery point message (type 6) ahead of it is skipped too.
	msg = append([]byte{6, 1, 0x80}, msg...)
	sei := newNALU(h265.NALUType_PREFIX_SEI_NUT, msg)
	au.NALUs = append(au.NALUs[:3], append([][]byte{sei}, au.NALUs[3:]...)...)

	out, err := dec.Decode(au)
	if err != nil {
		t.Fatal(err)
	}
	if out.UserData != nil {
		t.Errorf("user data = %x, want none", out.UserData)
	}
	if st := dec.Stats(); st.BadSEI != 0 || st.UserData != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestMalformedSEISkipped(t *testing.T) {
	t.Parallel()
	cfg := testEncoderConfig()
	enc, _ := NewEncoder(cfg)
	dec := NewDecoder(nil)

	au, err := enc.Encode(testFrame(cfg.Width, cfg.Height, 0))
	if err != nil {
		t.Fatal(err)
	}
	// Declares 200 payload bytes but carries 4.
	sei := newNALU(h265.NALUType_PREFIX_SEI_NUT, []byte{seiUserDataUnregistered, 200, 1, 2, 3, 4})
	au.NALUs = append(au.NALUs[:3], append([][]byte{sei}, au.NALUs[3:]...)...)

	out, err := dec.Decode(au)
	if err != nil {
		t.Fatalf("Decode = %v, want the frame despite the bad SEI", err)
	}
	if out.UserData != nil {
		t.Errorf("user data = %x", out.UserData)
	}
	if got := dec.Stats().BadSEI; got != 1 {
		t.Errorf("BadSEI = %d, want 1", got)
	}
}

func TestSEIValueCoding(t *testing.T) {
	t.Parallel()
	for _, v := range []int{0, 5, 254, 255, 256, 510, 4096 + 16} {
		b := appendSEIValue(nil, v)
		if len(b) != v/255+1 {
			t.Errorf("%d coded in %d bytes", v, len(b))
		}
		got, rest, ok := readSEIValue(append(b, 0x42))
		if !ok || got != v || len(rest) != 1 {
			t.Errorf("readSEIValue(%x) = %d, %x, %v", b, got, rest, ok)
		}
	}
	if _, _, ok := readSEIValue([]byte{0xFF, 0xFF}); ok {
		t.Error("run of 0xFF without terminator accepted")
	}
}

func TestFailedCompressLeavesReference(t *testing.T) {
	t.Parallel()
	cfg := testEncoderConfig()
	enc, _ := NewEncoder(cfg)
	dec := NewDecoder(nil)

	au, err := enc.Encode(testFrame(cfg.Width, cfg.Height, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dec.Decode(au); err != nil {
		t.Fatal(err)
	}

	ref := bytes.Clone(enc.recon)
	errCompress := errors.New("compress failed")
	compress := enc.compress
	enc.compress = func(int, []byte) ([]byte, error) { return nil, errCompress }
	enc.RequestKeyframe()
	if _, err := enc.Encode(testFrame(cfg.Width, cfg.Height, 5)); !errors.Is(err, errCompress) {
		t.Fatalf("Encode = %v, want the compress error", err)
	}
	if !bytes.Equal(enc.recon, ref) {
		t.Fatal("failed encode modified the reference picture")
	}
	if st := enc.Stats(); st.Frames != 1 {
		t.Errorf("frames = %d, want 1", st.Frames)
	}

	// The forced key frame request survives the failure.
	enc.compress = compress
	au, err = enc.Encode(testFrame(cfg.Width, cfg.Height, 1))
	if err != nil {
		t.Fatal(err)
	}
	if au.Type != media.FrameKey {
		t.Errorf("retry after forced key frame is %s", au.Type)
	}
	enc.compress = func(int, []byte) ([]byte, error) { return nil, errCompress }
	if _, err := enc.Encode(testFrame(cfg.Width, cfg.Height, 7)); !errors.Is(err, errCompress) {
		t.Fatal(err)
	}
	enc.compress = compress
	if _, err := dec.Decode(au); err != nil {
		t.Fatal(err)
	}
	au, err = enc.Encode(testFrame(cfg.Width, cfg.Height, 2))
	if err != nil {
		t.Fatal(err)
	}
	if au.Type != media.FrameDelta {
		t.Fatalf("got %s, want a delta frame", au.Type)
	}
	out, err := dec.Decode(au)
	if err != nil {
		t.Fatal(err)
	}
	if e := maxError(enc.recon, out.Data); e != 0 {
		t.Errorf("references diverge by %d after a failed delta", e)
	}
}

func TestKeyQuantJumpsOnOvershoot(t *testing.T) {
	t.Parallel()
	cfg := testEncoderConfig()
	cfg.Bitrate = 8_000
	enc, _ := NewEncoder(cfg)

	if _, err := enc.Encode(noiseFrame(cfg.Width, cfg.Height, 1)); err != nil {
		t.Fatal(err)
	}
	st := enc.Stats()
	if st.KeyQuant <= cfg.Quant+1 {
		t.Errorf("key quant %d after a large overshoot, want a jump past %d", st.KeyQuant, cfg.Quant+1)
	}
	if st.Quant != cfg.Quant {
		t.Errorf("delta quant moved to %d on a key frame", st.Quant)
	}
}

func TestMaxUnitSizeBoundsNoise(t *testing.T) {
	t.Parallel()
	for _, dim := range [][2]int{{64, 48}, {320, 240}, {80, 16}} {
		cfg := testEncoderConfig()
		cfg.Width, cfg.Height = dim[0], dim[1]
		cfg.Quant = minQuant
		enc, err := NewEncoder(cfg)
		if err != nil {
			t.Fatal(err)
		}
		size, nalus := MaxUnitSize(cfg.Width, cfg.Height)
		for seed := uint64(0); seed < 3; seed++ {
			in := noiseFrame(cfg.Width, cfg.Height, seed)
			in.UserData = bytes.Repeat([]byte{0}, media.MaxUserDataSize)
			enc.RequestKeyframe()
			au, err := enc.Encode(in)
			if err != nil {
				t.Fatal(err)
			}
			if au.Size() > size || len(au.NALUs) > nalus {
				t.Errorf("%dx%d: unit of %d bytes in %d NAL units exceeds bound %d/%d",
					cfg.Width, cfg.Height, au.Size(), len(au.NALUs), size, nalus)
			}
		}
	}
}
