package codec

import (
	"bytes"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
)

func TestNALType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		nalu  []byte
		want  h265.NALUType
	}{
		{"VPS (32)", []byte{0x40, 0x01}, h265.NALUType_VPS_NUT},
		{"SPS (33)", []byte{0x42, 0x01}, h265.NALUType_SPS_NUT},
		{"PPS (34)", []byte{0x44, 0x01}, h265.NALUType_PPS_NUT},
		{"IDR_W_RADL (19)", []byte{0x26, 0x01}, h265.NALUType_IDR_W_RADL},
		{"CRA (21)", []byte{0x2A, 0x01}, h265.NALUType_CRA_NUT},
		{"TRAIL_R (1)", []byte{0x02, 0x01}, h265.NALUType_TRAIL_R},
		{"FU (49)", []byte{0x62, 0x01}, h265.NALUType_FragmentationUnit},
		{"AP (48)", []byte{0x60, 0x01}, h265.NALUType_AggregationUnit},
		{"too short", []byte{0x40}, InvalidNALType},
		{"empty", nil, InvalidNALType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := NALType(tt.nalu); got != tt.want {
				t.Errorf("NALType(% X) = %d, want %d", tt.nalu, got, tt.want)
			}
		})
	}
}

func TestIsKeyframe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ  h265.NALUType
		want bool
	}{
		{h265.NALUType_BLA_W_LP, true},
		{h265.NALUType_IDR_W_RADL, true},
		{h265.NALUType_IDR_N_LP, true},
		{h265.NALUType_CRA_NUT, true},
		{h265.NALUType_TRAIL_N, false},
		{h265.NALUType_TRAIL_R, false},
		{h265.NALUType_VPS_NUT, false},
		{h265.NALUType_PPS_NUT, false},
	}
	for _, tt := range tests {
		if got := IsKeyframe(tt.typ); got != tt.want {
			t.Errorf("IsKeyframe(%d) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestIsParameterSet(t *testing.T) {
	t.Parallel()
	for _, typ := range []h265.NALUType{h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT} {
		if !IsParameterSet(typ) {
			t.Errorf("IsParameterSet(%d) = false", typ)
		}
	}
	if IsParameterSet(h265.NALUType_IDR_W_RADL) {
		t.Error("IDR is not a parameter set")
	}
}

func TestEmulationPrevention(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rbsp []byte
		want []byte
	}{
		{"no zeros", []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"start code", []byte{0, 0, 1}, []byte{0, 0, 3, 1}},
		{"three zeros", []byte{0, 0, 0}, []byte{0, 0, 3, 0}},
		{"literal three", []byte{0, 0, 3}, []byte{0, 0, 3, 3}},
		{"safe byte", []byte{0, 0, 4}, []byte{0, 0, 4}},
		{"long zero run", []byte{0, 0, 0, 0, 0}, []byte{0, 0, 3, 0, 0, 3, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := AddEmulationPrevention(nil, tt.rbsp)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("Add(% X) = % X, want % X", tt.rbsp, got, tt.want)
			}
			if back := RemoveEmulationPrevention(got); !bytes.Equal(back, tt.rbsp) {
				t.Errorf("Remove(% X) = % X, want % X", got, back, tt.rbsp)
			}
		})
	}
}

func TestNALURoundTrip(t *testing.T) {
	t.Parallel()
	payload := []byte{0, 0, 0, 1, 0, 0, 2, 0xFF, 0, 0}
	nalu := newNALU(h265.NALUType_TRAIL_R, payload)

	if NALType(nalu) != h265.NALUType_TRAIL_R {
		t.Fatalf("type = %d", NALType(nalu))
	}
	for i := 2; i+2 < len(nalu); i++ {
		if nalu[i] == 0 && nalu[i+1] == 0 && nalu[i+2] <= 2 {
			t.Fatalf("start code emulation at offset %d: % X", i, nalu)
		}
	}
	got, ok := nalPayload(nalu)
	if !ok || !bytes.Equal(got, payload) {
		t.Errorf("nalPayload = % X, %v; want % X", got, ok, payload)
	}
}

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x40, 0x01, 0xAA, 0xBB,
		0x00, 0x00, 0x00, 0x01, 0x42, 0x01, 0xCC, 0xDD,
		0x00, 0x00, 0x01, 0x44, 0x01, 0xEE,
		0x00, 0x00, 0x00, 0x01, 0x26, 0x01, 0xFF, 0x00, 0x11,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 4 {
		t.Fatalf("expected 4 NAL units, got %d", len(nalus))
	}
	want := []h265.NALUType{h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT, h265.NALUType_IDR_W_RADL}
	for i, w := range want {
		if got := NALType(nalus[i]); got != w {
			t.Errorf("NALU[%d]: type %d, want %d", i, got, w)
		}
	}
	if !bytes.Equal(nalus[3], []byte{0x26, 0x01, 0xFF, 0x00, 0x11}) {
		t.Errorf("last NALU = % X", nalus[3])
	}
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()
	if got := ParseAnnexB(nil); got != nil {
		t.Errorf("ParseAnnexB(nil) = %v", got)
	}
	if got := ParseAnnexB([]byte{0, 0, 1}); got != nil {
		t.Errorf("ParseAnnexB(start code only) = %v", got)
	}
}

func FuzzEmulationPrevention(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1})
	f.Add([]byte{0, 0, 3, 0, 0})
	f.Add([]byte{0xFF})
	f.Fuzz(func(t *testing.T, payload []byte) {
		nalu := newNALU(h265.NALUType_TRAIL_R, payload)
		got, ok := nalPayload(nalu)
		if !ok || !bytes.Equal(got, payload) {
			t.Fatalf("round trip of % X gave % X, %v", payload, got, ok)
		}
		units := ParseAnnexB(append([]byte{0, 0, 0, 1}, nalu...))
		if len(units) != 1 || !bytes.Equal(units[0], nalu) {
			t.Fatalf("Annex B framing split the unit: %d units", len(units))
		}
	})
}

func FuzzParseAnnexB(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, 0x40, 0x01, 0, 0, 1, 0x42, 0x01})
	f.Add([]byte{0, 0, 1})
	f.Fuzz(func(t *testing.T, data []byte) {
		for _, u := range ParseAnnexB(data) {
			if len(u) < 2 {
				t.Fatalf("unit shorter than a header: % X", u)
			}
		}
	})
}
