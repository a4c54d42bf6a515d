package host

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/image/draw"
)

// PatternSource generates moving vertical gradient bars, one step per
// capture. It is handy for watching motion survive the round trip. With
// Annotate set every capture carries its frame number as 8 bytes of
// big-endian user data.
type PatternSource struct {
	Annotate bool

	width, height int
	frame         int
}

// NewPatternSource creates a width x height pattern generator.
func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{width: width, height: height}
}

// CaptureFrame renders the next pattern frame.
func (p *PatternSource) CaptureFrame() (RawBuffer, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	n := p.frame
	shift := n * 4
	p.frame++

	for x := 0; x < p.width; x++ {
		bar := ((x + shift) / 32) % 8
		r := uint8(255 * (bar & 1))
		g := uint8(255 * ((bar >> 1) & 1))
		b := uint8(255 * ((bar >> 2) & 1))
		for y := 0; y < p.height; y++ {
			// Fade each bar toward black down the picture.
			k := 255 - (y*160)/p.height
			i := y*img.Stride + x*4
			img.Pix[i] = uint8(int(r) * k / 255)
			img.Pix[i+1] = uint8(int(g) * k / 255)
			img.Pix[i+2] = uint8(int(b) * k / 255)
			img.Pix[i+3] = 0xFF
		}
	}
	buf := FromImage(img)
	if p.Annotate {
		buf.UserData = binary.BigEndian.AppendUint64(nil, uint64(n))
	}
	return buf, nil
}

// SolidColorSource produces a uniform picture.
type SolidColorSource struct {
	width, height int
	mu            sync.Mutex
	c             color.RGBA
}

// NewSolidColorSource creates a width x height source of color c.
func NewSolidColorSource(width, height int, c color.RGBA) *SolidColorSource {
	return &SolidColorSource{width: width, height: height, c: c}
}

// SetColor changes the color of subsequent captures.
func (s *SolidColorSource) SetColor(c color.RGBA) {
	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
}

// CaptureFrame renders one solid picture.
func (s *SolidColorSource) CaptureFrame() (RawBuffer, error) {
	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return FromImage(img), nil
}

// CountingSink counts presented frames and keeps a copy of the last one.
type CountingSink struct {
	frames atomic.Int64
	mu     sync.Mutex
	last   RawBuffer
}

// PresentFrame records buf.
func (c *CountingSink) PresentFrame(buf RawBuffer) error {
	c.frames.Add(1)
	cp := buf
	cp.Pix = append([]byte(nil), buf.Pix...)
	cp.UserData = append([]byte(nil), buf.UserData...)
	c.mu.Lock()
	c.last = cp
	c.mu.Unlock()
	return nil
}

// Frames returns the number of frames presented.
func (c *CountingSink) Frames() int64 { return c.frames.Load() }

// Last returns the most recently presented frame.
func (c *CountingSink) Last() (RawBuffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.last.Pix != nil
}

// Snapshot formats.
const (
	SnapshotPNG  = "png"
	SnapshotJPEG = "jpeg"
)

// SnapshotSink writes every Nth presented frame to a directory as PNG or
// JPEG.
type SnapshotSink struct {
	dir     string
	format  string
	every   int64
	quality int

	presented atomic.Int64
	saved     atomic.Int64
	failed    atomic.Int64
}

// NewSnapshotSink creates dir if needed. every below one saves every frame.
func NewSnapshotSink(dir, format string, every int) (*SnapshotSink, error) {
	if format != SnapshotPNG && format != SnapshotJPEG {
		return nil, fmt.Errorf("host: unsupported snapshot format %q", format)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("host: create snapshot dir: %w", err)
	}
	if every < 1 {
		every = 1
	}
	return &SnapshotSink{dir: dir, format: format, every: int64(every), quality: 90}, nil
}

// PresentFrame saves buf when its turn comes up.
func (s *SnapshotSink) PresentFrame(buf RawBuffer) error {
	n := s.presented.Add(1) - 1
	if n%s.every != 0 {
		return nil
	}
	if err := s.save(n, buf); err != nil {
		s.failed.Add(1)
		return err
	}
	s.saved.Add(1)
	return nil
}

func (s *SnapshotSink) save(n int64, buf RawBuffer) error {
	if err := buf.Validate(); err != nil {
		return err
	}
	name := filepath.Join(s.dir, fmt.Sprintf("frame_%06d.%s", n, s.format))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("host: create snapshot: %w", err)
	}
	defer f.Close()

	img := buf.Image()
	switch s.format {
	case SnapshotPNG:
		err = png.Encode(f, img)
	case SnapshotJPEG:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: s.quality})
	}
	if err != nil {
		return fmt.Errorf("host: encode snapshot %s: %w", name, err)
	}
	return nil
}

// Stats returns saved and failed snapshot counts.
func (s *SnapshotSink) Stats() (saved, failed int64) {
	return s.saved.Load(), s.failed.Load()
}
