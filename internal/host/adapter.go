package host

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/media"
)

// Interpolator maps a config scaler name to an x/image/draw kernel.
// Unknown names fall back to bilinear.
func Interpolator(name string) draw.Interpolator {
	switch name {
	case config.ScalerNearest:
		return draw.NearestNeighbor
	case config.ScalerCatmullRom:
		return draw.CatmullRom
	default:
		return draw.ApproxBiLinear
	}
}

// SourceAdapter converts host captures into I420 frames of the
// negotiated size.
type SourceAdapter struct {
	format  Format
	scaler  draw.Interpolator
	scratch *image.RGBA
	seq     atomic.Uint64
	scaled  atomic.Int64
}

// NewSourceAdapter creates an adapter producing frames in f.
func NewSourceAdapter(f Format, scaler string) *SourceAdapter {
	return &SourceAdapter{format: f, scaler: Interpolator(scaler)}
}

// Format returns the negotiated output format.
func (a *SourceAdapter) Format() Format { return a.format }

// Scaled counts captures that needed resampling.
func (a *SourceAdapter) Scaled() int64 { return a.scaled.Load() }

// Convert turns buf into a new Frame stamped with captured. buf is not
// retained.
func (a *SourceAdapter) Convert(buf RawBuffer, captured time.Time) (*media.Frame, error) {
	if err := buf.Validate(); err != nil {
		return nil, err
	}
	src := buf.Image()
	if buf.Width != a.format.Width || buf.Height != a.format.Height {
		if a.scratch == nil {
			a.scratch = image.NewRGBA(image.Rect(0, 0, a.format.Width, a.format.Height))
		}
		a.scaler.Scale(a.scratch, a.scratch.Bounds(), src, src.Bounds(), draw.Src, nil)
		src = a.scratch
		a.scaled.Add(1)
	}

	f := &media.Frame{
		Data:     make([]byte, media.PixelFormatI420.BufferSize(a.format.Width, a.format.Height)),
		Width:    a.format.Width,
		Height:   a.format.Height,
		Format:   media.PixelFormatI420,
		Captured: captured,
		Seq:      a.seq.Add(1) - 1,
	}
	if len(buf.UserData) > 0 {
		f.UserData = bytes.Clone(buf.UserData)
	}
	rgbaToI420(f, src)
	return f, nil
}

// rgbaToI420 uses the BT.601 full-range matrix of image/color, averaging
// each 2x2 block for chroma.
func rgbaToI420(f *media.Frame, src *image.RGBA) {
	y, u, v := f.Planes()
	w, h := f.Width, f.Height
	cw := (w + 1) / 2

	for row := 0; row < h; row++ {
		line := src.Pix[row*src.Stride:]
		for col := 0; col < w; col++ {
			p := line[col*4:]
			y[row*w+col], _, _ = color.RGBToYCbCr(p[0], p[1], p[2])
		}
	}

	for crow := 0; crow < (h+1)/2; crow++ {
		for ccol := 0; ccol < cw; ccol++ {
			var r, g, b, n int
			for dy := 0; dy < 2; dy++ {
				row := crow*2 + dy
				if row >= h {
					break
				}
				for dx := 0; dx < 2; dx++ {
					col := ccol*2 + dx
					if col >= w {
						break
					}
					p := src.Pix[row*src.Stride+col*4:]
					r += int(p[0])
					g += int(p[1])
					b += int(p[2])
					n++
				}
			}
			_, cb, cr := color.RGBToYCbCr(uint8(r/n), uint8(g/n), uint8(b/n))
			u[crow*cw+ccol] = cb
			v[crow*cw+ccol] = cr
		}
	}
}

// SinkAdapter converts decoded frames into host buffers, optionally
// resampled to a fixed display size.
type SinkAdapter struct {
	width, height int
	scaler        draw.Interpolator
}

// NewSinkAdapter creates an adapter. A zero display size presents frames
// at their native size.
func NewSinkAdapter(displayWidth, displayHeight int, scaler string) *SinkAdapter {
	return &SinkAdapter{width: displayWidth, height: displayHeight, scaler: Interpolator(scaler)}
}

// Size returns the output size for a frame of the given size.
func (a *SinkAdapter) Size(frameWidth, frameHeight int) (int, int) {
	if a.width > 0 && a.height > 0 {
		return a.width, a.height
	}
	return frameWidth, frameHeight
}

// Convert renders f as a new RGBA buffer.
func (a *SinkAdapter) Convert(f *media.Frame) (RawBuffer, error) {
	y, u, v := f.Planes()
	if y == nil {
		return RawBuffer{}, fmt.Errorf("%w: frame %dx%d %s with %d bytes", ErrBadBuffer, f.Width, f.Height, f.Format, len(f.Data))
	}
	src := &image.YCbCr{
		Y:              y,
		Cb:             u,
		Cr:             v,
		YStride:        f.Width,
		CStride:        (f.Width + 1) / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}

	w, h := a.Size(f.Width, f.Height)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == f.Width && h == f.Height {
		draw.Draw(dst, dst.Bounds(), src, image.Point{}, draw.Src)
	} else {
		a.scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	out := FromImage(dst)
	out.UserData = f.UserData
	return out, nil
}
