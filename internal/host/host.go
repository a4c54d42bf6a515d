// Package host adapts the embedding application's frame representation to
// the pipeline's. The host is treated as an opaque source and sink of RGBA
// pictures, driven either by its own frame loop or by a ticker.
package host

import (
	"errors"
	"fmt"
	"image"

	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/media"
)

// ErrBadBuffer is returned for a RawBuffer whose geometry does not match
// its pixel slice.
var ErrBadBuffer = errors.New("host: malformed raw buffer")

// RawBuffer is a host picture in packed 8-bit RGBA. UserData is optional
// per-frame metadata that is delivered to the remote sink with the
// picture it was captured with.
type RawBuffer struct {
	Pix      []byte
	Width    int
	Height   int
	Stride   int
	UserData []byte
}

// NewRawBuffer allocates an opaque black buffer.
func NewRawBuffer(width, height int) RawBuffer {
	return FromImage(image.NewRGBA(image.Rect(0, 0, width, height)))
}

// FromImage wraps img without copying.
func FromImage(img *image.RGBA) RawBuffer {
	b := img.Bounds()
	return RawBuffer{Pix: img.Pix, Width: b.Dx(), Height: b.Dy(), Stride: img.Stride}
}

// Image views the buffer as an *image.RGBA without copying.
func (b RawBuffer) Image() *image.RGBA {
	return &image.RGBA{Pix: b.Pix, Stride: b.Stride, Rect: image.Rect(0, 0, b.Width, b.Height)}
}

// Validate checks that the pixel slice covers the declared geometry.
func (b RawBuffer) Validate() error {
	if b.Width <= 0 || b.Height <= 0 || b.Stride < b.Width*4 {
		return fmt.Errorf("%w: %dx%d stride %d", ErrBadBuffer, b.Width, b.Height, b.Stride)
	}
	if need := (b.Height-1)*b.Stride + b.Width*4; len(b.Pix) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrBadBuffer, len(b.Pix), need)
	}
	if len(b.UserData) > media.MaxUserDataSize {
		return fmt.Errorf("%w: %d bytes of user data, limit %d", ErrBadBuffer, len(b.UserData), media.MaxUserDataSize)
	}
	return nil
}

// Source is the host's capture hook, called synchronously from whatever
// context drives capture.
type Source interface {
	CaptureFrame() (RawBuffer, error)
}

// Sink is the host's display hook. The buffer is only valid for the
// duration of the call.
type Sink interface {
	PresentFrame(RawBuffer) error
}

// Format is the picture format agreed for a session.
type Format struct {
	Width       int
	Height      int
	PixelFormat media.PixelFormat
}

// Negotiate agrees the pipeline format for a requested host resolution.
// It runs once at session start; the result is fixed for the session.
func Negotiate(width, height int) Format {
	return Format{
		Width:       config.NormalizeDimension(width),
		Height:      config.NormalizeDimension(height),
		PixelFormat: media.PixelFormatI420,
	}
}
