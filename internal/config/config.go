// Package config holds the per-session stream configuration and the
// process-level settings loaded from files, environment and flags.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Error reports which field failed validation.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: invalid %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)}
}

// Transport backends.
const (
	TransportUDP  = "udp"
	TransportQUIC = "quic"
	TransportSRT  = "srt"
)

// Scaler kernels used when the host buffer does not match the negotiated size.
const (
	ScalerNearest    = "nearest"
	ScalerBilinear   = "bilinear"
	ScalerCatmullRom = "catmullrom"
)

// Resolution limits. Dimensions are rounded up to a multiple of
// DimensionAlign and never go below MinDimension.
const (
	MinDimension   = 16
	MaxDimension   = 8192
	DimensionAlign = 8
)

// MinMTU is the smallest MTU that leaves room for RTP headers, the fragment
// extension and a useful payload.
const MinMTU = 256

// Stream is the configuration of one streaming session. It is fixed for the
// life of the session.
type Stream struct {
	Width            int           `mapstructure:"width" json:"width"`
	Height           int           `mapstructure:"height" json:"height"`
	FrameRate        int           `mapstructure:"framerate" json:"frameRate"`
	Bitrate          int           `mapstructure:"bitrate" json:"bitrate"`
	KeyframeInterval int           `mapstructure:"keyframe-interval" json:"keyframeInterval"`
	Quant            int           `mapstructure:"quant" json:"quant"`
	MTU              int           `mapstructure:"mtu" json:"mtu"`
	IdleTimeout      time.Duration `mapstructure:"idle-timeout" json:"idleTimeout"`
	// ReassemblyHorizon bounds how long an incomplete access unit may wait
	// for its remaining packets.
	ReassemblyHorizon time.Duration `mapstructure:"reassembly-horizon" json:"reassemblyHorizon"`
	DrainTimeout      time.Duration `mapstructure:"drain-timeout" json:"drainTimeout"`
	ReportInterval    time.Duration `mapstructure:"report-interval" json:"reportInterval"`
	// SendQueue is the minimum send queue depth in packets. Pipelines
	// raise it to hold the largest access unit their stream can produce.
	SendQueue         int           `mapstructure:"send-queue" json:"sendQueue"`
	Transport         string        `mapstructure:"transport" json:"transport"`
	Scaler            string        `mapstructure:"scaler" json:"scaler"`
}

// Default returns the production defaults.
func Default() Stream {
	return Stream{
		Width:             1280,
		Height:            720,
		FrameRate:         30,
		Bitrate:           4_000_000,
		KeyframeInterval:  30,
		Quant:             8,
		MTU:               1200,
		IdleTimeout:       5 * time.Second,
		ReassemblyHorizon: 200 * time.Millisecond,
		DrainTimeout:      250 * time.Millisecond,
		ReportInterval:    time.Second,
		SendQueue:         512,
		Transport:         TransportUDP,
		Scaler:            ScalerBilinear,
	}
}

// NormalizeDimension clamps n to MinDimension and rounds it up to a
// multiple of DimensionAlign.
func NormalizeDimension(n int) int {
	if n < MinDimension {
		n = MinDimension
	}
	if r := n % DimensionAlign; r != 0 {
		n += DimensionAlign - r
	}
	return n
}

// Normalize returns a copy with the resolution rounded to what the codec
// accepts.
func (s Stream) Normalize() Stream {
	s.Width = NormalizeDimension(s.Width)
	s.Height = NormalizeDimension(s.Height)
	return s
}

// FrameInterval returns the nominal time between frames.
func (s Stream) FrameInterval() time.Duration {
	if s.FrameRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(s.FrameRate)
}

// Validate checks every field and returns the first problem found as an
// *Error. It never acquires resources.
func (s Stream) Validate() error {
	switch {
	case s.Width < MinDimension || s.Width > MaxDimension || s.Width%DimensionAlign != 0:
		return invalid("width", "%d must be a multiple of %d in [%d, %d]", s.Width, DimensionAlign, MinDimension, MaxDimension)
	case s.Height < MinDimension || s.Height > MaxDimension || s.Height%DimensionAlign != 0:
		return invalid("height", "%d must be a multiple of %d in [%d, %d]", s.Height, DimensionAlign, MinDimension, MaxDimension)
	case s.FrameRate < 1 || s.FrameRate > 240:
		return invalid("framerate", "%d out of range [1, 240]", s.FrameRate)
	case s.Bitrate <= 0:
		return invalid("bitrate", "%d must be positive", s.Bitrate)
	case s.KeyframeInterval < 1:
		return invalid("keyframe-interval", "%d must be at least 1", s.KeyframeInterval)
	case s.Quant < 2 || s.Quant > 64:
		return invalid("quant", "%d out of range [2, 64]", s.Quant)
	case s.MTU < MinMTU || s.MTU > 65000:
		return invalid("mtu", "%d out of range [%d, 65000]", s.MTU, MinMTU)
	case s.IdleTimeout < 0:
		return invalid("idle-timeout", "%s must not be negative", s.IdleTimeout)
	case s.ReassemblyHorizon <= 0:
		return invalid("reassembly-horizon", "%s must be positive", s.ReassemblyHorizon)
	case s.DrainTimeout < 0:
		return invalid("drain-timeout", "%s must not be negative", s.DrainTimeout)
	case s.ReportInterval <= 0:
		return invalid("report-interval", "%s must be positive", s.ReportInterval)
	case s.SendQueue < 1:
		return invalid("send-queue", "%d must be at least 1", s.SendQueue)
	}

	switch s.Transport {
	case TransportUDP, TransportQUIC, TransportSRT:
	default:
		return invalid("transport", "unknown backend %q", s.Transport)
	}
	switch s.Scaler {
	case ScalerNearest, ScalerBilinear, ScalerCatmullRom:
	default:
		return invalid("scaler", "unknown kernel %q", s.Scaler)
	}
	return nil
}
