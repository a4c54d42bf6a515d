package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/zsiec/vidlink/internal/media"
)

// Capturer moves host captures into the encoder's frame queue. It can be
// driven by the host calling Tick from its own frame loop or by Run on a
// fixed cadence. Late ticks are coalesced, never queued up.
type Capturer struct {
	log     *slog.Logger
	src     Source
	adapter *SourceAdapter
	out     *media.Queue[*media.Frame]
	clk     clock.WithTicker

	captured atomic.Int64
	errors   atomic.Int64
}

// NewCapturer creates a Capturer pushing into out. A nil clk uses the
// real clock.
func NewCapturer(src Source, adapter *SourceAdapter, out *media.Queue[*media.Frame], clk clock.WithTicker, log *slog.Logger) *Capturer {
	if log == nil {
		log = slog.Default()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Capturer{
		log:     log.With("component", "capturer"),
		src:     src,
		adapter: adapter,
		out:     out,
		clk:     clk,
	}
}

// Tick captures and enqueues one frame.
func (c *Capturer) Tick() error {
	now := c.clk.Now()
	buf, err := c.src.CaptureFrame()
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("capture: %w", err)
	}
	f, err := c.adapter.Convert(buf, now)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("capture: %w", err)
	}
	c.out.Push(f)
	c.captured.Add(1)
	return nil
}

// Run ticks every interval until ctx is done. Capture errors are logged
// and skipped.
func (c *Capturer) Run(ctx context.Context, interval time.Duration) error {
	t := c.clk.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			if err := c.Tick(); err != nil {
				c.log.Debug("capture failed", "error", err)
			}
		}
	}
}

// Captured returns the number of frames enqueued.
func (c *Capturer) Captured() int64 { return c.captured.Load() }

// Errors returns the number of failed captures.
func (c *Capturer) Errors() int64 { return c.errors.Load() }

// Presenter hands decoded frames to the host sink. Only the newest
// decoded frame is shown; with Hold set the last good frame, or a blank
// one before the first, is shown again whenever nothing new arrived.
type Presenter struct {
	log     *slog.Logger
	sink    Sink
	adapter *SinkAdapter
	in      *media.Queue[*media.Frame]
	blank   RawBuffer
	hold    bool

	last      RawBuffer
	hasLast   bool
	presented atomic.Int64
	repeated  atomic.Int64
	errors    atomic.Int64
}

// NewPresenter creates a Presenter for frames of format f.
func NewPresenter(sink Sink, adapter *SinkAdapter, in *media.Queue[*media.Frame], f Format, hold bool, log *slog.Logger) *Presenter {
	if log == nil {
		log = slog.Default()
	}
	w, h := adapter.Size(f.Width, f.Height)
	return &Presenter{
		log:     log.With("component", "presenter"),
		sink:    sink,
		adapter: adapter,
		in:      in,
		blank:   NewRawBuffer(w, h),
		hold:    hold,
	}
}

// Present shows the newest decoded frame, if any. It reports whether a
// new frame was shown.
func (p *Presenter) Present() (bool, error) {
	f, ok := p.in.Latest()
	if !ok {
		if !p.hold {
			return false, nil
		}
		buf := p.blank
		if p.hasLast {
			buf = p.last
		}
		p.repeated.Add(1)
		return false, p.deliver(buf)
	}
	return true, p.show(f)
}

func (p *Presenter) show(f *media.Frame) error {
	buf, err := p.adapter.Convert(f)
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("present: %w", err)
	}
	p.last, p.hasLast = buf, true
	p.presented.Add(1)
	return p.deliver(buf)
}

func (p *Presenter) deliver(buf RawBuffer) error {
	if err := p.sink.PresentFrame(buf); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("present: %w", err)
	}
	return nil
}

// Run presents frames as they arrive until ctx is done, skipping any
// that were superseded while the sink was busy.
func (p *Presenter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-p.in.C():
			if newer, ok := p.in.Latest(); ok {
				f = newer
			}
			if err := p.show(f); err != nil {
				p.log.Debug("present failed", "error", err)
			}
		}
	}
}

// Presented returns the number of distinct frames shown.
func (p *Presenter) Presented() int64 { return p.presented.Load() }

// Repeated returns how many times a held or blank frame was re-shown.
func (p *Presenter) Repeated() int64 { return p.repeated.Load() }
