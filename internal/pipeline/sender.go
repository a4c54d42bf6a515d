package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pion/rtcp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vidlink/internal/codec"
	"github.com/zsiec/vidlink/internal/host"
	"github.com/zsiec/vidlink/internal/media"
	"github.com/zsiec/vidlink/internal/packet"
	"github.com/zsiec/vidlink/internal/sdp"
	"github.com/zsiec/vidlink/internal/transport"
)

// Sender is the producer side of a session: frames from the host are
// encoded, packetized and sent. Picture loss indications from the peer
// force the next frame to be a key frame.
type Sender struct {
	log      *slog.Logger
	opts     Options
	enc      *codec.Encoder
	sess     *transport.Session
	frames   *media.Queue[*media.Frame]
	capturer *host.Capturer
	params   *sdp.ParameterSets
	cname    string

	pz atomic.Pointer[packet.Packetizer]

	// Owned by the Run goroutine.
	lastCapture time.Time
	lastTS      uint32

	framesEncoded    atomic.Int64
	keyframeRequests atomic.Int64
	reportsSent      atomic.Int64
	remoteFraction   atomic.Uint32
	remoteLost       atomic.Int64
}

// NewSender validates opts and builds the encoder. No socket is opened
// until Run. A nil src leaves frame submission to the host through
// Frames.
func NewSender(opts Options, src host.Source, log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	enc, err := codec.NewEncoder(codec.EncoderConfigFor(opts.Stream))
	if err != nil {
		return nil, err
	}

	s := &Sender{
		log:    log.With("component", "sender"),
		opts:   opts,
		enc:    enc,
		frames: media.NewQueue[*media.Frame](media.FrameQueueSize),
		params: &sdp.ParameterSets{},
		cname:  "vidlink-" + uniuri.NewLen(12),
	}
	s.params.Set(enc.ParameterSets())

	if src != nil {
		f := host.Negotiate(opts.Stream.Width, opts.Stream.Height)
		s.capturer = host.NewCapturer(src, host.NewSourceAdapter(f, opts.Stream.Scaler), s.frames, opts.Clock, log)
	}
	s.sess = opts.session(transport.RoleSend, nil, s.onControl, log)
	return s, nil
}

// Frames is the capture handoff queue. The host may push frames of the
// negotiated size directly.
func (s *Sender) Frames() *media.Queue[*media.Frame] { return s.frames }

// Capturer returns the capture loop, or nil when no source was given.
func (s *Sender) Capturer() *host.Capturer { return s.capturer }

// ParameterSets returns the encoder's VPS, SPS and PPS.
func (s *Sender) ParameterSets() *sdp.ParameterSets { return s.params }

// State returns the transport session state.
func (s *Sender) State() transport.State { return s.sess.State() }

// Run opens the transport and streams until ctx is done or the session
// fails. A Sender runs once.
func (s *Sender) Run(ctx context.Context) error {
	if err := s.sess.Open(ctx); err != nil {
		s.sess.Close()
		return err
	}
	defer s.close()

	mtu := min(s.opts.Stream.MTU, s.sess.MaxPacketSize())
	pz, err := packet.NewPacketizer(packet.PacketizerConfig{MTU: mtu})
	if err != nil {
		return err
	}
	s.pz.Store(pz)
	s.log.Info("streaming", "ssrc", pz.SSRC(), "mtu", mtu, "cname", s.cname,
		"size", fmt.Sprintf("%dx%d", s.opts.Stream.Width, s.opts.Stream.Height))

	g, gctx := errgroup.WithContext(ctx)
	if s.capturer != nil {
		g.Go(func() error {
			return s.capturer.Run(gctx, s.opts.Stream.FrameInterval())
		})
	}
	g.Go(func() error { return s.loop(gctx, pz) })
	return g.Wait()
}

func (s *Sender) loop(ctx context.Context, pz *packet.Packetizer) error {
	report := s.opts.Clock.NewTicker(s.opts.Stream.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.sess.Done():
			return sessionErr(s.sess)
		case f := <-s.frames.C():
			if err := s.send(ctx, pz, f); err != nil {
				return err
			}
		case <-report.C():
			s.sendReport(pz)
		}
	}
}

// send encodes f and queues its packets as one unit. Waiting for queue
// room holds up the encoder, never the capture side, whose queue drops
// stale frames instead.
func (s *Sender) send(ctx context.Context, pz *packet.Packetizer, f *media.Frame) error {
	au, err := s.enc.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", f.Seq, err)
	}
	s.framesEncoded.Add(1)
	s.lastCapture, s.lastTS = f.Captured, au.Timestamp
	if s.lastCapture.IsZero() {
		s.lastCapture = s.opts.Clock.Now()
	}

	pkts, err := pz.Packetize(au)
	if err != nil {
		return fmt.Errorf("packetize frame %d: %w", f.Seq, err)
	}
	switch err := s.sess.SendUnit(ctx, pkts); {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, transport.ErrUnitTooLarge):
		return fmt.Errorf("send frame %d: %w", f.Seq, err)
	default:
		return sessionErr(s.sess)
	}
}

// sendReport emits a sender report and CNAME. The RTP time is projected
// from the last encoded frame to the report's wall-clock time.
func (s *Sender) sendReport(pz *packet.Packetizer) {
	now := s.opts.Clock.Now()
	ts := s.lastTS
	if d := now.Sub(s.lastCapture); !s.lastCapture.IsZero() && d > 0 {
		ts += uint32(d.Seconds() * media.ClockRate)
	}
	err := s.sess.SendControl(
		&rtcp.SenderReport{
			SSRC:        pz.SSRC(),
			NTPTime:     toNTP(now),
			RTPTime:     pz.RTPTimestamp(ts),
			PacketCount: pz.PacketCount(),
			OctetCount:  pz.OctetCount(),
		},
		cnameChunk(pz.SSRC(), s.cname),
	)
	if err == nil {
		s.reportsSent.Add(1)
	}
}

func (s *Sender) onControl(pkts []rtcp.Packet) {
	for _, p := range pkts {
		switch p := p.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.keyframeRequests.Add(1)
			s.enc.RequestKeyframe()
		case *rtcp.ReceiverReport:
			for _, r := range p.Reports {
				s.remoteFraction.Store(uint32(r.FractionLost))
				s.remoteLost.Store(int64(r.TotalLost))
			}
		case *rtcp.Goodbye:
			s.log.Info("peer said goodbye", "reason", p.Reason)
		}
	}
}

func (s *Sender) close() {
	if pz := s.pz.Load(); pz != nil && s.sess.State() == transport.StateStreaming {
		s.sess.SendControl(&rtcp.Goodbye{Sources: []uint32{pz.SSRC()}, Reason: "stream stopped"})
	}
	if err := s.sess.Close(); err != nil {
		s.log.Debug("session close", "error", err)
	}
}

// PipelineDebug returns sender counters.
func (s *Sender) PipelineDebug() Debug {
	es := s.enc.Stats()
	d := Debug{
		Role:               transport.RoleSend.String(),
		FramesEncoded:      s.framesEncoded.Load(),
		FrameQueueDepth:    s.frames.Len(),
		FrameQueueDropped:  s.frames.Dropped(),
		KeyframeRequests:   s.keyframeRequests.Load(),
		ReportsSent:        s.reportsSent.Load(),
		RemoteFractionLost: uint8(s.remoteFraction.Load()),
		RemoteTotalLost:    s.remoteLost.Load(),
		Encoder:            &es,
		Transport:          s.sess.Stats(),
	}
	if s.capturer != nil {
		d.FramesCaptured = s.capturer.Captured()
	}
	if pz := s.pz.Load(); pz != nil {
		d.PacketsPacketized = int64(pz.PacketCount())
	}
	return d
}

func cnameChunk(ssrc uint32, cname string) *rtcp.SourceDescription {
	return &rtcp.SourceDescription{Chunks: []rtcp.SourceDescriptionChunk{{
		Source: ssrc,
		Items:  []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: cname}},
	}}}
}

// sessionErr is the error that ended sess, or ErrClosed.
func sessionErr(sess *transport.Session) error {
	if err := sess.Err(); err != nil {
		return err
	}
	return transport.ErrClosed
}
