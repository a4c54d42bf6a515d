package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/dchest/uniuri"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vidlink/internal/codec"
	"github.com/zsiec/vidlink/internal/host"
	"github.com/zsiec/vidlink/internal/media"
	"github.com/zsiec/vidlink/internal/packet"
	"github.com/zsiec/vidlink/internal/sdp"
	"github.com/zsiec/vidlink/internal/transport"
)

// Receiver is the consumer side of a session: packets are reassembled
// into access units and decoded into frames for the host. Any loss
// freezes the picture until the next key frame, which is requested from
// the sender with a rate-limited PLI.
type Receiver struct {
	log       *slog.Logger
	opts      Options
	dec       *codec.Decoder
	dp        *packet.Depacketizer
	sess      *transport.Session
	packets   *media.Queue[*rtp.Packet]
	frames    *media.Queue[*media.Frame]
	presenter *host.Presenter
	params    *sdp.ParameterSets
	ssrc      uint32
	cname     string

	remoteSSRC atomic.Uint32
	lastSR     atomic.Uint32
	lastSRAt   atomic.Int64

	// Owned by the Run goroutine.
	lastPLI      time.Time
	prevExpected int64
	prevReceived int64

	framesDecoded      atomic.Int64
	lossEvents         atomic.Int64
	keyframeRequests   atomic.Int64
	keyframeSuppressed atomic.Int64
	reportsSent        atomic.Int64
}

// NewReceiver validates opts and builds the decoder and reassembly
// buffer. A nil sink leaves presentation to the host, which pops decoded
// frames from Frames.
func NewReceiver(opts Options, sink host.Sink, log *slog.Logger) (*Receiver, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	r := &Receiver{
		log:     log.With("component", "receiver"),
		opts:    opts,
		dec:     codec.NewDecoder(log),
		packets: media.NewQueue[*rtp.Packet](max(media.PacketQueueSize, 2*opts.unitPackets)),
		frames:  media.NewQueue[*media.Frame](media.FrameQueueSize),
		params:  &sdp.ParameterSets{},
		ssrc:    rand.Uint32() | 1,
		cname:   "vidlink-" + uniuri.NewLen(12),
	}
	r.dp = packet.NewDepacketizer(packet.DepacketizerConfig{
		Horizon: opts.Stream.ReassemblyHorizon,
		OnLoss:  r.onLoss,
		Clock:   opts.Clock,
		Log:     log,
	})
	if sink != nil {
		f := host.Negotiate(opts.Stream.Width, opts.Stream.Height)
		adapter := host.NewSinkAdapter(0, 0, opts.Stream.Scaler)
		r.presenter = host.NewPresenter(sink, adapter, r.frames, f, true, log)
	}
	r.sess = opts.session(transport.RoleReceive, r.onPacket, r.onControl, log)
	return r, nil
}

// Frames is the display handoff queue.
func (r *Receiver) Frames() *media.Queue[*media.Frame] { return r.frames }

// Presenter returns the presentation loop, or nil when no sink was given.
func (r *Receiver) Presenter() *host.Presenter { return r.presenter }

// ParameterSets returns the parameter sets seen on the stream so far.
func (r *Receiver) ParameterSets() *sdp.ParameterSets { return r.params }

// State returns the transport session state.
func (r *Receiver) State() transport.State { return r.sess.State() }

// Run opens the transport and receives until ctx is done or the session
// fails. A Receiver runs once.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.sess.Open(ctx); err != nil {
		r.sess.Close()
		return err
	}
	defer r.close()
	r.log.Info("listening", "addr", r.sess.Stats().LocalAddr, "ssrc", r.ssrc)

	g, gctx := errgroup.WithContext(ctx)
	if r.presenter != nil {
		g.Go(func() error { return r.presenter.Run(gctx) })
	}
	g.Go(func() error { return r.loop(gctx) })
	return g.Wait()
}

// LocalAddr is the bound address once Run has opened the transport.
func (r *Receiver) LocalAddr() string { return r.sess.Stats().LocalAddr }

func (r *Receiver) loop(ctx context.Context) error {
	clk := r.opts.Clock
	expire := clk.NewTicker(max(r.opts.Stream.ReassemblyHorizon/2, time.Millisecond))
	defer expire.Stop()
	report := clk.NewTicker(r.opts.Stream.ReportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.sess.Done():
			return sessionErr(r.sess)
		case pkt := <-r.packets.C():
			if err := r.receive(pkt); err != nil {
				return err
			}
		case <-expire.C():
			r.dp.Expire(clk.Now())
		case <-report.C():
			r.sendReport()
		}
	}
}

func (r *Receiver) receive(pkt *rtp.Packet) error {
	au, err := r.dp.Push(pkt)
	if err != nil {
		r.log.Debug("packet dropped", "seq", pkt.SequenceNumber, "error", err)
		return nil
	}
	if au == nil {
		return nil
	}
	r.params.Observe(au)

	f, err := r.dec.Decode(au)
	switch {
	case errors.Is(err, codec.ErrAwaitingKeyframe):
		r.requestKeyframe("awaiting key frame")
		return nil
	case err != nil:
		return fmt.Errorf("decode: %w", err)
	}
	r.framesDecoded.Add(1)
	r.frames.Push(f)
	return nil
}

// onLoss runs inside the depacketizer and must not call back into it.
func (r *Receiver) onLoss(ev packet.LossEvent) {
	r.lossEvents.Add(1)
	r.log.Debug("loss", "cause", ev.Cause, "packets", ev.Packets, "units", ev.Units)
	r.dec.Reset()
	r.requestKeyframe("loss")
}

func (r *Receiver) requestKeyframe(reason string) {
	now := r.opts.Clock.Now()
	if !r.lastPLI.IsZero() && now.Sub(r.lastPLI) < minKeyframeRequestGap {
		r.keyframeSuppressed.Add(1)
		return
	}
	remote := r.remoteSSRC.Load()
	if remote == 0 {
		return
	}
	r.lastPLI = now
	if err := r.sess.SendControl(&rtcp.PictureLossIndication{SenderSSRC: r.ssrc, MediaSSRC: remote}); err != nil {
		return
	}
	r.keyframeRequests.Add(1)
	r.log.Debug("requested key frame", "reason", reason)
}

// sendReport emits a receiver report and CNAME. Before the sender is
// known the report carries no reception blocks.
func (r *Receiver) sendReport() {
	rr := &rtcp.ReceiverReport{SSRC: r.ssrc}
	if remote := r.remoteSSRC.Load(); remote != 0 {
		st := r.dp.Stats()
		received := st.Received - st.Duplicates
		expected := st.Expected

		var fraction uint8
		dExp, dRecv := expected-r.prevExpected, received-r.prevReceived
		if dExp > 0 && dRecv < dExp {
			fraction = uint8(min((dExp-dRecv)<<8/dExp, 255))
		}
		r.prevExpected, r.prevReceived = expected, received

		report := rtcp.ReceptionReport{
			SSRC:               remote,
			FractionLost:       fraction,
			TotalLost:          uint32(min(max(expected-received, 0), 0x7FFFFF)),
			LastSequenceNumber: st.HighestSeq,
		}
		if at := r.lastSRAt.Load(); at != 0 {
			report.LastSenderReport = r.lastSR.Load()
			delay := r.opts.Clock.Since(time.Unix(0, at))
			report.Delay = uint32(delay * 65536 / time.Second)
		}
		rr.Reports = []rtcp.ReceptionReport{report}
	}
	if err := r.sess.SendControl(rr, cnameChunk(r.ssrc, r.cname)); err == nil {
		r.reportsSent.Add(1)
	}
}

func (r *Receiver) onPacket(pkt *rtp.Packet) {
	r.remoteSSRC.Store(pkt.SSRC)
	r.packets.Push(pkt)
}

func (r *Receiver) onControl(pkts []rtcp.Packet) {
	for _, p := range pkts {
		switch p := p.(type) {
		case *rtcp.SenderReport:
			r.lastSR.Store(ntpMiddle(p.NTPTime))
			r.lastSRAt.Store(r.opts.Clock.Now().UnixNano())
		case *rtcp.Goodbye:
			r.log.Info("peer said goodbye", "reason", p.Reason)
		}
	}
}

func (r *Receiver) close() {
	if err := r.sess.Close(); err != nil {
		r.log.Debug("session close", "error", err)
	}
}

// PipelineDebug returns receiver counters.
func (r *Receiver) PipelineDebug() Debug {
	ds := r.dec.Stats()
	dps := r.dp.Stats()
	d := Debug{
		Role:               transport.RoleReceive.String(),
		FramesDecoded:      r.framesDecoded.Load(),
		FrameQueueDepth:    r.frames.Len(),
		FrameQueueDropped:  r.frames.Dropped(),
		PacketQueueDepth:   r.packets.Len(),
		PacketQueueDropped: r.packets.Dropped(),
		LossEvents:         r.lossEvents.Load(),
		KeyframeRequests:   r.keyframeRequests.Load(),
		KeyframeSuppressed: r.keyframeSuppressed.Load(),
		ReportsSent:        r.reportsSent.Load(),
		Decoder:            &ds,
		Depacketizer:       &dps,
		Transport:          r.sess.Stats(),
	}
	if r.presenter != nil {
		d.FramesPresented = r.presenter.Presented()
	}
	if at := r.lastSRAt.Load(); at != 0 {
		d.LastSenderReportAge = r.opts.Clock.Since(time.Unix(0, at)).Milliseconds()
	}
	return d
}
