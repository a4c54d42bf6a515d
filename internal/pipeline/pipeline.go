// Package pipeline runs the per-session data flow: on the sending side
// captured frames are encoded, packetized and handed to the transport;
// on the receiving side packets are reassembled, decoded and handed to
// the host, while RTCP keeps both ends informed about loss.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"k8s.io/utils/clock"

	"github.com/zsiec/vidlink/internal/certs"
	"github.com/zsiec/vidlink/internal/codec"
	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/packet"
	"github.com/zsiec/vidlink/internal/sdp"
	"github.com/zsiec/vidlink/internal/transport"
)

// minKeyframeRequestGap rate-limits picture loss indications.
const minKeyframeRequestGap = 250 * time.Millisecond

// controlHeadroom is send queue room kept on top of one access unit for
// RTCP queued between units.
const controlHeadroom = 16

// Pipeline is one direction of a streaming session. Run blocks until ctx
// is done, returning nil, or until the session fails.
type Pipeline interface {
	Run(ctx context.Context) error
	PipelineDebug() Debug
	ParameterSets() *sdp.ParameterSets
	State() transport.State
}

// Options configures a Sender or Receiver. Stream is fixed for the life
// of the pipeline.
type Options struct {
	Stream      config.Stream
	Peer        string
	Listen      string
	StreamID    string
	Fingerprint string
	Identity    *certs.Identity
	Clock       clock.WithTicker
	OnState     func(transport.State, error)

	// unitPackets bounds the packets of one access unit.
	unitPackets int
}

// normalize validates the stream and sizes the send queue so that the
// largest access unit the encoder can produce always fits whole.
func (o *Options) normalize() error {
	o.Stream = o.Stream.Normalize()
	if err := o.Stream.Validate(); err != nil {
		return err
	}
	n, err := maxUnitPackets(o.Stream)
	if err != nil {
		return err
	}
	o.unitPackets = n
	o.Stream.SendQueue = max(o.Stream.SendQueue, n+controlHeadroom)
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	return nil
}

// maxUnitPackets bounds how many RTP packets one access unit of s can span.
// Streams whose largest unit could not be carried are rejected with a
// *config.Error.
func maxUnitPackets(s config.Stream) (int, error) {
	mtu := min(s.MTU, transport.PacketLimit(s.Transport))
	size, nalus := codec.MaxUnitSize(s.Width, s.Height)
	n := packet.MaxPackets(size, nalus, mtu)
	if n == 0 || n > packet.MaxUnitPackets {
		return 0, &config.Error{Field: "mtu", Err: fmt.Errorf(
			"%w: %dx%d frames may need %d packets at MTU %d, limit %d",
			config.ErrInvalid, s.Width, s.Height, n, mtu, packet.MaxUnitPackets)}
	}
	return n, nil
}

func (o *Options) session(role transport.Role, onPacket func(*rtp.Packet), onControl func([]rtcp.Packet), log *slog.Logger) *transport.Session {
	return transport.NewSession(transport.Config{
		Endpoint: transport.Endpoint{
			Role:        role,
			Transport:   o.Stream.Transport,
			Peer:        o.Peer,
			Listen:      o.Listen,
			StreamID:    o.StreamID,
			Fingerprint: o.Fingerprint,
			Identity:    o.Identity,
			IdleTimeout: o.Stream.IdleTimeout,
		},
		DrainTimeout: o.Stream.DrainTimeout,
		SendQueue:    o.Stream.SendQueue,
		Clock:        o.Clock,
		OnPacket:     onPacket,
		OnControl:    onControl,
		OnState:      o.OnState,
	}, log)
}

// Debug holds low-level counters and queue depths for the
// /api/sessions/{id}/debug endpoint.
type Debug struct {
	Role string `json:"role"`

	FramesCaptured    int64 `json:"framesCaptured,omitempty"`
	FramesEncoded     int64 `json:"framesEncoded,omitempty"`
	FramesDecoded     int64 `json:"framesDecoded,omitempty"`
	FramesPresented   int64 `json:"framesPresented,omitempty"`
	FrameQueueDepth   int   `json:"frameQueueDepth"`
	FrameQueueDropped int64 `json:"frameQueueDropped"`

	PacketsPacketized  int64 `json:"packetsPacketized,omitempty"`
	PacketQueueDepth   int   `json:"packetQueueDepth,omitempty"`
	PacketQueueDropped int64 `json:"packetQueueDropped,omitempty"`

	LossEvents          int64 `json:"lossEvents,omitempty"`
	KeyframeRequests    int64 `json:"keyframeRequests"`
	KeyframeSuppressed  int64 `json:"keyframeSuppressed,omitempty"`
	ReportsSent         int64 `json:"reportsSent"`
	RemoteFractionLost  uint8 `json:"remoteFractionLost,omitempty"`
	RemoteTotalLost     int64 `json:"remoteTotalLost,omitempty"`
	LastSenderReportAge int64 `json:"lastSenderReportAgeMs,omitempty"`

	Encoder      *codec.EncoderStats        `json:"encoder,omitempty"`
	Decoder      *codec.DecoderStats        `json:"decoder,omitempty"`
	Depacketizer *packet.DepacketizerStats `json:"depacketizer,omitempty"`
	Transport    transport.Stats            `json:"transport"`
}

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// toNTP converts t to a 64-bit NTP timestamp.
func toNTP(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}

// ntpMiddle is the compact form used in receiver reports.
func ntpMiddle(ntp uint64) uint32 {
	return uint32(ntp >> 16)
}
