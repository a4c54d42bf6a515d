package packet

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/pion/rtp"
	"k8s.io/utils/clock"

	"github.com/zsiec/vidlink/internal/media"
)

// Reassembly defaults.
const (
	DefaultMaxBuckets   = 16
	DefaultMaxFragments = 8192
	DefaultHorizon      = 200 * time.Millisecond
)

// DepacketizerConfig configures a Depacketizer.
type DepacketizerConfig struct {
	// Horizon is how long an incomplete access unit may wait for its
	// remaining packets before it is discarded.
	Horizon time.Duration
	// MaxBuckets bounds the number of access units in reassembly; the
	// oldest is discarded to make room.
	MaxBuckets int
	// MaxFragments bounds the fragment count a packet may announce.
	MaxFragments int
	// OnLoss is called synchronously for every loss event.
	OnLoss func(LossEvent)
	Clock  clock.PassiveClock
	Log    *slog.Logger
}

// DepacketizerStats is a snapshot of reassembly counters.
type DepacketizerStats struct {
	Received   int64 `json:"received"`
	Duplicates int64 `json:"duplicates"`
	Late       int64 `json:"late"`
	Malformed  int64 `json:"malformed"`
	Completed  int64 `json:"completed"`
	Discarded  int64 `json:"discarded"`
	LossEvents int64 `json:"lossEvents"`
	// LostPackets counts packets inside reported loss ranges that never
	// arrived.
	LostPackets int64 `json:"lostPackets"`
	// HighestSeq is the highest extended sequence number seen: cycles in
	// the upper 16 bits, as RTCP receiver reports expect.
	HighestSeq uint32 `json:"highestSeq"`
	// Expected is the number of packets between the first and the highest
	// sequence number seen.
	Expected int64 `json:"expected"`
	Pending  int   `json:"pending"`
}

// bucket collects the packets of one access unit.
type bucket struct {
	ts      uint32
	first   int64 // extended sequence number of fragment 0
	count   int
	frags   [][]byte
	have    int
	created time.Time
}

func (b *bucket) end() int64 { return b.first + int64(b.count) - 1 }

// reassemblyBuffer holds in-flight buckets keyed by RTP timestamp.
type reassemblyBuffer struct {
	buckets map[uint32]*bucket
	max     int
}

func (r *reassemblyBuffer) oldest() *bucket {
	var o *bucket
	for _, b := range r.buckets {
		if o == nil || b.first < o.first {
			o = b
		}
	}
	return o
}

// below removes and returns every bucket starting at or before seq, oldest
// first.
func (r *reassemblyBuffer) below(seq int64) []*bucket {
	var out []*bucket
	for ts, b := range r.buckets {
		if b.first <= seq {
			out = append(out, b)
			delete(r.buckets, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].first < out[j].first })
	return out
}

// Depacketizer reassembles access units from RTP packets. Out-of-order
// packets within a unit are reordered by fragment index; a completed unit
// supersedes older incomplete ones, which are discarded and reported as
// loss. There is no retransmission.
type Depacketizer struct {
	cfg   DepacketizerConfig
	clock clock.PassiveClock
	log   *slog.Logger

	mu  sync.Mutex
	buf reassemblyBuffer

	// Extended sequence state. accounted is the highest sequence number
	// that has been delivered or reported lost.
	started   bool
	baseSeq   int64
	highest   int64
	accounted int64
	hasFloor  bool

	stats DepacketizerStats
}

// NewDepacketizer returns an empty depacketizer.
func NewDepacketizer(cfg DepacketizerConfig) *Depacketizer {
	if cfg.Horizon <= 0 {
		cfg.Horizon = DefaultHorizon
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = DefaultMaxBuckets
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = DefaultMaxFragments
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Depacketizer{
		cfg:   cfg,
		clock: cfg.Clock,
		log:   log.With("component", "depacketizer"),
		buf:   reassemblyBuffer{buckets: make(map[uint32]*bucket), max: cfg.MaxBuckets},
	}
}

// unwrap extends a 16-bit sequence number relative to the highest seen.
func (d *Depacketizer) unwrap(seq uint16) int64 {
	if !d.started {
		d.started = true
		d.highest = int64(seq) + 1<<16 // leave room for reordering below the first packet
		d.baseSeq = d.highest
		return d.highest
	}
	ext := d.highest + int64(int16(seq-uint16(d.highest)))
	if ext > d.highest {
		d.highest = ext
	}
	if ext < d.baseSeq {
		d.baseSeq = ext
	}
	return ext
}

// Push adds one packet. It returns the access unit the packet completed, if
// any. ErrMalformed and ErrLatePacket report dropped packets and are not
// fatal.
func (d *Depacketizer) Push(pkt *rtp.Packet) (*media.AccessUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if pkt == nil || len(pkt.Payload) < payloadHeaderSize {
		d.stats.Malformed++
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	frag, err := FragmentOf(&pkt.Header)
	if err != nil {
		d.stats.Malformed++
		return nil, err
	}
	if int(frag.Count) > d.cfg.MaxFragments {
		d.stats.Malformed++
		return nil, fmt.Errorf("%w: %d fragments exceeds limit %d", ErrMalformed, frag.Count, d.cfg.MaxFragments)
	}

	ext := d.unwrap(pkt.SequenceNumber)
	d.stats.Received++
	first := ext - int64(frag.Index)

	if d.hasFloor && first <= d.accounted {
		d.stats.Late++
		return nil, fmt.Errorf("%w: seq %d already accounted", ErrLatePacket, pkt.SequenceNumber)
	}

	b, ok := d.buf.buckets[pkt.Timestamp]
	if !ok {
		for len(d.buf.buckets) >= d.buf.max {
			d.evict(d.buf.oldest())
		}
		if d.hasFloor && first <= d.accounted {
			d.stats.Late++
			return nil, fmt.Errorf("%w: seq %d older than evicted units", ErrLatePacket, pkt.SequenceNumber)
		}
		b = &bucket{
			ts:      pkt.Timestamp,
			first:   first,
			count:   int(frag.Count),
			frags:   make([][]byte, frag.Count),
			created: d.clock.Now(),
		}
		d.buf.buckets[pkt.Timestamp] = b
	} else if b.first != first || b.count != int(frag.Count) {
		d.stats.Malformed++
		return nil, fmt.Errorf("%w: fragment %d/%d disagrees with unit at ts %d", ErrMalformed, frag.Index, frag.Count, pkt.Timestamp)
	}

	if b.frags[frag.Index] != nil {
		d.stats.Duplicates++
		return nil, nil
	}
	b.frags[frag.Index] = pkt.Payload
	b.have++
	if b.have < b.count {
		return nil, nil
	}
	return d.complete(b)
}

// complete delivers b and discards every older bucket.
func (d *Depacketizer) complete(b *bucket) (*media.AccessUnit, error) {
	delete(d.buf.buckets, b.ts)
	stale := d.buf.below(b.first - 1)
	d.stats.Discarded += int64(len(stale))

	switch {
	case d.hasFloor && b.first > d.accounted+1:
		d.lose(ErrSequenceGap, d.accounted+1, b.first-1, len(stale), stale)
	case !d.hasFloor && len(stale) > 0:
		d.lose(ErrSequenceGap, stale[0].first, b.first-1, len(stale), stale)
	}
	d.accounted = b.end()
	d.hasFloor = true

	nalus, err := depayload(b.frags)
	if err != nil {
		d.stats.Malformed++
		d.stats.Discarded++
		d.emit(LossEvent{
			Cause:        fmt.Errorf("%w: %v", ErrMalformed, err),
			FirstMissing: uint16(b.first),
			LastMissing:  uint16(b.end()),
			Packets:      0,
			Units:        1,
			At:           d.clock.Now(),
		})
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	d.stats.Completed++
	au := &media.AccessUnit{Type: media.FrameDelta, NALUs: nalus, Timestamp: b.ts}
	for _, n := range nalus {
		t := h265.NALUType((n[0] >> 1) & 0x3F)
		if t >= h265.NALUType_BLA_W_LP && t <= h265.NALUType_CRA_NUT {
			au.Type = media.FrameKey
			break
		}
	}
	return au, nil
}

// evict discards an incomplete bucket to make room and accounts its range
// as lost.
func (d *Depacketizer) evict(b *bucket) {
	if b == nil {
		return
	}
	stale := d.buf.below(b.end())
	d.discard(stale)
}

// Expire discards incomplete units older than the horizon. All units
// expired in one call are reported as a single loss event.
func (d *Depacketizer) Expire(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var cutoff int64 = -1
	for _, b := range d.buf.buckets {
		if now.Sub(b.created) >= d.cfg.Horizon && b.end() > cutoff {
			cutoff = b.end()
		}
	}
	if cutoff < 0 {
		return 0
	}
	stale := d.buf.below(cutoff)
	d.discard(stale)
	return len(stale)
}

// discard drops incomplete buckets, oldest first, and reports the range
// through the newest one as lost.
func (d *Depacketizer) discard(stale []*bucket) {
	if len(stale) == 0 {
		return
	}
	d.stats.Discarded += int64(len(stale))
	from := stale[0].first
	if d.hasFloor {
		from = d.accounted + 1
	}
	through := stale[len(stale)-1].end()
	d.lose(ErrReassemblyTimeout, from, through, len(stale), stale)
	d.accounted = through
	d.hasFloor = true
}

// lose raises one loss event for the range [from, through].
func (d *Depacketizer) lose(cause error, from, through int64, units int, partial []*bucket) {
	if through < from {
		return
	}
	missing := through - from + 1
	for _, b := range partial {
		missing -= int64(b.have)
	}
	missing = max(missing, 0)
	d.stats.LostPackets += missing
	d.emit(LossEvent{
		Cause:        cause,
		FirstMissing: uint16(from),
		LastMissing:  uint16(through),
		Packets:      int(missing),
		Units:        units,
		At:           d.clock.Now(),
	})
}

func (d *Depacketizer) emit(ev LossEvent) {
	d.stats.LossEvents++
	d.log.Debug("loss detected", "cause", ev.Cause, "first", ev.FirstMissing, "last", ev.LastMissing, "packets", ev.Packets)
	if d.cfg.OnLoss != nil {
		d.cfg.OnLoss(ev)
	}
}

// Stats returns a snapshot of the reassembly counters.
func (d *Depacketizer) Stats() DepacketizerStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Pending = len(d.buf.buckets)
	if d.started {
		s.HighestSeq = uint32(d.highest - 1<<16)
		s.Expected = d.highest - d.baseSeq + 1
	}
	return s
}

// depayload rebuilds NAL units from the ordered payloads of one unit.
func depayload(frags [][]byte) ([][]byte, error) {
	var (
		nalus [][]byte
		fu    []byte
	)
	for i, p := range frags {
		if len(p) < payloadHeaderSize {
			return nil, fmt.Errorf("fragment %d: payload of %d bytes", i, len(p))
		}
		typ := h265.NALUType((p[0] >> 1) & 0x3F)

		if fu != nil && typ != h265.NALUType_FragmentationUnit {
			return nil, fmt.Errorf("fragment %d: fragmentation unit not terminated", i)
		}

		switch typ {
		case h265.NALUType_AggregationUnit:
			buf := p[payloadHeaderSize:]
			n := 0
			for len(buf) > 0 {
				if len(buf) < apLengthSize {
					return nil, fmt.Errorf("fragment %d: truncated aggregation length", i)
				}
				size := int(binary.BigEndian.Uint16(buf))
				buf = buf[apLengthSize:]
				if size < payloadHeaderSize || size > len(buf) {
					return nil, fmt.Errorf("fragment %d: aggregated unit of %d bytes", i, size)
				}
				nalus = append(nalus, buf[:size])
				buf = buf[size:]
				n++
			}
			if n == 0 {
				return nil, fmt.Errorf("fragment %d: empty aggregation packet", i)
			}

		case h265.NALUType_FragmentationUnit:
			if len(p) < payloadHeaderSize+fuHeaderSize {
				return nil, fmt.Errorf("fragment %d: truncated FU header", i)
			}
			fuHdr := p[payloadHeaderSize]
			start, end := fuHdr&0x80 != 0, fuHdr&0x40 != 0
			switch {
			case start && fu != nil:
				return nil, fmt.Errorf("fragment %d: fragmentation unit restarted", i)
			case !start && fu == nil:
				return nil, fmt.Errorf("fragment %d: fragmentation unit without start", i)
			case start:
				fu = []byte{p[0]&0x81 | (fuHdr&0x3F)<<1, p[1]}
			}
			fu = append(fu, p[payloadHeaderSize+fuHeaderSize:]...)
			if end {
				nalus = append(nalus, fu)
				fu = nil
			}

		default:
			if typ > h265.NALUType_FragmentationUnit {
				return nil, fmt.Errorf("fragment %d: unsupported payload type %d", i, typ)
			}
			nalus = append(nalus, p)
		}
	}
	if fu != nil {
		return nil, fmt.Errorf("fragmentation unit not terminated")
	}
	return nalus, nil
}
