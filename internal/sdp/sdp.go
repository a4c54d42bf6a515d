// Package sdp describes a vidlink stream in SDP so that standard RTP
// players can be pointed at it. Parameter sets are sniffed from the
// stream's key frames and carried as sprop attributes.
package sdp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/pion/sdp/v3"

	"github.com/zsiec/vidlink/internal/media"
)

// ErrNotReady is returned by Describe until VPS, SPS and PPS have all
// been seen.
var ErrNotReady = errors.New("sdp: parameter sets not yet seen")

// ParameterSets collects the first VPS, SPS and PPS seen on a stream.
// It is safe for concurrent use.
type ParameterSets struct {
	mu            sync.RWMutex
	vps, sps, pps []byte
}

// Observe records any parameter sets carried by au. Only the first of
// each kind is kept; later ones are ignored.
func (p *ParameterSets) Observe(au *media.AccessUnit) {
	if au == nil || au.Type != media.FrameKey {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range au.NALUs {
		if len(n) < 2 {
			continue
		}
		var dst *[]byte
		switch h265.NALUType((n[0] >> 1) & 0x3F) {
		case h265.NALUType_VPS_NUT:
			dst = &p.vps
		case h265.NALUType_SPS_NUT:
			dst = &p.sps
		case h265.NALUType_PPS_NUT:
			dst = &p.pps
		default:
			continue
		}
		if *dst == nil {
			*dst = append([]byte(nil), n...)
		}
	}
}

// Set records the parameter sets directly, as a sender knows them.
func (p *ParameterSets) Set(vps, sps, pps []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vps = append([]byte(nil), vps...)
	p.sps = append([]byte(nil), sps...)
	p.pps = append([]byte(nil), pps...)
}

// Ready reports whether all three parameter sets are known.
func (p *ParameterSets) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.vps != nil && p.sps != nil && p.pps != nil
}

// Get returns copies of the collected parameter sets.
func (p *ParameterSets) Get() (vps, sps, pps []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.vps...), append([]byte(nil), p.sps...), append([]byte(nil), p.pps...)
}

// Description is what a player needs to receive one stream.
type Description struct {
	SessionName string
	// Address is the host players should receive on. Defaults to
	// 127.0.0.1.
	Address     string
	Port        int
	PayloadType uint8
	Params      *ParameterSets
}

// Describe renders d as an SDP document.
func Describe(d Description) ([]byte, error) {
	if d.Params == nil || !d.Params.Ready() {
		return nil, ErrNotReady
	}
	if d.Port <= 0 || d.Port > 65535 {
		return nil, fmt.Errorf("sdp: invalid port %d", d.Port)
	}
	addr := d.Address
	if addr == "" {
		addr = "127.0.0.1"
	}
	addrType := "IP4"
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}
	name := d.SessionName
	if name == "" {
		name = "vidlink"
	}
	pt := d.PayloadType
	if pt == 0 {
		pt = 96
	}

	vps, sps, pps := d.Params.Get()
	enc := base64.StdEncoding.EncodeToString
	fmtp := fmt.Sprintf("sprop-vps=%s; sprop-sps=%s; sprop-pps=%s", enc(vps), enc(sps), enc(pps))

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "video",
			Port:    sdp.RangedPort{Value: d.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{strconv.Itoa(int(pt))},
		},
	}
	md.WithValueAttribute("rtpmap", fmt.Sprintf("%d H265/%d", pt, media.ClockRate))
	md.WithValueAttribute("fmtp", fmt.Sprintf("%d %s", pt, fmtp))
	md.WithPropertyAttribute("recvonly")

	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: addr,
		},
		SessionName: sdp.SessionName(name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{md},
	}
	return sd.Marshal()
}
