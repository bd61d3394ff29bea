// Package captions extracts CEA-608 and CEA-708 closed captions carried in
// H.264 SEI NAL units (ATSC A/53 user data) as they pass through the receive
// path.
package captions

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/zsiec/ccx"

	"github.com/zsiec/nalrelay/internal/media"
	"github.com/zsiec/nalrelay/internal/nalu"
)

// Handler receives decoded caption frames. Channels 1-4 are CEA-608 CC1-CC4;
// channels 7-12 are CEA-708 services 1-6.
type Handler func(*ccx.CaptionFrame)

// Stats is a snapshot of tap counters.
type Stats struct {
	SEIUnits int64 `json:"seiUnits"`
	Frames   int64 `json:"frames"`
}

// Tap is a media.Sink that forwards every NAL unit to the next sink and
// decodes captions from SEI units on the way through. A Tap is driven by one
// goroutine at a time.
type Tap struct {
	log     *slog.Logger
	next    media.Sink
	handler Handler
	start   time.Time
	now     func() time.Time

	cea608 map[int]*ccx.CEA608Decoder
	cea708 map[int]*ccx.CEA708Service
	dtvcc  []byte

	pictures        int64
	lastCtrl        [2][2]byte
	lastWasCtrl     [2]bool
	lastCtrlPicture [2]int64

	seiUnits atomic.Int64
	frames   atomic.Int64
}

// NewTap creates a Tap in front of next. If log is nil, slog.Default() is used.
func NewTap(next media.Sink, handler Handler, log *slog.Logger) *Tap {
	if log == nil {
		log = slog.Default()
	}
	t := &Tap{
		log:     log.With("component", "captions"),
		next:    next,
		handler: handler,
		now:     time.Now,
		cea608:  make(map[int]*ccx.CEA608Decoder, 4),
		cea708:  make(map[int]*ccx.CEA708Service, 6),
	}
	for ch := 1; ch <= 4; ch++ {
		t.cea608[ch] = ccx.NewCEA608Decoder()
	}
	for svc := 1; svc <= 6; svc++ {
		t.cea708[svc] = ccx.NewCEA708Service()
	}
	t.start = t.now()
	return t
}

// OnNALUnit decodes captions from SEI units, then forwards nal unchanged.
func (t *Tap) OnNALUnit(nal []byte) {
	if len(nal) > 0 {
		switch {
		case nalu.Type(nal) == h264.NALUTypeSEI:
			t.seiUnits.Add(1)
			t.handleSEI(nal)
		case nalu.IsVCL(nal):
			t.pictures++
		}
	}
	if t.next != nil {
		t.next.OnNALUnit(nal)
	}
}

// Stats returns a snapshot of the tap counters.
func (t *Tap) Stats() Stats {
	return Stats{SEIUnits: t.seiUnits.Load(), Frames: t.frames.Load()}
}

// pts returns the time since the tap started on the 90 kHz clock.
func (t *Tap) pts() int64 {
	return t.now().Sub(t.start).Nanoseconds() * 90 / 1e6
}

func (t *Tap) handleSEI(sei []byte) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}
	pts := t.pts()

	for _, pair := range cd.CC608Pairs {
		cc1, cc2 := pair.Data[0], pair.Data[1]
		f := pair.Field
		if f < 0 || f > 1 {
			continue
		}

		// Control codes are sent twice; decode only the first of a pair.
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if t.lastWasCtrl[f] && t.lastCtrl[f] == cp && t.pictures-t.lastCtrlPicture[f] <= 2 {
				t.lastWasCtrl[f] = false
				continue
			}
			t.lastCtrl[f] = cp
			t.lastWasCtrl[f] = true
			t.lastCtrlPicture[f] = t.pictures
		} else {
			t.lastWasCtrl[f] = false
		}

		dec := t.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: pair.Channel}
			frame.Regions = dec.StyledRegions()
			t.emit(frame)
		}
	}

	for _, triplet := range cd.DTVCC {
		if triplet.Start {
			t.drainDTVCC(pts)
			t.dtvcc = t.dtvcc[:0]
		}
		t.dtvcc = append(t.dtvcc, triplet.Data[0], triplet.Data[1])
	}
}

func (t *Tap) drainDTVCC(pts int64) {
	if len(t.dtvcc) < 1 {
		return
	}
	size := ccx.DTVCCPacketSize(t.dtvcc[0])
	if len(t.dtvcc) < size {
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(t.dtvcc[:size]) {
		svc := t.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: block.ServiceNum + 6}
			frame.Regions = svc.StyledRegions()
			t.emit(frame)
		}
	}
	t.dtvcc = t.dtvcc[size:]
}

func (t *Tap) emit(frame *ccx.CaptionFrame) {
	t.frames.Add(1)
	t.log.Debug("caption", "channel", frame.Channel, "text", frame.Text)
	if t.handler != nil {
		t.handler(frame)
	}
}
