package nalu

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// AccessUnitSplitter groups a stream of NAL units into access units. A new
// access unit begins at an access unit delimiter, at an SPS, PPS or SEI that
// follows a slice, or at a slice whose first_mb_in_slice is zero following
// another slice.
type AccessUnitSplitter struct {
	emit    func(au [][]byte)
	pending [][]byte
	sawVCL  bool
}

// NewAccessUnitSplitter returns a splitter that calls emit with each complete
// access unit.
func NewAccessUnitSplitter(emit func(au [][]byte)) *AccessUnitSplitter {
	return &AccessUnitSplitter{emit: emit}
}

// OnNALUnit implements media.Sink.
func (s *AccessUnitSplitter) OnNALUnit(nal []byte) {
	if len(nal) == 0 {
		return
	}
	if s.startsAccessUnit(nal) {
		s.Flush()
	}
	s.pending = append(s.pending, nal)
	if IsVCL(nal) {
		s.sawVCL = true
	}
}

// Flush emits the access unit in progress, if any.
func (s *AccessUnitSplitter) Flush() {
	if len(s.pending) == 0 {
		return
	}
	au := s.pending
	s.pending = nil
	s.sawVCL = false
	s.emit(au)
}

func (s *AccessUnitSplitter) startsAccessUnit(nal []byte) bool {
	if len(s.pending) == 0 {
		return false
	}
	switch Type(nal) {
	case h264.NALUTypeAccessUnitDelimiter:
		return true
	case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return s.sawVCL
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		// first_mb_in_slice is ue(v); a leading 1 bit encodes zero.
		return s.sawVCL && len(nal) > 1 && nal[1]&0x80 != 0
	}
	return false
}
