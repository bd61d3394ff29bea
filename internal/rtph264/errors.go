package rtph264

import "errors"

// Sentinel errors for malformed or lossy RTP input. None of them is fatal
// to a stream; the offending packet is dropped and parsing continues.
var (
	ErrBadVersion         = errors.New("rtph264: RTP version is not 2")
	ErrEmptyPayload       = errors.New("rtph264: empty payload")
	ErrSTAPAOverrun       = errors.New("rtph264: STAP-A length overruns packet")
	ErrUnsupportedNALType = errors.New("rtph264: unsupported NAL type")
	ErrShortFUA           = errors.New("rtph264: FU-A packet too short")
	ErrFragmentLoss       = errors.New("rtph264: FU-A fragment lost")
)
