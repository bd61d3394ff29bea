package rtpaac

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// ErrMalformed is returned for a payload whose AU headers do not match its
// data section.
var ErrMalformed = errors.New("rtpaac: malformed AU-header payload")

// Depacketize extracts the AAC frames carried by one RTP packet. Fragmented
// access units are not supported and are reported as malformed.
func Depacketize(pkt *rtp.Packet) ([][]byte, error) {
	payload := pkt.Payload
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(payload))
	}
	bits := int(payload[0])<<8 | int(payload[1])
	if bits == 0 || bits%16 != 0 {
		return nil, fmt.Errorf("%w: AU-headers-length %d", ErrMalformed, bits)
	}
	n := bits / 16
	headersEnd := 2 + n*2
	if headersEnd > len(payload) {
		return nil, fmt.Errorf("%w: %d AU headers overrun packet", ErrMalformed, n)
	}

	frames := make([][]byte, 0, n)
	off := headersEnd
	for i := 0; i < n; i++ {
		h := payload[2+i*2:]
		size := int(h[0])<<5 | int(h[1])>>3
		if off+size > len(payload) {
			return nil, fmt.Errorf("%w: AU %d overruns packet", ErrMalformed, i)
		}
		frames = append(frames, payload[off:off+size])
		off += size
	}
	return frames, nil
}
