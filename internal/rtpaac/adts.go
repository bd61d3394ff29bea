// Package rtpaac carries AAC audio over RTP using the RFC 3640 AU-header
// mode (mpeg4-generic, AAC-hbr): a 16-bit AU-headers-length field followed
// by one 16-bit header per access unit (13-bit size, 3-bit index).
package rtpaac

import "errors"

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("rtpaac: invalid ADTS header")

// AAC sample rate index table (ISO 14496-3)
var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// SamplesPerFrame is the AAC-LC frame length in samples.
const SamplesPerFrame = 1024

// Frame is one AAC frame parsed from an ADTS stream.
type Frame struct {
	Payload    []byte // raw AAC, header removed
	SampleRate int
	Channels   int
}

// IsADTS reports whether data begins with an ADTS sync word.
func IsADTS(data []byte) bool {
	return len(data) >= 7 && data[0] == 0xFF && data[1]&0xF0 == 0xF0
}

// ParseADTS splits an ADTS byte stream into frames. Garbage before a sync
// word is skipped and a truncated trailing frame is ignored.
func ParseADTS(data []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0

	for len(data)-offset >= 7 {
		if data[offset] != 0xFF || data[offset+1]&0xF0 != 0xF0 {
			offset++
			continue
		}

		headerSize := 7
		if data[offset+1]&0x01 == 0 {
			headerSize = 9
		}

		rateIdx := (data[offset+2] >> 2) & 0x0F
		if int(rateIdx) >= len(sampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := (data[offset+2]&0x01)<<2 | (data[offset+3]>>6)&0x03

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize {
			return frames, ErrInvalidADTS
		}
		if offset+frameLen > len(data) {
			break
		}

		frames = append(frames, Frame{
			Payload:    data[offset+headerSize : offset+frameLen],
			SampleRate: sampleRates[rateIdx],
			Channels:   int(channels),
		})
		offset += frameLen
	}

	return frames, nil
}

// StripADTS removes the ADTS header from a complete ADTS frame, returning
// the raw AAC payload. Input that is not ADTS is returned unchanged.
func StripADTS(data []byte) []byte {
	if !IsADTS(data) {
		return data
	}
	headerSize := 7
	if data[1]&0x01 == 0 {
		headerSize = 9
	}
	if len(data) <= headerSize {
		return data
	}
	return data[headerSize:]
}
