// Package media defines the unit types that flow through the nalrelay
// transport core, from the byte transports through parsing to the decode
// sink, and from the encoder through packetizing to the send queue.
package media

import "time"

// Queue sizes used between pipeline stages. Each stage owns its input queue.
const (
	ChunkQueueSize = 256
	SendQueueSize  = 512
)

// DefaultPort is the well-known media channel port.
const DefaultPort = 12005

// Kind identifies the media carried by an access unit.
type Kind int

// Supported media kinds.
const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// AccessUnit is one encoder output: a compressed video picture or an audio
// frame, with its presentation timestamp. For video, NALUs holds the picture's
// NAL units in canonical form (no start codes, no length prefixes). For audio,
// Data holds one AAC frame, optionally ADTS-wrapped.
type AccessUnit struct {
	Kind  Kind
	PTS   time.Duration
	NALUs [][]byte
	Data  []byte
}

// Sink receives complete NAL units in arrival order. Implementations own the
// slice passed to OnNALUnit; callers never touch it again.
type Sink interface {
	OnNALUnit(nal []byte)
}

// SinkFunc adapts an ordinary function to the Sink interface.
type SinkFunc func(nal []byte)

// OnNALUnit calls f(nal).
func (f SinkFunc) OnNALUnit(nal []byte) { f(nal) }

// AccessUnitSource is the contract the encoder collaborator calls into on the
// send path.
type AccessUnitSource interface {
	OnEncodedAccessUnit(data []byte, pts time.Duration, kind Kind) error
}
