// Package annexb implements the byte-stream receive parser used on TCP-like
// transports. The central type is [Scanner], which accepts chunks of any size
// through [Scanner.Ingest] (or as an [io.Writer]) and delivers each complete
// NAL unit, stripped of its start code, to a [media.Sink].
//
// Only 4-byte start codes (00 00 00 01) delimit units. Memory is bounded by
// [DefaultMaxPending] unless overridden with [Scanner.SetMaxPending].
package annexb
