package transport

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/zsiec/nalrelay/internal/ingest"
)

// ReadBufferSize is the read buffer for stream socket reads.
const ReadBufferSize = 64 << 10

// Pump copies r into stream chunk by chunk until r ends, ctx ends or the
// stream closes. A clean end of r (EOF, or a closed connection) returns nil.
func Pump(ctx context.Context, r io.Reader, stream *ingest.Stream) error {
	buf := make([]byte, ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.Read(buf)
		if n > 0 {
			if derr := stream.Deliver(ctx, buf[:n]); derr != nil {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
