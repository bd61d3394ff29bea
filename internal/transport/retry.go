package transport

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

const (
	minRetryDelay = 5 * time.Millisecond
	maxRetryDelay = time.Second
)

// temporary reports whether an accept or read error may clear on its own:
// timeouts, descriptor exhaustion, and peers aborting mid-handshake.
func temporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM,
		syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ECONNREFUSED,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// backoff doubles the pause after each consecutive temporary error, the way
// net/http's accept loop does.
type backoff struct {
	delay time.Duration
}

// wait sleeps for the next delay. It reports false if ctx ended first.
func (b *backoff) wait(ctx context.Context) bool {
	if b.delay == 0 {
		b.delay = minRetryDelay
	} else {
		b.delay = min(2*b.delay, maxRetryDelay)
	}
	t := time.NewTimer(b.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *backoff) reset() { b.delay = 0 }
