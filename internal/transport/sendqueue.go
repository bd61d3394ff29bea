package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/nalrelay/internal/media"
)

// SendStats is a snapshot of SendQueue counters.
type SendStats struct {
	Queued  int64 `json:"queued"`
	Sent    int64 `json:"sent"`
	Bytes   int64 `json:"bytes"`
	Errors  int64 `json:"errors"`
	Pending int   `json:"pending"`
}

type sendItem struct {
	b   []byte
	ack chan struct{} // set for Flush markers
}

// SendQueue serializes writes to one connection. Any number of goroutines
// may call Send; a single goroutine owns the writer and writes buffers in
// submission order. A write error stops the queue and is returned by every
// later Send.
type SendQueue struct {
	log *slog.Logger
	w   io.WriteCloser
	ch  chan sendItem

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error

	queued atomic.Int64
	sent   atomic.Int64
	bytes  atomic.Int64
	errs   atomic.Int64
}

// NewSendQueue starts the writer goroutine for w. size <= 0 selects
// media.SendQueueSize. log is used as given, so it carries the owning
// client's component; if nil, slog.Default() is used.
func NewSendQueue(w io.WriteCloser, size int, log *slog.Logger) *SendQueue {
	if log == nil {
		log = slog.Default()
	}
	if size <= 0 {
		size = media.SendQueueSize
	}
	q := &SendQueue{
		log:    log,
		w:      w,
		ch:     make(chan sendItem, size),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.run()
	return q
}

// Send enqueues b, blocking while the queue is full. The queue takes
// ownership of b. It returns ErrClosed once Close has been called, even for
// a Send that was already blocked, or the write error that stopped the queue.
func (q *SendQueue) Send(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := q.enqueue(context.Background(), sendItem{b: b}); err != nil {
		return err
	}
	q.queued.Add(1)
	return nil
}

// Flush blocks until every buffer queued before the call has been written,
// the queue stops, or ctx ends.
func (q *SendQueue) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	if err := q.enqueue(ctx, sendItem{ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-q.exited:
		return q.stopErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *SendQueue) enqueue(ctx context.Context, it sendItem) error {
	select {
	case <-q.done:
		return ErrClosed
	case <-q.exited:
		return q.stopErr()
	default:
	}
	select {
	case q.ch <- it:
		return nil
	case <-q.done:
		return ErrClosed
	case <-q.exited:
		return q.stopErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *SendQueue) stopErr() error {
	if err := q.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// Err returns the write error that stopped the queue, if any.
func (q *SendQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close stops the writer and closes the underlying connection. Buffers still
// queued are discarded; call Flush first to deliver them. It is idempotent.
func (q *SendQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.done)
		err = q.w.Close()
		<-q.exited
	})
	return err
}

// Stats returns a snapshot of the queue counters.
func (q *SendQueue) Stats() SendStats {
	return SendStats{
		Queued:  q.queued.Load(),
		Sent:    q.sent.Load(),
		Bytes:   q.bytes.Load(),
		Errors:  q.errs.Load(),
		Pending: len(q.ch),
	}
}

func (q *SendQueue) run() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case it := <-q.ch:
			if it.ack != nil {
				close(it.ack)
				continue
			}
			if _, err := q.w.Write(it.b); err != nil {
				select {
				case <-q.done:
					return
				default:
				}
				q.errs.Add(1)
				q.mu.Lock()
				q.err = fmt.Errorf("transport: write: %w", err)
				q.mu.Unlock()
				q.log.Warn("write failed, stopping send queue", "error", err)
				return
			}
			q.sent.Add(1)
			q.bytes.Add(int64(len(it.b)))
		}
	}
}
