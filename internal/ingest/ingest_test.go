package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	stream, err := r.Register("test-stream", "tcp", FormatAnnexB)
	require.NoError(t, err)

	assert.Equal(t, "test-stream", stream.Key)
	assert.Equal(t, FormatAnnexB, stream.Format)
	assert.Equal(t, "tcp", stream.Transport)
	assert.Len(t, stream.ID, 36)

	got, ok := r.Get("test-stream")
	require.True(t, ok)
	assert.Same(t, stream, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	_, err := r.Register("dup", "tcp", FormatAnnexB)
	require.NoError(t, err)

	_, err = r.Register("dup", "tcp", FormatAnnexB)
	assert.ErrorIs(t, err, ErrDuplicateStream)

	r.Unregister("dup")
	_, err = r.Register("dup", "tcp", FormatAnnexB)
	assert.NoError(t, err)
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	stream, err := r.Register("stream1", "udp", FormatRTP)
	require.NoError(t, err)

	r.Unregister("stream1")
	r.Unregister("nonexistent")

	_, ok := r.Get("stream1")
	assert.False(t, ok)
	select {
	case <-stream.Done():
	default:
		t.Fatal("Done not closed after Unregister")
	}
}

func TestStreamDeliverPreservesOrderAndCopies(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	stream, err := r.Register("s1", "tcp", FormatAnnexB)
	require.NoError(t, err)

	buf := []byte{1, 2, 3}
	require.NoError(t, stream.Deliver(context.Background(), buf))
	buf[0] = 9
	require.NoError(t, stream.Deliver(context.Background(), buf))
	require.NoError(t, stream.Deliver(context.Background(), nil))

	assert.Equal(t, []byte{1, 2, 3}, <-stream.Chunks())
	assert.Equal(t, []byte{9, 2, 3}, <-stream.Chunks())

	stats := stream.IngestStats()
	assert.Equal(t, int64(6), stats.BytesReceived)
	assert.Equal(t, int64(2), stats.ReadCount)
}

func TestStreamDeliverAfterUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	stream, err := r.Register("s1", "tcp", FormatAnnexB)
	require.NoError(t, err)
	r.Unregister("s1")

	assert.ErrorIs(t, stream.Deliver(context.Background(), []byte{1}), ErrStreamClosed)
}

func TestStreamDeliverHonorsContext(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	r.SetQueueSize(1)
	stream, err := r.Register("s1", "tcp", FormatAnnexB)
	require.NoError(t, err)

	require.NoError(t, stream.Deliver(context.Background(), []byte{1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, stream.Deliver(ctx, []byte{2}), context.DeadlineExceeded)
	assert.Equal(t, int64(1), stream.IngestStats().Dropped)
}

func TestRegistryOnStreamCallback(t *testing.T) {
	t.Parallel()

	got := make(chan *Stream, 1)
	r := NewRegistry(func(s *Stream) { got <- s }, nil)

	stream, err := r.Register("cb-stream", "srt", FormatLength)
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Same(t, stream, s)
	case <-time.After(2 * time.Second):
		t.Fatal("onStream callback not called within timeout")
	}
}

func TestStreamSetRemoteAddr(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	stream, err := r.Register("s1", "tcp", FormatAnnexB)
	require.NoError(t, err)

	stream.SetRemoteAddr("192.168.1.1:5000")
	assert.Equal(t, "192.168.1.1:5000", stream.IngestStats().RemoteAddr)
}

func TestStreamIngestStatsUptime(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	stream, err := r.Register("s1", "tcp", FormatAnnexB)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	stats := stream.IngestStats()
	assert.GreaterOrEqual(t, stats.UptimeMs, int64(10))
	assert.NotZero(t, stats.ConnectedAt)
}

func TestRegistryCloseSignalsAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	var streams []*Stream
	for i := 0; i < 3; i++ {
		s, err := r.Register(fmt.Sprintf("s%d", i), "tcp", FormatAnnexB)
		require.NoError(t, err)
		streams = append(streams, s)
	}
	assert.Len(t, r.List(), 3)

	r.Close()
	assert.Equal(t, 0, r.Len())
	for _, s := range streams {
		<-s.Done()
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil, nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("stream-%d", n)
			if _, err := r.Register(key, "tcp", FormatAnnexB); err != nil {
				t.Error(err)
				return
			}
			r.Get(key)
			r.Unregister(key)
		}(i)
	}

	wg.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestInputFormatString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "annexb", FormatAnnexB.String())
	assert.Equal(t, "length", FormatLength.String())
	assert.Equal(t, "rtp", FormatRTP.String())
	assert.Equal(t, "unknown", InputFormat(42).String())
}
