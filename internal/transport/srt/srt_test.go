package srt

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/transport"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, extractStreamKey(tc.streamID))
		})
	}
}

// freeUDPAddr returns a loopback address whose port was free a moment ago.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())
	return addr
}

func TestSRTBindError(t *testing.T) {
	t.Parallel()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	srv := NewServer(pc.LocalAddr().String(), ingest.FormatAnnexB, ingest.NewRegistry(nil, nil), nil)
	assert.ErrorIs(t, srv.Listen(context.Background()), transport.ErrBind)
}

func TestSRTLoopback(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streams := make(chan *ingest.Stream, 1)
	reg := ingest.NewRegistry(func(s *ingest.Stream) { streams <- s }, nil)
	addr := freeUDPAddr(t)
	srv := NewServer(addr, ingest.FormatAnnexB, reg, nil)
	srv.SetLatency(40 * time.Millisecond)
	require.NoError(t, srv.Listen(ctx))
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close()

	c := transport.NewClient(transport.KindSRT, addr, Dial(addr, "live/cam1", 40*time.Millisecond), nil)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	payload := bytes.Repeat([]byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x22}, 600)
	require.NoError(t, c.Send(payload))

	var s *ingest.Stream
	select {
	case s = <-streams:
	case <-time.After(5 * time.Second):
		t.Fatal("no stream registered")
	}
	assert.Equal(t, "srt/cam1", s.Key)

	var got []byte
	deadline := time.After(10 * time.Second)
	for len(got) < len(payload) {
		select {
		case chunk := <-s.Chunks():
			got = append(got, chunk...)
		case <-deadline:
			t.Fatalf("received %d of %d bytes", len(got), len(payload))
		}
	}
	assert.Equal(t, payload, got)
}
