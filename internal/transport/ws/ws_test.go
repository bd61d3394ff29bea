package ws

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/nalrelay/internal/ingest"
	"github.com/zsiec/nalrelay/internal/transport"
)

func startServer(t *testing.T, ctx context.Context, reg *ingest.Registry) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", ingest.FormatAnnexB, reg, nil)
	require.NoError(t, srv.Listen(ctx))
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestWSLoopbackMessagePerChunk(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streams := make(chan *ingest.Stream, 1)
	reg := ingest.NewRegistry(func(s *ingest.Stream) { streams <- s }, nil)
	srv := startServer(t, ctx, reg)

	c := transport.NewClient(transport.KindWS, srv.Addr().String(), Dial(URL(srv.Addr().String(), "", "cam1")), nil)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	msgs := [][]byte{
		{0x00, 0x00, 0x00, 0x01, 0x67, 0x42},
		{0x00, 0x00, 0x00, 0x01, 0x68, 0xCE},
		{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84},
	}
	for _, m := range msgs {
		require.NoError(t, c.Send(m))
	}

	var s *ingest.Stream
	select {
	case s = <-streams:
	case <-time.After(5 * time.Second):
		t.Fatal("no stream registered")
	}
	assert.Equal(t, "ws/cam1", s.Key)
	assert.Equal(t, string(transport.KindWS), s.Transport)

	for i, want := range msgs {
		select {
		case got := <-s.Chunks():
			assert.Equal(t, want, got, "message %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %d not received", i)
		}
	}
}

func TestWSClientCloseUnregisters(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streams := make(chan *ingest.Stream, 1)
	reg := ingest.NewRegistry(func(s *ingest.Stream) { streams <- s }, nil)
	srv := startServer(t, ctx, reg)

	c := transport.NewClient(transport.KindWS, srv.Addr().String(), Dial(URL(srv.Addr().String(), "", "")), nil)
	require.NoError(t, c.Connect(ctx))

	var s *ingest.Stream
	select {
	case s = <-streams:
	case <-time.After(5 * time.Second):
		t.Fatal("no stream registered")
	}
	require.NoError(t, c.Close())

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stream not unregistered after client close")
	}
	assert.Equal(t, 0, reg.Len())
}

func TestWSBindError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	srv := NewServer(ln.Addr().String(), ingest.FormatAnnexB, ingest.NewRegistry(nil, nil), nil)
	assert.ErrorIs(t, srv.Listen(context.Background()), transport.ErrBind)
}

func TestWSDialError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = Dial(URL(addr, "", ""))(context.Background())
	assert.Error(t, err)
}

func TestWSCustomPath(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streams := make(chan *ingest.Stream, 1)
	reg := ingest.NewRegistry(func(s *ingest.Stream) { streams <- s }, nil)
	srv := NewServer("127.0.0.1:0", ingest.FormatAnnexB, reg, nil)
	srv.SetPath("/ingest")
	require.NoError(t, srv.Listen(ctx))
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close()

	_, err := Dial(URL(srv.Addr().String(), "", ""))(ctx)
	assert.Error(t, err)

	w, err := Dial(URL(srv.Addr().String(), "/ingest", "cam2"))(ctx)
	require.NoError(t, err)
	defer w.Close()

	select {
	case s := <-streams:
		assert.Equal(t, "ws/cam2", s.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no stream registered")
	}
}
