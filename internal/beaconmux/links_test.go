package beaconmux

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) emit(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// pipePort adapts an io.Pipe read side into the ReadWriteCloser a serial
// opener hands back.
type pipePort struct {
	*io.PipeReader
}

func (p pipePort) Write(b []byte) (int, error) { return len(b), nil }

// ---
// Serial

func TestSerialLinkReadsFromOpenedPort(t *testing.T) {
	pr, pw := io.Pipe()
	link := NewSerialLinkWithOpener("serial:/dev/ttyTEST", "b1", func() (io.ReadWriteCloser, error) {
		return pipePort{pr}, nil
	})
	assert.Equal(t, "serial:/dev/ttyTEST", link.Name())
	assert.Equal(t, "b1", link.BeaconID())

	c := &lineCollector{}
	done := make(chan error, 1)
	go func() { done <- link.Run(context.Background(), c.emit) }()

	_, err := pw.Write([]byte("user1:-62\nuser2:-70\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"user1:-62", "user2:-70"}, c.snapshot())

	// Closing the write side reads as EOF, which is a clean shutdown.
	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serial link did not stop at EOF")
	}
}

func TestSerialLinkOpenFailure(t *testing.T) {
	openErr := errors.New("no such device")
	link := NewSerialLinkWithOpener("serial:/dev/ttyGONE", "b1", func() (io.ReadWriteCloser, error) {
		return nil, openErr
	})

	err := link.Run(context.Background(), func(string) {})
	assert.ErrorIs(t, err, openErr)
}

func TestNewSerialLinkDefaults(t *testing.T) {
	link := NewSerialLink("/dev/ttyUSB0", 0, "b4")
	assert.Equal(t, "serial:/dev/ttyUSB0", link.Name())
	assert.Equal(t, "b4", link.BeaconID())
}

// ---
// TCP

func TestTCPLinkReadsUntilPeerCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("user1:-61\nuser2:-66\n"))
		_ = conn.Close()
	}()

	link := NewTCPLink(ln.Addr().String(), "b9")
	assert.Equal(t, "tcp:"+ln.Addr().String(), link.Name())
	assert.Equal(t, "b9", link.BeaconID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &lineCollector{}
	err = link.Run(ctx, c.emit)
	assert.NoError(t, err, "peer close is EOF, not an error")
	assert.Equal(t, []string{"user1:-61", "user2:-66"}, c.snapshot())
}

func TestTCPLinkDialFailure(t *testing.T) {
	// Grab a port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	link := NewTCPLink(addr, "b9")
	err = link.Run(context.Background(), func(string) {})
	assert.Error(t, err)
}

// ---
// UDP

func TestUDPLinkSplitsDatagramLines(t *testing.T) {
	link := NewUDPLink("127.0.0.1:0")
	assert.Equal(t, "udp:127.0.0.1:0", link.Name())
	assert.Empty(t, link.BeaconID(), "udp links carry no beacon binding")

	ctx, cancel := context.WithCancel(context.Background())
	c := &lineCollector{}
	done := make(chan error, 1)
	go func() { done <- link.Run(ctx, c.emit) }()

	require.Eventually(t, func() bool { return link.LocalAddr() != nil }, 2*time.Second, 5*time.Millisecond)

	conn, err := net.Dial("udp", link.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("b1|user1:-62\nb2|user1:-64\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b1|user1:-62", "b2|user1:-64"}, c.snapshot())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("udp link did not stop on cancellation")
	}
}

func TestUDPLinkBadListenAddr(t *testing.T) {
	link := NewUDPLink("not-an-address:abc")
	err := link.Run(context.Background(), func(string) {})
	assert.Error(t, err)
}

// ---
// Mock

func TestMockLinkDeliversAndCloses(t *testing.T) {
	link := NewMockLink("mock:b1", "b1")

	c := &lineCollector{}
	done := make(chan error, 1)
	go func() { done <- link.Run(context.Background(), c.emit) }()

	link.Send("user1:-62")
	link.Send("user1:-63")
	link.CloseInput()
	link.CloseInput() // idempotent

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mock link did not stop after CloseInput")
	}
	assert.Equal(t, []string{"user1:-62", "user1:-63"}, c.snapshot())
}
