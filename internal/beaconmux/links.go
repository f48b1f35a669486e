package beaconmux

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Opener opens the byte transport behind a serial link. Tests substitute an
// in-memory implementation so no hardware is needed.
type Opener func() (io.ReadWriteCloser, error)

// SerialLink reads notifications from a beacon receiver attached to a local
// serial port.
type SerialLink struct {
	name     string
	beaconID string
	open     Opener
}

// NewSerialLink creates a link for the serial port at path. A non-positive
// baud rate falls back to 115200. The port is opened 8N1, matching the
// beacon receiver firmware.
func NewSerialLink(path string, baud int, beaconID string) *SerialLink {
	if baud <= 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return &SerialLink{
		name:     "serial:" + path,
		beaconID: beaconID,
		open: func() (io.ReadWriteCloser, error) {
			return serial.Open(path, mode)
		},
	}
}

// NewSerialLinkWithOpener creates a serial link with a custom transport
// opener.
func NewSerialLinkWithOpener(name, beaconID string, open Opener) *SerialLink {
	return &SerialLink{name: name, beaconID: beaconID, open: open}
}

func (l *SerialLink) Name() string     { return l.name }
func (l *SerialLink) BeaconID() string { return l.beaconID }

// Run opens the port and reads lines until ctx is cancelled or the port
// fails.
func (l *SerialLink) Run(ctx context.Context, emit func(line string)) error {
	port, err := l.open()
	if err != nil {
		return fmt.Errorf("open %s: %w", l.name, err)
	}
	defer port.Close()
	return scanLines(ctx, port, emit)
}

// TCPLink reads notifications from a beacon receiver listening on a TCP
// address (typically an ESP32 bridge on the site network).
type TCPLink struct {
	name        string
	beaconID    string
	addr        string
	dialTimeout time.Duration
}

// NewTCPLink creates a link that dials addr on each (re)connect.
func NewTCPLink(addr, beaconID string) *TCPLink {
	return &TCPLink{
		name:        "tcp:" + addr,
		beaconID:    beaconID,
		addr:        addr,
		dialTimeout: 10 * time.Second,
	}
}

func (l *TCPLink) Name() string     { return l.name }
func (l *TCPLink) BeaconID() string { return l.beaconID }

// Run dials the receiver and reads lines until ctx is cancelled or the
// connection drops.
func (l *TCPLink) Run(ctx context.Context, emit func(line string)) error {
	d := net.Dialer{Timeout: l.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.name, err)
	}
	defer conn.Close()
	return scanLines(ctx, conn, emit)
}

// UDPLink receives notifications on a shared UDP socket. Datagrams may carry
// several newline-separated lines and each line must be "<beacon_id>|"
// prefixed, since one socket serves the whole site.
type UDPLink struct {
	name   string
	listen string
	rcvBuf int

	mu   sync.Mutex
	addr net.Addr
}

// NewUDPLink creates a link listening on the given address (e.g. ":9999").
func NewUDPLink(listen string) *UDPLink {
	return &UDPLink{
		name:   "udp:" + listen,
		listen: listen,
		rcvBuf: 1 << 16,
	}
}

func (l *UDPLink) Name() string     { return l.name }
func (l *UDPLink) BeaconID() string { return "" }

// LocalAddr returns the bound socket address once Run has opened it.
func (l *UDPLink) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *UDPLink) setAddr(a net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addr = a
}

// Run listens for datagrams until ctx is cancelled or the socket fails.
func (l *UDPLink) Run(ctx context.Context, emit func(line string)) error {
	addr, err := net.ResolveUDPAddr("udp", l.listen)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", l.name, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.name, err)
	}
	defer conn.Close()
	l.setAddr(conn.LocalAddr())

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		logf("link %s: failed to set receive buffer to %d: %v", l.name, l.rcvBuf, err)
	}
	logf("link %s: listening on %s", l.name, conn.LocalAddr())

	buffer := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Short read deadline so context cancellation is noticed promptly.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read %s: %w", l.name, err)
		}

		for _, line := range strings.Split(string(buffer[:n]), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				emit(line)
			}
		}
	}
}

// scanLines reads newline-delimited input and hands each line to emit. The
// blocking scan.Scan runs in its own goroutine so the outer loop can honour
// context cancellation; closing the underlying reader unblocks it.
func scanLines(ctx context.Context, r io.Reader, emit func(line string)) error {
	scan := bufio.NewScanner(r)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}
			emit(line)
		}
	}
}
