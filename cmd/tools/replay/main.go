// Command replay feeds a recorded beacon capture to a running daemon's UDP
// link, preserving the original packet timing.
//
// It accepts either a pcap file (as written by tcpdump on the beacon
// network) or a plain text file with one notification line per row, and
// sends each payload to the target address over UDP.
//
// Usage:
//
//	go run ./cmd/tools/replay [flags]
//
// Flags:
//
//	-pcap      Capture file to replay (UDP payloads are extracted)
//	-text      Text file to replay (one "<beacon_id>|<entity>:<rssi>" line per row)
//	-target    UDP address of the daemon's listener (default: 127.0.0.1:9999)
//	-speed     Replay speed multiplier; 2.0 is twice as fast (default: 1.0)
//	-interval  Spacing between text lines (default: 100ms)
//	-port      Only replay pcap packets with this UDP destination port; 0 for all
//	-loop      Restart from the beginning when the capture ends
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	pcapPath = flag.String("pcap", "", "Capture file to replay")
	textPath = flag.String("text", "", "Text file to replay (one line per notification)")
	target   = flag.String("target", "127.0.0.1:9999", "UDP address of the daemon's listener")
	speed    = flag.Float64("speed", 1.0, "Replay speed multiplier")
	interval = flag.Duration("interval", 100*time.Millisecond, "Spacing between text lines")
	port     = flag.Int("port", 0, "Only replay pcap packets with this UDP destination port (0 = all)")
	loop     = flag.Bool("loop", false, "Restart from the beginning when the capture ends")
)

// packetSource yields payloads with their capture timestamps. Next returns
// io.EOF when the capture is exhausted.
type packetSource interface {
	Next() (payload []byte, ts time.Time, err error)
	Close() error
}

// pcapSource extracts UDP payloads from a capture file.
type pcapSource struct {
	f        *os.File
	r        *pcapgo.Reader
	linkType layers.LinkType
	port     int
}

func openPCAPSource(path string, port int) (*pcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	return &pcapSource{f: f, r: r, linkType: r.LinkType(), port: port}, nil
}

// Next skips non-UDP packets and, when a port filter is set, packets bound
// for other ports.
func (s *pcapSource) Next() ([]byte, time.Time, error) {
	for {
		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			return nil, time.Time{}, err
		}
		packet := gopacket.NewPacket(data, s.linkType, gopacket.Default)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok {
			continue
		}
		if s.port != 0 && int(udp.DstPort) != s.port {
			continue
		}
		if len(udp.Payload) == 0 {
			continue
		}
		return udp.Payload, ci.Timestamp, nil
	}
}

func (s *pcapSource) Close() error { return s.f.Close() }

// textSource yields the lines of a text capture with synthetic timestamps
// spaced by a fixed interval. Blank lines and #-comments are skipped.
type textSource struct {
	c        io.Closer
	scanner  *bufio.Scanner
	interval time.Duration
	next     time.Time
}

func openTextSource(path string, interval time.Duration) (*textSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return newTextSource(f, f, interval), nil
}

func newTextSource(r io.Reader, c io.Closer, interval time.Duration) *textSource {
	return &textSource{
		c:        c,
		scanner:  bufio.NewScanner(r),
		interval: interval,
		next:     time.Unix(0, 0),
	}
}

func (s *textSource) Next() ([]byte, time.Time, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ts := s.next
		s.next = s.next.Add(s.interval)
		return []byte(line), ts, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, time.Time{}, err
	}
	return nil, time.Time{}, io.EOF
}

func (s *textSource) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

// replay sends every payload from src, sleeping between packets to
// reproduce the capture's timing scaled by the speed multiplier.
func replay(ctx context.Context, src packetSource, send func([]byte) error, speedMultiplier float64) (int, error) {
	if speedMultiplier <= 0 {
		speedMultiplier = 1.0
	}

	sent := 0
	var lastTS time.Time
	for {
		payload, ts, err := src.Next()
		if errors.Is(err, io.EOF) {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}

		if !lastTS.IsZero() {
			delay := time.Duration(float64(ts.Sub(lastTS)) / speedMultiplier)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return sent, ctx.Err()
				case <-time.After(delay):
				}
			}
		}
		lastTS = ts

		if err := send(payload); err != nil {
			return sent, err
		}
		sent++
		if sent%1000 == 0 {
			log.Printf("replayed %d packets", sent)
		}
	}
}

func openSource() (packetSource, error) {
	switch {
	case *pcapPath != "" && *textPath != "":
		return nil, errors.New("use either -pcap or -text, not both")
	case *pcapPath != "":
		return openPCAPSource(*pcapPath, *port)
	case *textPath != "":
		return openTextSource(*textPath, *interval)
	default:
		return nil, errors.New("one of -pcap or -text is required")
	}
}

func main() {
	flag.Parse()

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	send := func(payload []byte) error {
		_, err := conn.Write(payload)
		return err
	}

	total := 0
	start := time.Now()
	for pass := 1; ; pass++ {
		src, err := openSource()
		if err != nil {
			log.Fatalf("Failed to open capture: %v", err)
		}

		sent, err := replay(ctx, src, send, *speed)
		src.Close()
		total += sent

		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			log.Fatalf("Replay failed after %d packets: %v", total, err)
		}
		if !*loop {
			break
		}
		log.Printf("pass %d complete (%d packets), looping", pass, sent)
	}

	log.Printf("done: %d packets to %s in %v (speed: %.1fx)", total, *target, time.Since(start).Round(time.Millisecond), *speed)
}
