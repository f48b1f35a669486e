package beaconmux

import (
	"context"
	"sync"
)

// MockLink is an in-memory Link for tests and for running the daemon with
// synthetic traffic instead of hardware.
type MockLink struct {
	name     string
	beaconID string

	lines     chan string
	closeOnce sync.Once
}

// NewMockLink creates a mock link bound to beaconID ("" for framed lines).
func NewMockLink(name, beaconID string) *MockLink {
	return &MockLink{
		name:     name,
		beaconID: beaconID,
		lines:    make(chan string, 64),
	}
}

func (m *MockLink) Name() string     { return m.name }
func (m *MockLink) BeaconID() string { return m.beaconID }

// Send queues one raw line for delivery. It blocks when the internal buffer
// is full.
func (m *MockLink) Send(line string) {
	m.lines <- line
}

// CloseInput ends the input stream; Run returns once the buffer drains.
func (m *MockLink) CloseInput() {
	m.closeOnce.Do(func() { close(m.lines) })
}

// Run delivers queued lines until ctx is cancelled or CloseInput is called.
func (m *MockLink) Run(ctx context.Context, emit func(line string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-m.lines:
			if !ok {
				return nil
			}
			emit(line)
		}
	}
}
