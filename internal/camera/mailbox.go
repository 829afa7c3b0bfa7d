package camera

import (
	"sync"
	"sync/atomic"

	"github.com/care/proctor/internal/types"
)

// Mailbox is a single-slot frame buffer with overwrite semantics.
// Publish never blocks; a frame replaced before anyone sampled it through
// Latest is counted as a drop.
type Mailbox struct {
	mu     sync.Mutex
	frame  types.Frame
	has    bool
	fresh  bool
	closed bool

	drops atomic.Uint64
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{}
}

// Publish stores frame as the latest
func (m *Mailbox) Publish(frame types.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.fresh {
		m.drops.Add(1)
	}
	m.frame = frame
	m.has = true
	m.fresh = true
}

// Latest returns the most recent frame and marks it sampled. Repeated calls
// keep returning the same frame until a newer one is published.
func (m *Mailbox) Latest() (types.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || !m.has {
		return types.Frame{}, false
	}
	m.fresh = false
	return m.frame, true
}

// Close drops the buffered frame; later publishes are ignored
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Drops returns how many frames were overwritten without ever being sampled
func (m *Mailbox) Drops() uint64 {
	return m.drops.Load()
}
