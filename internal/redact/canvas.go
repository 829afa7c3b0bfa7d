package redact

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/proctor/internal/types"
)

// Canvas holds the composed output image shared by display and recording.
// Published images are never mutated afterwards.
type Canvas struct {
	mu    sync.RWMutex
	img   *image.RGBA
	at    time.Time
	seq   uint64
	draws atomic.Uint64
}

// NewCanvas creates an empty canvas
func NewCanvas() *Canvas {
	return &Canvas{}
}

// Publish replaces the current image
func (c *Canvas) Publish(img *image.RGBA, at time.Time) {
	c.mu.Lock()
	c.img = img
	c.at = at
	c.seq++
	c.mu.Unlock()
	c.draws.Add(1)
}

// Snapshot returns the current image as a frame; false before the first draw
func (c *Canvas) Snapshot() (types.Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.img == nil {
		return types.Frame{}, false
	}
	b := c.img.Bounds()
	return types.Frame{
		Seq:       c.seq,
		Timestamp: c.at,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Data:      c.img.Pix,
	}, true
}

// Draws returns the number of published images
func (c *Canvas) Draws() uint64 {
	return c.draws.Load()
}

// CaptureStream samples the canvas at a fixed rate. Ticks before the first
// draw are skipped. A full channel drops the sample.
type CaptureStream struct {
	C <-chan types.Frame

	ch      chan types.Frame
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
	emitted atomic.Uint64
}

// CaptureStream starts sampling the canvas at fps
func (c *Canvas) CaptureStream(fps int) *CaptureStream {
	if fps <= 0 {
		fps = 15
	}
	s := &CaptureStream{
		ch:   make(chan types.Frame, 4),
		stop: make(chan struct{}),
	}
	s.C = s.ch

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.ch)

		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()

		var seq uint64
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				frame, ok := c.Snapshot()
				if !ok {
					continue
				}
				seq++
				frame.Seq = seq
				frame.Timestamp = now
				select {
				case s.ch <- frame:
					s.emitted.Add(1)
				default:
					s.dropped.Add(1)
				}
			}
		}
	}()

	slog.Debug("canvas capture stream started", "fps", fps)
	return s
}

// Stop ends the stream and closes C
func (s *CaptureStream) Stop() {
	s.once.Do(func() {
		close(s.stop)
		s.wg.Wait()
		slog.Debug("canvas capture stream stopped",
			"emitted", s.emitted.Load(),
			"dropped", s.dropped.Load(),
		)
	})
}

// Dropped returns samples lost to a slow reader
func (s *CaptureStream) Dropped() uint64 {
	return s.dropped.Load()
}
