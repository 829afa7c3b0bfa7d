package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/care/proctor/internal/types"
)

// MockDevice produces synthetic RGBA frames
type MockDevice struct {
	// OpenErr makes every Open fail (e.g. ErrPermissionDenied)
	OpenErr error
	// StopErr is returned by every stream's Stop, after teardown
	StopErr error

	opens atomic.Int32
}

// Open starts a synthetic stream
func (d *MockDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	d.opens.Add(1)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	if c.Width <= 0 || c.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}
	s := &MockStream{
		width:   c.Width,
		height:  c.Height,
		fps:     c.FPS,
		frames:  make(chan types.Frame, 2),
		stopCh:  make(chan struct{}),
		stopErr: d.StopErr,
	}
	s.start()
	return s, nil
}

// Opens returns how many times Open was called
func (d *MockDevice) Opens() int {
	return int(d.opens.Load())
}

// MockStream generates frames at a fixed rate until stopped
type MockStream struct {
	width  int
	height int
	fps    int

	frames chan types.Frame
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	seq       uint64
	startTime time.Time
	stopped   atomic.Bool
	stopErr   error
}

func (s *MockStream) start() {
	s.startTime = time.Now()
	slog.Info("mock camera starting",
		"width", s.width,
		"height", s.height,
		"fps", s.fps,
	)
	s.wg.Add(1)
	go s.generateFrames()
}

// Frames returns the frame channel; it is closed by Stop
func (s *MockStream) Frames() <-chan types.Frame {
	return s.frames
}

// Stopped reports whether Stop has run
func (s *MockStream) Stopped() bool {
	return s.stopped.Load()
}

// Stop ends frame generation
func (s *MockStream) Stop() error {
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		close(s.frames)
		s.stopped.Store(true)
		slog.Info("mock camera stopped",
			"frames_emitted", s.seq,
			"duration", time.Since(s.startTime),
		)
	})
	return s.stopErr
}

func (s *MockStream) generateFrames() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			frame := s.createFrame()
			select {
			case s.frames <- frame:
			case <-s.stopCh:
				return
			}
		}
	}
}

// createFrame draws a gray gradient that shifts every frame so consecutive
// frames differ
func (s *MockStream) createFrame() types.Frame {
	s.seq++
	data := make([]byte, s.width*s.height*4)
	shift := byte(s.seq)
	for y := 0; y < s.height; y++ {
		row := data[y*s.width*4:]
		for x := 0; x < s.width; x++ {
			v := byte(x*255/s.width) + shift
			row[x*4] = v
			row[x*4+1] = v
			row[x*4+2] = v
			row[x*4+3] = 0xff
		}
	}
	return types.Frame{
		Seq:       s.seq,
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      data,
	}
}
