package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"

	"github.com/care/proctor/internal/types"
)

// ErrEncoderStopped is returned by WriteFrame after Stop
var ErrEncoderStopped = errors.New("encoder stopped")

// Encoder turns canvas frames into media chunks. Chunks are emitted as soon
// as the encoder produces them; the channel is closed once Stop has flushed
// everything.
type Encoder interface {
	MIMEType() string
	WriteFrame(frame types.Frame) error
	Chunks() <-chan []byte
	Stop() error
}

// NewEncoderFunc creates one encoder per segment
type NewEncoderFunc func(ctx context.Context) (Encoder, error)

// MJPEGEncoder emits one JPEG per frame; the segment is a motion-JPEG stream
type MJPEGEncoder struct {
	quality int

	mu      sync.Mutex
	chunks  chan []byte
	stopped bool
}

// NewMJPEGEncoder creates a motion-JPEG encoder
func NewMJPEGEncoder(quality int) *MJPEGEncoder {
	if quality <= 0 || quality > 100 {
		quality = 75
	}
	return &MJPEGEncoder{
		quality: quality,
		chunks:  make(chan []byte, 64),
	}
}

// MJPEGFactory returns a NewEncoderFunc for MJPEG segments
func MJPEGFactory(quality int) NewEncoderFunc {
	return func(ctx context.Context) (Encoder, error) {
		return NewMJPEGEncoder(quality), nil
	}
}

func (e *MJPEGEncoder) MIMEType() string { return "video/x-motion-jpeg" }

func (e *MJPEGEncoder) Chunks() <-chan []byte { return e.chunks }

// WriteFrame encodes frame; it blocks while the chunk buffer is full
func (e *MJPEGEncoder) WriteFrame(frame types.Frame) error {
	if !frame.Valid() {
		return fmt.Errorf("invalid frame %dx%d (%d bytes)", frame.Width, frame.Height, len(frame.Data))
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image(), &jpeg.Options{Quality: e.quality}); err != nil {
		return fmt.Errorf("failed to encode jpeg: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrEncoderStopped
	}
	e.chunks <- buf.Bytes()
	return nil
}

// Stop closes the chunk channel
func (e *MJPEGEncoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.stopped {
		e.stopped = true
		close(e.chunks)
	}
	return nil
}
