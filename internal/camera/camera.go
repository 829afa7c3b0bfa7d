package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/care/proctor/internal/types"
)

var (
	// ErrCameraUnavailable wraps every acquisition failure (permission, missing hardware)
	ErrCameraUnavailable = errors.New("camera unavailable")
	// ErrAlreadyAcquired is returned when a live handle already exists
	ErrAlreadyAcquired = errors.New("camera already acquired")
	// ErrPermissionDenied is a device-level permission failure
	ErrPermissionDenied = errors.New("camera permission denied")
	// ErrNoDevice is a device-level missing hardware failure
	ErrNoDevice = errors.New("no camera device")
)

// Constraints describe the requested capture
type Constraints struct {
	// FacingMode is "user" (front-facing) or "environment"
	FacingMode string
	// Device pins a specific device; empty selects by FacingMode
	Device string
	Width  int
	Height int
	FPS    int
}

// DefaultConstraints requests a front-facing 640x480 capture
func DefaultConstraints() Constraints {
	return Constraints{FacingMode: "user", Width: 640, Height: 480, FPS: 15}
}

// Stream is an open device capture
type Stream interface {
	Frames() <-chan types.Frame
	Stop() error
}

// Device opens capture streams
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Track is one media track of a handle
type Track struct {
	id     string
	kind   string
	label  string
	stream Stream

	once    sync.Once
	stopped atomic.Bool
}

// ID returns the track id
func (t *Track) ID() string { return t.id }

// Kind returns the media kind ("video")
func (t *Track) Kind() string { return t.kind }

// Label returns the device label
func (t *Track) Label() string { return t.label }

// Stopped reports whether Stop has completed
func (t *Track) Stopped() bool { return t.stopped.Load() }

// Stop ends the underlying device stream; safe to call more than once
func (t *Track) Stop() error {
	var err error
	t.once.Do(func() {
		err = t.stream.Stop()
		t.stopped.Store(true)
	})
	return err
}

// Handle is one live acquisition
type Handle struct {
	id       string
	tracks   []*Track
	mailbox  *Mailbox
	acquired time.Time

	wg       sync.WaitGroup
	once     sync.Once
	released atomic.Bool
	frames   atomic.Uint64
}

func newHandle(stream Stream, label string) *Handle {
	h := &Handle{
		id: uuid.New().String(),
		tracks: []*Track{{
			id:     uuid.New().String(),
			kind:   "video",
			label:  label,
			stream: stream,
		}},
		mailbox:  NewMailbox(),
		acquired: time.Now(),
	}
	h.wg.Add(1)
	go h.pump(stream.Frames())
	return h
}

func (h *Handle) pump(frames <-chan types.Frame) {
	defer h.wg.Done()
	for frame := range frames {
		if frame.TraceID == "" {
			frame.TraceID = uuid.New().String()
		}
		h.frames.Add(1)
		h.mailbox.Publish(frame)
	}
}

// ID returns the handle id
func (h *Handle) ID() string { return h.id }

// Tracks returns the handle's tracks
func (h *Handle) Tracks() []*Track { return h.tracks }

// Released reports whether the handle has been released
func (h *Handle) Released() bool { return h.released.Load() }

// FramesReceived returns how many frames the device delivered
func (h *Handle) FramesReceived() uint64 { return h.frames.Load() }

// Current returns the latest frame; false before the first frame or after release
func (h *Handle) Current() (types.Frame, bool) {
	if h.released.Load() {
		return types.Frame{}, false
	}
	return h.mailbox.Latest()
}

// FramesDropped returns how many frames were replaced before any consumer
// sampled them
func (h *Handle) FramesDropped() uint64 { return h.mailbox.Drops() }

// Release stops every track and waits for the frame pump to exit.
// Calling it on an already released handle is a no-op.
func (h *Handle) Release() error {
	var errs []error
	h.once.Do(func() {
		h.released.Store(true)
		h.mailbox.Close()
		for _, t := range h.tracks {
			if err := t.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("track %s: %w", t.id, err))
			}
		}
		h.wg.Wait()

		slog.Info("camera released",
			"handle", h.id,
			"frames", h.frames.Load(),
			"held_for", time.Since(h.acquired),
		)
	})
	return errors.Join(errs...)
}

// Source enforces a single live acquisition of one device
type Source struct {
	device      Device
	constraints Constraints

	mu      sync.Mutex
	current *Handle
}

// NewSource creates a camera source
func NewSource(device Device, c Constraints) *Source {
	if c.FacingMode == "" {
		c.FacingMode = "user"
	}
	return &Source{device: device, constraints: c}
}

// Acquire opens the device. It fails with ErrAlreadyAcquired while a previous
// handle is live and wraps device failures in ErrCameraUnavailable.
func (s *Source) Acquire(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.current.Released() {
		return nil, ErrAlreadyAcquired
	}

	stream, err := s.device.Open(ctx, s.constraints)
	if err != nil {
		slog.Warn("camera acquisition failed",
			"facing_mode", s.constraints.FacingMode,
			"device", s.constraints.Device,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
	}

	label := s.constraints.Device
	if label == "" {
		label = s.constraints.FacingMode
	}
	s.current = newHandle(stream, label)

	slog.Info("camera acquired",
		"handle", s.current.id,
		"device", label,
		"resolution", fmt.Sprintf("%dx%d", s.constraints.Width, s.constraints.Height),
		"fps", s.constraints.FPS,
	)
	return s.current, nil
}

// Release releases the current handle, if any
func (s *Source) Release() error {
	s.mu.Lock()
	h := s.current
	s.current = nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Release()
}

// Current returns the live handle, nil when none
func (s *Source) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Released() {
		return nil
	}
	return s.current
}
