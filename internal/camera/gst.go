package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/care/proctor/internal/types"
)

// GstDevice captures from a V4L2 webcam through GStreamer:
// v4l2src ! videoconvert ! videoscale ! videorate ! capsfilter(RGBA) ! appsink
type GstDevice struct {
	// StartTimeout bounds the wait for the first frame (default 5s)
	StartTimeout time.Duration
}

// Front-facing webcams enumerate first on V4L2; there is no facing metadata
var facingDevices = map[string]string{
	"user":        "/dev/video0",
	"environment": "/dev/video2",
}

func (d *GstDevice) resolveDevice(c Constraints) (string, error) {
	path := c.Device
	if path == "" {
		path = facingDevices[c.FacingMode]
	}
	if path == "" {
		return "", fmt.Errorf("%w: no device for facing mode %q", ErrNoDevice, c.FacingMode)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case err == nil:
		f.Close()
		return path, nil
	case errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("%w: %s", ErrNoDevice, path)
	case errors.Is(err, os.ErrPermission):
		return "", fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	default:
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
}

// Open builds and starts the pipeline, returning once the first frame arrives
func (d *GstDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	path, err := d.resolveDevice(c)
	if err != nil {
		return nil, err
	}
	if c.FPS <= 0 {
		c.FPS = 15
	}

	gst.Init(nil)

	s := &gstStream{
		device:     path,
		width:      c.Width,
		height:     c.Height,
		frames:     make(chan types.Frame, 2),
		firstFrame: make(chan struct{}),
		done:       make(chan struct{}),
	}
	if err := s.build(c.FPS); err != nil {
		if s.pipeline != nil {
			if stateErr := s.pipeline.SetState(gst.StateNull); stateErr != nil {
				slog.Warn("failed to reset partial pipeline", "device", path, "error", stateErr)
			}
		}
		return nil, err
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		s.pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to set pipeline to playing: %w", err)
	}

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go s.watchBus(errCh)

	timeout := d.StartTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-s.firstFrame:
	case err := <-errCh:
		s.Stop()
		return nil, err
	case <-time.After(timeout):
		s.Stop()
		return nil, fmt.Errorf("no frame from %s within %s", path, timeout)
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	}

	slog.Info("v4l2 capture started",
		"device", path,
		"resolution", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"fps", c.FPS,
	)
	return s, nil
}

type gstStream struct {
	device string
	width  int
	height int

	pipeline *gst.Pipeline
	appsink  *app.Sink

	frames     chan types.Frame
	firstFrame chan struct{}
	firstOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	frameCount uint64
	closed     atomic.Bool
	started    time.Time
}

func (s *gstStream) build(fps int) error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	s.pipeline = pipeline

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", s.device)

	videoconvert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}
	videoscale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("failed to create videoscale: %w", err)
	}
	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=RGBA,width=%d,height=%d,framerate=%d/1",
		s.width, s.height, fps,
	)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	s.appsink = appsink

	if err := pipeline.AddMany(src, videoconvert, videoscale, videorate, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, videoconvert, videoscale, videorate, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("failed to link elements: %w", err)
	}
	return nil
}

func (s *gstStream) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	if len(data) != s.width*s.height*4 {
		slog.Debug("skipping malformed camera buffer",
			"device", s.device,
			"size_bytes", len(data),
		)
		return gst.FlowOK
	}
	if s.closed.Load() {
		return gst.FlowEOS
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)

	frame := types.Frame{
		Seq:       atomic.AddUint64(&s.frameCount, 1),
		Timestamp: time.Now(),
		Width:     s.width,
		Height:    s.height,
		Data:      frameData,
	}

	s.firstOnce.Do(func() {
		s.started = time.Now()
		close(s.firstFrame)
	})

	select {
	case s.frames <- frame:
	case <-s.done:
		return gst.FlowEOS
	default:
		slog.Debug("dropping camera frame, channel full", "seq", frame.Seq)
	}
	return gst.FlowOK
}

// watchBus polls the pipeline bus until the stream is stopped or fails
func (s *gstStream) watchBus(errCh chan<- error) {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("camera end of stream", "device", s.device)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("camera pipeline error",
				"device", s.device,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			select {
			case errCh <- fmt.Errorf("pipeline error: %w", gerr):
			default:
			}
			return
		}
	}
}

func (s *gstStream) Frames() <-chan types.Frame {
	return s.frames
}

// Stop tears the pipeline down and closes the frame channel
func (s *gstStream) Stop() error {
	var stopErr error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}

		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(3 * time.Second):
			slog.Warn("camera bus watcher stop timeout", "device", s.device)
		}

		if s.pipeline != nil {
			if err := s.pipeline.SetState(gst.StateNull); err != nil {
				stopErr = fmt.Errorf("failed to stop pipeline on %s: %w", s.device, err)
			}
		}
		close(s.frames)

		slog.Info("v4l2 capture stopped",
			"device", s.device,
			"frames_received", atomic.LoadUint64(&s.frameCount),
		)
	})
	return stopErr
}
