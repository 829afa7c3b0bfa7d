package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/care/proctor/internal/anomaly"
	"github.com/care/proctor/internal/camera"
	"github.com/care/proctor/internal/collector"
	"github.com/care/proctor/internal/inference"
	"github.com/care/proctor/internal/models"
	"github.com/care/proctor/internal/recorder"
	"github.com/care/proctor/internal/redact"
	"github.com/care/proctor/internal/types"
)

// Outbound is the single network-facing task queue
type Outbound interface {
	ReportAnomaly(ctx context.Context, ev types.AnomalyEvent) error
	UploadSegment(ctx context.Context, seg *types.Segment) error
	Close(ctx context.Context) error
	Stats() collector.QueueStats
}

// StatusPublisher receives periodic session status documents
type StatusPublisher interface {
	PublishStatus(payload []byte) error
}

// Config configures one capture session
type Config struct {
	SessionID string
	ExamStart time.Time

	// Intervals holds the sampling interval of every configured model
	Intervals map[types.ModelKind]time.Duration
	// RedactionModel drives the renderer; it always gets a loop so raw
	// frames keep flowing even when the model is not configured
	RedactionModel types.ModelKind
	Redaction      redact.Options
	Anomaly        anomaly.Config

	SegmentDuration time.Duration
	RecordFPS       int
	StatusInterval  time.Duration
}

// Dependencies are the capability handles a session is built from
type Dependencies struct {
	Camera     *camera.Source
	Loader     *models.Loader
	Outbound   Outbound
	NewEncoder recorder.NewEncoderFunc
	// Status is optional
	Status StatusPublisher
}

// State of the controller
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Controller owns the session lifecycle: the camera, the canvas and every
// periodic task. Teardown order is fixed: boundary timer, recorder,
// inference loops, detector, canvas stream, camera, outbound queue, models.
type Controller struct {
	cfg  Config
	deps Dependencies

	mu            sync.Mutex
	state         State
	startedAt     time.Time
	cameraHandle  *camera.Handle
	cameraMessage string
	canvas        *redact.Canvas
	renderer      *redact.Renderer
	detector      *anomaly.Detector
	loops         []*inference.Loop
	stream        *redact.CaptureStream
	recorder      *recorder.Recorder
	recordingErr  string

	loadCancel context.CancelFunc
	loadsDone  chan struct{}

	timerCancel context.CancelFunc
	timerWG     sync.WaitGroup

	boundaries atomic.Uint64

	// step observes teardown progress
	step func(name string)
}

// New creates an idle controller
func New(cfg Config, deps Dependencies) *Controller {
	if cfg.RedactionModel == "" {
		cfg.RedactionModel = types.ModelFaceMesh
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 5 * time.Minute
	}
	if cfg.RecordFPS <= 0 {
		cfg.RecordFPS = 15
	}
	if cfg.ExamStart.IsZero() {
		cfg.ExamStart = time.Now()
	}
	cfg.Anomaly.ExamStart = cfg.ExamStart

	return &Controller{
		cfg:   cfg,
		deps:  deps,
		state: StateIdle,
		step:  func(string) {},
	}
}

// Start brings the session up. Capability failures degrade the session and
// are reported through Status; only a misuse of the lifecycle returns an error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("session %s is %s", c.cfg.SessionID, c.state)
	}
	c.state = StateRunning
	c.startedAt = time.Now()

	slog.Info("starting capture session",
		"session_id", c.cfg.SessionID,
		"exam_start", c.cfg.ExamStart.Format(time.RFC3339),
		"segment_duration", c.cfg.SegmentDuration,
	)

	c.canvas = redact.NewCanvas()
	c.renderer = redact.NewRenderer(c.canvas, c.cfg.Redaction)
	c.detector = anomaly.NewDetector(c.cfg.Anomaly, c.deps.Outbound)

	handle, err := c.deps.Camera.Acquire(ctx)
	if err != nil {
		c.cameraMessage = cameraMessage(err)
		slog.Warn("camera unavailable, session continues without video",
			"session_id", c.cfg.SessionID,
			"error", err,
		)
	} else {
		c.cameraHandle = handle
	}

	c.startModelLoads()

	if c.cameraHandle != nil {
		c.startLoops(ctx)
		c.startRecording(ctx)
	}

	timerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.timerCancel = cancel
	if c.recorder != nil {
		c.timerWG.Add(1)
		go c.runBoundaryTimer(timerCtx)
	}
	if c.deps.Status != nil && c.cfg.StatusInterval > 0 {
		c.timerWG.Add(1)
		go c.runStatusPublisher(timerCtx)
	}

	return nil
}

// startModelLoads loads every configured model in the background
func (c *Controller) startModelLoads() {
	loadCtx, cancel := context.WithCancel(context.Background())
	c.loadCancel = cancel
	c.loadsDone = make(chan struct{})

	var g errgroup.Group
	for kind := range c.cfg.Intervals {
		g.Go(func() error {
			// Failures are logged by the loader and disable this capability only
			_, _ = c.deps.Loader.Load(loadCtx, kind)
			return nil
		})
	}
	go func() {
		defer close(c.loadsDone)
		_ = g.Wait()
		slog.Debug("model loading settled", "statuses", fmt.Sprint(c.deps.Loader.Statuses()))
	}()
}

func (c *Controller) startLoops(ctx context.Context) {
	kinds := make([]types.ModelKind, 0, len(c.cfg.Intervals)+1)
	if _, ok := c.cfg.Intervals[c.cfg.RedactionModel]; !ok {
		kinds = append(kinds, c.cfg.RedactionModel)
	}
	for _, kind := range types.AllModelKinds {
		if _, ok := c.cfg.Intervals[kind]; ok {
			kinds = append(kinds, kind)
		}
	}

	for _, kind := range kinds {
		interval, ok := c.cfg.Intervals[kind]
		if !ok {
			interval = 100 * time.Millisecond
		}
		lc := inference.Config{
			Interval:  interval,
			Consumers: []inference.Consumer{c.detector},
		}
		if kind == c.cfg.RedactionModel {
			lc.Consumers = append([]inference.Consumer{c.renderer}, lc.Consumers...)
			lc.Sinks = []inference.FrameSink{c.renderer}
		}

		loop, err := inference.New(c.deps.Loader.Handle(kind), c.cameraHandle, lc)
		if err != nil {
			slog.Error("failed to create inference loop", "model", kind, "error", err)
			continue
		}
		if err := loop.Start(context.WithoutCancel(ctx)); err != nil {
			slog.Error("failed to start inference loop", "model", kind, "error", err)
			continue
		}
		c.loops = append(c.loops, loop)
	}
}

func (c *Controller) startRecording(ctx context.Context) {
	c.stream = c.canvas.CaptureStream(c.cfg.RecordFPS)
	rec := recorder.New(c.stream.C, c.deps.NewEncoder, c.deps.Outbound)
	if err := rec.Start(ctx); err != nil {
		c.recordingErr = err.Error()
		slog.Error("recording unavailable", "session_id", c.cfg.SessionID, "error", err)
		return
	}
	c.recorder = rec
}

func (c *Controller) runBoundaryTimer(ctx context.Context) {
	defer c.timerWG.Done()

	ticker := time.NewTicker(c.cfg.SegmentDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			c.boundaries.Add(1)
			if err := c.recorder.Rotate(ctx); err != nil {
				slog.Warn("segment boundary skipped", "session_id", c.cfg.SessionID, "error", err)
			}
		}
	}
}

func (c *Controller) runStatusPublisher(ctx context.Context) {
	defer c.timerWG.Done()

	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(c.Status())
			if err != nil {
				continue
			}
			if err := c.deps.Status.PublishStatus(payload); err != nil {
				slog.Debug("status publish failed", "error", err)
			}
		}
	}
}

// Stop tears the session down in order. ctx bounds the final segment
// hand-off and the outbound drain; every step runs even when ctx expires.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()

	slog.Info("stopping capture session", "session_id", c.cfg.SessionID)
	var errs []error

	// Boundary timer first so no rotation races the final flush
	c.timerCancel()
	c.timerWG.Wait()
	c.step("timer")

	if c.recorder != nil {
		if err := c.recorder.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recorder: %w", err))
		}
	}
	c.step("recorder")

	for _, loop := range c.loops {
		loop.Stop()
	}
	c.step("loops")

	c.detector.Close(ctx, time.Now())
	c.step("detector")

	if c.stream != nil {
		c.stream.Stop()
	}
	c.step("stream")

	// Camera last among the readers of the video source
	if c.cameraHandle != nil {
		if err := c.deps.Camera.Release(); err != nil {
			errs = append(errs, fmt.Errorf("camera: %w", err))
		}
	}
	c.step("camera")

	if err := c.deps.Outbound.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("outbound: %w", err))
	}
	c.step("outbound")

	c.loadCancel()
	select {
	case <-c.loadsDone:
	case <-ctx.Done():
		slog.Warn("model loads still pending at shutdown", "session_id", c.cfg.SessionID)
	}
	if err := c.deps.Loader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("models: %w", err))
	}
	c.step("models")

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	slog.Info("capture session stopped",
		"session_id", c.cfg.SessionID,
		"duration", time.Since(c.startedAt),
		"boundaries", c.boundaries.Load(),
	)
	return errors.Join(errs...)
}

// RotateSegment closes the current segment ahead of the boundary timer
func (c *Controller) RotateSegment(ctx context.Context) error {
	c.mu.Lock()
	rec := c.recorder
	running := c.state == StateRunning
	c.mu.Unlock()
	if !running || rec == nil {
		return recorder.ErrNotRecording
	}
	slog.Info("segment rotation requested", "session_id", c.cfg.SessionID)
	return rec.Rotate(ctx)
}

// Snapshot returns the displayed (redacted) frame
func (c *Controller) Snapshot() (types.Frame, bool) {
	c.mu.Lock()
	canvas := c.canvas
	c.mu.Unlock()
	if canvas == nil {
		return types.Frame{}, false
	}
	return canvas.Snapshot()
}

// Boundaries returns how many segment boundaries fired
func (c *Controller) Boundaries() uint64 {
	return c.boundaries.Load()
}

func cameraMessage(err error) string {
	switch {
	case errors.Is(err, camera.ErrPermissionDenied):
		return "Camera access was denied. Allow camera access to continue proctoring."
	case errors.Is(err, camera.ErrNoDevice):
		return "No camera was found. Connect a camera to continue proctoring."
	case errors.Is(err, camera.ErrAlreadyAcquired):
		return "The camera is already in use."
	default:
		return "The camera could not be started."
	}
}
