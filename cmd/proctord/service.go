package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/proctor/internal/anomaly"
	"github.com/care/proctor/internal/camera"
	"github.com/care/proctor/internal/collector"
	"github.com/care/proctor/internal/config"
	"github.com/care/proctor/internal/control"
	"github.com/care/proctor/internal/models"
	"github.com/care/proctor/internal/recorder"
	"github.com/care/proctor/internal/redact"
	"github.com/care/proctor/internal/session"
	"github.com/care/proctor/internal/status"
	"github.com/care/proctor/internal/types"
)

// service is one fully wired capture session plus its outer surfaces
type service struct {
	cfg        *config.Config
	controller *session.Controller
	server     *status.Server
	mirror     *collector.MQTTMirror // nil when MQTT is disabled
	control    *control.Handler      // nil when MQTT is disabled

	endOnce      sync.Once
	endRequested chan struct{}
}

var _ control.Transport = (*collector.MQTTMirror)(nil)

// newService builds every component from cfg. Only configuration problems
// fail here; unavailable hardware degrades the session after Start.
func newService(ctx context.Context, cfg *config.Config) (*service, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	specs, timeouts, intervals := modelWiring(cfg.Models)
	loader := models.NewLoader(models.NewProcessProvider(specs), timeouts)

	client := collector.NewClient(collector.ClientConfig{
		BaseURL:       cfg.Collector.BaseURL,
		Token:         cfg.Collector.Token,
		Timeout:       time.Duration(cfg.Collector.TimeoutS) * time.Second,
		UploadRetries: cfg.Collector.UploadRetries,
	})

	var archiver collector.Archiver
	if cfg.Archive.ConnectionString != "" {
		archive, err := collector.NewBlobArchive(cfg.Archive.ConnectionString, cfg.Archive.Container, cfg.SessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to create segment archive: %w", err)
		}
		archiver = archive
	}

	svc := &service{cfg: cfg, endRequested: make(chan struct{})}

	var mirror collector.Mirror
	var statusPub session.StatusPublisher
	if cfg.MQTT.Broker != "" {
		svc.mirror = collector.NewMQTTMirror(collector.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    "proctord-" + cfg.SessionID,
			EventsTopic: sessionTopic(cfg.MQTT.Topics.Events, cfg.SessionID),
			StatusTopic: sessionTopic(cfg.MQTT.Topics.Status, cfg.SessionID),
			QoS:         cfg.MQTT.QoS,
		})
		// Telemetry is a mirror; a broker outage never blocks the session
		if err := svc.mirror.Connect(ctx); err != nil {
			slog.Warn("mqtt mirror unavailable, continuing without telemetry", "error", err)
		}
		mirror = svc.mirror
		statusPub = svc.mirror
	}

	queue := collector.NewQueue(collector.QueueConfig{
		Workers: cfg.Collector.Workers,
		Size:    cfg.Collector.QueueSize,
	}, client, archiver, mirror)

	device, err := cameraDevice(cfg.Camera.Source)
	if err != nil {
		return nil, err
	}
	source := camera.NewSource(device, camera.Constraints{
		FacingMode: cfg.Camera.FacingMode,
		Device:     cfg.Camera.Device,
		Width:      cfg.Camera.Width,
		Height:     cfg.Camera.Height,
		FPS:        cfg.Camera.FPS,
	})

	newEncoder, err := encoderFactory(cfg.Recorder, cfg.Camera)
	if err != nil {
		return nil, err
	}

	opts := redact.DefaultOptions()
	opts.WidthMultiplier = cfg.Redaction.WidthMultiplier
	opts.HeightMultiplier = cfg.Redaction.HeightMultiplier
	opts.CornerRadius = cfg.Redaction.CornerRadius
	opts.BlurSigma = cfg.Redaction.BlurSigma

	var statusInterval time.Duration
	if statusPub != nil {
		statusInterval = cfg.MQTT.StatusInterval()
	}

	svc.controller = session.New(session.Config{
		SessionID:      cfg.SessionID,
		ExamStart:      cfg.ExamStart(time.Now()),
		Intervals:      intervals,
		RedactionModel: types.ModelFaceMesh,
		Redaction:      opts,
		Anomaly: anomaly.Config{
			PresenceModel:    types.ModelKind(cfg.Anomaly.PresenceModel),
			GazeThreshold:    cfg.Anomaly.GazeThreshold,
			GazeHold:         time.Duration(cfg.Anomaly.GazeHoldS) * time.Second,
			ForbiddenClasses: cfg.Anomaly.ForbiddenClasses,
			MinConfidence:    cfg.Anomaly.MinConfidence,
		},
		SegmentDuration: cfg.Recorder.SegmentDuration(),
		RecordFPS:       cfg.Recorder.FPS,
		StatusInterval:  statusInterval,
	}, session.Dependencies{
		Camera:     source,
		Loader:     loader,
		Outbound:   queue,
		NewEncoder: newEncoder,
		Status:     statusPub,
	})

	if svc.mirror != nil {
		svc.control = control.NewHandler(control.Config{
			CommandTopic:  sessionTopic(cfg.MQTT.Topics.Control, cfg.SessionID),
			ResponseTopic: sessionTopic(cfg.MQTT.Topics.Responses, cfg.SessionID),
			QoS:           cfg.MQTT.QoS["control"],
		}, svc.mirror, control.Callbacks{
			OnGetStatus:     func() any { return svc.controller.Status() },
			OnRotateSegment: svc.controller.RotateSegment,
			OnEndSession: func() error {
				svc.requestEnd()
				return nil
			},
		})
	}

	svc.server = status.NewServer(status.Options{
		Address:   ":" + cfg.Status.Port,
		PreviewHz: cfg.Status.PreviewHz,
		Reporter:  svc.controller,
		Frames:    svc.controller,
	})

	return svc, nil
}

// Start brings up the session, then the status server
func (s *service) Start(ctx context.Context) error {
	if err := s.controller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	s.server.Start()
	if s.control != nil {
		if err := s.control.Start(ctx); err != nil {
			slog.Warn("control plane unavailable", "error", err)
		}
	}
	return nil
}

// EndRequested is closed when the control plane asks the session to end
func (s *service) EndRequested() <-chan struct{} {
	return s.endRequested
}

func (s *service) requestEnd() {
	s.endOnce.Do(func() {
		slog.Info("session end requested", "session_id", s.cfg.SessionID)
		close(s.endRequested)
	})
}

// Shutdown stops the session first so its final segment and anomaly reports
// are flushed while the status server still answers probes
func (s *service) Shutdown(ctx context.Context) error {
	var errs []error
	if s.control != nil {
		if err := s.control.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("control plane: %w", err))
		}
	}
	if err := s.controller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if err := s.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("status server: %w", err))
	}
	if s.mirror != nil {
		s.mirror.Disconnect()
	}
	return errors.Join(errs...)
}

// modelWiring maps the configured models to worker specs, load deadlines
// and sampling intervals
func modelWiring(mc config.ModelsConfig) (map[types.ModelKind]models.WorkerSpec, map[types.ModelKind]time.Duration, map[types.ModelKind]time.Duration) {
	specs := make(map[types.ModelKind]models.WorkerSpec)
	timeouts := make(map[types.ModelKind]time.Duration)
	intervals := make(map[types.ModelKind]time.Duration)

	add := func(kind types.ModelKind, m *config.ModelConfig) {
		if m == nil {
			return
		}
		spec := models.WorkerSpec{
			Command:    m.Command,
			Args:       m.Args,
			ModelPath:  m.ModelPath,
			Confidence: m.Confidence,
		}
		if kind == types.ModelTensor {
			spec.Tensor = models.TensorLayout{
				NumClasses: m.NumClasses,
				RowSize:    m.NumClasses + 5,
				Classes:    m.Classes,
				Threshold:  m.Confidence,
			}
		}
		specs[kind] = spec
		timeouts[kind] = m.LoadTimeout()
		intervals[kind] = m.Interval()
	}
	add(types.ModelFaceMesh, mc.FaceMesh)
	add(types.ModelTinyFace, mc.TinyFace)
	add(types.ModelTensor, mc.TensorModel)

	return specs, timeouts, intervals
}

func cameraDevice(source string) (camera.Device, error) {
	switch source {
	case "gstreamer":
		return &camera.GstDevice{}, nil
	case "mock":
		return &camera.MockDevice{}, nil
	default:
		return nil, fmt.Errorf("unknown camera source: %s", source)
	}
}

func encoderFactory(rc config.RecorderConfig, cc config.CameraConfig) (recorder.NewEncoderFunc, error) {
	switch rc.Encoder {
	case "gstreamer":
		return recorder.GstFactory(recorder.GstEncoderConfig{
			Width:   cc.Width,
			Height:  cc.Height,
			FPS:     rc.FPS,
			Bitrate: rc.VP8Bitrate,
		}), nil
	case "mjpeg":
		return recorder.MJPEGFactory(rc.JPEGQuality), nil
	default:
		return nil, fmt.Errorf("unknown encoder: %s", rc.Encoder)
	}
}

// sessionTopic fills the {session} placeholder left by config defaults
func sessionTopic(topic, sessionID string) string {
	return strings.ReplaceAll(topic, "{session}", sessionID)
}
