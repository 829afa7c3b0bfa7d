package config

import (
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/care/proctor/internal/types"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]*$`)

// Sampling interval bounds for any inference loop
const (
	MinIntervalMS = 10
	MaxIntervalMS = 10000
)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if !sessionIDPattern.MatchString(cfg.SessionID) {
		return fmt.Errorf("session_id must match pattern [a-zA-Z0-9-]*")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 10
	}

	if cfg.Exam.StartTime != "" {
		if _, err := time.Parse(time.RFC3339, cfg.Exam.StartTime); err != nil {
			return fmt.Errorf("exam.start_time must be RFC3339: %w", err)
		}
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}

	// Model defaults mirror the original sampling cadences
	if err := validateModel("models.face_mesh", cfg.Models.FaceMesh, 100); err != nil {
		return err
	}
	if err := validateModel("models.tiny_face", cfg.Models.TinyFace, 500); err != nil {
		return err
	}
	if err := validateModel("models.tensor_model", cfg.Models.TensorModel, 2000); err != nil {
		return err
	}
	if m := cfg.Models.TensorModel; m != nil {
		if m.NumClasses <= 0 {
			m.NumClasses = 4
		}
		if len(m.Classes) == 0 {
			m.Classes = []string{"phone", "person", "watch", "earphone"}
		}
		if len(m.Classes) != m.NumClasses {
			return fmt.Errorf("models.tensor_model: classes has %d labels, num_classes is %d",
				len(m.Classes), m.NumClasses)
		}
	}

	validateRedaction(&cfg.Redaction)

	if err := validateAnomaly(&cfg.Anomaly); err != nil {
		return fmt.Errorf("anomaly: %w", err)
	}

	if err := validateRecorder(&cfg.Recorder, cfg.Camera.FPS); err != nil {
		return fmt.Errorf("recorder: %w", err)
	}

	if err := validateCollector(&cfg.Collector); err != nil {
		return fmt.Errorf("collector: %w", err)
	}

	validateMQTT(cfg)

	if cfg.Archive.ConnectionString != "" && cfg.Archive.Container == "" {
		cfg.Archive.Container = "proctor-segments"
	}

	if cfg.Status.Port == "" {
		cfg.Status.Port = "8080"
	}
	if cfg.Status.PreviewHz <= 0 {
		cfg.Status.PreviewHz = 5
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Source {
	case "":
		c.Source = "gstreamer"
	case "gstreamer", "mock":
	default:
		return fmt.Errorf("unknown source '%s' (must be 'gstreamer' or 'mock')", c.Source)
	}
	switch c.FacingMode {
	case "":
		c.FacingMode = "user"
	case "user", "environment":
	default:
		return fmt.Errorf("unknown facing_mode '%s'", c.FacingMode)
	}
	if c.Width == 0 && c.Height == 0 {
		c.Width, c.Height = 640, 480
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("invalid resolution: %dx%d", c.Width, c.Height)
	}
	if c.FPS == 0 {
		c.FPS = 15
	}
	if c.FPS < 0 || c.FPS > 60 {
		return fmt.Errorf("fps must be between 1 and 60, got %d", c.FPS)
	}
	return nil
}

func validateModel(name string, m *ModelConfig, defaultIntervalMS int) error {
	if m == nil {
		return nil
	}
	if m.Command == "" {
		return fmt.Errorf("%s.command is required", name)
	}
	if m.IntervalMS == 0 {
		m.IntervalMS = defaultIntervalMS
	}
	if m.IntervalMS < MinIntervalMS || m.IntervalMS > MaxIntervalMS {
		return fmt.Errorf("%s.interval_ms must be between %d and %d, got %d",
			name, MinIntervalMS, MaxIntervalMS, m.IntervalMS)
	}
	if m.Confidence <= 0 {
		m.Confidence = 0.5
	}
	if m.LoadTimeoutS <= 0 {
		m.LoadTimeoutS = 60
	}
	return nil
}

func validateRedaction(r *RedactionConfig) {
	if r.WidthMultiplier <= 0 {
		r.WidthMultiplier = 1.0
	}
	if r.HeightMultiplier <= 0 {
		r.HeightMultiplier = 1.0
	}
	if r.CornerRadius <= 0 {
		r.CornerRadius = 50
	}
	if r.BlurSigma <= 0 {
		r.BlurSigma = 20
	}
}

func validateAnomaly(a *AnomalyConfig) error {
	if a.PresenceModel == "" {
		a.PresenceModel = string(types.ModelTinyFace)
	}
	if !types.ModelKind(a.PresenceModel).Valid() || a.PresenceModel == string(types.ModelTensor) {
		return fmt.Errorf("presence_model must be '%s' or '%s'", types.ModelFaceMesh, types.ModelTinyFace)
	}
	if a.GazeThreshold <= 0 {
		a.GazeThreshold = 0.02
	}
	if a.GazeHoldS <= 0 {
		a.GazeHoldS = 5
	}
	if a.ForbiddenClasses == nil {
		a.ForbiddenClasses = []string{"phone", "person", "watch", "earphone"}
	}
	if a.MinConfidence <= 0 {
		a.MinConfidence = 0.5
	}
	if a.MinConfidence >= 1 {
		return fmt.Errorf("min_confidence must be < 1, got %.2f", a.MinConfidence)
	}
	return nil
}

func validateRecorder(r *RecorderConfig, cameraFPS int) error {
	switch r.Encoder {
	case "":
		r.Encoder = "gstreamer"
	case "gstreamer", "mjpeg":
	default:
		return fmt.Errorf("unknown encoder '%s' (must be 'gstreamer' or 'mjpeg')", r.Encoder)
	}
	if r.SegmentDurationS == 0 {
		r.SegmentDurationS = 300
	}
	if r.SegmentDurationS < 1 {
		return fmt.Errorf("segment_duration_s must be > 0")
	}
	if r.FPS <= 0 {
		r.FPS = cameraFPS
	}
	if r.JPEGQuality <= 0 || r.JPEGQuality > 100 {
		r.JPEGQuality = 75
	}
	if r.VP8Bitrate <= 0 {
		r.VP8Bitrate = 512000
	}
	return nil
}

func validateCollector(c *CollectorConfig) error {
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", c.BaseURL)
	}
	if c.TimeoutS <= 0 {
		c.TimeoutS = 30
	}
	if c.UploadRetries < 0 {
		return fmt.Errorf("upload_retries must be >= 0")
	}
	if c.UploadRetries == 0 {
		c.UploadRetries = 3
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return nil
}

func validateMQTT(cfg *Config) {
	if cfg.MQTT.Broker == "" {
		return
	}
	id := cfg.SessionID
	if id == "" {
		id = "{session}"
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("proctor/%s/events", id)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("proctor/%s/status", id)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("proctor/%s/control", id)
	}
	if cfg.MQTT.Topics.Responses == "" {
		cfg.MQTT.Topics.Responses = fmt.Sprintf("proctor/%s/responses", id)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"events":  1,
			"status":  0,
			"control": 1,
		}
	}
	if cfg.MQTT.StatusIntervalS <= 0 {
		cfg.MQTT.StatusIntervalS = 10
	}
}
