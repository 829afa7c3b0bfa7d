package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete proctord configuration
type Config struct {
	SessionID        string          `yaml:"session_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 10)
	Exam             ExamConfig      `yaml:"exam"`
	Camera           CameraConfig    `yaml:"camera"`
	Models           ModelsConfig    `yaml:"models"`
	Redaction        RedactionConfig `yaml:"redaction"`
	Anomaly          AnomalyConfig   `yaml:"anomaly"`
	Recorder         RecorderConfig  `yaml:"recorder"`
	Collector        CollectorConfig `yaml:"collector"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Archive          ArchiveConfig   `yaml:"archive"`
	Status           StatusConfig    `yaml:"status"`
}

// ExamConfig identifies the exam attempt
type ExamConfig struct {
	ID string `yaml:"id"`
	// StartTime is RFC3339; empty means the moment the session starts
	StartTime string `yaml:"start_time"`
}

// CameraConfig contains capture settings
type CameraConfig struct {
	Source     string `yaml:"source"`      // gstreamer, mock
	Device     string `yaml:"device"`      // e.g. /dev/video0; empty picks by facing mode
	FacingMode string `yaml:"facing_mode"` // user, environment
	Width      int    `yaml:"width"`
	Height     int    `yaml:"height"`
	FPS        int    `yaml:"fps"`
}

// ModelsConfig contains one entry per inference capability
type ModelsConfig struct {
	FaceMesh    *ModelConfig `yaml:"face_mesh,omitempty"`
	TinyFace    *ModelConfig `yaml:"tiny_face,omitempty"`
	TensorModel *ModelConfig `yaml:"tensor_model,omitempty"`
}

// ModelConfig defines one model worker
type ModelConfig struct {
	Command      string   `yaml:"command"`        // worker executable
	Args         []string `yaml:"args"`           // extra worker arguments
	ModelPath    string   `yaml:"model_path"`     // passed to the worker as --model
	Confidence   float64  `yaml:"confidence"`     // minimum detection confidence
	IntervalMS   int      `yaml:"interval_ms"`    // sampling interval
	LoadTimeoutS int      `yaml:"load_timeout_s"` // model load deadline
	NumClasses   int      `yaml:"num_classes"`    // tensor-model class count
	Classes      []string `yaml:"classes"`        // tensor-model class labels by id
}

// Interval returns the sampling interval as a duration
func (m *ModelConfig) Interval() time.Duration {
	return time.Duration(m.IntervalMS) * time.Millisecond
}

// LoadTimeout returns the load deadline as a duration
func (m *ModelConfig) LoadTimeout() time.Duration {
	return time.Duration(m.LoadTimeoutS) * time.Second
}

// RedactionConfig controls the mosaic region
type RedactionConfig struct {
	WidthMultiplier  float64 `yaml:"width_multiplier"`
	HeightMultiplier float64 `yaml:"height_multiplier"`
	CornerRadius     int     `yaml:"corner_radius"`
	BlurSigma        float64 `yaml:"blur_sigma"`
}

// AnomalyConfig controls event detection
type AnomalyConfig struct {
	PresenceModel    string   `yaml:"presence_model"` // model kind that drives absence/overcrowding
	GazeThreshold    float64  `yaml:"gaze_threshold"`
	GazeHoldS        int      `yaml:"gaze_hold_s"`
	ForbiddenClasses []string `yaml:"forbidden_classes"`
	MinConfidence    float64  `yaml:"min_confidence"`
}

// RecorderConfig controls segment recording
type RecorderConfig struct {
	Encoder          string `yaml:"encoder"` // gstreamer, mjpeg
	SegmentDurationS int    `yaml:"segment_duration_s"`
	FPS              int    `yaml:"fps"`
	JPEGQuality      int    `yaml:"jpeg_quality"`
	VP8Bitrate       int    `yaml:"vp8_bitrate"`
}

// SegmentDuration returns the boundary period
func (r RecorderConfig) SegmentDuration() time.Duration {
	return time.Duration(r.SegmentDurationS) * time.Second
}

// CollectorConfig contains backend API settings
type CollectorConfig struct {
	BaseURL       string `yaml:"base_url"`
	Token         string `yaml:"token"`
	TimeoutS      int    `yaml:"timeout_s"`
	UploadRetries int    `yaml:"upload_retries"`
	Workers       int    `yaml:"workers"`
	QueueSize     int    `yaml:"queue_size"`
}

// MQTTConfig contains the optional telemetry broker settings
type MQTTConfig struct {
	Broker          string          `yaml:"broker"` // empty disables MQTT
	Topics          MQTTTopics      `yaml:"topics"`
	QoS             map[string]byte `yaml:"qos"`
	StatusIntervalS int             `yaml:"status_interval_s"`
}

// StatusInterval returns the status publish period
func (m MQTTConfig) StatusInterval() time.Duration {
	return time.Duration(m.StatusIntervalS) * time.Second
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Events    string `yaml:"events"`
	Status    string `yaml:"status"`
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
}

// ArchiveConfig contains the optional blob archive settings
type ArchiveConfig struct {
	ConnectionString string `yaml:"connection_string"` // empty disables archiving
	Container        string `yaml:"container"`
}

// StatusConfig contains the local status server settings
type StatusConfig struct {
	Port      string `yaml:"port"`
	PreviewHz int    `yaml:"preview_hz"`
}

// Load reads a .env file when present, expands ${VAR} references,
// then parses and validates the YAML configuration file
func Load(path string) (*Config, error) {
	// A missing .env is normal in production
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates a configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ExamStart resolves the exam start instant, falling back to now
func (c *Config) ExamStart(now time.Time) time.Time {
	if c.Exam.StartTime == "" {
		return now
	}
	t, err := time.Parse(time.RFC3339, c.Exam.StartTime)
	if err != nil {
		return now
	}
	return t
}
