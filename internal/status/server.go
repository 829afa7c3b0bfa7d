package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/care/proctor/internal/types"
)

// Health states
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// Health is the readiness document
type Health struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
	Details       any               `json:"details,omitempty"`
}

// Metric is one gauge or counter sample
type Metric struct {
	Name   string
	Help   string
	Labels map[string]string
	Value  float64
}

// Reporter supplies health and metrics for the running session
type Reporter interface {
	Health() Health
	Metrics() []Metric
}

// FrameSource supplies the latest displayed frame for the preview
type FrameSource interface {
	Snapshot() (types.Frame, bool)
}

// Options configures the status server
type Options struct {
	Address   string
	PreviewHz int
	Reporter  Reporter
	Frames    FrameSource
}

// Server exposes /health, /readiness, /metrics and the /preview websocket
type Server struct {
	opts    Options
	app     *echo.Echo
	started time.Time
}

var _ http.Handler = (*Server)(nil)

// NewServer creates the server; call Start to listen
func NewServer(opts Options) *Server {
	if opts.PreviewHz <= 0 {
		opts.PreviewHz = 5
	}
	s := &Server{
		opts:    opts,
		app:     echo.New(),
		started: time.Now(),
	}
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.HidePort = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	s.app.Use(middleware.Recover())

	s.app.GET("/health", s.liveness)
	s.app.GET("/readiness", s.readiness)
	s.app.GET("/metrics", s.metrics)
	s.app.GET("/preview", s.preview)
}

// Start listens in the background
func (s *Server) Start() {
	slog.Info("starting status server",
		"address", s.opts.Address,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/preview"},
	)
	go func() {
		if err := s.app.Start(s.opts.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.app.ServeHTTP(w, r)
}

func (s *Server) liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readiness(c echo.Context) error {
	health := s.opts.Reporter.Health()
	health.UptimeSeconds = int64(time.Since(s.started).Seconds())

	code := http.StatusOK
	if health.Status == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, health)
}

func (s *Server) metrics(c echo.Context) error {
	metrics := append(s.opts.Reporter.Metrics(), Metric{
		Name:  "proctor_uptime_seconds",
		Help:  "Seconds since the status server started",
		Value: time.Since(s.started).Seconds(),
	})
	return c.String(http.StatusOK, FormatMetrics(metrics))
}

// FormatMetrics renders samples in the Prometheus text exposition format
func FormatMetrics(metrics []Metric) string {
	var b strings.Builder
	helped := make(map[string]bool)
	for _, m := range metrics {
		if m.Help != "" && !helped[m.Name] {
			helped[m.Name] = true
			fmt.Fprintf(&b, "# HELP %s %s\n", m.Name, m.Help)
		}
		b.WriteString(m.Name)
		if len(m.Labels) > 0 {
			keys := make([]string, 0, len(m.Labels))
			for k := range m.Labels {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, len(keys))
			for i, k := range keys {
				pairs[i] = fmt.Sprintf("%s=%q", k, m.Labels[k])
			}
			b.WriteString("{" + strings.Join(pairs, ",") + "}")
		}
		fmt.Fprintf(&b, " %g\n", m.Value)
	}
	return b.String()
}
