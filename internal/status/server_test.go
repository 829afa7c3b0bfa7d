package status

import (
	"bytes"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/proctor/internal/types"
)

type fakeReporter struct {
	health Health
}

func (r *fakeReporter) Health() Health { return r.health }

func (r *fakeReporter) Metrics() []Metric {
	return []Metric{
		{Name: "proctor_model_ready", Help: "Model readiness", Labels: map[string]string{"model": "face-mesh"}, Value: 1},
		{Name: "proctor_model_ready", Help: "Model readiness", Labels: map[string]string{"model": "tiny-face"}, Value: 0},
	}
}

type fakeFrames struct {
	mu    sync.Mutex
	frame types.Frame
	ok    bool
}

func (f *fakeFrames) Snapshot() (types.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, f.ok
}

func TestHealthEndpoints(t *testing.T) {
	tests := []struct {
		name   string
		status string
		code   int
	}{
		{"healthy", Healthy, http.StatusOK},
		{"degraded still ready", Degraded, http.StatusOK},
		{"unhealthy", Unhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(Options{Reporter: &fakeReporter{health: Health{
				Status: tt.status,
				Checks: map[string]string{"camera": "acquired"},
			}}})

			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
			assert.Equal(t, tt.code, rec.Code)

			var got Health
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, "acquired", got.Checks["camera"])

			rec = httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"alive"`)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(Options{Reporter: &fakeReporter{}})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "# HELP proctor_model_ready"))
	assert.Contains(t, body, `proctor_model_ready{model="face-mesh"} 1`)
	assert.Contains(t, body, `proctor_model_ready{model="tiny-face"} 0`)
	assert.Contains(t, body, "proctor_uptime_seconds ")
}

func TestPreviewStreamsJPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	frames := &fakeFrames{frame: types.FrameFromImage(img, 1, time.Now()), ok: true}
	s := NewServer(Options{Reporter: &fakeReporter{}, Frames: frames, PreviewHz: 50})

	srv := httptest.NewServer(s)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/preview", nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)

	decoded, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())
	assert.Equal(t, 8, decoded.Bounds().Dy())
}

func TestPreviewDisabledWithoutFrames(t *testing.T) {
	s := NewServer(Options{Reporter: &fakeReporter{}})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/preview", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
