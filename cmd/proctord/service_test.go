package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/proctor/internal/config"
	"github.com/care/proctor/internal/types"
)

type backendRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (b *backendRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.paths = append(b.paths, r.URL.Path)
	b.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (b *backendRecorder) count(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.paths {
		if p == path {
			n++
		}
	}
	return n
}

func TestServiceRecordsAndUploadsWithMockCamera(t *testing.T) {
	backend := &backendRecorder{}
	srv := httptest.NewServer(backend)
	defer srv.Close()

	cfg, err := config.Parse([]byte(fmt.Sprintf(`
session_id: exam-9
camera:
  source: mock
  width: 32
  height: 24
  fps: 30
recorder:
  encoder: mjpeg
  segment_duration_s: 60
collector:
  base_url: %s
  token: secret
status:
  port: "0"
`, srv.URL)))
	require.NoError(t, err)

	svc, err := newService(context.Background(), cfg)
	require.NoError(t, err)
	require.Nil(t, svc.mirror)

	require.NoError(t, svc.controller.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := svc.controller.Status()
		return st.Recorder != nil && st.Recorder.BufferedChunks > 5
	}, 3*time.Second, 10*time.Millisecond)

	frame, ok := svc.controller.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 32, frame.Width)

	rec := httptest.NewRecorder()
	svc.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `proctor_camera_frames_total{session_id="exam-9"}`)
	assert.Contains(t, rec.Body.String(), `proctor_camera_frames_dropped_total{session_id="exam-9"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))

	assert.Equal(t, 1, backend.count("/taker/webcam/"), "final segment uploaded on shutdown")
}

func TestModelWiring(t *testing.T) {
	cfg, err := config.Parse([]byte(`
collector:
  base_url: https://api.example.test
models:
  tiny_face:
    command: bin/tiny
    interval_ms: 250
  tensor_model:
    command: bin/objects
    num_classes: 2
    classes: [phone, book]
    confidence: 0.6
`))
	require.NoError(t, err)

	specs, timeouts, intervals := modelWiring(cfg.Models)
	require.Len(t, specs, 2)
	assert.NotContains(t, specs, types.ModelFaceMesh)

	assert.Equal(t, 250*time.Millisecond, intervals[types.ModelTinyFace])
	assert.Equal(t, 2*time.Second, intervals[types.ModelTensor])
	assert.Equal(t, 60*time.Second, timeouts[types.ModelTensor])

	layout := specs[types.ModelTensor].Tensor
	assert.Equal(t, 7, layout.RowSize)
	assert.Equal(t, []string{"phone", "book"}, layout.Classes)
	assert.InDelta(t, 0.6, layout.Threshold, 1e-9)
}

func TestSessionTopicPlaceholder(t *testing.T) {
	cfg, err := config.Parse([]byte(`
collector:
  base_url: https://api.example.test
mqtt:
  broker: localhost:1883
`))
	require.NoError(t, err)
	assert.True(t, strings.Contains(cfg.MQTT.Topics.Events, "{session}"))
	assert.Equal(t, "proctor/abc/events", sessionTopic(cfg.MQTT.Topics.Events, "abc"))
}

func TestUnknownEncoderRejected(t *testing.T) {
	_, err := encoderFactory(config.RecorderConfig{Encoder: "h264"}, config.CameraConfig{})
	assert.Error(t, err)
}

func TestEndRequestedClosesOnce(t *testing.T) {
	svc := &service{cfg: &config.Config{SessionID: "s1"}, endRequested: make(chan struct{})}
	svc.requestEnd()
	svc.requestEnd()

	select {
	case <-svc.EndRequested():
	default:
		t.Fatal("end request not signalled")
	}
}
