package session

import (
	"time"

	"github.com/care/proctor/internal/anomaly"
	"github.com/care/proctor/internal/collector"
	"github.com/care/proctor/internal/inference"
	"github.com/care/proctor/internal/models"
	"github.com/care/proctor/internal/recorder"
	"github.com/care/proctor/internal/status"
)

// CameraStatus is the user-visible camera state
type CameraStatus struct {
	Acquired bool   `json:"acquired"`
	Message  string `json:"message,omitempty"`
	Frames   uint64 `json:"frames"`
	// Dropped counts frames replaced before any loop sampled them
	Dropped uint64 `json:"dropped"`
}

// Status is a point-in-time view of the session
type Status struct {
	SessionID string               `json:"session_id"`
	State     State                `json:"state"`
	ExamStart time.Time            `json:"exam_start"`
	Elapsed   string               `json:"elapsed"`
	Camera    CameraStatus         `json:"camera"`
	Models    map[string]string    `json:"models"`
	Loops     []inference.Stats    `json:"loops,omitempty"`
	Anomaly   *anomaly.Snapshot    `json:"anomaly,omitempty"`
	Recorder  *recorder.Stats      `json:"recorder,omitempty"`
	Recording string               `json:"recording_error,omitempty"`
	Outbound  collector.QueueStats `json:"outbound"`
}

// Status returns the current session status
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		SessionID: c.cfg.SessionID,
		State:     c.state,
		ExamStart: c.cfg.ExamStart,
		Elapsed:   anomaly.FormatElapsed(time.Since(c.cfg.ExamStart)),
		Camera: CameraStatus{
			Acquired: c.cameraHandle != nil && !c.cameraHandle.Released(),
			Message:  c.cameraMessage,
		},
		Recording: c.recordingErr,
	}
	handle := c.cameraHandle
	loops := c.loops
	detector := c.detector
	rec := c.recorder
	c.mu.Unlock()

	if handle != nil {
		st.Camera.Frames = handle.FramesReceived()
		st.Camera.Dropped = handle.FramesDropped()
	}

	st.Models = make(map[string]string)
	for kind, s := range c.deps.Loader.Statuses() {
		st.Models[string(kind)] = s.String()
	}
	for _, loop := range loops {
		st.Loops = append(st.Loops, loop.Stats())
	}
	if detector != nil {
		snap := detector.Snapshot()
		st.Anomaly = &snap
	}
	if rec != nil {
		rs := rec.Stats()
		st.Recorder = &rs
	}
	st.Outbound = c.deps.Outbound.Stats()
	return st
}

// Health implements status.Reporter. A session without camera or recording
// is degraded; a session that is not running is unhealthy.
func (c *Controller) Health() status.Health {
	st := c.Status()

	checks := map[string]string{
		"camera":   "acquired",
		"recorder": "idle",
	}
	if !st.Camera.Acquired {
		checks["camera"] = "unavailable"
	}
	if st.Recorder != nil {
		checks["recorder"] = string(st.Recorder.State)
	}
	for kind, s := range st.Models {
		checks["model:"+kind] = s
	}

	h := status.Health{
		Status:  status.Healthy,
		Checks:  checks,
		Details: st,
	}
	switch {
	case st.State != StateRunning:
		h.Status = status.Unhealthy
	case !st.Camera.Acquired || st.Recorder == nil:
		h.Status = status.Degraded
	}
	return h
}

// Metrics implements status.Reporter
func (c *Controller) Metrics() []status.Metric {
	st := c.Status()
	session := map[string]string{"session_id": st.SessionID}

	out := []status.Metric{
		{Name: "proctor_camera_frames_total", Help: "Frames received from the camera", Labels: session, Value: float64(st.Camera.Frames)},
		{Name: "proctor_camera_frames_dropped_total", Help: "Camera frames replaced before being sampled", Labels: session, Value: float64(st.Camera.Dropped)},
		{Name: "proctor_segment_boundaries_total", Help: "Segment boundaries fired", Labels: session, Value: float64(c.Boundaries())},
		{Name: "proctor_outbound_pending", Help: "Tasks waiting in the outbound queue", Labels: session, Value: float64(st.Outbound.Pending)},
		{Name: "proctor_segments_uploaded_total", Help: "Segments uploaded", Labels: session, Value: float64(st.Outbound.SegmentsSent)},
		{Name: "proctor_segments_failed_total", Help: "Segment uploads that failed", Labels: session, Value: float64(st.Outbound.SegmentsFailed)},
		{Name: "proctor_anomalies_sent_total", Help: "Anomaly reports delivered", Labels: session, Value: float64(st.Outbound.AnomaliesSent)},
	}
	for kind, s := range st.Models {
		ready := 0.0
		if s == models.StatusReady.String() {
			ready = 1
		}
		out = append(out, status.Metric{
			Name:   "proctor_model_ready",
			Help:   "Whether the model is ready",
			Labels: map[string]string{"session_id": st.SessionID, "model": kind},
			Value:  ready,
		})
	}
	for _, ls := range st.Loops {
		labels := map[string]string{"session_id": st.SessionID, "model": string(ls.Model)}
		out = append(out,
			status.Metric{Name: "proctor_inferences_total", Help: "Completed inferences", Labels: labels, Value: float64(ls.Inferences)},
			status.Metric{Name: "proctor_inference_skipped_busy_total", Help: "Ticks skipped while an inference was in flight", Labels: labels, Value: float64(ls.SkippedBusy)},
			status.Metric{Name: "proctor_inference_latency_ms", Help: "Average inference latency", Labels: labels, Value: ls.AvgLatencyMS},
		)
	}
	if st.Anomaly != nil {
		for kind, n := range st.Anomaly.Reports {
			out = append(out, status.Metric{
				Name:   "proctor_anomalies_total",
				Help:   "Anomalies raised by type",
				Labels: map[string]string{"session_id": st.SessionID, "type": kind},
				Value:  float64(n),
			})
		}
	}
	if st.Recorder != nil {
		out = append(out, status.Metric{Name: "proctor_recorded_chunks_total", Help: "Chunks sealed into segments", Labels: session, Value: float64(st.Recorder.Chunks)})
	}
	return out
}
