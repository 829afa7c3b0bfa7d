package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/proctor/internal/types"
)

type captureReporter struct {
	mu     sync.Mutex
	events []types.AnomalyEvent
	err    error
}

func (r *captureReporter) ReportAnomaly(ctx context.Context, ev types.AnomalyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *captureReporter) all() []types.AnomalyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.AnomalyEvent(nil), r.events...)
}

var examStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func presenceFrame(at time.Duration, faces int) types.DetectionFrame {
	return types.DetectionFrame{
		Model: types.ModelTinyFace,
		At:    examStart.Add(at),
		Faces: make([]types.FaceLandmarks, faces),
	}
}

// faces = [1,1,0,0,0,1], frame 3 at 10s and frame 6 at 22s: exactly one
// absence report covering 00:00:10..00:00:22
func TestAbsenceIntervalReportedOnce(t *testing.T) {
	rep := &captureReporter{}
	d := NewDetector(Config{ExamStart: examStart}, rep)
	ctx := context.Background()

	frames := []types.DetectionFrame{
		presenceFrame(2*time.Second, 1),
		presenceFrame(6*time.Second, 1),
		presenceFrame(10*time.Second, 0),
		presenceFrame(14*time.Second, 0),
		presenceFrame(18*time.Second, 0),
		presenceFrame(22*time.Second, 1),
	}
	for i, df := range frames {
		d.OnDetection(ctx, df)
		if i >= 2 && i <= 4 {
			assert.True(t, d.Absent(), "frame %d", i+1)
		}
	}

	events := rep.all()
	require.Len(t, events, 1)
	assert.Equal(t, TypeAbsence, events[0].Type)
	assert.Equal(t, "00:00:10", events[0].DetectedTime)
	assert.Equal(t, "00:00:22", events[0].EndTime)
	assert.False(t, d.Absent())
}

func TestAbsenceClosedOnSessionEnd(t *testing.T) {
	rep := &captureReporter{}
	d := NewDetector(Config{ExamStart: examStart}, rep)
	ctx := context.Background()

	d.OnDetection(ctx, presenceFrame(65*time.Second, 0))
	require.Empty(t, rep.all())

	d.Close(ctx, examStart.Add(time.Hour+61*time.Second+900*time.Millisecond))
	events := rep.all()
	require.Len(t, events, 1)
	assert.Equal(t, "00:01:05", events[0].DetectedTime)
	assert.Equal(t, "01:01:01", events[0].EndTime)

	// Closed detectors ignore input and do not report twice
	d.OnDetection(ctx, presenceFrame(2*time.Hour, 0))
	d.OnDetection(ctx, presenceFrame(2*time.Hour+time.Second, 3))
	d.Close(ctx, examStart.Add(3*time.Hour))
	assert.Len(t, rep.all(), 1)
}

func TestOvercrowdedReportedEveryFrame(t *testing.T) {
	rep := &captureReporter{}
	d := NewDetector(Config{ExamStart: examStart}, rep)
	ctx := context.Background()

	d.OnDetection(ctx, presenceFrame(30*time.Second, 2))
	d.OnDetection(ctx, presenceFrame(31*time.Second, 3))
	d.OnDetection(ctx, presenceFrame(32*time.Second, 1))

	events := rep.all()
	require.Len(t, events, 2)
	for i, ev := range events {
		assert.Equal(t, TypeOvercrowded, ev.Type)
		assert.Equal(t, ev.DetectedTime, ev.EndTime)
		assert.Equal(t, FormatElapsed(time.Duration(30+i)*time.Second), ev.DetectedTime)
	}
	assert.Equal(t, uint64(2), d.Snapshot().Reports[TypeOvercrowded])
}

func TestPresenceIgnoresOtherModels(t *testing.T) {
	rep := &captureReporter{}
	d := NewDetector(Config{ExamStart: examStart, PresenceModel: types.ModelTinyFace}, rep)

	df := presenceFrame(time.Second, 0)
	df.Model = types.ModelFaceMesh
	d.OnDetection(context.Background(), df)
	assert.False(t, d.Absent())
}

func TestForbiddenObjects(t *testing.T) {
	rep := &captureReporter{}
	d := NewDetector(Config{ExamStart: examStart}, rep)
	ctx := context.Background()

	df := types.DetectionFrame{
		Model: types.ModelTensor,
		At:    examStart.Add(90 * time.Second),
		Objects: []types.ObjectBox{
			{ClassID: 1, Class: "person", Confidence: 0.95},
			{ClassID: 1, Class: "person", Confidence: 0.7},
			{ClassID: 0, Class: "phone", Confidence: 0.8, BBox: types.NormalizedRect{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}},
			{ClassID: 0, Class: "phone", Confidence: 0.5}, // not above threshold
			{ClassID: 9, Class: "book", Confidence: 0.99}, // not watched
			{ClassID: 2, Class: "watch", Confidence: 0.51},
		},
	}
	d.OnDetection(ctx, df)
	d.OnDetection(ctx, df)

	events := rep.all()
	require.Len(t, events, 6, "reported on every qualifying frame")
	var kinds []string
	for _, ev := range events[:3] {
		kinds = append(kinds, ev.Type)
		assert.Equal(t, "00:01:30", ev.DetectedTime)
		assert.Equal(t, "00:01:30", ev.EndTime)
		require.NotNil(t, ev.Object)
	}
	assert.Equal(t, []string{"phone", "person", "watch"}, kinds)
	assert.InDelta(t, 0.7, events[1].Object.Confidence, 1e-9, "the extra person, not the test taker")
	assert.Equal(t, 0, events[0].Object.ClassID)
	assert.Equal(t, types.NormalizedRect{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}, events[0].Object.BBox)
	assert.Equal(t, 2, events[2].Object.ClassID)

	// A single person is the test taker
	rep2 := &captureReporter{}
	d2 := NewDetector(Config{ExamStart: examStart}, rep2)
	d2.OnDetection(ctx, types.DetectionFrame{
		Model:   types.ModelTensor,
		At:      examStart,
		Objects: []types.ObjectBox{{Class: "person", Confidence: 0.9}},
	})
	assert.Empty(t, rep2.all())
}

func TestReporterErrorDoesNotBreakDetection(t *testing.T) {
	rep := &captureReporter{err: errors.New("queue closed")}
	d := NewDetector(Config{ExamStart: examStart}, rep)
	ctx := context.Background()

	d.OnDetection(ctx, presenceFrame(time.Second, 0))
	d.OnDetection(ctx, presenceFrame(2*time.Second, 1))
	d.OnDetection(ctx, presenceFrame(3*time.Second, 0))
	assert.True(t, d.Absent())
	assert.Len(t, rep.all(), 1)
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-5 * time.Second, "00:00:00"},
		{999 * time.Millisecond, "00:00:00"},
		{10*time.Second + 999*time.Millisecond, "00:00:10"},
		{5 * time.Minute, "00:05:00"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "26:03:04"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.in), tt.in.String())
	}
}

func TestElapsedBeforeExamStartClampsToZero(t *testing.T) {
	d := NewDetector(Config{ExamStart: examStart}, nil)
	assert.Equal(t, "00:00:00", d.Elapsed(examStart.Add(-time.Minute)))
}
