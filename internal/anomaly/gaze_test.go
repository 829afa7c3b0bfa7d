package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/proctor/internal/types"
)

// gazeFace places both eye centers at x=0.4/0.6 and shifts both irises by offset
func gazeFace(offset float64) types.FaceLandmarks {
	points := make([]types.Point, types.FaceMeshPoints)
	points[types.LeftEyeCorners[0]] = types.Point{X: 0.65}
	points[types.LeftEyeCorners[1]] = types.Point{X: 0.55}
	points[types.RightEyeCorners[0]] = types.Point{X: 0.35}
	points[types.RightEyeCorners[1]] = types.Point{X: 0.45}
	for _, i := range types.LeftIrisIndices {
		points[i] = types.Point{X: 0.6 + offset}
	}
	for _, i := range types.RightIrisIndices {
		points[i] = types.Point{X: 0.4 + offset}
	}
	return types.FaceLandmarks{Points: points}
}

func TestGazeOffset(t *testing.T) {
	off, ok := GazeOffset(gazeFace(0.03).Points)
	require.True(t, ok)
	assert.InDelta(t, 0.03, off, 1e-9)

	_, ok = GazeOffset(make([]types.Point, 468))
	assert.False(t, ok, "irises require refined landmarks")
}

func TestClassifyGaze(t *testing.T) {
	assert.Equal(t, GazeLeft, ClassifyGaze(0.021, 0.02))
	assert.Equal(t, GazeRight, ClassifyGaze(-0.021, 0.02))
	assert.Equal(t, GazeCenter, ClassifyGaze(0.02, 0.02))
	assert.Equal(t, GazeCenter, ClassifyGaze(-0.01, 0.02))
}

func meshFrame(at time.Duration, faces ...types.FaceLandmarks) types.DetectionFrame {
	return types.DetectionFrame{Model: types.ModelFaceMesh, At: examStart.Add(at), Faces: faces}
}

func TestDetectorGazeIsObservableAndNeverReported(t *testing.T) {
	rep := &captureReporter{}
	d := NewDetector(Config{ExamStart: examStart, GazeHold: 5 * time.Second}, rep)
	ctx := context.Background()

	dir, _ := d.Gaze()
	assert.Equal(t, GazeUnknown, dir)

	d.OnDetection(ctx, meshFrame(0, gazeFace(0)))
	dir, _ = d.Gaze()
	assert.Equal(t, GazeCenter, dir)

	for s := 1; s <= 7; s++ {
		d.OnDetection(ctx, meshFrame(time.Duration(s)*time.Second, gazeFace(-0.05)))
	}
	dir, off := d.Gaze()
	assert.Equal(t, GazeRight, dir)
	assert.InDelta(t, -0.05, off, 1e-9)
	assert.Equal(t, 1, d.Snapshot().SustainedGazes, "held from 1s, logged at 6s, timer restarted")

	d.OnDetection(ctx, meshFrame(8*time.Second))
	dir, _ = d.Gaze()
	assert.Equal(t, GazeUnknown, dir)

	assert.Empty(t, rep.all())
}
