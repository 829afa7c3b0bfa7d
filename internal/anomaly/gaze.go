package anomaly

import "github.com/care/proctor/internal/types"

// GazeOffset returns the mean horizontal offset of both iris centers from
// their eye centers. Requires refined face-mesh landmarks.
func GazeOffset(points []types.Point) (float64, bool) {
	if len(points) < types.FaceMeshPoints {
		return 0, false
	}
	left, ok := eyeOffset(points, types.LeftIrisIndices, types.LeftEyeCorners)
	if !ok {
		return 0, false
	}
	right, ok := eyeOffset(points, types.RightIrisIndices, types.RightEyeCorners)
	if !ok {
		return 0, false
	}
	return (left + right) / 2, true
}

func eyeOffset(points []types.Point, iris []int, corners [2]int) (float64, bool) {
	center, ok := types.Centroid(types.Select(points, iris))
	if !ok {
		return 0, false
	}
	eyeCenter := (points[corners[0]].X + points[corners[1]].X) / 2
	return center.X - eyeCenter, true
}

// ClassifyGaze maps an offset to left, right or center
func ClassifyGaze(offset, threshold float64) string {
	switch {
	case offset > threshold:
		return GazeLeft
	case offset < -threshold:
		return GazeRight
	default:
		return GazeCenter
	}
}
