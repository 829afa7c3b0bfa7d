package types

// Face-mesh landmark indices (468 mesh points plus 10 iris points when
// refined landmarks are enabled).
var (
	// LeftEyeIndices traces the contour of the subject's left eye
	LeftEyeIndices = []int{263, 249, 390, 373, 374, 380, 381, 382, 362, 466, 388, 387, 386, 385, 384, 398}
	// RightEyeIndices traces the contour of the subject's right eye
	RightEyeIndices = []int{33, 7, 163, 144, 145, 153, 154, 155, 133, 246, 161, 160, 159, 158, 157, 173}
	// LipsIndices traces the outer lip contour
	LipsIndices = []int{61, 146, 91, 181, 84, 17, 314, 405, 321, 375, 291, 185, 40, 39, 37, 0, 267, 269, 270, 409}
	// LeftIrisIndices are the refined left iris points
	LeftIrisIndices = []int{474, 475, 476, 477}
	// RightIrisIndices are the refined right iris points
	RightIrisIndices = []int{469, 470, 471, 472}
)

// Eye corner pairs used as the eye center reference for gaze.
var (
	LeftEyeCorners  = [2]int{263, 362}
	RightEyeCorners = [2]int{33, 133}
)

// FaceMeshPoints is the landmark count with refined irises
const FaceMeshPoints = 478

// 68-point layout used by the tiny face detector's landmark net.
var (
	Landmarks68LeftEye  = []int{36, 37, 38, 39, 40, 41}
	Landmarks68RightEye = []int{42, 43, 44, 45, 46, 47}
	Landmarks68Mouth    = []int{48, 49, 50, 51, 52, 53, 54, 55, 56, 57, 58, 59, 60, 61, 62, 63, 64, 65, 66, 67}
)

// Select picks the points at indices; indices out of range are skipped
func Select(points []Point, indices []int) []Point {
	out := make([]Point, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(points) {
			out = append(out, points[i])
		}
	}
	return out
}

// Centroid returns the mean of points, false when empty
func Centroid(points []Point) (Point, bool) {
	if len(points) == 0 {
		return Point{}, false
	}
	var c Point
	for _, p := range points {
		c.X += p.X
		c.Y += p.Y
	}
	n := float64(len(points))
	return Point{X: c.X / n, Y: c.Y / n}, true
}
