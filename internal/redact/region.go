package redact

import (
	"math"

	"github.com/care/proctor/internal/types"
)

// Options controls the redaction region and effect
type Options struct {
	// WidthMultiplier scales the horizontal padding
	WidthMultiplier float64
	// HeightMultiplier scales the vertical padding
	HeightMultiplier float64
	// PadX is the horizontal padding per side as a fraction of the eye span
	PadX float64
	// PadTop and PadBottom are fractions of the eye-to-mouth height
	PadTop    float64
	PadBottom float64
	// CornerRadius in pixels
	CornerRadius int
	// BlurSigma is the Gaussian blur strength
	BlurSigma float64
}

// DefaultOptions returns the mosaic defaults
func DefaultOptions() Options {
	return Options{
		WidthMultiplier:  1,
		HeightMultiplier: 1,
		PadX:             0.1,
		PadTop:           0.3,
		PadBottom:        0.2,
		CornerRadius:     50,
		BlurSigma:        20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.WidthMultiplier <= 0 {
		o.WidthMultiplier = d.WidthMultiplier
	}
	if o.HeightMultiplier <= 0 {
		o.HeightMultiplier = d.HeightMultiplier
	}
	if o.PadX <= 0 {
		o.PadX = d.PadX
	}
	if o.PadTop <= 0 {
		o.PadTop = d.PadTop
	}
	if o.PadBottom <= 0 {
		o.PadBottom = d.PadBottom
	}
	if o.CornerRadius < 0 {
		o.CornerRadius = 0
	}
	if o.BlurSigma <= 0 {
		o.BlurSigma = d.BlurSigma
	}
	return o
}

// Region is a redaction rectangle in canvas pixels (float, before clamping)
type Region struct {
	Left, Top, Right, Bottom float64
}

// Center returns the region center
func (r Region) Center() (float64, float64) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Pixels rounds the region outward and clamps it to the canvas
func (r Region) Pixels(width, height int) types.PixelRect {
	left := int(math.Floor(r.Left))
	top := int(math.Floor(r.Top))
	rect := types.PixelRect{
		X:      left,
		Y:      top,
		Width:  int(math.Ceil(r.Right)) - left,
		Height: int(math.Ceil(r.Bottom)) - top,
	}
	rect.Clamp(width, height)
	return rect
}

// FeaturePoints returns the eye and mouth landmarks of a face, picking the
// index layout from the landmark count
func FeaturePoints(face types.FaceLandmarks) (eyes, mouth []types.Point) {
	switch {
	case len(face.Points) >= 468:
		eyes = append(types.Select(face.Points, types.LeftEyeIndices), types.Select(face.Points, types.RightEyeIndices)...)
		mouth = types.Select(face.Points, types.LipsIndices)
	case len(face.Points) == 68:
		eyes = append(types.Select(face.Points, types.Landmarks68LeftEye), types.Select(face.Points, types.Landmarks68RightEye)...)
		mouth = types.Select(face.Points, types.Landmarks68Mouth)
	}
	return eyes, mouth
}

// ComputeRegion computes the padded eyes-to-mouth region of face on a
// width x height canvas. Landmarks are normalized and scaled to the canvas
// before use. When the face has no usable landmarks its box is used instead.
func ComputeRegion(face types.FaceLandmarks, width, height int, opts Options) (Region, bool) {
	if width <= 0 || height <= 0 {
		return Region{}, false
	}
	opts = opts.withDefaults()

	eyes, mouth := FeaturePoints(face)
	if len(eyes) == 0 || len(mouth) == 0 {
		if face.Box == nil {
			return Region{}, false
		}
		b := face.Box
		return Region{
			Left:   b.X * float64(width),
			Top:    b.Y * float64(height),
			Right:  (b.X + b.Width) * float64(width),
			Bottom: (b.Y + b.Height) * float64(height),
		}, true
	}

	topLeft, topRight, topY, _ := extent(eyes, width, height)
	bottomLeft, bottomRight, _, bottomY := extent(mouth, width, height)

	eyeSpan := topRight - topLeft
	faceHeight := bottomY - topY

	return Region{
		Left:   math.Min(topLeft, bottomLeft) - eyeSpan*opts.WidthMultiplier*opts.PadX,
		Right:  math.Max(topRight, bottomRight) + eyeSpan*opts.WidthMultiplier*opts.PadX,
		Top:    topY - faceHeight*opts.HeightMultiplier*opts.PadTop,
		Bottom: bottomY + faceHeight*opts.HeightMultiplier*opts.PadBottom,
	}, true
}

// extent returns min x, max x, min y, max y of points in pixel space
func extent(points []types.Point, width, height int) (minX, maxX, minY, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		x, y := p.Scale(width, height)
		minX = math.Min(minX, x)
		maxX = math.Max(maxX, x)
		minY = math.Min(minY, y)
		maxY = math.Max(maxY, y)
	}
	return minX, maxX, minY, maxY
}
