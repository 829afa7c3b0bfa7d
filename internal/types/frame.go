package types

import (
	"image"
	"image/draw"
	"time"
)

// Frame represents a single RGBA video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the camera handle
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data holds Width*Height*4 bytes of RGBA pixels
	Data []byte
	// TraceID follows the frame through inference and rendering logs
	TraceID string
}

// Valid reports whether Data matches the declared dimensions
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*4
}

// Image wraps the frame pixels without copying.
// Callers must not mutate the result; frames are shared between consumers.
func (f Frame) Image() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Data,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// FrameFromImage copies img into a new frame
func FrameFromImage(img image.Image, seq uint64, ts time.Time) Frame {
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return Frame{
		Seq:       seq,
		Timestamp: ts,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Data:      rgba.Pix,
	}
}

// Point is a landmark in normalized coordinates (0.0 - 1.0)
type Point struct {
	X float64 `msgpack:"x" json:"x"`
	Y float64 `msgpack:"y" json:"y"`
}

// Scale converts a normalized point to pixel space
func (p Point) Scale(width, height int) (float64, float64) {
	return p.X * float64(width), p.Y * float64(height)
}

// NormalizedRect represents a rectangle with normalized coordinates (0.0 - 1.0)
// so boxes stay valid across capture resolutions
type NormalizedRect struct {
	X      float64 `msgpack:"x" json:"x"`
	Y      float64 `msgpack:"y" json:"y"`
	Width  float64 `msgpack:"width" json:"width"`
	Height float64 `msgpack:"height" json:"height"`
}

// ToPixels converts normalized coordinates to pixel coordinates for a given frame size
func (r NormalizedRect) ToPixels(frameWidth, frameHeight int) PixelRect {
	return PixelRect{
		X:      int(r.X * float64(frameWidth)),
		Y:      int(r.Y * float64(frameHeight)),
		Width:  int(r.Width * float64(frameWidth)),
		Height: int(r.Height * float64(frameHeight)),
	}
}

// PixelRect represents a rectangle in pixel coordinates
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rectangle converts to an image.Rectangle
func (r PixelRect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Clamp ensures the rectangle is within the given frame dimensions
func (r *PixelRect) Clamp(frameWidth, frameHeight int) {
	if r.X < 0 {
		r.Width += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.Height += r.Y
		r.Y = 0
	}
	if r.X+r.Width > frameWidth {
		r.Width = frameWidth - r.X
	}
	if r.Y+r.Height > frameHeight {
		r.Height = frameHeight - r.Y
	}
	if r.Width < 0 {
		r.Width = 0
	}
	if r.Height < 0 {
		r.Height = 0
	}
}

// Empty reports whether the rectangle covers no pixels
func (r PixelRect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}
