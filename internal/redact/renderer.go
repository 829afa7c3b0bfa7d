package redact

import (
	"context"
	"image"
	"image/draw"
	"log/slog"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/care/proctor/internal/types"
)

// Renderer draws every sampled frame onto the canvas, blurring the primary
// face's eyes-to-mouth region when a face is present
type Renderer struct {
	canvas *Canvas
	opts   Options

	redacted atomic.Uint64
	raw      atomic.Uint64
}

// NewRenderer creates a renderer drawing onto canvas
func NewRenderer(canvas *Canvas, opts Options) *Renderer {
	return &Renderer{canvas: canvas, opts: opts.withDefaults()}
}

// OnDetection implements inference.Consumer
func (r *Renderer) OnDetection(ctx context.Context, df types.DetectionFrame) {
	if !df.Source.Valid() {
		slog.Debug("skipping detection without a valid source frame", "seq", df.Seq)
		return
	}

	face, ok := df.PrimaryFace()
	if !ok {
		r.drawRaw(df.Source)
		return
	}

	region, ok := ComputeRegion(face, df.Source.Width, df.Source.Height, r.opts)
	if !ok {
		r.drawRaw(df.Source)
		return
	}
	rect := region.Pixels(df.Source.Width, df.Source.Height)
	if rect.Empty() {
		r.drawRaw(df.Source)
		return
	}

	r.canvas.Publish(Redact(df.Source.Image(), rect.Rectangle(), r.opts), df.At)
	r.redacted.Add(1)
}

// OnRawFrame implements inference.FrameSink
func (r *Renderer) OnRawFrame(ctx context.Context, frame types.Frame) {
	if !frame.Valid() {
		return
	}
	r.drawRaw(frame)
}

func (r *Renderer) drawRaw(frame types.Frame) {
	r.canvas.Publish(frame.Image(), frame.Timestamp)
	r.raw.Add(1)
}

// Counts returns redacted and raw draw totals
func (r *Renderer) Counts() (redacted, raw uint64) {
	return r.redacted.Load(), r.raw.Load()
}

// Redact returns a copy of src with rect replaced by a blurred patch clipped
// to a rounded rectangle
func Redact(src *image.RGBA, rect image.Rectangle, opts Options) *image.RGBA {
	opts = opts.withDefaults()
	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	rect = rect.Intersect(bounds)
	if rect.Empty() {
		return dst
	}

	blurred := imaging.Blur(src.SubImage(rect), opts.BlurSigma)
	mask := roundedMask(rect.Dx(), rect.Dy(), opts.CornerRadius)
	draw.DrawMask(dst, rect, blurred, image.Point{}, mask, image.Point{}, draw.Over)
	return dst
}

// roundedMask is opaque inside a w x h rounded rectangle of radius r
func roundedMask(w, h, r int) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	if r > w/2 {
		r = w / 2
	}
	if r > h/2 {
		r = h / 2
	}
	rr := r * r
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if insideRounded(x, y, w, h, r, rr) {
				mask.Pix[y*mask.Stride+x] = 0xff
			}
		}
	}
	return mask
}

func insideRounded(x, y, w, h, r, rr int) bool {
	var cx, cy int
	switch {
	case x < r && y < r:
		cx, cy = r, r
	case x >= w-r && y < r:
		cx, cy = w-r-1, r
	case x < r && y >= h-r:
		cx, cy = r, h-r-1
	case x >= w-r && y >= h-r:
		cx, cy = w-r-1, h-r-1
	default:
		return true
	}
	dx, dy := x-cx, y-cy
	return dx*dx+dy*dy <= rr
}
