package geometry

import "math"

// Rect is an axis-aligned rectangle in model space.
type Rect struct {
	Min Point
	Max Point
}

// Width of the rectangle.
func (r Rect) Width() float64 { return r.Max.X - r.Min.X }

// Height of the rectangle.
func (r Rect) Height() float64 { return r.Max.Y - r.Min.Y }

// BoundsOf returns the smallest rectangle containing every point. ok is false
// when points is empty.
func BoundsOf(points []Point) (r Rect, ok bool) {
	if len(points) == 0 {
		return Rect{}, false
	}
	r = Rect{Min: points[0], Max: points[0]}
	for _, p := range points[1:] {
		r.Min.X = math.Min(r.Min.X, p.X)
		r.Min.Y = math.Min(r.Min.Y, p.Y)
		r.Max.X = math.Max(r.Max.X, p.X)
		r.Max.Y = math.Max(r.Max.Y, p.Y)
	}
	return r, true
}

// FitView returns a viewport that centers content inside a canvas of the given
// screen size. padding is a fraction of the content size added on every side
// (0.1 leaves 10% of air). Zoom is clamped to [minZoom, maxZoom].
func FitView(content Rect, width, height, padding, minZoom, maxZoom float64, bounds Bounds) Viewport {
	cw := content.Width() * (1 + 2*padding)
	ch := content.Height() * (1 + 2*padding)

	zoom := maxZoom
	if cw > 0 {
		zoom = math.Min(zoom, width/cw)
	}
	if ch > 0 {
		zoom = math.Min(zoom, height/ch)
	}
	zoom = math.Max(minZoom, math.Min(maxZoom, zoom))

	centerX := (content.Min.X + content.Max.X) / 2
	centerY := (content.Min.Y + content.Max.Y) / 2

	return Viewport{
		X:      width/2 - centerX*zoom,
		Y:      height/2 - centerY*zoom,
		Zoom:   zoom,
		Bounds: bounds,
	}
}
