package geometry

import (
	"errors"
	"math"
)

// ErrInvalidZoom is returned when a viewport is given a zoom that is not a
// positive finite number.
var ErrInvalidZoom = errors.New("zoom must be a positive finite number")

// Point is a 2D coordinate. Whether it lives in screen or model space is up to
// the caller.
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Bounds is the top-left corner of the canvas element in screen space.
type Bounds struct {
	Left float64 `json:"left"`
	Top  float64 `json:"top"`
}

// Viewport is the pan/zoom state owned by the renderer.
//
// The renderer draws a model point m at screen position
// Bounds + (X, Y) + m*Zoom; ToModelSpace is the inverse of that mapping.
type Viewport struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Zoom   float64 `json:"zoom"`
	Bounds Bounds  `json:"bounds"`
}

// Identity is a viewport with no pan, no canvas offset and zoom 1.
func Identity() Viewport {
	return Viewport{Zoom: 1}
}

// NewViewport validates the zoom and returns a viewport.
func NewViewport(x, y, zoom float64, bounds Bounds) (Viewport, error) {
	if err := checkZoom(zoom); err != nil {
		return Viewport{}, err
	}
	return Viewport{X: x, Y: y, Zoom: zoom, Bounds: bounds}, nil
}

func checkZoom(zoom float64) error {
	if zoom <= 0 || math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return ErrInvalidZoom
	}
	return nil
}

// ToModelSpace converts a screen-space position to model space.
func (v Viewport) ToModelSpace(screenX, screenY float64) Point {
	return Point{
		X: (screenX - v.Bounds.Left - v.X) / v.Zoom,
		Y: (screenY - v.Bounds.Top - v.Y) / v.Zoom,
	}
}

// ToScreenSpace converts a model-space position to screen space.
func (v Viewport) ToScreenSpace(p Point) Point {
	return Point{
		X: p.X*v.Zoom + v.X + v.Bounds.Left,
		Y: p.Y*v.Zoom + v.Y + v.Bounds.Top,
	}
}

// Pan moves the viewport by a screen-space delta.
func (v Viewport) Pan(dx, dy float64) Viewport {
	v.X += dx
	v.Y += dy
	return v
}

// ZoomAt scales the viewport by factor while keeping the model point under
// the given screen position fixed.
func (v Viewport) ZoomAt(screen Point, factor float64) (Viewport, error) {
	next := v.Zoom * factor
	if err := checkZoom(next); err != nil {
		return v, err
	}
	anchor := v.ToModelSpace(screen.X, screen.Y)
	v.Zoom = next
	v.X = screen.X - v.Bounds.Left - anchor.X*next
	v.Y = screen.Y - v.Bounds.Top - anchor.Y*next
	return v, nil
}
