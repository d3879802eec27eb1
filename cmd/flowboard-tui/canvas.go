package main

import (
	"math"
	"strings"

	"github.com/rmax-ai/flowboard/pkg/geometry"
	"github.com/rmax-ai/flowboard/pkg/graph"
)

// box is a node laid out on the terminal grid, in screen cells.
type box struct {
	id    string
	text  string
	row   int
	col   int
	width int
}

func (b box) contains(x, y int) bool {
	return y == b.row && x >= b.col && x < b.col+b.width
}

func (b box) center() (int, int) {
	return b.col + b.width/2, b.row
}

// nodeText is the label of n wrapped in brackets that hint at its kind.
func nodeText(n graph.Node, active bool) string {
	label := n.Data.Label
	if label == "" {
		label = n.ID
	}
	open, close := "[", "]"
	switch n.Type {
	case graph.NodeInput:
		open, close = "(", ")"
	case graph.NodeOutput:
		open, close = "<", ">"
	}
	if active {
		open, close = "{", "}"
	}
	return open + label + close
}

// layout places every node so that its origin sits on its screen position.
func layout(nodes []graph.Node, vp geometry.Viewport, active string) []box {
	boxes := make([]box, 0, len(nodes))
	for _, n := range nodes {
		text := nodeText(n, n.ID == active)
		width := len([]rune(text))
		p := vp.ToScreenSpace(n.Position)
		boxes = append(boxes, box{
			id:    n.ID,
			text:  text,
			row:   int(math.Round(p.Y)),
			col:   int(math.Round(p.X - n.Origin.X*float64(width))),
			width: width,
		})
	}
	return boxes
}

// nodeAt returns the id of the topmost node under the cell, or "".
func nodeAt(boxes []box, x, y int) string {
	for i := len(boxes) - 1; i >= 0; i-- {
		if boxes[i].contains(x, y) {
			return boxes[i].id
		}
	}
	return ""
}

// renderCanvas draws edges then nodes into a width x height grid whose top
// left cell is screen (left, top).
func renderCanvas(boxes []box, edges []graph.Edge, left, top, width, height int) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	grid := make([][]rune, height)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", width))
	}
	set := func(x, y int, r rune) {
		x, y = x-left, y-top
		if y >= 0 && y < height && x >= 0 && x < width {
			grid[y][x] = r
		}
	}

	byID := make(map[string]box, len(boxes))
	for _, b := range boxes {
		byID[b.id] = b
	}
	for _, e := range edges {
		src, ok1 := byID[e.Source]
		dst, ok2 := byID[e.Target]
		if !ok1 || !ok2 {
			continue
		}
		x0, y0 := src.center()
		x1, y1 := dst.center()
		line(x0, y0, x1, y1, func(x, y int) { set(x, y, '·') })
		set(x1, y1, '•')
	}

	for _, b := range boxes {
		for i, r := range []rune(b.text) {
			set(b.col+i, b.row, r)
		}
	}

	lines := make([]string, height)
	for i, row := range grid {
		lines[i] = string(row)
	}
	return strings.Join(lines, "\n")
}

// line walks the cells between two points with Bresenham's algorithm.
func line(x0, y0, x1, y1 int, plot func(x, y int)) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		plot(x0, y0)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
