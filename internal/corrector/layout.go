package corrector

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// LayoutSpec describes the render frame geometry used for overlap and
// overflow analysis.
type LayoutSpec struct {
	FrameWidth  float64
	FrameHeight float64
	MarginX     float64
	MarginY     float64
	MinDistance float64
	MaxPasses   int
	// HalfExtent is the assumed half-size of an element whose true bounds
	// are unknown at this stage.
	HalfExtent float64
}

// DefaultLayoutSpec matches the renderer's frame of 14.22 x 8.0 units.
func DefaultLayoutSpec() LayoutSpec {
	return LayoutSpec{
		FrameWidth:  14.22,
		FrameHeight: 8.0,
		MarginX:     1.0,
		MarginY:     0.8,
		MinDistance: 1.5,
		MaxPasses:   5,
		HalfExtent:  0.75,
	}
}

// placement is one inferred element position in the scene code.
type placement struct {
	name string
	x, y float64
	// byte offsets of the two coordinate literals
	xs, xe, ys, ye int
}

var rePlacement = regexp.MustCompile(`(\w+)\.move_to\(\[\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)`)

func parsePlacements(code string) []placement {
	matches := rePlacement.FindAllStringSubmatchIndex(code, -1)
	places := make([]placement, 0, len(matches))
	for _, m := range matches {
		x, errX := strconv.ParseFloat(code[m[4]:m[5]], 64)
		y, errY := strconv.ParseFloat(code[m[6]:m[7]], 64)
		if errX != nil || errY != nil {
			continue
		}
		places = append(places, placement{
			name: code[m[2]:m[3]],
			x:    x, y: y,
			xs: m[4], xe: m[5],
			ys: m[6], ye: m[7],
		})
	}
	return places
}

// layoutPass analyzes one snapshot of the scene and returns the adjusted
// code plus the number of conflicts found in the input.
func (c *Corrector) layoutPass(code string) (string, int) {
	spec := c.layout
	places := parsePlacements(code)
	if len(places) == 0 {
		return code, 0
	}

	maxX := spec.FrameWidth/2 - spec.MarginX
	maxY := spec.FrameHeight/2 - spec.MarginY

	conflicts := 0
	adjusted := make([]bool, len(places))

	// Frame overflow: clamp into the safe rectangle.
	for i := range places {
		nx := clamp(places[i].x, -maxX, maxX)
		ny := clamp(places[i].y, -maxY, maxY)
		if nx != places[i].x || ny != places[i].y {
			conflicts++
			places[i].x, places[i].y = nx, ny
			adjusted[i] = true
		}
	}

	// Pairwise overlap: the later element yields, pushed along the axis
	// that already separates the pair most.
	for i := 0; i < len(places); i++ {
		for j := i + 1; j < len(places); j++ {
			dx := places[j].x - places[i].x
			dy := places[j].y - places[i].y
			dist := math.Hypot(dx, dy)
			if dist >= spec.MinDistance {
				continue
			}
			conflicts++

			if math.Abs(dx) >= math.Abs(dy) {
				places[j].x = places[i].x + spec.MinDistance*sign(dx)
			} else {
				places[j].y = places[i].y + spec.MinDistance*sign(dy)
			}
			places[j].x = clamp(places[j].x, -maxX, maxX)
			places[j].y = clamp(places[j].y, -maxY, maxY)
			adjusted[j] = true
		}
	}

	if conflicts == 0 {
		return code, 0
	}

	// Rewrite adjusted coordinate literals back to front so earlier offsets
	// stay valid. Untouched literals keep their original text.
	out := code
	for i := len(places) - 1; i >= 0; i-- {
		if !adjusted[i] {
			continue
		}
		p := places[i]
		out = out[:p.ys] + fmt.Sprintf("%.2f", p.y) + out[p.ye:]
		out = out[:p.xs] + fmt.Sprintf("%.2f", p.x) + out[p.xe:]
	}
	return out, conflicts
}

// fixLayout iterates layoutPass until conflict-free, the pass bound is hit,
// or a pass stops improving on the best conflict count seen.
func (c *Corrector) fixLayout(code string) (string, int, bool) {
	best := math.MaxInt32
	cur := code
	for pass := 1; pass <= c.layout.MaxPasses; pass++ {
		next, conflicts := c.layoutPass(cur)
		if conflicts == 0 {
			return cur, pass, false
		}
		if conflicts >= best {
			return code, pass, true
		}
		best = conflicts
		cur = next
	}
	return code, c.layout.MaxPasses, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
