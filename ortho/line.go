package ortho

// point is one cell of a rasterised segment.
type point struct {
	x, y int
}

// linePoints traces the 8-connected Bresenham segment from (x0, y0) to
// (x1, y1) inclusive, writing the ordered cells into out. The caller sizes
// out for the worst case, max(|dx|, |dy|)+1 cells. Returns the cell count.
func linePoints(x0, y0, x1, y1 int, out []point) int {
	dx := x1 - x0
	dy := y1 - y0

	absDX := dx
	if absDX < 0 {
		absDX = -absDX
	}
	absDY := dy
	if absDY < 0 {
		absDY = -absDY
	}

	sx := 1
	if dx <= 0 {
		sx = -1
	}
	sy := 1
	if dy <= 0 {
		sy = -1
	}

	err := absDX - absDY
	n := 0

	for {
		out[n] = point{x0, y0}
		if x0 == x1 && y0 == y1 {
			break
		}

		e2 := 2 * err
		if e2 > -absDY {
			err -= absDY
			x0 += sx
		}
		if e2 < absDX {
			err += absDX
			y0 += sy
		}
		n++
	}
	return n + 1
}
