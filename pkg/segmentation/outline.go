package segmentation

// mooreOffsets enumerates the 8-neighborhood clockwise starting from the
// pixel to the left, the order Moore-neighbor tracing walks.
var mooreOffsets = [8][2]int{
	{0, -1}, {-1, -1}, {-1, 0}, {-1, 1},
	{0, 1}, {1, 1}, {1, 0}, {1, -1},
}

// Outline traces the outer boundary of the given region with
// Moore-neighbor tracing and returns the boundary pixels in walk order as
// (row, column) pairs. A region that is absent yields nil; a single isolated
// pixel yields that pixel.
func (m *LabelMap) Outline(id uint32) [][2]int {
	start, ok := m.firstPixel(id)
	if !ok {
		return nil
	}

	contour := [][2]int{start}
	// The raster scan reaches start from the left, so backtracking begins
	// there. Tracing stops when a (pixel, backtrack) state repeats; thin
	// regions can revisit pixels from new directions before closing, so the
	// state pair rather than the pixel is what identifies the end of the
	// walk.
	back := [2]int{start[0], start[1] - 1}
	cur := start
	seen := map[[4]int]bool{{cur[0], cur[1], back[0], back[1]}: true}
	for {
		next, nextBack, found := m.nextBoundary(id, cur, back)
		if !found {
			// Isolated pixel.
			return contour
		}
		state := [4]int{next[0], next[1], nextBack[0], nextBack[1]}
		if seen[state] {
			return contour
		}
		seen[state] = true
		if next != contour[len(contour)-1] {
			contour = append(contour, next)
		}
		cur, back = next, nextBack
	}
}

// firstPixel scans row-major for the first pixel of the region, which is
// always an outer boundary pixel.
func (m *LabelMap) firstPixel(id uint32) ([2]int, bool) {
	for i := 0; i < m.Shape[0]; i++ {
		for j := 0; j < m.Shape[1]; j++ {
			if m.At(i, j) == id {
				return [2]int{i, j}, true
			}
		}
	}
	return [2]int{}, false
}

// nextBoundary walks the Moore neighborhood of cur clockwise starting just
// after the backtrack pixel and returns the first region pixel found, along
// with the non-region pixel visited immediately before it.
func (m *LabelMap) nextBoundary(id uint32, cur, back [2]int) (next, nextBack [2]int, found bool) {
	startDir := 0
	for d, off := range mooreOffsets {
		if cur[0]+off[0] == back[0] && cur[1]+off[1] == back[1] {
			startDir = d
			break
		}
	}
	prev := back
	for step := 1; step <= 8; step++ {
		d := (startDir + step) % 8
		p := [2]int{cur[0] + mooreOffsets[d][0], cur[1] + mooreOffsets[d][1]}
		if m.inBounds(p) && m.At(p[0], p[1]) == id {
			return p, prev, true
		}
		prev = p
	}
	return next, nextBack, false
}

func (m *LabelMap) inBounds(p [2]int) bool {
	return p[0] >= 0 && p[0] < m.Shape[0] && p[1] >= 0 && p[1] < m.Shape[1]
}

// BoundaryMask marks every pixel of the region that touches a differently
// labeled pixel (or the image edge) in its 4-neighborhood. It is the cheap
// alternative to tracing when draw order does not matter.
func (m *LabelMap) BoundaryMask(id uint32) []bool {
	mask := make([]bool, len(m.Labels))
	for i := 0; i < m.Shape[0]; i++ {
		for j := 0; j < m.Shape[1]; j++ {
			if m.At(i, j) != id {
				continue
			}
			if i == 0 || j == 0 || i == m.Shape[0]-1 || j == m.Shape[1]-1 ||
				m.At(i-1, j) != id || m.At(i+1, j) != id ||
				m.At(i, j-1) != id || m.At(i, j+1) != id {
				mask[i*m.Shape[1]+j] = true
			}
		}
	}
	return mask
}
