package reversi

// CornerSets holds the topology-derived positions the evaluator weights.
type CornerSets struct {
	Corners     []int
	NearCorners []int
}

// axes pairs opposite neighbours: diagonal, vertical, anti-diagonal, horizontal.
var axes = [4][2][2]int{
	{{-1, -1}, {1, 1}},
	{{0, -1}, {0, 1}},
	{{1, -1}, {-1, 1}},
	{{-1, 0}, {1, 0}},
}

// AnalyzeCorners finds corners (playable cells with no axis open on both
// sides) and near-corners (other playable cells touching a corner).
// Adjacency never wraps, even on a wraparound board.
func AnalyzeCorners(b *Board) CornerSets {
	var cs CornerSets
	corner := make([]bool, b.Size())
	for pos := 0; pos < b.Size(); pos++ {
		if b.Kind(pos) != Playable {
			continue
		}
		x, y := b.PosToXY(pos)
		open := false
		for _, ax := range axes {
			a, c := ax[0], ax[1]
			if b.KindAt(x+a[0], y+a[1]) == Playable && b.KindAt(x+c[0], y+c[1]) == Playable {
				open = true
				break
			}
		}
		if !open {
			corner[pos] = true
			cs.Corners = append(cs.Corners, pos)
		}
	}

	for pos := 0; pos < b.Size(); pos++ {
		if b.Kind(pos) != Playable || corner[pos] {
			continue
		}
		x, y := b.PosToXY(pos)
		for _, d := range directions {
			nx, ny := x+d[0], y+d[1]
			if nx < 0 || ny < 0 || nx >= b.Width() || ny >= b.Height() {
				continue
			}
			if corner[b.XYToPos(nx, ny)] {
				cs.NearCorners = append(cs.NearCorners, pos)
				break
			}
		}
	}
	return cs
}
