package ai

import "github.com/park285/reversi-bot/internal/reversi"

const (
	cornerWeight     = 1000
	nearCornerWeight = 10
)

// perspectiveSign folds the settai and llotheo inversions into one
// multiplier. Both flips are independent, so settai on a llotheo board
// cancels out.
func perspectiveSign(settai, llotheo bool) int {
	sign := 1
	if llotheo {
		sign = -sign
	}
	if settai {
		sign = -sign
	}
	return sign
}

// StaticEvaluate scores a non-terminal position for perspective without
// lookahead: mobility, plus held corners, minus held near-corners.
func StaticEvaluate(b *reversi.Board, perspective reversi.Color, cs reversi.CornerSets, settai, llotheo bool) int {
	score := len(b.LegalMoves(perspective))

	for _, pos := range cs.Corners {
		if c, ok := b.Stone(pos); ok {
			if c == perspective {
				score += cornerWeight
			} else {
				score -= cornerWeight
			}
		}
	}
	for _, pos := range cs.NearCorners {
		if c, ok := b.Stone(pos); ok {
			if c == perspective {
				score -= nearCornerWeight
			} else {
				score += nearCornerWeight
			}
		}
	}

	return score * perspectiveSign(settai, llotheo)
}
