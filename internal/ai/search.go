package ai

import (
	"errors"
	"fmt"
	"math"

	"github.com/park285/reversi-bot/internal/reversi"
)

const (
	settaiDepth = 5
	winBase     = 10000
	stoneWeight = 100

	// Once this few plies remain, strong searches read to the end.
	endgameWindow   = 12
	endgameStrength = 4

	inf = math.MaxInt32
)

var (
	ErrNotBotTurn  = errors.New("ai: not the bot's turn")
	ErrNoLegalMove = errors.New("ai: no legal move")
	ErrBadStrength = errors.New("ai: strength must be 0 or 2..5")
)

// Params configures one move selection.
type Params struct {
	Bot      reversi.Color
	Strength int // 0 selects settai
	Llotheo  bool
	Corners  reversi.CornerSets

	MaxTurn     int
	CurrentTurn int
}

func (p Params) Settai() bool { return p.Strength == 0 }

func (p Params) maxDepth() int {
	if p.Settai() {
		return settaiDepth
	}
	return p.Strength
}

// Result is the selected move with its minimax score.
type Result struct {
	Pos   int
	Score int
	Nodes int
}

// ValidStrength reports whether s is a configurable strength.
func ValidStrength(s int) bool {
	return s == 0 || (s >= 2 && s <= 5)
}

// ChooseMove runs alpha-beta from the current position, where it must be
// the bot's turn. The board is mutated during the search and restored
// before return; nothing else may touch it meanwhile.
func ChooseMove(b *reversi.Board, p Params) (Result, error) {
	return newSearcher(b, p, true).run()
}

type searcher struct {
	b         *reversi.Board
	p         Params
	prune     bool
	maxDepth  int
	rootMoves int
	nodes     int
}

func newSearcher(b *reversi.Board, p Params, prune bool) *searcher {
	return &searcher{b: b, p: p, prune: prune, maxDepth: p.maxDepth(), rootMoves: b.MoveCount()}
}

func (s *searcher) run() (Result, error) {
	if !ValidStrength(s.p.Strength) {
		return Result{}, fmt.Errorf("%w: %d", ErrBadStrength, s.p.Strength)
	}
	if turn, ok := s.b.Turn(); !ok || turn != s.p.Bot {
		return Result{}, ErrNotBotTurn
	}
	moves := s.b.LegalMoves(s.p.Bot)
	if len(moves) == 0 {
		return Result{}, ErrNoLegalMove
	}

	best := Result{Pos: moves[0], Score: -inf - 1}
	for _, pos := range moves {
		score := s.dive(pos, -inf, inf, 0, false)
		if score > best.Score {
			best.Pos, best.Score = pos, score
		}
	}
	best.Nodes = s.nodes
	return best, nil
}

// dive plays pos, scores the resulting subtree, and takes the move back.
func (s *searcher) dive(pos, alpha, beta, depth int, unbounded bool) int {
	s.put(pos)
	defer s.undo()
	s.nodes++

	turn, ok := s.b.Turn()
	if !ok {
		return s.terminalScore()
	}
	if !unbounded && depth == s.maxDepth {
		return StaticEvaluate(s.b, s.p.Bot, s.p.Corners, s.p.Settai(), s.p.Llotheo)
	}

	// The endgame check uses the live ply count, so the extension can kick
	// in partway down a branch.
	nextUnbounded := unbounded || (s.p.Strength >= endgameStrength && s.p.MaxTurn-s.livePly() <= endgameWindow)
	botTurn := turn == s.p.Bot

	value := inf
	if botTurn {
		value = -inf
	}
	for _, next := range s.b.LegalMoves(turn) {
		if botTurn {
			value = max(value, s.dive(next, alpha, beta, depth+1, nextUnbounded))
			if s.prune {
				alpha = max(alpha, value)
				if value >= beta {
					break
				}
			}
		} else {
			value = min(value, s.dive(next, alpha, beta, depth+1, nextUnbounded))
			if s.prune {
				beta = min(beta, value)
				if value <= alpha {
					break
				}
			}
		}
	}
	return value
}

func (s *searcher) livePly() int {
	return s.p.CurrentTurn + s.b.MoveCount() - s.rootMoves
}

// terminalScore rewards wins by a margin driven by the winner's stone
// count: more stones under standard scoring, fewer under llotheo.
func (s *searcher) terminalScore() int {
	winner, decided := s.b.Winner()
	counted := s.p.Bot
	if decided {
		counted = winner
	}
	stones := s.b.Count(counted) * stoneWeight

	magnitude := winBase + stones
	if s.p.Llotheo {
		magnitude = winBase - stones
	}

	if !(decided && winner == s.p.Bot) {
		magnitude = -magnitude
	}
	// Llotheo is already folded into Winner, only settai flips here.
	return magnitude * perspectiveSign(s.p.Settai(), false)
}

func (s *searcher) put(pos int) {
	if err := s.b.PutStone(pos); err != nil {
		panic(fmt.Sprintf("ai: search applied an illegal move: %v", err))
	}
}

func (s *searcher) undo() {
	if err := s.b.Undo(); err != nil {
		panic(fmt.Sprintf("ai: search undo failed: %v", err))
	}
}
