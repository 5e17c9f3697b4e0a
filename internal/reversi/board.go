package reversi

import (
	"errors"
	"fmt"
	"strings"
)

// Color identifies a side.
type Color uint8

const (
	Black Color = iota + 1
	White
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	switch c {
	case Black:
		return White
	case White:
		return Black
	default:
		panic(fmt.Sprintf("reversi: opponent of invalid color %d", c))
	}
}

func (c Color) String() string {
	switch c {
	case Black:
		return "black"
	case White:
		return "white"
	default:
		return "none"
	}
}

// CellKind is fixed per position for the lifetime of a board.
type CellKind uint8

const (
	OffBoard CellKind = iota
	Playable
)

// ScoringMode decides who wins on stone count.
type ScoringMode uint8

const (
	Standard ScoringMode = iota
	Llotheo
)

type Options struct {
	Scoring       ScoringMode
	Wraparound    bool
	FreePlacement bool
}

var (
	ErrEmptyMap      = errors.New("reversi: empty map")
	ErrRaggedMap     = errors.New("reversi: map rows differ in length")
	ErrNoTurn        = errors.New("reversi: game is over")
	ErrIllegalMove   = errors.New("reversi: illegal move")
	ErrNothingToUndo = errors.New("reversi: move log is empty")
)

// MoveRecord is one entry of the undo log.
type MoveRecord struct {
	Color   Color
	Pos     int
	Flipped []int
	// Turn before the move was applied.
	Turn Color
}

// Board is a mutable reversi position. It is not safe for concurrent use;
// a search owns it exclusively and restores it with Undo.
type Board struct {
	width, height int
	kinds         []CellKind
	stones        []Color // 0 means empty
	turn          Color   // 0 means the game is over
	log           []MoveRecord
	opts          Options
}

var directions = [8][2]int{
	{0, -1},  // up
	{1, -1},  // up-right
	{1, 0},   // right
	{1, 1},   // down-right
	{0, 1},   // down
	{-1, 1},  // down-left
	{-1, 0},  // left
	{-1, -1}, // up-left
}

// New parses a map of equal-length rows: '-' is an empty cell, 'b' and 'w'
// are seeded stones, anything else is off-board. Rows are measured in runes,
// so multi-byte off-board glyphs count as one cell.
func New(rows []string, opts Options) (*Board, error) {
	if len(rows) == 0 || rows[0] == "" {
		return nil, ErrEmptyMap
	}
	cells := make([][]rune, len(rows))
	for i, r := range rows {
		cells[i] = []rune(r)
	}
	w := len(cells[0])
	for i, r := range cells {
		if len(r) != w {
			return nil, fmt.Errorf("%w: row %d has %d cells, want %d", ErrRaggedMap, i, len(r), w)
		}
	}
	h := len(rows)
	b := &Board{
		width:  w,
		height: h,
		kinds:  make([]CellKind, w*h),
		stones: make([]Color, w*h),
		opts:   opts,
	}
	for y, row := range cells {
		for x, c := range row {
			i := x + y*w
			switch c {
			case '-':
				b.kinds[i] = Playable
			case 'b':
				b.kinds[i] = Playable
				b.stones[i] = Black
			case 'w':
				b.kinds[i] = Playable
				b.stones[i] = White
			}
		}
	}
	b.log = make([]MoveRecord, 0, b.EmptyCount())

	switch {
	case b.canPutSomewhere(Black):
		b.turn = Black
	case b.canPutSomewhere(White):
		b.turn = White
	}
	return b, nil
}

func (b *Board) Width() int       { return b.width }
func (b *Board) Height() int      { return b.height }
func (b *Board) Size() int        { return len(b.kinds) }
func (b *Board) Options() Options { return b.opts }

// Turn returns the side to move; ok is false once neither side can move.
func (b *Board) Turn() (c Color, ok bool) { return b.turn, b.turn != 0 }

func (b *Board) Ended() bool { return b.turn == 0 }

// MoveCount is the number of stones placed since the initial seed.
func (b *Board) MoveCount() int { return len(b.log) }

// LastMove returns the most recent log entry.
func (b *Board) LastMove() (MoveRecord, bool) {
	if len(b.log) == 0 {
		return MoveRecord{}, false
	}
	return b.log[len(b.log)-1], true
}

func (b *Board) Kind(pos int) CellKind {
	if pos < 0 || pos >= len(b.kinds) {
		return OffBoard
	}
	return b.kinds[pos]
}

// KindAt treats coordinates outside the rectangle as off-board.
func (b *Board) KindAt(x, y int) CellKind {
	if x < 0 || y < 0 || x >= b.width || y >= b.height {
		return OffBoard
	}
	return b.kinds[b.XYToPos(x, y)]
}

// Stone reports the stone at pos, if any.
func (b *Board) Stone(pos int) (Color, bool) {
	c := b.stones[pos]
	return c, c != 0
}

func (b *Board) PosToXY(pos int) (x, y int) { return pos % b.width, pos / b.width }
func (b *Board) XYToPos(x, y int) int       { return x + y*b.width }

func (b *Board) Count(c Color) int {
	n := 0
	for _, s := range b.stones {
		if s == c {
			n++
		}
	}
	return n
}

// EmptyCount counts playable cells without a stone.
func (b *Board) EmptyCount() int {
	n := 0
	for i, k := range b.kinds {
		if k == Playable && b.stones[i] == 0 {
			n++
		}
	}
	return n
}

// CanPut reports whether c may place a stone at pos.
func (b *Board) CanPut(c Color, pos int) bool {
	if b.Kind(pos) != Playable || b.stones[pos] != 0 {
		return false
	}
	if b.opts.FreePlacement {
		return true
	}
	return len(b.captures(c, pos)) > 0
}

// LegalMoves lists every position where c can put, in scan order.
func (b *Board) LegalMoves(c Color) []int {
	var out []int
	for pos := range b.kinds {
		if b.CanPut(c, pos) {
			out = append(out, pos)
		}
	}
	return out
}

func (b *Board) canPutSomewhere(c Color) bool {
	for pos := range b.kinds {
		if b.CanPut(c, pos) {
			return true
		}
	}
	return false
}

// PutStone places a stone for the side to move and flips every captured run.
// The board is left untouched when an error is returned.
func (b *Board) PutStone(pos int) error {
	color := b.turn
	if color == 0 {
		return ErrNoTurn
	}
	if !b.CanPut(color, pos) {
		return fmt.Errorf("%w: %s at %d", ErrIllegalMove, color, pos)
	}
	flipped := b.captures(color, pos)
	b.stones[pos] = color
	for _, p := range flipped {
		b.stones[p] = color
	}
	b.log = append(b.log, MoveRecord{Color: color, Pos: pos, Flipped: flipped, Turn: color})
	b.turn = b.nextTurn(color)
	return nil
}

func (b *Board) nextTurn(mover Color) Color {
	switch opp := mover.Opponent(); {
	case b.canPutSomewhere(opp):
		return opp
	case b.canPutSomewhere(mover):
		return mover
	default:
		return 0
	}
}

// Undo reverts the last PutStone, restoring stones and turn exactly.
func (b *Board) Undo() error {
	n := len(b.log)
	if n == 0 {
		return ErrNothingToUndo
	}
	rec := b.log[n-1]
	b.log = b.log[:n-1]
	b.stones[rec.Pos] = 0
	prev := rec.Color.Opponent()
	for _, p := range rec.Flipped {
		b.stones[p] = prev
	}
	b.turn = rec.Turn
	return nil
}

// Winner is only meaningful once the game has ended; ok is false on a tie.
func (b *Board) Winner() (c Color, ok bool) {
	black, white := b.Count(Black), b.Count(White)
	if black == white {
		return 0, false
	}
	blackAhead := black > white
	if b.opts.Scoring == Llotheo {
		blackAhead = !blackAhead
	}
	if blackAhead {
		return Black, true
	}
	return White, true
}

// captures casts a ray in each direction from pos and collects the
// opponent runs bracketed by a stone of c.
func (b *Board) captures(c Color, pos int) []int {
	var out []int
	ox, oy := b.PosToXY(pos)
	for _, d := range directions {
		out = append(out, b.captureLine(c, pos, ox, oy, d[0], d[1])...)
	}
	return out
}

func (b *Board) captureLine(c Color, origin, x, y, dx, dy int) []int {
	var found []int
	enemy := c.Opponent()
	for {
		x, y = x+dx, y+dy
		if b.opts.Wraparound {
			x = ((x % b.width) + b.width) % b.width
			y = ((y % b.height) + b.height) % b.height
			// A ray that closes the loop back onto its origin captures
			// everything it passed over.
			if b.XYToPos(x, y) == origin {
				return found
			}
		} else if x < 0 || y < 0 || x >= b.width || y >= b.height {
			return nil
		}
		p := b.XYToPos(x, y)
		if b.kinds[p] == OffBoard {
			return nil
		}
		switch b.stones[p] {
		case 0:
			return nil
		case enemy:
			found = append(found, p)
		case c:
			return found
		}
	}
}

// String renders the board in the map format with stones in place.
func (b *Board) String() string {
	var sb strings.Builder
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			p := b.XYToPos(x, y)
			switch {
			case b.kinds[p] == OffBoard:
				sb.WriteByte(' ')
			case b.stones[p] == Black:
				sb.WriteByte('b')
			case b.stones[p] == White:
				sb.WriteByte('w')
			default:
				sb.WriteByte('-')
			}
		}
		if y < b.height-1 {
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
