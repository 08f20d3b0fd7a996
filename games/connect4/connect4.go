// Package connect4 is a reference mctscore.Game implementation: the
// classic 7-wide, 6-tall gravity-drop board, used by spec §8's end-to-end
// scenarios 2, 3, and 6.
package connect4

import (
	"fmt"
	"io"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/games/zobrist"
)

const (
	Width  = 7
	Height = 6

	numPlayers         = 2
	numActions         = Width
	maxBranchingFactor = Width
)

// State is Width*Height cells in row-major order, row 0 = bottom row, plus
// the next free row per column so Apply doesn't need to rescan a column.
type State struct {
	Board   [Width * Height]int8
	Heights [Width]int8
	ToMove  mctscore.Seat
	Moves   int8
}

func Initial() State { return State{} }

var table = zobrist.New(Width*Height, 2)

// The only rules-preserving symmetry of a gravity board is a left-right
// mirror; rotations and diagonal flips would violate "pieces fall down".
type Game struct{}

func (Game) NumPlayers() int         { return numPlayers }
func (Game) NumActions() int         { return numActions }
func (Game) MaxBranchingFactor() int { return maxBranchingFactor }

func (Game) LegalActions(s State) []int {
	out := make([]int, 0, Width)
	for c := 0; c < Width; c++ {
		if s.Heights[c] < Height {
			out = append(out, c)
		}
	}
	return out
}

func (Game) CurrentPlayer(s State) mctscore.Seat { return s.ToMove }

func idx(row, col int) int { return row*Width + col }

func hasWinAt(board [Width * Height]int8, row, col int, mark int8) bool {
	dirs := [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}
	for _, d := range dirs {
		count := 1
		for i := 1; i < 4; i++ {
			r, c := row+d[0]*i, col+d[1]*i
			if r < 0 || r >= Height || c < 0 || c >= Width || board[idx(r, c)] != mark {
				break
			}
			count++
		}
		for i := 1; i < 4; i++ {
			r, c := row-d[0]*i, col-d[1]*i
			if r < 0 || r >= Height || c < 0 || c >= Width || board[idx(r, c)] != mark {
				break
			}
			count++
		}
		if count >= 4 {
			return true
		}
	}
	return false
}

func (Game) Apply(s State, action int) (State, mctscore.Outcome) {
	next := s
	row := int(s.Heights[action])
	next.Board[idx(row, action)] = int8(s.ToMove) + 1
	next.Heights[action]++
	next.Moves++
	mover := s.ToMove
	next.ToMove = 1 - s.ToMove

	if hasWinAt(next.Board, row, action, int8(mover)+1) {
		v := make(mctscore.ValueArray, numPlayers)
		v[mover] = 1
		return next, mctscore.Outcome{Terminal: true, Value: v}
	}
	if int(next.Moves) == Width*Height {
		return next, mctscore.Outcome{Terminal: true, Value: mctscore.ValueArray{0.5, 0.5}}
	}
	return next, mctscore.Outcome{}
}

func (Game) IsTerminal(s State) bool {
	if int(s.Moves) == Width*Height {
		return true
	}
	for c := 0; c < Width; c++ {
		h := int(s.Heights[c])
		if h == 0 {
			continue
		}
		row := h - 1
		mark := s.Board[idx(row, c)]
		if mark != 0 && hasWinAt(s.Board, row, c, mark) {
			return true
		}
	}
	return false
}

func (Game) SymmetryIndices(State) []int { return []int{0, 1} }

func mirrorCol(c int) int { return Width - 1 - c }

func (Game) ApplyStateSymmetry(s State, sym int) State {
	if sym == 0 {
		return s
	}
	var next State
	next.ToMove = s.ToMove
	next.Moves = s.Moves
	for c := 0; c < Width; c++ {
		next.Heights[mirrorCol(c)] = s.Heights[c]
	}
	for r := 0; r < Height; r++ {
		for c := 0; c < Width; c++ {
			next.Board[idx(r, mirrorCol(c))] = s.Board[idx(r, c)]
		}
	}
	return next
}

func (Game) ApplyActionSymmetry(action int, sym int) int {
	if sym == 0 {
		return action
	}
	return mirrorCol(action)
}

func (Game) ApplyPolicySymmetry(policy []float32, sym int) []float32 {
	if sym == 0 {
		return policy
	}
	out := make([]float32, len(policy))
	for i, p := range policy {
		if i < Width {
			out[mirrorCol(i)] = p
		}
	}
	return out
}

func (g Game) CanonicalSymmetry(s State) int {
	mirrored := g.ApplyStateSymmetry(s, 1)
	if lessBoard(mirrored.Board, s.Board) {
		return 1
	}
	return 0
}

func lessBoard(a, b [Width * Height]int8) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Tensorize encodes two Height*Width planes, one per seat's pieces, in
// absolute seat order.
func (Game) Tensorize(_ State, cur State) []float32 {
	n := Width * Height
	out := make([]float32, 2*n)
	for i, v := range cur.Board {
		if v == 1 {
			out[i] = 1
		} else if v == 2 {
			out[n+i] = 1
		}
	}
	return out
}

func (Game) InputShape() []int { return []int{2, Height, Width} }

func (Game) Key(s State) mctscore.Key {
	var hash uint64
	for i, v := range s.Board {
		if v != 0 {
			hash ^= table.Cell(i, int(v-1))
		}
	}
	if s.ToMove == 1 {
		hash ^= table.Side()
	}
	canon := make([]byte, Width*Height+1)
	for i, v := range s.Board {
		canon[i] = byte(v)
	}
	canon[Width*Height] = byte(s.ToMove)
	return mctscore.Key{Hash: hash, Canon: string(canon)}
}

func (Game) ActionString(action int) string { return fmt.Sprintf("col%d", action) }

func (Game) PrintState(w io.Writer, s State) {
	marks := [3]byte{'.', 'X', 'O'}
	for r := Height - 1; r >= 0; r-- {
		for c := 0; c < Width; c++ {
			fmt.Fprintf(w, "%c ", marks[s.Board[idx(r, c)]])
		}
		fmt.Fprintln(w)
	}
}
