// Package othello is a reference mctscore.Game implementation: 8x8
// Othello/Reversi, including the pass-move handling neither tictactoe nor
// connect4 need, used by spec §8's end-to-end scenario 4 (initial-position
// four-opening-move mask).
package othello

import (
	"fmt"
	"io"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/games/zobrist"
)

const (
	Size       = 8
	numCells   = Size * Size
	PassAction = numCells // 64: "no legal placement, turn passes"

	numPlayers         = 2
	numActions         = numCells + 1
	maxBranchingFactor = numActions
)

// State is the 64-cell board (0 empty, 1 seat 0, 2 seat 1) plus whose turn
// it is. PassStreak counts consecutive passes; IsTerminal treats a streak of
// two as the end of the game and otherwise scans both seats for a legal move.
type State struct {
	Board      [numCells]int8
	ToMove     mctscore.Seat
	PassStreak int8
}

func Initial() State {
	var s State
	mid := Size / 2
	s.Board[(mid-1)*Size+(mid-1)] = 2
	s.Board[(mid-1)*Size+mid] = 1
	s.Board[mid*Size+(mid-1)] = 1
	s.Board[mid*Size+mid] = 2
	return s
}

var table = zobrist.New(numCells, 2)

var dirs = [8][2]int{
	{-1, -1}, {-1, 0}, {-1, 1},
	{0, -1}, {0, 1},
	{1, -1}, {1, 0}, {1, 1},
}

type Game struct{}

func (Game) NumPlayers() int         { return numPlayers }
func (Game) NumActions() int         { return numActions }
func (Game) MaxBranchingFactor() int { return maxBranchingFactor }

func (Game) CurrentPlayer(s State) mctscore.Seat { return s.ToMove }

// flipsFrom returns the cells that placing `mark` at (r,c) in direction
// (dr,dc) would flip, or nil if that direction captures nothing.
func flipsFrom(board [numCells]int8, r, c, dr, dc int, mark, opp int8) []int {
	var line []int
	rr, cc := r+dr, c+dc
	for rr >= 0 && rr < Size && cc >= 0 && cc < Size && board[rr*Size+cc] == opp {
		line = append(line, rr*Size+cc)
		rr += dr
		cc += dc
	}
	if len(line) == 0 || rr < 0 || rr >= Size || cc < 0 || cc >= Size || board[rr*Size+cc] != mark {
		return nil
	}
	return line
}

func allFlips(board [numCells]int8, r, c int, mark, opp int8) []int {
	var all []int
	for _, d := range dirs {
		all = append(all, flipsFrom(board, r, c, d[0], d[1], mark, opp)...)
	}
	return all
}

func legalMoves(board [numCells]int8, seat mctscore.Seat) []int {
	mark := int8(seat) + 1
	opp := int8(2) - int8(seat)
	var moves []int
	for cell := 0; cell < numCells; cell++ {
		if board[cell] != 0 {
			continue
		}
		r, c := cell/Size, cell%Size
		if len(allFlips(board, r, c, mark, opp)) > 0 {
			moves = append(moves, cell)
		}
	}
	return moves
}

func (Game) LegalActions(s State) []int {
	moves := legalMoves(s.Board, s.ToMove)
	if len(moves) == 0 {
		return []int{PassAction}
	}
	return moves
}

func (Game) IsTerminal(s State) bool {
	if s.PassStreak >= 2 {
		return true
	}
	return len(legalMoves(s.Board, 0)) == 0 && len(legalMoves(s.Board, 1)) == 0
}

func scoreOutcome(board [numCells]int8) mctscore.Outcome {
	var count [2]int
	for _, v := range board {
		if v != 0 {
			count[v-1]++
		}
	}
	v := make(mctscore.ValueArray, numPlayers)
	switch {
	case count[0] > count[1]:
		v[0] = 1
	case count[1] > count[0]:
		v[1] = 1
	default:
		v[0], v[1] = 0.5, 0.5
	}
	return mctscore.Outcome{Terminal: true, Value: v}
}

func (Game) Apply(s State, action int) (State, mctscore.Outcome) {
	next := s
	if action == PassAction {
		next.ToMove = 1 - s.ToMove
		next.PassStreak = s.PassStreak + 1
		if next.PassStreak >= 2 {
			return next, scoreOutcome(next.Board)
		}
		return next, mctscore.Outcome{}
	}

	mark := int8(s.ToMove) + 1
	opp := int8(2) - int8(s.ToMove)
	r, c := action/Size, action%Size
	flips := allFlips(s.Board, r, c, mark, opp)
	next.Board[action] = mark
	for _, cell := range flips {
		next.Board[cell] = mark
	}
	next.ToMove = 1 - s.ToMove
	next.PassStreak = 0

	if len(legalMoves(next.Board, 0)) == 0 && len(legalMoves(next.Board, 1)) == 0 {
		return next, scoreOutcome(next.Board)
	}
	return next, mctscore.Outcome{}
}

func (Game) SymmetryIndices(State) []int { return []int{0, 1, 2, 3, 4, 5} }

// transformRC maps (r,c) under one of the square board's 6 involutive
// symmetries (identity, 180 rotation, 2 axis mirrors, 2 diagonal mirrors) —
// the same subgroup tictactoe uses, just over an 8x8 board instead of 3x3,
// since 90/270 rotations aren't self-inverse.
func transformRC(sym, r, c int) (int, int) {
	switch sym {
	case 0:
		return r, c
	case 1:
		return Size - 1 - r, Size - 1 - c
	case 2:
		return r, Size - 1 - c
	case 3:
		return Size - 1 - r, c
	case 4:
		return c, r
	default: // 5
		return Size - 1 - c, Size - 1 - r
	}
}

func (Game) ApplyStateSymmetry(s State, sym int) State {
	if sym == 0 {
		return s
	}
	var next State
	next.ToMove = s.ToMove
	next.PassStreak = s.PassStreak
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			nr, nc := transformRC(sym, r, c)
			next.Board[nr*Size+nc] = s.Board[r*Size+c]
		}
	}
	return next
}

func (Game) ApplyActionSymmetry(action int, sym int) int {
	if sym == 0 || action == PassAction {
		return action
	}
	r, c := action/Size, action%Size
	nr, nc := transformRC(sym, r, c)
	return nr*Size + nc
}

func (Game) ApplyPolicySymmetry(policy []float32, sym int) []float32 {
	if sym == 0 {
		return policy
	}
	out := make([]float32, len(policy))
	for i, p := range policy {
		if i == PassAction {
			out[i] = p
			continue
		}
		if i < numCells {
			r, c := i/Size, i%Size
			nr, nc := transformRC(sym, r, c)
			out[nr*Size+nc] = p
		}
	}
	return out
}

func (g Game) CanonicalSymmetry(s State) int {
	best := 0
	var bestBoard [numCells]int8
	for i, sym := range g.SymmetryIndices(s) {
		t := g.ApplyStateSymmetry(s, sym)
		if i == 0 || lessBoard(t.Board, bestBoard) {
			best = sym
			bestBoard = t.Board
		}
	}
	return best
}

func lessBoard(a, b [numCells]int8) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Tensorize encodes two Size*Size planes, one per seat's discs, in
// absolute seat order.
func (Game) Tensorize(_ State, cur State) []float32 {
	out := make([]float32, 2*numCells)
	for i, v := range cur.Board {
		if v == 1 {
			out[i] = 1
		} else if v == 2 {
			out[numCells+i] = 1
		}
	}
	return out
}

func (Game) InputShape() []int { return []int{2, Size, Size} }

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
	canon := make([]byte, numCells+2)
	for i, v := range s.Board {
		canon[i] = byte(v)
	}
	canon[numCells] = byte(s.ToMove)
	canon[numCells+1] = byte(s.PassStreak)
	return mctscore.Key{Hash: hash, Canon: string(canon)}
}

func (Game) ActionString(action int) string {
	if action == PassAction {
		return "pass"
	}
	return fmt.Sprintf("%c%d", 'a'+action%Size, action/Size+1)
}

func (Game) PrintState(w io.Writer, s State) {
	marks := [3]byte{'.', 'X', 'O'}
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			fmt.Fprintf(w, "%c ", marks[s.Board[r*Size+c]])
		}
		fmt.Fprintln(w)
	}
}
