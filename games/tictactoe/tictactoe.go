// Package tictactoe is a reference mctscore.Game implementation: 3x3,
// two players, nine actions, the smallest of the three example games and
// the one spec §8's end-to-end scenario 1 is checked against.
package tictactoe

import (
	"fmt"
	"io"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/games/zobrist"
)

// State is a 3x3 board: 0 = empty, 1 = seat 0's mark, 2 = seat 1's mark.
// Kept as a small value type so cloning it (as every expanded edge does)
// is a cheap array copy.
type State struct {
	Board  [9]int8
	ToMove mctscore.Seat
	Moves  int8
}

// Initial returns the empty starting position.
func Initial() State { return State{} }

const (
	numPlayers          = 2
	numActions          = 9
	maxBranchingFactor  = 9
)

var table = zobrist.New(9, 2)

// symPerms[s][i] is the cell that board index i maps to under symmetry s.
// Only involutions are listed (identity, 180-rotation, two axis mirrors,
// two diagonal mirrors) so that a single symmetry index is its own inverse,
// which is what EvaluatorService relies on when undoing a random-augmentation
// rotation before caching (spec §4.3/§4.6).
var symPerms = [6][9]int{
	{0, 1, 2, 3, 4, 5, 6, 7, 8},       // identity
	{8, 7, 6, 5, 4, 3, 2, 1, 0},       // 180 rotation
	{2, 1, 0, 5, 4, 3, 8, 7, 6},       // flip horizontal (mirror columns)
	{6, 7, 8, 3, 4, 5, 0, 1, 2},       // flip vertical (mirror rows)
	{0, 3, 6, 1, 4, 7, 2, 5, 8},       // transpose (main diagonal)
	{8, 5, 2, 7, 4, 1, 6, 3, 0},       // anti-diagonal
}

// Game implements mctscore.Game[State].
type Game struct{}

func (Game) NumPlayers() int         { return numPlayers }
func (Game) NumActions() int         { return numActions }
func (Game) MaxBranchingFactor() int { return maxBranchingFactor }

func (Game) LegalActions(s State) []int {
	out := make([]int, 0, 9)
	for i, v := range s.Board {
		if v == 0 {
			out = append(out, i)
		}
	}
	return out
}

func (Game) CurrentPlayer(s State) mctscore.Seat { return s.ToMove }

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

func hasWin(board [9]int8, mark int8) bool {
	for _, line := range winLines {
		if board[line[0]] == mark && board[line[1]] == mark && board[line[2]] == mark {
			return true
		}
	}
	return false
}

func (Game) Apply(s State, action int) (State, mctscore.Outcome) {
	next := s
	next.Board[action] = int8(s.ToMove) + 1
	next.Moves++
	mover := s.ToMove
	next.ToMove = 1 - s.ToMove

	if hasWin(next.Board, int8(mover)+1) {
		v := make(mctscore.ValueArray, numPlayers)
		v[mover] = 1
		return next, mctscore.Outcome{Terminal: true, Value: v}
	}
	if next.Moves == 9 {
		v := mctscore.ValueArray{0.5, 0.5}
		return next, mctscore.Outcome{Terminal: true, Value: v}
	}
	return next, mctscore.Outcome{}
}

func (Game) IsTerminal(s State) bool {
	return hasWin(s.Board, 1) || hasWin(s.Board, 2) || s.Moves == 9
}

func (Game) SymmetryIndices(State) []int { return []int{0, 1, 2, 3, 4, 5} }

func (Game) ApplyStateSymmetry(s State, sym int) State {
	perm := symPerms[sym]
	var next State
	next.ToMove = s.ToMove
	next.Moves = s.Moves
	for i, v := range s.Board {
		next.Board[perm[i]] = v
	}
	return next
}

func (Game) ApplyActionSymmetry(action int, sym int) int { return symPerms[sym][action] }

func (Game) ApplyPolicySymmetry(policy []float32, sym int) []float32 {
	perm := symPerms[sym]
	out := make([]float32, len(policy))
	for i, p := range policy {
		if i < len(perm) {
			out[perm[i]] = p
		}
	}
	return out
}

func (g Game) CanonicalSymmetry(s State) int {
	best := 0
	var bestBoard [9]int8
	for i, sym := range g.SymmetryIndices(s) {
		t := g.ApplyStateSymmetry(s, sym)
		if i == 0 || lessBoard(t.Board, bestBoard) {
			best = sym
			bestBoard = t.Board
		}
	}
	return best
}

func lessBoard(a, b [9]int8) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Tensorize encodes the board as two 3x3 planes, one per seat's marks,
// in absolute seat order (start is unused: tic-tac-toe's encoding is not
// history-dependent).
func (Game) Tensorize(_ State, cur State) []float32 {
	out := make([]float32, 2*9)
	for i, v := range cur.Board {
		if v == 1 {
			out[i] = 1
		} else if v == 2 {
			out[9+i] = 1
		}
	}
	return out
}

func (Game) InputShape() []int { return []int{2, 3, 3} }

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
	canon := make([]byte, 10)
	for i, v := range s.Board {
		canon[i] = byte(v)
	}
	canon[9] = byte(s.ToMove)
	return mctscore.Key{Hash: hash, Canon: string(canon)}
}

func (Game) ActionString(action int) string {
	return fmt.Sprintf("(%d,%d)", action/3, action%3)
}

func (Game) PrintState(w io.Writer, s State) {
	marks := [3]byte{'.', 'X', 'O'}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			fmt.Fprintf(w, "%c ", marks[s.Board[r*3+c]])
		}
		fmt.Fprintln(w)
	}
}
