package othello

import (
	"sort"
	"testing"
)

func TestInitialPositionHasFourLegalMoves(t *testing.T) {
	g := Game{}
	s := Initial()
	moves := g.LegalActions(s)
	sort.Ints(moves)
	// Scenario 4: the four classic opening moves for the first player.
	want := []int{2*Size + 3, 3*Size + 2, 4*Size + 5, 5*Size + 4}
	sort.Ints(want)
	if len(moves) != len(want) {
		t.Fatalf("initial legal moves = %v, want %v", moves, want)
	}
	for i := range want {
		if moves[i] != want[i] {
			t.Fatalf("initial legal moves = %v, want %v", moves, want)
		}
	}
}

func TestApplyFlipsCapturedDiscs(t *testing.T) {
	g := Game{}
	s := Initial()
	// Seat 0 plays d3 (row2,col3), capturing d4.
	action := 2*Size + 3
	next, outcome := g.Apply(s, action)
	if outcome.Terminal {
		t.Fatalf("single opening move should not end the game")
	}
	if next.Board[action] != 1 {
		t.Fatalf("placed disc not seat 0's mark")
	}
	if next.Board[3*Size+3] != 1 {
		t.Fatalf("expected d4 to be flipped to seat 0, got %d", next.Board[3*Size+3])
	}
}

func TestPassWhenNoLegalMoves(t *testing.T) {
	g := Game{}
	var s State
	// Construct a position where seat 0 has no legal move: a single seat-1
	// disc with no seat-0 disc anywhere (seat 1 has none either), seat 0 to
	// move.
	s.Board[0] = 2
	s.ToMove = 0
	actions := g.LegalActions(s)
	if len(actions) != 1 || actions[0] != PassAction {
		t.Fatalf("expected forced pass, got %v", actions)
	}
	next, outcome := g.Apply(s, PassAction)
	if outcome.Terminal {
		t.Fatalf("single pass with the other side still having the disc should not end the game")
	}
	if next.ToMove != 1 {
		t.Fatalf("pass should hand the turn to seat 1, got seat %d", next.ToMove)
	}
}

func TestDoublePassEndsGame(t *testing.T) {
	g := Game{}
	var s State
	s.Board[0] = 1
	s.PassStreak = 1
	s.ToMove = 1
	_, outcome := g.Apply(s, PassAction)
	if !outcome.Terminal {
		t.Fatalf("second consecutive pass should end the game")
	}
	if outcome.Value[0] != 1 {
		t.Fatalf("seat 0 holds the only disc, expected it to win: %v", outcome.Value)
	}
}

func TestSymmetryIndicesAreInvolutions(t *testing.T) {
	g := Game{}
	s := Initial()
	s, _ = g.Apply(s, 2*Size+3)
	for _, sym := range g.SymmetryIndices(s) {
		once := g.ApplyStateSymmetry(s, sym)
		twice := g.ApplyStateSymmetry(once, sym)
		if twice.Board != s.Board {
			t.Fatalf("symmetry %d is not self-inverse", sym)
		}
	}
}

func TestKeyMatchesForIdenticalStates(t *testing.T) {
	g := Game{}
	a := Initial()
	a, _ = g.Apply(a, 2*Size+3)
	b := Initial()
	b, _ = g.Apply(b, 2*Size+3)
	if g.Key(a) != g.Key(b) {
		t.Fatalf("identical states hashed differently")
	}
}

func TestTensorizeShapeMatchesInputShape(t *testing.T) {
	g := Game{}
	s := Initial()
	shape := g.InputShape()
	want := 1
	for _, d := range shape {
		want *= d
	}
	if got := len(g.Tensorize(s, s)); got != want {
		t.Fatalf("tensorize length = %d, want %d (shape %v)", got, want, shape)
	}
}
