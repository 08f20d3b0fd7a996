package tictactoe

import (
	"strings"
	"testing"

	"github.com/brensch/mctscore"
)

func TestInitialState(t *testing.T) {
	g := Game{}
	s := Initial()
	if g.CurrentPlayer(s) != 0 {
		t.Fatalf("initial player = %d, want 0", g.CurrentPlayer(s))
	}
	if len(g.LegalActions(s)) != 9 {
		t.Fatalf("initial legal actions = %d, want 9", len(g.LegalActions(s)))
	}
	if g.IsTerminal(s) {
		t.Fatalf("initial state reported terminal")
	}
}

func TestApplyAlternatesPlayers(t *testing.T) {
	g := Game{}
	s := Initial()
	s, _ = g.Apply(s, 0)
	if g.CurrentPlayer(s) != 1 {
		t.Fatalf("after one move, player = %d, want 1", g.CurrentPlayer(s))
	}
	s, _ = g.Apply(s, 1)
	if g.CurrentPlayer(s) != 0 {
		t.Fatalf("after two moves, player = %d, want 0", g.CurrentPlayer(s))
	}
}

func TestRowWinIsDetected(t *testing.T) {
	g := Game{}
	s := Initial()
	moves := []int{0, 3, 1, 4, 2} // X takes row 0, O takes row 1
	var outcome mctscore.Outcome
	for _, m := range moves {
		s, outcome = g.Apply(s, m)
	}
	if !outcome.Terminal {
		t.Fatalf("expected terminal outcome after row win")
	}
	if outcome.Value[0] != 1 || outcome.Value[1] != 0 {
		t.Fatalf("outcome value = %v, want [1 0]", outcome.Value)
	}
	if !g.IsTerminal(s) {
		t.Fatalf("IsTerminal disagrees with Apply's outcome")
	}
}

func TestDrawIsScoredEvenly(t *testing.T) {
	g := Game{}
	s := Initial()
	// X O X / X O O / O X X - a full board, no line for either mark.
	moves := []int{0, 1, 2, 4, 3, 5, 7, 6, 8}
	var outcome mctscore.Outcome
	for _, m := range moves {
		s, outcome = g.Apply(s, m)
	}
	if !outcome.Terminal {
		t.Fatalf("expected terminal outcome on full board")
	}
	if outcome.Value[0] != 0.5 || outcome.Value[1] != 0.5 {
		t.Fatalf("draw value = %v, want [0.5 0.5]", outcome.Value)
	}
}

func TestSymmetryIndicesAreInvolutions(t *testing.T) {
	g := Game{}
	s := Initial()
	s, _ = g.Apply(s, 1) // corner-free asymmetric mark at the top edge
	for _, sym := range g.SymmetryIndices(s) {
		once := g.ApplyStateSymmetry(s, sym)
		twice := g.ApplyStateSymmetry(once, sym)
		if twice.Board != s.Board {
			t.Fatalf("symmetry %d is not self-inverse: got %v want %v", sym, twice.Board, s.Board)
		}
	}
}

func TestApplyActionSymmetryMatchesState(t *testing.T) {
	g := Game{}
	s := Initial()
	s, _ = g.Apply(s, 0)
	action := 4
	for _, sym := range g.SymmetryIndices(s) {
		transformedState := g.ApplyStateSymmetry(s, sym)
		transformedAction := g.ApplyActionSymmetry(action, sym)

		viaOriginal, _ := g.Apply(s, action)
		want := g.ApplyStateSymmetry(viaOriginal, sym)
		got, _ := g.Apply(transformedState, transformedAction)
		if got.Board != want.Board {
			t.Fatalf("sym %d: apply-then-transform != transform-then-apply: got %v want %v", sym, got.Board, want.Board)
		}
	}
}

func TestCanonicalSymmetryIsStableUnderItself(t *testing.T) {
	g := Game{}
	s := Initial()
	s, _ = g.Apply(s, 2)
	s, _ = g.Apply(s, 4)
	sym := g.CanonicalSymmetry(s)
	canon := g.ApplyStateSymmetry(s, sym)
	if g.CanonicalSymmetry(canon) != 0 {
		t.Fatalf("canonical form's own canonical symmetry = %d, want 0 (identity)", g.CanonicalSymmetry(canon))
	}
}

func TestKeyDiffersAcrossDistinctStates(t *testing.T) {
	g := Game{}
	a := Initial()
	a, _ = g.Apply(a, 0)
	b := Initial()
	b, _ = g.Apply(b, 1)
	if g.Key(a) == g.Key(b) {
		t.Fatalf("distinct states hashed identically: %v", g.Key(a))
	}
}

func TestKeyMatchesForIdenticalStates(t *testing.T) {
	g := Game{}
	a := Initial()
	a, _ = g.Apply(a, 0)
	b := Initial()
	b, _ = g.Apply(b, 0)
	if g.Key(a) != g.Key(b) {
		t.Fatalf("identical states hashed differently: %v vs %v", g.Key(a), g.Key(b))
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
	got := g.Tensorize(s, s)
	if len(got) != want {
		t.Fatalf("tensorize length = %d, want %d (shape %v)", len(got), want, shape)
	}
}

func TestPrintStateRendersAllMarks(t *testing.T) {
	g := Game{}
	s := Initial()
	s, _ = g.Apply(s, 0)
	s, _ = g.Apply(s, 1)
	var sb strings.Builder
	g.PrintState(&sb, s)
	out := sb.String()
	if !strings.Contains(out, "X") || !strings.Contains(out, "O") {
		t.Fatalf("printed state missing marks: %q", out)
	}
}
