package connect4

import (
	"testing"

	"github.com/brensch/mctscore"
)

func TestInitialState(t *testing.T) {
	g := Game{}
	s := Initial()
	if len(g.LegalActions(s)) != Width {
		t.Fatalf("initial legal actions = %d, want %d", len(g.LegalActions(s)), Width)
	}
	if g.IsTerminal(s) {
		t.Fatalf("initial state reported terminal")
	}
}

func TestColumnFillsAndBecomesIllegal(t *testing.T) {
	g := Game{}
	s := Initial()
	// Alternate columns 0/1 to fill column 0 (seat 0 completes a vertical
	// four on its fourth drop; only the column's legality is checked here).
	for i := 0; i < Height; i++ {
		s, _ = g.Apply(s, 0)
		if i < Height-1 {
			s, _ = g.Apply(s, 1)
		}
	}
	for _, a := range g.LegalActions(s) {
		if a == 0 {
			t.Fatalf("column 0 should be full and illegal, got legal actions %v", g.LegalActions(s))
		}
	}
}

func TestHorizontalWinIsDetected(t *testing.T) {
	g := Game{}
	s := Initial()
	// seat 0 plays columns 0-3 on the bottom row, seat 1 replies elsewhere.
	var outcome mctscore.Outcome
	plays := []int{0, 0, 1, 1, 2, 2, 3}
	for _, col := range plays {
		s, outcome = g.Apply(s, col)
	}
	if !outcome.Terminal {
		t.Fatalf("expected terminal outcome after horizontal four")
	}
	if outcome.Value[0] != 1 {
		t.Fatalf("outcome value = %v, want seat 0 to win", outcome.Value)
	}
}

func TestVerticalWinIsDetected(t *testing.T) {
	g := Game{}
	s := Initial()
	var outcome mctscore.Outcome
	plays := []int{0, 1, 0, 1, 0, 1, 0}
	for _, col := range plays {
		s, outcome = g.Apply(s, col)
	}
	if !outcome.Terminal || outcome.Value[0] != 1 {
		t.Fatalf("expected seat 0 vertical win, got terminal=%v value=%v", outcome.Terminal, outcome.Value)
	}
}

func TestOneMoveToWinIsReachable(t *testing.T) {
	// Three of seat 0's pieces on the bottom row at columns 1-3; dropping at
	// column 4 completes the line (column 0 holds seat 1's stack of three).
	g := Game{}
	s := Initial()
	plays := []int{1, 0, 2, 0, 3, 0} // seat0: 1,2,3  seat1: 0,0,0 (stacked col0)
	for _, col := range plays {
		s, _ = g.Apply(s, col)
	}
	if g.CurrentPlayer(s) != 0 {
		t.Fatalf("expected seat 0 to move, got seat %d", g.CurrentPlayer(s))
	}
	_, outcome := g.Apply(s, 4)
	if !outcome.Terminal || outcome.Value[0] != 1 {
		t.Fatalf("winning drop at column 4 not detected: terminal=%v value=%v", outcome.Terminal, outcome.Value)
	}
}

func TestMirrorSymmetryIsInvolution(t *testing.T) {
	g := Game{}
	s := Initial()
	s, _ = g.Apply(s, 2)
	s, _ = g.Apply(s, 5)
	mirrored := g.ApplyStateSymmetry(s, 1)
	back := g.ApplyStateSymmetry(mirrored, 1)
	if back.Board != s.Board || back.Heights != s.Heights {
		t.Fatalf("mirror symmetry is not self-inverse")
	}
}

func TestApplyActionSymmetryMirrorsColumn(t *testing.T) {
	g := Game{}
	if g.ApplyActionSymmetry(0, 1) != Width-1 {
		t.Fatalf("mirrored action for column 0 = %d, want %d", g.ApplyActionSymmetry(0, 1), Width-1)
	}
	if g.ApplyActionSymmetry(3, 1) != 3 {
		t.Fatalf("center column should map to itself under mirror, got %d", g.ApplyActionSymmetry(3, 1))
	}
}

func TestKeyMatchesForIdenticalStates(t *testing.T) {
	g := Game{}
	a := Initial()
	a, _ = g.Apply(a, 3)
	b := Initial()
	b, _ = g.Apply(b, 3)
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
