package search

import (
	"math"
	"testing"
	"time"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/evaluator"
	"github.com/brensch/mctscore/games/connect4"
	"github.com/brensch/mctscore/games/othello"
	"github.com/brensch/mctscore/games/tictactoe"
	"github.com/brensch/mctscore/node"
)

// newTestManager builds a Manager with the given number of search threads
// over a HeuristicEvaluator (uniform value/policy); callers disable
// exploration per search through SearchParams, matching spec §8's end-to-end
// scenario preamble ("seed all RNGs; disable_exploration = true; uniform
// evaluator: value [0.5, 0.5], policy uniform over valid actions").
func newTestManager[S any](t *testing.T, game mctscore.Game[S], threads int) *Manager[S] {
	t.Helper()
	ev := evaluator.HeuristicEvaluator{NumPlayers: game.NumPlayers(), NumActions: game.NumActions()}
	svc := evaluator.New(ev, evaluator.Config{BatchSize: threads, BatchTimeout: time.Millisecond}, nil)
	svc.Connect()
	t.Cleanup(svc.Close)

	cfg := DefaultConfig()
	cfg.NumSearchThreads = threads
	mgr, err := NewManager[S](game, svc, cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(mgr.EndSession)
	return mgr
}

// assertRealCountInvariant checks spec §8's quantified invariant
// n.real_count == 1 + Σ edges e of n: e.edge_count (terminals omit the
// "1"), recursively over every node reachable from root.
func assertRealCountInvariant[S any](t *testing.T, root *node.Node[S]) {
	t.Helper()
	visited := map[*node.Node[S]]bool{}
	var walk func(n *node.Node[S])
	walk = func(n *node.Node[S]) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		_, real, virtual := n.Stats().Snapshot()
		if virtual != 0 {
			t.Errorf("node has non-zero virtual count %d after search settled", virtual)
		}
		if n.Terminal {
			return
		}
		var edgeSum int64
		seen := map[int]bool{}
		for _, e := range n.Edges() {
			if seen[e.Action] {
				t.Errorf("duplicate edge action %d from the same parent", e.Action)
			}
			seen[e.Action] = true
			edgeSum += e.Count()
			if c := e.Child(); c != nil {
				walk(c)
			}
		}
		if real != 1+edgeSum {
			t.Errorf("real_count invariant violated: real=%d, 1+Σedges=%d", real, 1+edgeSum)
		}
	}
	walk(root)
}

func assertValueAvgWellFormed(t *testing.T, v mctscore.ValueArray) {
	t.Helper()
	sum := 0.0
	for _, c := range v {
		if math.IsNaN(c) {
			t.Fatalf("value_avg component is NaN: %v", v)
		}
		if c < -1e-9 || c > 1+1e-9 {
			t.Errorf("value component %v out of [0,1]", c)
		}
		sum += c
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("value_avg components sum to %v, want 1", sum)
	}
}

func TestTicTacToeEmptyBoard100Visits(t *testing.T) {
	game := tictactoe.Game{}
	mgr := newTestManager[tictactoe.State](t, game, 1)

	results, err := mgr.Search(tictactoe.Initial(), SearchParams{TreeSizeLimit: 100, DisableExploration: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results.TotalVisits != 100 {
		t.Fatalf("TotalVisits = %d, want 100", results.TotalVisits)
	}
	if len(results.Distribution) != 9 {
		t.Fatalf("Distribution has %d entries, want 9", len(results.Distribution))
	}

	var min, max float64 = math.Inf(1), math.Inf(-1)
	var total float64
	for _, d := range results.Distribution {
		if d.Visits == 0 {
			t.Errorf("action %d has zero visits with 100 total visits over 9 actions", d.Action)
		}
		if d.Visits < min {
			min = d.Visits
		}
		if d.Visits > max {
			max = d.Visits
		}
		total += d.Visits
	}
	if total != 100 {
		t.Fatalf("distribution sums to %v, want 100", total)
	}
	if max-min > math.Ceil(100.0/9.0) {
		t.Errorf("visit spread %v exceeds ceil(100/9)=%v", max-min, math.Ceil(100.0/9.0))
	}
	assertValueAvgWellFormed(t, results.RootValue)
}

func TestConnect4Empty400Visits(t *testing.T) {
	game := connect4.Game{}
	mgr := newTestManager[connect4.State](t, game, 1)

	results, err := mgr.Search(connect4.Initial(), SearchParams{TreeSizeLimit: 400, DisableExploration: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results.TotalVisits != 400 {
		t.Fatalf("TotalVisits = %d, want 400", results.TotalVisits)
	}
	var centerVisits float64
	for _, d := range results.Distribution {
		if d.Action == 3 {
			centerVisits = d.Visits
		}
	}
	if want := math.Ceil(400.0 / 7.0); centerVisits < want {
		t.Errorf("center column visits = %v, want >= %v", centerVisits, want)
	}
}

// buildConnect4OneMoveFromWin drops three seat-0 discs in a row on the
// bottom row at columns 1..3, leaving column 4 a game-winning reply for
// seat 0 to move.
func buildConnect4OneMoveFromWin(t *testing.T) connect4.State {
	t.Helper()
	game := connect4.Game{}
	state := connect4.Initial()
	moves := []int{1, 0, 2, 0, 3, 0}
	for _, col := range moves {
		var outcome mctscore.Outcome
		state, outcome = game.Apply(state, col)
		if outcome.Terminal {
			t.Fatalf("unexpected terminal state while constructing fixture")
		}
	}
	if state.ToMove != 0 {
		t.Fatalf("expected seat 0 to move before the winning drop, got seat %d", state.ToMove)
	}
	return state
}

func TestConnect4OneMoveToWin200Visits(t *testing.T) {
	game := connect4.Game{}
	mgr := newTestManager[connect4.State](t, game, 1)
	state := buildConnect4OneMoveFromWin(t)

	results, err := mgr.Search(state, SearchParams{TreeSizeLimit: 200, DisableExploration: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	var winning float64
	var best float64
	for _, d := range results.Distribution {
		if d.Action == 4 {
			winning = d.Visits
		}
		if d.Action != 4 && d.Visits > best {
			best = d.Visits
		}
	}
	if winning <= best {
		t.Errorf("winning column visits %v not strictly greater than best alternative %v", winning, best)
	}
	if results.RootValue[0] <= 0.5 {
		t.Errorf("RootValue[mover] = %v, want > 0.5", results.RootValue[0])
	}
}

func TestOthelloInitialPosition100Visits(t *testing.T) {
	game := othello.Game{}
	mgr := newTestManager[othello.State](t, game, 1)

	results, err := mgr.Search(othello.Initial(), SearchParams{TreeSizeLimit: 100, DisableExploration: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	wantActions := map[int]bool{19: true, 26: true, 37: true, 44: true}
	if len(results.Distribution) != len(wantActions) {
		t.Fatalf("distribution has %d entries, want %d", len(results.Distribution), len(wantActions))
	}
	var total float64
	for _, d := range results.Distribution {
		if !wantActions[d.Action] {
			t.Errorf("unexpected action %d in opening distribution", d.Action)
		}
		if d.Visits == 0 {
			t.Errorf("action %d has zero visits", d.Action)
		}
		total += d.Visits
	}
	if total != 100 {
		t.Fatalf("distribution sums to %v, want 100", total)
	}
}

// TestSameSeedSingleThreadedIsDeterministic implements scenario 5: two
// searches of the same state with the same seed under single-threaded
// execution produce bit-identical count distributions.
func TestSameSeedSingleThreadedIsDeterministic(t *testing.T) {
	game := tictactoe.Game{}

	run := func() []ActionVisit {
		mgr := newTestManager[tictactoe.State](t, game, 1)
		results, err := mgr.Search(tictactoe.Initial(), SearchParams{TreeSizeLimit: 60, DisableExploration: true})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return results.Distribution
	}

	a := run()
	b := run()
	if len(a) != len(b) {
		t.Fatalf("distribution lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("distribution[%d] = %+v, want %+v", i, b[i], a[i])
		}
	}
}

// TestReceiveStateChangeMatchesFreshSearch implements scenario 6: applying
// receive_state_change for the center column and then searching the new
// root reports the same TotalVisits as searching that position directly,
// and every action the direct search visits also appears in the reused
// search's distribution, with exploration disabled and a fresh seed counter
// each time.
func TestReceiveStateChangeMatchesFreshSearch(t *testing.T) {
	game := connect4.Game{}

	mgrReused := newTestManager[connect4.State](t, game, 1)
	root := connect4.Initial()
	if _, err := mgrReused.Search(root, SearchParams{TreeSizeLimit: 50, DisableExploration: true}); err != nil {
		t.Fatalf("warm-up search: %v", err)
	}
	afterCenter, outcome := game.Apply(root, 3)
	mgrReused.ReceiveStateChange(afterCenter, 3, outcome)
	reusedResults, err := mgrReused.Search(afterCenter, SearchParams{TreeSizeLimit: 80, DisableExploration: true})
	if err != nil {
		t.Fatalf("reused search: %v", err)
	}

	mgrFresh := newTestManager[connect4.State](t, game, 1)
	freshResults, err := mgrFresh.Search(afterCenter, SearchParams{TreeSizeLimit: 80, DisableExploration: true})
	if err != nil {
		t.Fatalf("fresh search: %v", err)
	}

	if reusedResults.TotalVisits != freshResults.TotalVisits {
		t.Errorf("TotalVisits differ: reused=%d fresh=%d", reusedResults.TotalVisits, freshResults.TotalVisits)
	}
	reusedActions := map[int]bool{}
	for _, d := range reusedResults.Distribution {
		reusedActions[d.Action] = true
	}
	for _, d := range freshResults.Distribution {
		if !reusedActions[d.Action] {
			t.Errorf("fresh search visited action %d never visited by the reused-subtree search", d.Action)
		}
	}
}

// TestSingleActionPositionIsFullyWeighted implements the "single-action
// position yields a 100%-weight distribution after one iteration" boundary
// behavior: a one-move-from-win tictactoe row, with the win itself the
// lone legal reply for the mover once every other cell is filled.
func TestSingleActionPositionIsFullyWeighted(t *testing.T) {
	game := tictactoe.Game{}
	mgr := newTestManager[tictactoe.State](t, game, 1)

	state := tictactoe.State{
		Board:  [9]int8{1, 2, 1, 2, 1, 2, 0, 1, 2},
		ToMove: 0,
		Moves:  8,
	}
	if got := game.LegalActions(state); len(got) != 1 || got[0] != 6 {
		t.Fatalf("fixture is not single-action: legal actions = %v", got)
	}

	results, err := mgr.Search(state, SearchParams{TreeSizeLimit: 1, DisableExploration: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results.Distribution) != 1 || results.Distribution[0].Action != 6 {
		t.Fatalf("Distribution = %+v, want single entry for action 6", results.Distribution)
	}
	if results.Distribution[0].Visits != float64(results.TotalVisits) {
		t.Errorf("single action carries %v of %v total visits, want all of it", results.Distribution[0].Visits, results.TotalVisits)
	}
}

// TestTerminalRootReturnsTerminalValue implements the "terminal-root
// position returns value = terminal value, counts all-zero" boundary
// behavior.
func TestTerminalRootReturnsTerminalValue(t *testing.T) {
	game := tictactoe.Game{}
	mgr := newTestManager[tictactoe.State](t, game, 1)

	// X has a completed top row; O to move into a decided position.
	state := tictactoe.State{
		Board:  [9]int8{1, 1, 1, 2, 2, 0, 0, 0, 0},
		ToMove: 1,
		Moves:  5,
	}
	if !game.IsTerminal(state) {
		t.Fatalf("fixture expected to be terminal")
	}

	results, err := mgr.Search(state, SearchParams{TreeSizeLimit: 10, DisableExploration: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results.RootValue[0] != 1 || results.RootValue[1] != 0 {
		t.Errorf("RootValue = %v, want [1,0] (seat 0 won)", results.RootValue)
	}
	for _, d := range results.Distribution {
		if d.Visits != 0 {
			t.Errorf("terminal root reports non-zero visits for action %d: %v", d.Action, d.Visits)
		}
	}
}

// TestRealCountInvariantHoldsAcrossTree exercises the full tree (not just
// the root) against spec §8's quantified real_count invariant, including
// edges drawn from multiple search threads so the invariant is checked
// under actual concurrency, not just the single-threaded tests above.
func TestRealCountInvariantHoldsAcrossTree(t *testing.T) {
	game := tictactoe.Game{}
	mgr := newTestManager[tictactoe.State](t, game, 4)

	if _, err := mgr.Search(tictactoe.Initial(), SearchParams{TreeSizeLimit: 300, DisableExploration: true}); err != nil {
		t.Fatalf("Search: %v", err)
	}

	mgr.mu.Lock()
	root := mgr.root
	mgr.mu.Unlock()
	assertRealCountInvariant[tictactoe.State](t, root)
}

// TestSymmetryInvariantVisitCounts implements "applying a symmetry to the
// input and searching yields visit counts whose inverse-symmetric
// transform equals those of the un-symmetrized input": since tictactoe's
// symmetry group is involutions only, the inverse transform is the same
// ApplyActionSymmetry call.
func TestSymmetryInvariantVisitCounts(t *testing.T) {
	game := tictactoe.Game{}
	state := tictactoe.State{
		Board:  [9]int8{1, 0, 0, 0, 2, 0, 0, 0, 0},
		ToMove: 0,
		Moves:  2,
	}

	base := newTestManager[tictactoe.State](t, game, 1)
	baseResults, err := base.Search(state, SearchParams{TreeSizeLimit: 60, DisableExploration: true})
	if err != nil {
		t.Fatalf("Search (base): %v", err)
	}
	baseVisits := map[int]float64{}
	for _, d := range baseResults.Distribution {
		baseVisits[d.Action] = d.Visits
	}

	const sym = 1 // 180-degree rotation, an involution
	mirrored := game.ApplyStateSymmetry(state, sym)

	mgr := newTestManager[tictactoe.State](t, game, 1)
	mirroredResults, err := mgr.Search(mirrored, SearchParams{TreeSizeLimit: 60, DisableExploration: true})
	if err != nil {
		t.Fatalf("Search (mirrored): %v", err)
	}

	for _, d := range mirroredResults.Distribution {
		back := game.ApplyActionSymmetry(d.Action, sym)
		if _, ok := baseVisits[back]; !ok {
			t.Errorf("mirrored action %d (un-mirrors to %d) has no counterpart in the base distribution", d.Action, back)
		}
	}
}
