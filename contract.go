// Package mctscore defines the collaborator contracts the search engine is
// generic over: the rules/tensorizor surface a game must expose (Game) and
// the batched neural-network surface a model must expose (Evaluator).
//
// Everything under mctscore/* is polymorphic only over these two
// interfaces; it never depends on a concrete game or inference runtime.
package mctscore

import "io"

// Seat identifies one of a game's players. Seats are dense, zero-based
// indices into a ValueArray.
type Seat int8

// Outcome is the result of applying an action: either the game continues,
// or it ends with a terminal value assigned to every seat.
type Outcome struct {
	Terminal bool
	Value    ValueArray // length NumPlayers(); only meaningful when Terminal
}

// ValueArray is a per-player value vector. Every component lies in [0, 1]
// and represents that player's win probability; components sum to 1.
type ValueArray []float64

// Clone returns an independent copy.
func (v ValueArray) Clone() ValueArray {
	out := make(ValueArray, len(v))
	copy(out, v)
	return out
}

// Key is the transposition-table identity of a position: a cheap hash for
// bucket lookup, plus a canonical byte encoding used to break ties so that
// a hash collision is never silently treated as logical equality.
type Key struct {
	Hash  uint64
	Canon string
}

// Game is the capability interface the engine is generic over, standing in
// for compile-time template polymorphism: one concrete instantiation per
// game (see games/tictactoe, games/connect4, games/othello).
//
// S is the full game state. Implementations must make S cheap to clone:
// the search tree clones a state at every expanded edge.
type Game[S any] interface {
	// NumPlayers is the number of seats (always 2 for the reference games).
	NumPlayers() int
	// NumActions is the size of the global action space.
	NumActions() int
	// MaxBranchingFactor upper-bounds the legal-action count at any position.
	MaxBranchingFactor() int

	// LegalActions returns the valid action mask at s, as a sorted slice of
	// action indices. The order is deterministic given s.
	LegalActions(s S) []int
	// CurrentPlayer returns whose turn it is at s.
	CurrentPlayer(s S) Seat
	// Apply returns the state after `action` is played from s, along with
	// the resulting outcome. s is never mutated.
	Apply(s S, action int) (next S, outcome Outcome)
	// IsTerminal reports whether s has no further moves.
	IsTerminal(s S) bool

	// SymmetryIndices returns the symmetry-group elements available at s
	// (always includes the identity symmetry 0).
	SymmetryIndices(s S) []int
	// ApplyStateSymmetry returns a copy of s transformed by sym.
	ApplyStateSymmetry(s S, sym int) S
	// ApplyActionSymmetry maps action under sym.
	ApplyActionSymmetry(action int, sym int) int
	// ApplyPolicySymmetry transforms a full-width policy vector under sym.
	ApplyPolicySymmetry(policy []float32, sym int) []float32
	// CanonicalSymmetry picks the symmetry used for transposition matching.
	CanonicalSymmetry(s S) int

	// Tensorize encodes s (relative to the game's start state, for games
	// whose encoding is history-dependent) into a flat network input.
	Tensorize(start, cur S) []float32
	// InputShape is the trailing shape of one Tensorize() output (excluding
	// the batch dimension).
	InputShape() []int

	// Key returns the transposition-table identity of s.
	Key(s S) Key

	// ActionString renders an action for logs/CLIs.
	ActionString(action int) string
	// PrintState renders s for logs/CLIs.
	PrintState(w io.Writer, s S)
}

// Evaluator is the batched neural-network surface the EvaluatorService
// drives. One call evaluates an entire batch.
type Evaluator interface {
	// Predict runs the network on a batch of already-tensorized inputs and
	// returns, for each slot, a per-player value vector and a policy-logit
	// vector of length NumActions().
	Predict(inputs [][]float32) (values []ValueArray, policyLogits [][]float32, err error)
}
