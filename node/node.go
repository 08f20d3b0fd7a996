// Package node defines the search tree's Node and Edge types: the
// per-position stable data, evaluation data, and continuously-updated
// stats described in spec §3, plus the three backprop update kinds of
// spec §4.7.
//
// Thread-safety policy, grounded on original_source/cpp/mcts/Node.hpp:
// stable data is write-once at construction and needs no lock; stats and
// evaluation-data carry their own short-lived mutexes; the edge list is
// append-only and readers scan it under a RWMutex read-lock rather than a
// true lock-free chunked list (Go's RWMutex + pointer-stable slice already
// gives "writers rare, readers many, append-only" without hand-rolled
// lock-free bookkeeping — see DESIGN.md).
package node

import (
	"sync"
	"sync/atomic"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/arena"
)

// EvalState is the tri-state lifecycle of a node's neural-network
// evaluation (spec §3: UNSET, PENDING, SET).
type EvalState int32

const (
	EvalUnset EvalState = iota
	EvalPending
	EvalSet
)

// EvaluationData holds the policy prior and network value produced by the
// first expansion of a node, guarded by its own mutex + condition variable
// so that concurrent search threads can wait for a PENDING evaluation to
// become SET (spec §4.6).
type EvaluationData struct {
	mu    sync.Mutex
	cond  *sync.Cond
	State EvalState

	Value     mctscore.ValueArray // network value at this node
	RawLogits []float32           // length NumActions(), as returned by the evaluator
	Prior     []float64           // length len(ValidActions), normalized (post root-noise if root)
}

func newEvaluationData() *EvaluationData {
	e := &EvaluationData{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// BeginEvaluate transitions UNSET -> PENDING if this call is the one that
// must perform the evaluation; it returns doIt=true in that case. If
// another thread already owns the evaluation, it blocks until the state
// reaches SET and returns doIt=false.
func (e *EvaluationData) BeginEvaluate() (doIt bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State == EvalUnset {
		e.State = EvalPending
		return true
	}
	for e.State != EvalSet {
		e.cond.Wait()
	}
	return false
}

// Finish stores the evaluation, transitions to SET, and wakes all waiters.
func (e *EvaluationData) Finish(value mctscore.ValueArray, rawLogits []float32, prior []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Value = value
	e.RawLogits = rawLogits
	e.Prior = prior
	e.State = EvalSet
	e.cond.Broadcast()
}

// Snapshot returns a copy of the evaluation data for lock-free-style reads
// (callers tolerate a read racing a concurrent Finish only before the
// state reaches SET, which PUCT selection never does since it only reads
// Prior after observing State == SET).
func (e *EvaluationData) Snapshot() (state EvalState, value mctscore.ValueArray, prior []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.State, e.Value, e.Prior
}

// Stats are the continuously-updated aggregates of spec §3: the running
// mean of leaf-returns seen through this node, real/virtual visit counts,
// and per-seat provably-winning/losing bits.
type Stats struct {
	mu sync.Mutex

	ValueAvg     mctscore.ValueArray
	RealCount    int64
	VirtualCount int64
	ProvenWin    []bool
	ProvenLoss   []bool
}

func newStats(numPlayers int) *Stats {
	return &Stats{
		ValueAvg:   make(mctscore.ValueArray, numPlayers),
		ProvenWin:  make([]bool, numPlayers),
		ProvenLoss: make([]bool, numPlayers),
	}
}

// Snapshot copies out the fields PUCT needs, under the node's stats mutex.
func (s *Stats) Snapshot() (valueAvg mctscore.ValueArray, real, virtual int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(mctscore.ValueArray(nil), s.ValueAvg...), s.RealCount, s.VirtualCount
}

// AddVirtualLoss implements spec §4.7 VirtualIncrement: the acting
// player's slot (the player to move at this node) moves towards 1/(P−1)
// and every other slot towards 0, a pessimistic placeholder from the
// parent mover's point of view, weighted so that repeated virtual visits
// converge smoothly rather than jumping.
func (s *Stats) AddVirtualLoss(actingPlayer mctscore.Seat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VirtualCount++
	total := s.RealCount + s.VirtualCount
	if total == 0 {
		return
	}
	loss := 1.0 / float64(len(s.ValueAvg)-1)
	if len(s.ValueAvg) <= 1 {
		loss = 0
	}
	for p := range s.ValueAvg {
		target := 0.0
		if mctscore.Seat(p) == actingPlayer {
			target = loss
		}
		s.ValueAvg[p] = ((s.ValueAvg[p] * float64(total-1)) + target) / float64(total)
	}
}

// IncrementTransfer implements spec §4.7 item 3 (IncrementTransfer): convert
// the virtual visit added earlier by AddVirtualLoss into a real one carrying
// the measured leaf value. A transfer swaps one visit's contribution to the
// running mean (the virtual placeholder target out, the real value in)
// without changing the visit count it's averaged over, since the virtual
// visit being converted was already counted in total. Computing it this way
// — rather than as UndoVirtualLoss (divide out the placeholder, dropping
// total by one) followed by RealIncrement (fold the real value back in,
// using RealCount alone as the new denominator) — avoids dividing by
// total-1, which is 0 on a node's first-ever visit (virtual-only, RealCount
// still 0) and produced a NaN that then poisoned every later update to
// ValueAvg.
func (s *Stats) IncrementTransfer(actingPlayer mctscore.Seat, value mctscore.ValueArray) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.RealCount + s.VirtualCount
	if total == 0 {
		// No virtual loss was ever recorded against this node (it never sat
		// on an in-flight path before this backprop): fold the value in as
		// a plain first real visit.
		s.RealCount++
		for p := range s.ValueAvg {
			s.ValueAvg[p] = value[p]
		}
		return
	}
	loss := 1.0 / float64(len(s.ValueAvg)-1)
	if len(s.ValueAvg) <= 1 {
		loss = 0
	}
	for p := range s.ValueAvg {
		target := 0.0
		if mctscore.Seat(p) == actingPlayer {
			target = loss
		}
		sum := s.ValueAvg[p]*float64(total) - target + value[p]
		s.ValueAvg[p] = sum / float64(total)
	}
	if s.VirtualCount > 0 {
		s.VirtualCount--
	}
	s.RealCount++
}

// RealIncrement implements spec §4.7's RealIncrement: fold one more real
// leaf-return into the running mean.
func (s *Stats) RealIncrement(value mctscore.ValueArray) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RealCount++
	n := float64(s.RealCount)
	for p := range s.ValueAvg {
		s.ValueAvg[p] = ((n-1)*s.ValueAvg[p] + value[p]) / n
	}
}

// SetProven overwrites the provably-winning/losing bits outright: used both
// to seed a terminal node's bits directly from its terminal value, and by
// search's bottom-up recompute after a backprop step (spec §4.7: a node is
// provably winning for seat p iff any child is; provably losing for p iff
// every expanded child is, and the node has no unexpanded action left).
func (s *Stats) SetProven(win, loss []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.ProvenWin, win)
	copy(s.ProvenLoss, loss)
}

func (s *Stats) ProvenSnapshot() (win, loss []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.ProvenWin...), append([]bool(nil), s.ProvenLoss...)
}

// Edge represents one action out of a parent node (spec §3). The child
// pointer is populated lazily, on first traversal through the action, via
// an atomic swap so that readers never observe a partially-constructed
// child.
type Edge[S any] struct {
	Action     int
	LocalIndex int
	Prior      float64 // raw policy prior P(c), set once at expansion

	edgeCount atomic.Int64
	child     atomic.Pointer[Node[S]]
}

func (e *Edge[S]) Count() int64          { return e.edgeCount.Load() }
func (e *Edge[S]) IncrementCount()        { e.edgeCount.Add(1) }
func (e *Edge[S]) Child() *Node[S]        { return e.child.Load() }
func (e *Edge[S]) SetChildIfAbsent(n *Node[S]) *Node[S] {
	if e.child.CompareAndSwap(nil, n) {
		return n
	}
	return e.child.Load()
}

// Node represents one game position reached during search (spec §3).
type Node[S any] struct {
	selfHandle arena.Handle

	// Stable data: write-once at construction.
	State         S
	Player        mctscore.Seat
	ValidActions  []int
	SymIndex      int
	Terminal      bool
	TerminalValue mctscore.ValueArray

	eval  *EvaluationData
	stats *Stats

	childrenMu sync.RWMutex
	edges      []*Edge[S]
}

// New constructs a node. Edges are attached afterward via Expand, once the
// evaluation that supplies the policy prior completes.
func New[S any](state S, player mctscore.Seat, validActions []int, symIndex int, numPlayers int, terminal bool, terminalValue mctscore.ValueArray) *Node[S] {
	return &Node[S]{
		State:         state,
		Player:        player,
		ValidActions:  validActions,
		SymIndex:      symIndex,
		Terminal:      terminal,
		TerminalValue: terminalValue,
		eval:          newEvaluationData(),
		stats:         newStats(numPlayers),
	}
}

func (n *Node[S]) SetHandle(h arena.Handle)  { n.selfHandle = h }
func (n *Node[S]) Handle() arena.Handle      { return n.selfHandle }
func (n *Node[S]) Eval() *EvaluationData     { return n.eval }
func (n *Node[S]) Stats() *Stats             { return n.stats }
func (n *Node[S]) NumValidActions() int      { return len(n.ValidActions) }

// IsExpanded reports whether this node's edge list has been populated.
// Terminal nodes are never expanded (spec §3: "a node marked terminal has
// zero edges").
func (n *Node[S]) IsExpanded() bool {
	n.childrenMu.RLock()
	defer n.childrenMu.RUnlock()
	return len(n.edges) > 0
}

// Edges returns the current edge slice. Safe to call without holding any
// lock other than the brief RLock taken internally: the returned slice
// header is a snapshot, and every element it points to is immutable after
// construction except for Edge's own atomics.
func (n *Node[S]) Edges() []*Edge[S] {
	n.childrenMu.RLock()
	defer n.childrenMu.RUnlock()
	return n.edges
}

// Expand installs the edge list for this node. Only the thread that owns
// this node's evaluation (the one for which EvaluationData.BeginEvaluate
// returned true) may call Expand, so no race on childrenMu is possible in
// practice; the mutex exists for read/write memory-visibility, not mutual
// exclusion between writers.
func (n *Node[S]) Expand(edges []*Edge[S]) {
	n.childrenMu.Lock()
	defer n.childrenMu.Unlock()
	n.edges = edges
}

// EdgeForAction does a linear scan (edge counts per node are bounded by
// MaxBranchingFactor, so this is cheap and avoids a map allocation per
// node, matching the chunked-array spirit of the original Node.hpp).
func (n *Node[S]) EdgeForAction(action int) *Edge[S] {
	for _, e := range n.Edges() {
		if e.Action == action {
			return e
		}
	}
	return nil
}
