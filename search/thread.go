package search

import (
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/evaluator"
	"github.com/brensch/mctscore/node"
	"github.com/brensch/mctscore/nodecache"
	"github.com/brensch/mctscore/puct"
)

// step is one entry of a simulation's root-to-leaf path (spec §4.5): the
// node visited, and the edge that was followed to reach it (nil for root).
type step[S any] struct {
	n    *node.Node[S]
	edge *node.Edge[S]
}

// Thread is one SearchThread: it runs simulations one at a time against a
// shared tree until the manager's active flag drops or the tree hits its
// size limit (spec §4.5).
type Thread[S any] struct {
	id int

	game  mctscore.Game[S]
	evalr *evaluator.Service
	cache *nodecache.Cache[S]
	cfg   Config
	rng   *rand.Rand

	active         *atomic.Bool
	root           *node.Node[S]
	rootMoveNumber int
	dirichletAtRoot bool
}

// NewThread constructs one worker bound to a shared root and active flag.
// SearchManager owns rootMoveNumber/dirichletAtRoot and updates them across
// searches; a Thread reads them once per simulation via RunOnce's caller.
func NewThread[S any](id int, game mctscore.Game[S], evalr *evaluator.Service, cache *nodecache.Cache[S], cfg Config, seed int64) *Thread[S] {
	return &Thread[S]{
		id:    id,
		game:  game,
		evalr: evalr,
		cache: cache,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// Bind points the thread at the current root for the search about to run.
func (t *Thread[S]) Bind(root *node.Node[S], rootMoveNumber int, active *atomic.Bool, dirichletAtRoot bool) {
	t.root = root
	t.rootMoveNumber = rootMoveNumber
	t.active = active
	t.dirichletAtRoot = dirichletAtRoot
}

// RunOnce executes exactly one simulation (spec §4.5's "per-simulation
// algorithm"): descend from root to a leaf, evaluate, expand, back-propagate.
func (t *Thread[S]) RunOnce() {
	path := []step[S]{{n: t.root}}

	for {
		cur := path[len(path)-1].n

		if cur.Terminal {
			t.pureBackprop(path, cur.TerminalValue)
			return
		}

		if !t.active.Load() {
			t.unwind(path)
			return
		}

		ev := cur.Eval()
		if ev.BeginEvaluate() {
			t.virtualBackprop(path)
			value, rawLogits, prior := t.requestEvaluation(cur, len(path) == 1)
			cur.Expand(t.buildEdges(cur, prior))
			ev.Finish(value, rawLogits, prior)
			t.backpropWithVirtualUndo(path, value)
			return
		}

		// Evaluation already SET: select a child via PUCT and continue.
		edges := cur.Edges()
		valueAvg, _, _ := cur.Stats().Snapshot()
		nValue := 0.0
		if int(cur.Player) < len(valueAvg) {
			nValue = valueAvg[cur.Player]
		}
		params := t.cfg.puctParams(len(path) == 1, len(path) == 1 && t.dirichletAtRoot)
		idx, _ := puct.Select(edges, cur.Player, nValue, params)
		if idx < 0 {
			// No selectable edge (e.g. every child filtered as a proven
			// loser); fall back to pure backprop of the node's own average.
			t.pureBackprop(path, valueAvg)
			return
		}
		e := edges[idx]

		child := e.Child()
		if child == nil {
			next, outcome := t.game.Apply(cur.State, e.Action)
			created := t.cache.FetchOrCreate(t.rootMoveNumber+len(path), next, outcome)
			child = e.SetChildIfAbsent(created)
			path = append(path, step[S]{n: child, edge: e})
			continue
		}

		if e.Count() < childRealVisits(child) {
			t.shortCircuitBackprop(path, child)
			return
		}
		path = append(path, step[S]{n: child, edge: e})
	}
}

func childRealVisits[S any](n *node.Node[S]) int64 {
	_, real, _ := n.Stats().Snapshot()
	return real
}

// buildEdges constructs a node's edge list from its valid-action list and
// the (already root-adjusted) prior, in the deterministic order the node
// was given at construction time (nodecache.buildNode sorts ValidActions).
func (t *Thread[S]) buildEdges(n *node.Node[S], prior []float64) []*node.Edge[S] {
	edges := make([]*node.Edge[S], len(n.ValidActions))
	for i, a := range n.ValidActions {
		edges[i] = &node.Edge[S]{Action: a, LocalIndex: i, Prior: prior[i]}
	}
	return edges
}

// requestEvaluation implements the UNSET path of spec §4.6: tensorize,
// optionally apply a random symmetry for augmentation, call the evaluator,
// and (at the root) mix in Dirichlet noise and the softmax-temperature
// reshaping before normalizing.
func (t *Thread[S]) requestEvaluation(n *node.Node[S], atRoot bool) (mctscore.ValueArray, []float32, []float64) {
	sym := 0
	invert := func(p []float32) []float32 { return p }
	if t.cfg.ApplyRandomSymmetries {
		syms := t.game.SymmetryIndices(n.State)
		if len(syms) > 0 {
			sym = syms[t.rng.Intn(len(syms))]
		}
	}

	state := n.State
	if sym != 0 {
		state = t.game.ApplyStateSymmetry(n.State, sym)
		invSym := sym // symmetry groups used by the reference games are involutions
		invert = func(p []float32) []float32 { return t.game.ApplyPolicySymmetry(p, invSym) }
	}

	input := t.game.Tensorize(n.State, state)
	key := evaluator.CacheKey{Hash: t.cacheKeyHash(n), Canon: t.cacheKeyCanon(n), Sym: n.SymIndex}

	res, err := t.evalr.Evaluate(evaluator.Request{Input: input, Key: key, InvertPolicy: invert})
	if err != nil {
		panic(&IntegrityError{Msg: "evaluator: " + err.Error()})
	}

	rawLogits := res.Eval.Policy
	prior := t.extractPrior(n, rawLogits)

	if atRoot {
		if t.cfg.DirichletMult > 0 && t.dirichletAtRoot {
			prior = t.mixDirichletNoise(prior)
		}
		prior = t.applyTemperature(prior)
	}

	return res.Eval.Value.Clone(), rawLogits, prior
}

func (t *Thread[S]) cacheKeyHash(n *node.Node[S]) uint64 {
	return t.game.Key(n.State).Hash
}

func (t *Thread[S]) cacheKeyCanon(n *node.Node[S]) string {
	return t.game.Key(n.State).Canon
}

// extractPrior pulls out the valid-action entries of a full policy-logit
// vector and softmaxes them, per spec §4.6/§8 ("P(action) = 0 for every
// action outside the valid mask").
func (t *Thread[S]) extractPrior(n *node.Node[S], rawLogits []float32) []float64 {
	logits := make([]float64, len(n.ValidActions))
	maxL := math.Inf(-1)
	for i, a := range n.ValidActions {
		if a < 0 || a >= len(rawLogits) {
			panic(&IntegrityError{Msg: "policy index out of range"})
		}
		logits[i] = float64(rawLogits[a])
		if logits[i] > maxL {
			maxL = logits[i]
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		e := math.Exp(l - maxL)
		out[i] = e
		sum += e
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

func (t *Thread[S]) mixDirichletNoise(prior []float64) []float64 {
	alpha := t.cfg.DirichletAlphaFactor / math.Sqrt(float64(len(prior)))
	noise := sampleDirichlet(t.rng, len(prior), alpha)
	out := make([]float64, len(prior))
	for i := range prior {
		out[i] = (1-t.cfg.DirichletMult)*prior[i] + t.cfg.DirichletMult*noise[i]
	}
	return out
}

func (t *Thread[S]) applyTemperature(prior []float64) []float64 {
	temp := t.cfg.RootSoftmaxTemperature.Value()
	if temp <= 0 || temp == 1 {
		return normalizeCopy(prior)
	}
	out := make([]float64, len(prior))
	sum := 0.0
	for i, p := range prior {
		v := math.Pow(math.Max(p, 0), 1/temp)
		out[i] = v
		sum += v
	}
	if sum <= 0 {
		return normalizeCopy(prior)
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func normalizeCopy(p []float64) []float64 {
	out := append([]float64(nil), p...)
	sum := 0.0
	for _, v := range out {
		sum += v
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

// sampleDirichlet draws from Dirichlet(alpha, ..., alpha) via independent
// Gamma(alpha, 1) draws normalized to sum 1 (Marsaglia-Tsang method). No
// statistics library appears in the example corpus (see DESIGN.md), so this
// is a justified, self-contained stdlib implementation.
func sampleDirichlet(rng *rand.Rand, n int, alpha float64) []float64 {
	out := make([]float64, n)
	sum := 0.0
	for i := range out {
		out[i] = sampleGamma(rng, alpha)
		sum += out[i]
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}

func sampleGamma(rng *rand.Rand, alpha float64) float64 {
	if alpha < 1 {
		u := rng.Float64()
		return sampleGamma(rng, alpha+1) * math.Pow(u, 1/alpha)
	}
	d := alpha - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// --- backprop variants (spec §4.7) ---

// virtualBackprop applies VirtualIncrement to every node on the path
// (root..leaf inclusive), covering the thread that just discovered a brand
// new evaluation is needed.
func (t *Thread[S]) virtualBackprop(path []step[S]) {
	for _, s := range path {
		s.n.Stats().AddVirtualLoss(s.n.Player)
	}
}

// unwind undoes any virtual loss this simulation may have added, without
// touching real counts, used when cancellation is observed mid-descent.
// Since virtualBackprop is only ever invoked once a brand-new UNSET->PENDING
// transition is confirmed (and that branch returns immediately afterward),
// a path reaching the cancellation check never carries un-undone virtual
// loss; unwind is therefore a no-op kept for symmetry with the spec's
// explicit "unwind without updating" step.
func (t *Thread[S]) unwind(path []step[S]) {}

// pureBackprop implements spec §4.7 item 2 restricted to a terminal leaf:
// fold the terminal value into every ancestor's real stats exactly once,
// bump inbound edge counts, and recompute proven bits bottom-up.
func (t *Thread[S]) pureBackprop(path []step[S], value mctscore.ValueArray) {
	for _, s := range path {
		s.n.Stats().RealIncrement(value)
	}
	for i := 1; i < len(path); i++ {
		path[i].edge.IncrementCount()
	}
	t.recomputeProvenBottomUp(path)
}

// backpropWithVirtualUndo implements spec §4.7 item 3 (IncrementTransfer):
// convert the virtual visit added by virtualBackprop into a real one with
// the measured leaf value, for every node on the path.
func (t *Thread[S]) backpropWithVirtualUndo(path []step[S], value mctscore.ValueArray) {
	for _, s := range path {
		s.n.Stats().IncrementTransfer(s.n.Player, value)
	}
	for i := 1; i < len(path); i++ {
		path[i].edge.IncrementCount()
	}
	t.recomputeProvenBottomUp(path)
}

// shortCircuitBackprop implements spec §4.5 item 3: when PUCT selects an
// edge into an already-populated child reached via a different path whose
// edge-count trails the child's real visit count (a transposition re-use),
// credit the edge and the ancestors' real_count without re-descending into
// the child's own subtree.
func (t *Thread[S]) shortCircuitBackprop(path []step[S], child *node.Node[S]) {
	valueAvg, _, _ := child.Stats().Snapshot()
	last := path[len(path)-1]
	lastEdge := edgeTo(last.n, child)
	if lastEdge != nil {
		lastEdge.IncrementCount()
	}
	for _, s := range path {
		s.n.Stats().RealIncrement(valueAvg)
	}
	for i := 1; i < len(path); i++ {
		path[i].edge.IncrementCount()
	}
	t.recomputeProvenBottomUp(path)
}

func edgeTo[S any](parent, child *node.Node[S]) *node.Edge[S] {
	for _, e := range parent.Edges() {
		if e.Child() == child {
			return e
		}
	}
	return nil
}

// recomputeProvenBottomUp recomputes each path node's proven-win/loss bits
// from its current children, walking from the node just above the leaf up
// to the root. A full recompute (rather than an incremental merge) is used
// so a node that later gains an edge it previously lacked a child for is
// handled correctly without extra bookkeeping.
func (t *Thread[S]) recomputeProvenBottomUp(path []step[S]) {
	for i := len(path) - 2; i >= 0; i-- {
		recomputeProven(path[i].n)
	}
}

func recomputeProven[S any](n *node.Node[S]) {
	edges := n.Edges()
	if len(edges) == 0 {
		return
	}
	numPlayers := len(n.TerminalValue)
	if numPlayers == 0 {
		valueAvg, _, _ := n.Stats().Snapshot()
		numPlayers = len(valueAvg)
	}
	win := make([]bool, numPlayers)
	loss := make([]bool, numPlayers)
	for p := range loss {
		loss[p] = true
	}
	anyChild := false
	for _, e := range edges {
		c := e.Child()
		if c == nil {
			for p := range loss {
				loss[p] = false
			}
			continue
		}
		anyChild = true
		cw, cl := c.Stats().ProvenSnapshot()
		for p := range win {
			if cw[p] {
				win[p] = true
			}
			if !cl[p] {
				loss[p] = false
			}
		}
	}
	if !anyChild {
		for p := range loss {
			loss[p] = false
		}
	}
	n.Stats().SetProven(win, loss)
}
