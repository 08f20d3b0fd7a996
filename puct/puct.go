// Package puct implements the PUCT child-selection formula and target
// pruning of spec §4.4/§4.9, grounded on original_source's
// mcts/puct.{hpp,cpp} and generalized to the Node/Edge types of
// mctscore/node. Go forbids type parameters on methods, so the selector
// is a set of free generic functions taking a Params value rather than a
// Selector object.
package puct

import (
	"math"
	"sort"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/node"
)

// Epsilon prevents 0/0 at unvisited roots.
const Epsilon = 1e-6

// Params bundles the search-time knobs the formula depends on, mirroring
// the "Recognized knobs" list of spec §6.3 that feed the selector.
type Params struct {
	CPUCT                  float64
	CFPU                   float64
	EnableFirstPlayUrgency bool
	ForcedPlayouts         bool
	KForced                float64
	AtRoot                 bool
	DirichletActive        bool // root has Dirichlet noise mixed into its priors
	AvoidProvenLosers      bool
	ExploitProvenWinners   bool
}

// childStats is the per-edge data the formula reads, fetched once per
// Select call so every candidate is scored against a consistent snapshot.
type childStats struct {
	valueAvg     float64
	realCount    int64
	virtualCount int64
	prior        float64
	provenWin    bool
	provenLoss   bool
	hasChild     bool
}

func snapshot[S any](e *node.Edge[S], cp mctscore.Seat) childStats {
	child := e.Child()
	if child == nil {
		return childStats{prior: e.Prior}
	}
	valueAvg, real, virtual := child.Stats().Snapshot()
	win, loss := child.Stats().ProvenSnapshot()
	v := 0.0
	if int(cp) < len(valueAvg) {
		v = valueAvg[int(cp)]
	}
	return childStats{
		valueAvg:     v,
		realCount:    real,
		virtualCount: virtual,
		prior:        e.Prior,
		provenWin:    int(cp) < len(win) && win[cp],
		provenLoss:   int(cp) < len(loss) && loss[cp],
		hasChild:     true,
	}
}

// Select implements spec §4.4's argmax_c PUCT(c) over n's expanded edges,
// acting as player cp (n's mover). sumPriorVisited is Σ_{c: N(c)>0} P(c),
// used by first-play urgency; nValue is V(n) for the same purpose.
func Select[S any](edges []*node.Edge[S], cp mctscore.Seat, nValue float64, p Params) (bestIdx int, bestScore float64) {
	if len(edges) == 0 {
		return -1, 0
	}

	stats := make([]childStats, len(edges))
	totalN := int64(0)
	sumPriorVisited := 0.0
	anyUnvisited := false
	for i, e := range edges {
		cs := snapshot(e, cp)
		stats[i] = cs
		n := cs.realCount + cs.virtualCount
		totalN += n
		if n > 0 {
			sumPriorVisited += cs.prior
		} else {
			anyUnvisited = true
		}
	}

	cfpu := p.CFPU
	if p.AtRoot && p.DirichletActive {
		cfpu = 0
	}
	fpuValue := nValue - cfpu*math.Sqrt(sumPriorVisited)

	sqrtTerm := math.Sqrt(float64(totalN) + Epsilon)

	bestIdx = -1
	bestScore = math.Inf(-1)
	for i, cs := range stats {
		if p.AvoidProvenLosers && cs.provenLoss && len(edges) > 1 {
			continue
		}
		if p.ExploitProvenWinners && cs.provenWin {
			return i, math.Inf(1)
		}

		n := cs.realCount + cs.virtualCount
		v := cs.valueAvg
		if p.EnableFirstPlayUrgency && anyUnvisited && n == 0 {
			v = fpuValue
		}

		score := 2*v + p.CPUCT*cs.prior*sqrtTerm/(1+float64(n))

		if p.ForcedPlayouts && p.AtRoot && p.DirichletActive {
			threshold := math.Sqrt(p.KForced * cs.prior * float64(totalN))
			if float64(n) < threshold {
				score += 1e6 // large additive bonus; forces traversal
			}
		}

		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
		// exact ties keep the lowest action index, which is already
		// guaranteed since we scan edges in increasing index order and
		// only replace bestIdx on strict improvement.
	}
	return bestIdx, bestScore
}

// VisitDistribution is a pruned/raw visit-count report for one edge.
type VisitDistribution struct {
	Action int
	Count  float64
}

// TargetPrune implements spec §4.9: after a noisy-root search with forced
// playouts, pull down non-max children's reported visit counts towards
// what they would have received without the forced-playout floor.
func TargetPrune[S any](edges []*node.Edge[S], cp mctscore.Seat, nForced map[int]int64, p Params) []VisitDistribution {
	raw := make([]VisitDistribution, len(edges))
	totalN := 0.0
	maxIdx := -1
	maxN := int64(-1)
	priors := make([]float64, len(edges))
	values := make([]float64, len(edges))

	for i, e := range edges {
		cs := snapshot(e, cp)
		n := cs.realCount + cs.virtualCount
		raw[i] = VisitDistribution{Action: e.Action, Count: float64(n)}
		totalN += float64(n)
		priors[i] = cs.prior
		values[i] = cs.valueAvg
		if n > maxN {
			maxN = n
			maxIdx = i
		}
	}

	if maxIdx < 0 {
		return raw
	}

	puctMax := 2*values[maxIdx] + p.CPUCT*priors[maxIdx]*math.Sqrt(totalN+Epsilon)/(1+float64(maxN))

	pruned := make([]VisitDistribution, len(edges))
	ok := true
	for i, e := range edges {
		if i == maxIdx {
			pruned[i] = raw[i]
			continue
		}
		denom := puctMax - 2*values[i]
		if denom <= 0 || math.IsNaN(denom) || math.IsInf(denom, 0) {
			ok = false
			break
		}
		nFloor := p.CPUCT*priors[i]*math.Sqrt(totalN)/denom - 1
		forced := float64(nForced[e.Action])
		pruned[i] = VisitDistribution{Action: e.Action, Count: math.Max(nFloor, math.Max(raw[i].Count-forced, 0))}
	}

	if !ok {
		return raw
	}
	for _, vd := range pruned {
		if math.IsNaN(vd.Count) || math.IsInf(vd.Count, 0) {
			return raw
		}
	}

	sum := 0.0
	for _, vd := range pruned {
		sum += vd.Count
	}
	if sum <= 0 {
		return raw
	}

	sort.SliceStable(pruned, func(i, j int) bool { return pruned[i].Action < pruned[j].Action })
	return pruned
}
