package search

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/arena"
	"github.com/brensch/mctscore/evaluator"
	"github.com/brensch/mctscore/logging"
	"github.com/brensch/mctscore/node"
	"github.com/brensch/mctscore/nodecache"
	"github.com/brensch/mctscore/puct"
)

// SearchParams are the per-call parameters of spec §4.8's SearchParams.
type SearchParams struct {
	TreeSizeLimit      int64
	DisableExploration bool
}

// PonderingParams derives a ponder-time tree size limit from Config.
func (m *Manager[S]) ponderingParams() SearchParams {
	return SearchParams{TreeSizeLimit: int64(m.cfg.PonderingTreeSizeLimit)}
}

// ActionVisit is one entry of a SearchResults.Distribution.
type ActionVisit struct {
	Action int
	Visits float64
}

// Results is the well-formed struct spec §7 promises: either search()
// returns one of these, or it fails fatally (no partial results).
type Results struct {
	RootValue    mctscore.ValueArray
	Distribution []ActionVisit
	TotalVisits  int64
}

// Manager is the SearchManager of spec §4.8: it owns the root, spawns and
// joins SearchThread workers, applies opponent moves via receive_state_change,
// and manages pondering.
type Manager[S any] struct {
	game  mctscore.Game[S]
	cfg   Config
	pool  *arena.Pool[*node.Node[S]]
	cache *nodecache.Cache[S]
	evalr *evaluator.Service
	rel   *ReleaseService[S]

	mu             sync.Mutex
	root           *node.Node[S]
	rootMoveNumber int
	started        bool

	temp TemperatureSchedule

	active      atomic.Bool
	threads     []*Thread[S]
	ponderStop  chan struct{}
	ponderWG    sync.WaitGroup
	seedCounter int64

	log *slog.Logger
}

// NewManager validates cfg and constructs a Manager over game, evalr, and a
// fresh node arena/cache/release service. A nil logger falls back to
// logging.Default().
func NewManager[S any](game mctscore.Game[S], evalr *evaluator.Service, cfg Config, logger *slog.Logger) (*Manager[S], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool := arena.NewPool[*node.Node[S]](1 << 16)
	return &Manager[S]{
		game:  game,
		cfg:   cfg,
		pool:  pool,
		cache: nodecache.New[S](game, pool),
		evalr: evalr,
		rel:   NewReleaseService[S](pool),
		temp:  cfg.RootSoftmaxTemperature,
		log:   logger,
	}, nil
}

// Start resets the root-softmax-temperature schedule and connects to the
// evaluator on first call (spec §4.8).
func (m *Manager[S]) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temp.Reset()
	if !m.started {
		m.evalr.Connect()
		m.started = true
		m.log.Info("search manager started", slog.Int("num_threads", m.cfg.NumSearchThreads))
	}
	return nil
}

// Clear stops any workers, drops the root, releases its subtree via
// ReleaseService, and compacts the node arena down to nothing (spec §4.1):
// with no root to keep live, every handle the pool has ever issued is
// dropped.
func (m *Manager[S]) Clear() {
	m.stopPondering()
	m.active.Store(false)
	m.mu.Lock()
	root := m.root
	m.root = nil
	m.cache.Clear()
	m.pool.Compact(nil)
	m.mu.Unlock()
	if root != nil {
		m.rel.Enqueue(root)
	}
}

// compactArena implements spec §4.1's Defragment step: walk the live tree
// from root, keep only those handles in the arena, and fix up each
// surviving node's handle to match. Called with search threads stopped
// (ReceiveStateChange/Clear's caller contract), so Compact's "no concurrent
// Alloc/Get/Set" requirement holds.
func (m *Manager[S]) compactArena(root *node.Node[S]) {
	if root == nil {
		return
	}
	visited := map[*node.Node[S]]bool{}
	var live []*node.Node[S]
	var walk func(n *node.Node[S])
	walk = func(n *node.Node[S]) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		live = append(live, n)
		for _, e := range n.Edges() {
			walk(e.Child())
		}
	}
	walk(root)

	handles := make([]arena.Handle, len(live))
	for i, n := range live {
		handles[i] = n.Handle()
	}
	remap := m.pool.Compact(handles)
	for _, n := range live {
		n.SetHandle(remap[n.Handle()])
	}
}

// EndSession disconnects from the evaluator (spec §4.8).
func (m *Manager[S]) EndSession() {
	m.stopPondering()
	m.mu.Lock()
	started := m.started
	m.started = false
	m.mu.Unlock()
	if started {
		m.evalr.Disconnect()
	}
	m.rel.Stop()
	m.log.Info("search manager session ended")
}

// ReceiveStateChange implements spec §4.8: steps the softmax schedule,
// locates the child corresponding to `action`, detaches it as the new
// root, and releases the old root minus the protected child. Optionally
// restarts pondering.
func (m *Manager[S]) ReceiveStateChange(state S, action int, outcome mctscore.Outcome) {
	m.stopPondering()
	m.temp.Step()

	m.mu.Lock()
	oldRoot := m.root
	var newRoot *node.Node[S]
	if oldRoot != nil {
		if e := oldRoot.EdgeForAction(action); e != nil {
			newRoot = e.Child()
		}
	}
	if newRoot == nil {
		newRoot = m.cache.FetchOrCreate(m.rootMoveNumber+1, state, outcome)
	}
	m.root = newRoot
	m.rootMoveNumber++
	m.cache.ClearBefore(m.rootMoveNumber)
	m.compactArena(newRoot)
	m.mu.Unlock()

	if oldRoot != nil && oldRoot != newRoot {
		m.rel.Enqueue(oldRoot)
	}

	if m.cfg.EnablePondering {
		m.startPondering()
	}
}

// Search implements spec §4.8: stop any pondering, (re)create the root if
// absent, launch N workers, join, optionally target-prune, return results.
func (m *Manager[S]) Search(state S, params SearchParams) (Results, error) {
	m.stopPondering()

	m.mu.Lock()
	if m.root == nil {
		m.root = m.cache.FetchOrCreate(m.rootMoveNumber, state, mctscore.Outcome{})
	}
	root := m.root
	rootMoveNumber := m.rootMoveNumber
	m.mu.Unlock()

	dirichletActive := !params.DisableExploration && m.cfg.DirichletMult > 0

	m.active.Store(true)
	m.ensureThreads()
	for _, th := range m.threads {
		th.cfg.RootSoftmaxTemperature = m.temp
		th.Bind(root, rootMoveNumber, &m.active, dirichletActive)
	}

	limit := params.TreeSizeLimit
	if limit <= 0 {
		limit = 1
	}

	var wg sync.WaitGroup
	var fatalMu sync.Mutex
	var fatal error
	for _, th := range m.threads {
		wg.Add(1)
		go func(t *Thread[S]) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err, ok := r.(error)
					if !ok {
						err = &IntegrityError{Msg: "panic in search thread"}
					}
					fatalMu.Lock()
					if fatal == nil {
						fatal = err
					}
					fatalMu.Unlock()
					m.active.Store(false)
				}
			}()
			for m.needsMoreVisits(root, limit) {
				t.RunOnce()
			}
		}(th)
	}
	wg.Wait()
	m.active.Store(false)

	if fatal != nil {
		m.log.Error("search terminated fatally", slog.String("error", fatal.Error()))
		return Results{}, fatal
	}

	results, err := m.assembleResults(root, params)
	if err == nil {
		m.log.Debug("search complete", slog.Int64("total_visits", results.TotalVisits))
	}
	return results, err
}

func (m *Manager[S]) needsMoreVisits(root *node.Node[S], limit int64) bool {
	if !m.active.Load() {
		return false
	}
	_, real, _ := root.Stats().Snapshot()
	return real <= limit
}

func (m *Manager[S]) ensureThreads() {
	if len(m.threads) == m.cfg.NumSearchThreads {
		return
	}
	m.threads = make([]*Thread[S], m.cfg.NumSearchThreads)
	for i := range m.threads {
		seed := atomic.AddInt64(&m.seedCounter, 1)
		m.threads[i] = NewThread[S](i, m.game, m.evalr, m.cache, m.cfg, seed)
	}
}

func (m *Manager[S]) assembleResults(root *node.Node[S], params SearchParams) (Results, error) {
	valueAvg, _, _ := root.Stats().Snapshot()

	edges := root.Edges()
	dist := make([]puctDist, len(edges))
	var edgeTotal int64
	for i, e := range edges {
		n := e.Count()
		edgeTotal += n
		dist[i] = puctDist{action: e.Action, count: float64(n)}
	}

	if m.cfg.ForcedPlayouts && !params.DisableExploration {
		nForced := map[int]int64{}
		pruned := puct.TargetPrune(edges, root.Player, nForced, m.cfg.puctParams(true, m.cfg.DirichletMult > 0))
		if !isIntegrityBroken(pruned) {
			dist = distFromPuct(pruned)
		}
	}

	sort.Slice(dist, func(i, j int) bool { return dist[i].action < dist[j].action })

	out := make([]ActionVisit, len(dist))
	for i, d := range dist {
		out[i] = ActionVisit{Action: d.action, Visits: d.count}
	}

	return Results{RootValue: valueAvg, Distribution: out, TotalVisits: edgeTotal}, nil
}

type puctDist struct {
	action int
	count  float64
}

func distFromPuct(vd []puct.VisitDistribution) []puctDist {
	out := make([]puctDist, len(vd))
	for i, v := range vd {
		out[i] = puctDist{action: v.Action, count: v.Count}
	}
	return out
}

func isIntegrityBroken(vd []puct.VisitDistribution) bool {
	sum := 0.0
	for _, v := range vd {
		sum += v.Count
	}
	return sum <= 0
}

func (m *Manager[S]) startPondering() {
	if !m.cfg.EnablePondering {
		return
	}
	m.mu.Lock()
	root := m.root
	rootMoveNumber := m.rootMoveNumber
	m.mu.Unlock()
	if root == nil {
		return
	}

	m.active.Store(true)
	m.ensureThreads()
	for _, th := range m.threads {
		th.cfg.RootSoftmaxTemperature = m.temp
		th.Bind(root, rootMoveNumber, &m.active, false)
	}

	stop := make(chan struct{})
	m.ponderStop = stop
	limit := m.ponderingParams().TreeSizeLimit
	if limit <= 0 {
		limit = 1 << 30
	}

	for _, th := range m.threads {
		m.ponderWG.Add(1)
		go func(t *Thread[S]) {
			defer m.ponderWG.Done()
			for m.needsMoreVisits(root, limit) {
				select {
				case <-stop:
					return
				default:
				}
				t.RunOnce()
			}
		}(th)
	}
}

func (m *Manager[S]) stopPondering() {
	if m.ponderStop == nil {
		return
	}
	m.active.Store(false)
	close(m.ponderStop)
	m.ponderWG.Wait()
	m.ponderStop = nil
}
