// Package nodecache implements the engine's transposition table: a
// per-move-number table mapping game-state fingerprints to node handles,
// enabling tree reuse across moves (spec §4.2).
package nodecache

import (
	"sort"
	"sync"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/arena"
	"github.com/brensch/mctscore/node"
)

type entry[S any] struct {
	canon string
	n     *node.Node[S]
}

// Cache is the NodeCache of spec §4.2: one coarse mutex around the whole
// map structure, since accesses are short (a handful of map lookups plus,
// on a miss, one node construction).
type Cache[S any] struct {
	mu   sync.Mutex
	game mctscore.Game[S]
	pool *arena.Pool[*node.Node[S]]

	// byMove[moveNumber][hash] holds every node whose fingerprint hashed to
	// that bucket; the (fingerprint) canonical string is compared before
	// treating two entries as the same position, so hash collisions are
	// never silently treated as identity (spec §4.2 failure semantics).
	byMove map[int]map[uint64][]entry[S]
}

// New constructs an empty cache. pool is used to register newly created
// nodes for arena accounting/defragmentation.
func New[S any](game mctscore.Game[S], pool *arena.Pool[*node.Node[S]]) *Cache[S] {
	return &Cache[S]{
		game:   game,
		pool:   pool,
		byMove: make(map[int]map[uint64][]entry[S]),
	}
}

// Clear erases all entries (called by SearchManager.clear).
func (c *Cache[S]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byMove = make(map[int]map[uint64][]entry[S])
}

// ClearBefore erases every entry whose move-number is strictly less than
// m (called by root-advance, since those positions can never recur).
func (c *Cache[S]) ClearBefore(m int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for move := range c.byMove {
		if move < m {
			delete(c.byMove, move)
		}
	}
}

// FetchOrCreate looks up the node for `state` at `moveNumber`, creating it
// if absent. outcome is the terminal/non-terminal result of whatever
// action produced `state` (the caller already computed it via Game.Apply).
func (c *Cache[S]) FetchOrCreate(moveNumber int, state S, outcome mctscore.Outcome) *node.Node[S] {
	key := c.game.Key(state)

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.byMove[moveNumber]
	if !ok {
		bucket = make(map[uint64][]entry[S])
		c.byMove[moveNumber] = bucket
	}

	for _, e := range bucket[key.Hash] {
		if e.canon == key.Canon {
			return e.n
		}
	}

	n := c.buildNode(state, outcome)
	h := c.pool.Alloc(n)
	n.SetHandle(h)

	bucket[key.Hash] = append(bucket[key.Hash], entry[S]{canon: key.Canon, n: n})
	return n
}

func (c *Cache[S]) buildNode(state S, outcome mctscore.Outcome) *node.Node[S] {
	numPlayers := c.game.NumPlayers()

	if outcome.Terminal {
		n := node.New[S](state, c.game.CurrentPlayer(state), nil, 0, numPlayers, true, outcome.Value.Clone())
		win := make([]bool, numPlayers)
		loss := make([]bool, numPlayers)
		winner := -1
		for p, v := range outcome.Value {
			if v == 1 {
				winner = p
			}
		}
		if winner >= 0 {
			win[winner] = true
			for p := range loss {
				if p != winner {
					loss[p] = true
				}
			}
		}
		n.Stats().SetProven(win, loss)
		return n
	}

	player := c.game.CurrentPlayer(state)
	valid := append([]int(nil), c.game.LegalActions(state)...)
	sort.Ints(valid) // deterministic edge order, per spec §3 invariant
	sym := c.game.CanonicalSymmetry(state)

	return node.New[S](state, player, valid, sym, numPlayers, false, nil)
}
