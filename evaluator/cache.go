package evaluator

import (
	"container/list"
	"sync"

	"github.com/brensch/mctscore"
)

// CacheKey identifies one cached evaluation: a position's fingerprint
// (hash + canonical bytes, to break collisions) paired with the symmetry
// index the node was canonicalized under.
type CacheKey struct {
	Hash  uint64
	Canon string
	Sym   int
}

// Evaluation is a (value, policy-logits) pair as returned by the network,
// already corrected back to the node's own (untransformed) orientation.
type Evaluation struct {
	Value  mctscore.ValueArray
	Policy []float32
}

// lru is a hand-rolled LRU cache (container/list + map). No third-party
// LRU library appears anywhere in the example corpus (see DESIGN.md), so
// this follows the stdlib container/list idiom directly.
type lru struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[CacheKey]*list.Element

	hits   int64
	misses int64
}

type lruEntry struct {
	key  CacheKey
	eval *Evaluation
}

func newLRU(capacity int) *lru {
	if capacity <= 0 {
		capacity = 1
	}
	return &lru{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[CacheKey]*list.Element, capacity),
	}
}

func (c *lru) Get(key CacheKey) (*Evaluation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).eval, true
}

func (c *lru) Put(key CacheKey, eval *Evaluation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).eval = eval
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry{key: key, eval: eval})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (c *lru) Stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.ll.Len()
}
