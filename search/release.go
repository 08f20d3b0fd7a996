package search

import (
	"sync"

	"github.com/brensch/mctscore/arena"
	"github.com/brensch/mctscore/node"
)

// ReleaseService is the low-priority background thread of spec §2/§5 that
// frees subtrees detached by a root advance, off the critical path. It owns
// a private mutex + condition variable and a front/back queue-swap pattern
// so enqueuing a subtree for release never blocks on the drain itself.
type ReleaseService[S any] struct {
	pool *arena.Pool[*node.Node[S]]

	mu      sync.Mutex
	cond    *sync.Cond
	front   []*node.Node[S]
	back    []*node.Node[S]
	stopped bool
}

// NewReleaseService starts the background drain goroutine.
func NewReleaseService[S any](pool *arena.Pool[*node.Node[S]]) *ReleaseService[S] {
	r := &ReleaseService[S]{pool: pool}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

// Enqueue hands a detached subtree's root to the release service; the
// caller must not touch n again.
func (r *ReleaseService[S]) Enqueue(n *node.Node[S]) {
	r.mu.Lock()
	r.front = append(r.front, n)
	r.cond.Signal()
	r.mu.Unlock()
}

func (r *ReleaseService[S]) loop() {
	for {
		r.mu.Lock()
		for len(r.front) == 0 && !r.stopped {
			r.cond.Wait()
		}
		if r.stopped && len(r.front) == 0 {
			r.mu.Unlock()
			return
		}
		r.front, r.back = r.back, r.front
		batch := r.back
		r.back = nil
		r.mu.Unlock()

		for _, n := range batch {
			releaseSubtree(n)
		}
	}
}

func releaseSubtree[S any](n *node.Node[S]) {
	if n == nil {
		return
	}
	for _, e := range n.Edges() {
		releaseSubtree(e.Child())
	}
	// Dropping the last reference here (the caller already removed n from
	// NodeCache and from its parent edge) lets the garbage collector
	// reclaim it; see arena.Pool's doc comment for why Compact, not an
	// explicit free, is what actually shrinks the pool.
}

// Stop halts the background goroutine once its queue drains.
func (r *ReleaseService[S]) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.cond.Broadcast()
	r.mu.Unlock()
}
