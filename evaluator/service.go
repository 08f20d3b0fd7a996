// Package evaluator implements the EvaluatorService of spec §4.3/§5: a
// double-buffered batching front-end over an Evaluator, backed by an LRU
// cache of prior evaluations, grounded on the teacher's
// executor/inference.OnnxClient batch loop but restructured around the
// spec's explicit reserve/commit/read protocol rather than a request
// channel; a ticker remains only to flush partially-filled batches.
package evaluator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/logging"
)

// Config controls one Service's batching behaviour.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	CacheSize    int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Millisecond
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1 << 16
	}
	return c
}

// Request is one search thread's evaluation ask. Input is the already
// tensorized (and, if the thread applies random-symmetry augmentation,
// already rotated) network input. InvertPolicy undoes whatever rotation
// was applied to Input so the cache always stores the policy in the
// requesting node's own (untransformed) orientation; pass the identity
// function when no rotation was applied.
type Request struct {
	Input       []float32
	Key         CacheKey
	InvertPolicy func(logits []float32) []float32
}

// Result is what a request gets back: an evaluation in the node's own orientation,
// plus whether it came from cache (useful for stats/debugging).
type Result struct {
	Eval      *Evaluation
	FromCache bool
}

type slot struct {
	req    Request
	result Result
	err    error
}

// Service is the EvaluatorService of spec §4.3: many SearchThreads call
// Evaluate concurrently; the service batches up to BatchSize requests (or
// flushes early on BatchTimeout) and drives one underlying Evaluator.Predict
// call per batch.
//
// The reserve/commit/read protocol below follows spec §5 literally:
//  1. cache check (own cacheMu, no coordination needed)
//  2. reserve a slot index under metaMu, blocking while a previous batch is
//     still being read out
//  3. write the tensorized input into the shared batch buffer under batchMu
//  4. commit: tell the service loop this slot is filled, then wait for the
//     loop to run the batch and flip back to "accepting reservations"
//  5. read the slot's result
type Service struct {
	evaluator mctscore.Evaluator
	cache     *lru
	cfg       Config

	metaMu               sync.Mutex
	cvCommitted          *sync.Cond // broadcast when a batch's last result is read and reservations reopen
	cvBatchDone          *sync.Cond // signaled once a batch has been run and slots can be read
	reserveIndex         int
	commitCount          int
	unreadCount          int
	acceptingReservations bool
	deadlineArmed        bool

	batchMu sync.Mutex
	slots   []slot

	connMu    sync.Mutex
	connCount int
	closeCh   chan struct{}

	statsMu     sync.Mutex
	totalBatches int64
	totalItems   int64

	log *slog.Logger
}

// New constructs a Service. The evaluator is called with batches no larger
// than cfg.BatchSize. The batching thread itself is not started until the
// first Connect call (spec §4.3). A nil logger falls back to
// logging.Default().
func New(ev mctscore.Evaluator, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	s := &Service{
		evaluator:             ev,
		cache:                 newLRU(cfg.CacheSize),
		cfg:                   cfg,
		slots:                 make([]slot, cfg.BatchSize),
		acceptingReservations: true,
		log:                   logger,
	}
	s.cvCommitted = sync.NewCond(&s.metaMu)
	s.cvBatchDone = sync.NewCond(&s.metaMu)
	return s
}

// Connect reference-counts the batching thread's lifecycle: the first
// connect spawns it, matching spec §4.3.
func (s *Service) Connect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.connCount++
	if s.connCount == 1 {
		s.closeCh = make(chan struct{})
		go s.timeoutLoop()
	}
}

// Disconnect reverses one Connect; the last disconnect tears the thread
// down.
func (s *Service) Disconnect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connCount == 0 {
		return
	}
	s.connCount--
	if s.connCount == 0 {
		close(s.closeCh)
	}
}

// Close is an alias for a final Disconnect, useful for defer in tests/CLIs
// that never Connect more than once.
func (s *Service) Close() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.connCount > 0 {
		s.connCount = 0
		close(s.closeCh)
	}
}

// Evaluate runs the full five-step protocol for one request and blocks
// until the batch containing it has been evaluated.
func (s *Service) Evaluate(req Request) (Result, error) {
	if eval, ok := s.cache.Get(req.Key); ok {
		return Result{Eval: eval, FromCache: true}, nil
	}

	i := s.reserve()

	s.batchMu.Lock()
	s.slots[i] = slot{req: req}
	s.batchMu.Unlock()

	s.commit(i)

	s.metaMu.Lock()
	for s.unreadCount == 0 {
		s.cvBatchDone.Wait()
	}
	s.metaMu.Unlock()

	res := s.slots[i].result
	err := s.slots[i].err

	s.metaMu.Lock()
	s.unreadCount--
	if s.unreadCount == 0 {
		s.acceptingReservations = true
		s.cvCommitted.Broadcast() // wake reservers waiting on acceptingReservations
	}
	s.metaMu.Unlock()

	return res, err
}

// reserve blocks until a slot is available in the current batch and
// returns its index, arming the timeout deadline if this is the batch's
// first reservation.
func (s *Service) reserve() int {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	for !s.acceptingReservations || s.reserveIndex >= s.cfg.BatchSize {
		s.cvCommitted.Wait()
	}
	i := s.reserveIndex
	s.reserveIndex++
	if i == 0 {
		s.deadlineArmed = true
	}
	return i
}

// commit marks slot i filled; if the batch is full and every reserved slot
// has now committed, it runs the batch inline (the last committer pays for
// the Predict call, matching the teacher's batchLoop which runs on
// whichever goroutine trips the size threshold).
func (s *Service) commit(i int) {
	s.metaMu.Lock()
	s.commitCount++
	full := s.reserveIndex >= s.cfg.BatchSize
	allCommitted := s.commitCount == s.reserveIndex
	ready := full && allCommitted
	s.metaMu.Unlock()

	if ready {
		s.runBatch()
	}
}

// timeoutLoop checks on every tick of a BatchTimeout ticker started at
// Connect, and flushes a partially-filled batch on the first tick at which
// all of its reservations have committed; the wait is not measured from the
// batch's first reservation. Mirrors the teacher's ticker-driven flush.
func (s *Service) timeoutLoop() {
	t := time.NewTicker(s.cfg.BatchTimeout)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			s.metaMu.Lock()
			shouldFlush := s.deadlineArmed && s.reserveIndex > 0 && s.commitCount == s.reserveIndex
			s.metaMu.Unlock()
			if shouldFlush {
				s.runBatch()
			}
		}
	}
}

// runBatch executes the current batch and resets the service for the next
// one. Safe to call from any goroutine that observed the batch as ready;
// a metaMu check keeps double-runs from a race between commit and the
// ticker from firing twice.
func (s *Service) runBatch() {
	s.metaMu.Lock()
	n := s.reserveIndex
	if n == 0 || s.commitCount != n {
		// A reservation landed between the caller's readiness check and this
		// lock (the ticker in timeoutLoop checks metaMu, releases it, then
		// calls here): its slot isn't written yet, so running now would read
		// a zero-value Request. Whoever commits that reservation will make
		// this batch ready again, via commit's own check or the next tick.
		s.metaMu.Unlock()
		return
	}
	s.reserveIndex = 0
	s.commitCount = 0
	s.deadlineArmed = false
	s.acceptingReservations = false
	s.metaMu.Unlock()

	s.batchMu.Lock()
	inputs := make([][]float32, n)
	for i := 0; i < n; i++ {
		inputs[i] = s.slots[i].req.Input
	}
	s.batchMu.Unlock()

	values, policies, err := s.evaluator.Predict(inputs)
	if err != nil {
		s.log.Error("evaluator batch failed", slog.Int("batch_size", n), slog.String("error", err.Error()))
	}

	s.batchMu.Lock()
	for i := 0; i < n; i++ {
		if err != nil {
			s.slots[i].err = fmt.Errorf("evaluator predict: %w", err)
			continue
		}
		invert := s.slots[i].req.InvertPolicy
		policy := policies[i]
		if invert != nil {
			policy = invert(policy)
		}
		eval := &Evaluation{Value: values[i], Policy: policy}
		s.cache.Put(s.slots[i].req.Key, eval)
		s.slots[i].result = Result{Eval: eval}
	}
	s.batchMu.Unlock()

	s.statsMu.Lock()
	s.totalBatches++
	s.totalItems += int64(n)
	s.statsMu.Unlock()

	s.metaMu.Lock()
	s.unreadCount = n
	s.cvBatchDone.Broadcast()
	s.metaMu.Unlock()
}

// Stats reports batching and cache throughput for dashboards/bench output.
type Stats struct {
	TotalBatches int64
	TotalItems   int64
	AvgBatchSize float64
	CacheHits    int64
	CacheMisses  int64
	CacheSize    int
}

func (s *Service) Stats() Stats {
	s.statsMu.Lock()
	batches, items := s.totalBatches, s.totalItems
	s.statsMu.Unlock()

	hits, misses, size := s.cache.Stats()

	avg := 0.0
	if batches > 0 {
		avg = float64(items) / float64(batches)
	}
	return Stats{
		TotalBatches: batches,
		TotalItems:   items,
		AvgBatchSize: avg,
		CacheHits:    hits,
		CacheMisses:  misses,
		CacheSize:    size,
	}
}
