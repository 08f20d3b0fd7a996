// Package zobrist provides a small incremental position-hashing table
// shared by the reference games, grounded on
// _examples/TheKrainBow-gomoku/backend/zobrist.go's splitmix64-seeded
// per-cell table, generalized to an arbitrary number of cells and piece
// kinds (tic-tac-toe, connect4 and othello: 2 kinds per cell plus a
// side-to-move toggle).
package zobrist

// Table holds one random uint64 per (cell, kind) pair plus a side-to-move
// toggle. A table is deterministic given (numCells, numKinds): the same
// process always derives the same table for the same board shape, which is
// what NodeCache.FetchOrCreate's equality-via-canon-string check relies on
// to cheaply break any hash collision.
type Table struct {
	cells []uint64 // numCells * numKinds
	side  uint64
	kinds int
}

// New builds a table for a board of numCells cells, each of which may hold
// one of numKinds non-empty markers.
func New(numCells, numKinds int) *Table {
	rng := splitmix64{state: 0x9e3779b97f4a7c15 ^ uint64(numCells)<<32 ^ uint64(numKinds)}
	t := &Table{cells: make([]uint64, numCells*numKinds), kinds: numKinds}
	for i := range t.cells {
		t.cells[i] = rng.next()
	}
	t.side = rng.next()
	return t
}

// Cell returns the hash contribution of placing `kind` (0-based) at
// `cell` (0-based).
func (t *Table) Cell(cell, kind int) uint64 {
	return t.cells[cell*t.kinds+kind]
}

// Side returns the hash contribution of "it is the second player's turn".
func (t *Table) Side() uint64 { return t.side }

type splitmix64 struct{ state uint64 }

func (s *splitmix64) next() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
