// Package record writes self-play training examples to Parquet, grounded
// on the teacher's store.WriteBatchParquetAtomic/BatchWriter (which wrote
// Battlesnake-specific TrainingRow/ArchiveTurnRow schemas) generalized to
// spec §6.5's game-agnostic training example: a tensorized input, the
// target policy (pruned visit distribution), and the terminal value.
package record

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// Example is one (state, search output) pair recorded for training. Input
// is the flat Tensorize() output; InputShape is the trailing shape needed
// to reconstruct it. Policy is NumActions() wide, zero at illegal actions,
// built from the search's Results.Distribution (target-pruned only when
// forced playouts are enabled for an exploring search). Value is the
// per-seat outcome eventually backfilled once the game concludes.
type Example struct {
	GameID      string    `parquet:"game_id,dict"`
	Move        int32     `parquet:"move"`
	Seat        int32     `parquet:"seat"`
	InputShape  []int32   `parquet:"input_shape"`
	Input       []float32 `parquet:"input"`
	Policy      []float32 `parquet:"policy"`
	RootValue   []float32 `parquet:"root_value"`
	Value       []float32 `parquet:"value"`
	Temperature float32   `parquet:"temperature"`
	Source      string    `parquet:"source,dict"`
}

// BackfillValue sets the terminal outcome on every example of a finished
// game; called once self-play knows who actually won.
func BackfillValue(examples []Example, outcome []float32) {
	for i := range examples {
		examples[i].Value = outcome
	}
}

// BatchWriter accumulates Examples from one or more finished games and
// flushes them as a single Parquet file, written to outDir/tmp/ and moved
// into outDir only once fully written, so readers never observe a partial
// file (same atomic-rename discipline as the teacher's writer).
type BatchWriter struct {
	outDir  string
	tmpPath string
	outPath string

	file   *os.File
	writer *parquet.GenericWriter[Example]

	bufferedGames int
	bufferedRows  int
}

func NewBatchWriter(outDir string) (*BatchWriter, error) {
	if outDir == "" {
		return nil, fmt.Errorf("outDir is required")
	}
	absOut, err := filepath.Abs(outDir)
	if err != nil {
		absOut = outDir
	}
	tmpDir := filepath.Join(absOut, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}

	name := fmt.Sprintf("batch_%d.parquet", time.Now().UnixNano())
	tmpPath := filepath.Join(tmpDir, name)
	outPath := filepath.Join(absOut, name)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open tmp parquet: %w", err)
	}

	w := parquet.NewGenericWriter[Example](
		f,
		parquet.Compression(&zstd.Codec{Level: zstd.SpeedBetterCompression}),
		parquet.SkipPageBounds("input"),
	)
	w.SetKeyValueMetadata("schema", "mctscore_example_v1")

	return &BatchWriter{outDir: absOut, tmpPath: tmpPath, outPath: outPath, file: f, writer: w}, nil
}

func (b *BatchWriter) BufferedGames() int { return b.bufferedGames }
func (b *BatchWriter) BufferedRows() int  { return b.bufferedRows }

func (b *BatchWriter) WriteExamples(rows []Example) error {
	if b.writer == nil || b.file == nil {
		return fmt.Errorf("batch writer is closed")
	}
	if len(rows) == 0 {
		return nil
	}
	if _, err := b.writer.Write(rows); err != nil {
		return err
	}
	b.bufferedRows += len(rows)
	b.bufferedGames++
	return nil
}

// Finalize closes the Parquet writer and moves the file from tmp/ into
// outDir. If no rows were ever written, the tmp file is discarded and
// outPath is returned empty.
func (b *BatchWriter) Finalize() (outPath string, rows int, games int, err error) {
	if b.writer == nil && b.file == nil {
		return "", 0, 0, nil
	}
	rows, games, outPath = b.bufferedRows, b.bufferedGames, b.outPath

	var closeErr, fileErr error
	if b.writer != nil {
		closeErr = b.writer.Close()
		b.writer = nil
	}
	if b.file != nil {
		_ = b.file.Sync()
		fileErr = b.file.Close()
		b.file = nil
	}
	if closeErr != nil {
		return "", 0, 0, fmt.Errorf("close parquet writer: %w", closeErr)
	}
	if fileErr != nil {
		return "", 0, 0, fmt.Errorf("close parquet file: %w", fileErr)
	}
	if rows == 0 {
		_ = os.Remove(b.tmpPath)
		return "", 0, 0, nil
	}
	if err := os.Rename(b.tmpPath, b.outPath); err != nil {
		return "", 0, 0, fmt.Errorf("rename parquet: %w", err)
	}
	return outPath, rows, games, nil
}
