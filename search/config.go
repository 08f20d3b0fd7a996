// Package search implements SearchThread and SearchManager (spec §4.5,
// §4.8): the per-simulation descend/evaluate/expand/backprop algorithm and
// the worker lifecycle that drives it, grounded on the teacher's
// executor/mcts package but restructured around the generic Game contract.
package search

import (
	"fmt"
	"time"

	"github.com/brensch/mctscore/puct"
)

// ConfigError is a fatal misconfiguration detected at SearchManager
// construction time (spec §7, error taxonomy item 1).
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("search config: %s: %s", e.Field, e.Msg) }

// IntegrityError is a fatal internal-consistency failure discovered during
// search (spec §7, error taxonomy item 2): non-finite/empty pruning output,
// a mis-stored policy index, a corrupted cache hit.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string { return "search integrity: " + e.Msg }

// Config holds the full "recognized knobs" list of spec §6.3.
type Config struct {
	NumSearchThreads int
	BatchSizeLimit   int

	EnablePondering         bool
	PonderingTreeSizeLimit  int

	EvalTimeout   time.Duration
	EvalCacheSize int

	RootSoftmaxTemperature TemperatureSchedule

	CPUCT, CFPU float64

	DirichletMult        float64
	DirichletAlphaFactor float64

	ForcedPlayouts         bool
	EnableFirstPlayUrgency bool
	AvoidProvenLosers      bool
	ExploitProvenWinners   bool
	ApplyRandomSymmetries  bool
	KForced                float64

	ProfilingDir string
	Profiling    bool
}

// DefaultConfig mirrors the defaults named explicitly in spec §6.3.
func DefaultConfig() Config {
	return Config{
		NumSearchThreads:       8,
		BatchSizeLimit:         64,
		EvalTimeout:            250 * time.Microsecond,
		EvalCacheSize:          1 << 16,
		RootSoftmaxTemperature: TemperatureSchedule{Start: 1.0, End: 1.0, Rate: 0},
		CPUCT:                  1.25,
		CFPU:                   0.25,
		DirichletMult:          0.25,
		DirichletAlphaFactor:   10.8,
		KForced:                2.0,
	}
}

// Validate implements spec §7's construction-time configuration checks.
func (c Config) Validate() error {
	if c.NumSearchThreads < 1 {
		return &ConfigError{Field: "num_search_threads", Msg: "must be >= 1"}
	}
	if c.BatchSizeLimit < 1 {
		return &ConfigError{Field: "batch_size_limit", Msg: "must be >= 1"}
	}
	if c.EnablePondering && c.NumSearchThreads < 2 {
		return &ConfigError{Field: "enable_pondering", Msg: "requires >= 2 search threads"}
	}
	if c.Profiling && c.ProfilingDir == "" {
		return &ConfigError{Field: "profiling_dir", Msg: "must be set when profiling is enabled"}
	}
	return nil
}

// puctParams projects the Config's relevant knobs into puct.Params for a
// given position (root or not, Dirichlet active or not).
func (c Config) puctParams(atRoot, dirichletActive bool) puct.Params {
	return puct.Params{
		CPUCT:                  c.CPUCT,
		CFPU:                   c.CFPU,
		EnableFirstPlayUrgency: c.EnableFirstPlayUrgency,
		ForcedPlayouts:         c.ForcedPlayouts,
		KForced:                c.KForced,
		AtRoot:                 atRoot,
		DirichletActive:        dirichletActive,
		AvoidProvenLosers:      c.AvoidProvenLosers,
		ExploitProvenWinners:   c.ExploitProvenWinners,
	}
}
