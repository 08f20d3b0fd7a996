// Command bench is a headless self-play benchmark, grounded on the
// teacher's cmd/debuggame (which ran one MCTS-driven game to completion
// and logged progress) but generalized across the three reference games
// and reporting search throughput instead of rendering a board.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/evaluator"
	"github.com/brensch/mctscore/games/connect4"
	"github.com/brensch/mctscore/games/othello"
	"github.com/brensch/mctscore/games/tictactoe"
	"github.com/brensch/mctscore/logging"
	"github.com/brensch/mctscore/search"
)

func main() {
	gameName := flag.String("game", "tictactoe", "game to benchmark: tictactoe, connect4, othello")
	sims := flag.Int64("sims", 800, "tree-size (real visit) limit per move")
	threads := flag.Int("threads", 8, "search threads")
	games := flag.Int("games", 5, "number of self-play games to run")
	flag.Parse()

	log := logging.Default()

	var totalVisits int64
	var totalMoves int64
	start := time.Now()

	for i := 0; i < *games; i++ {
		var err error
		var visits, moves int64
		switch *gameName {
		case "tictactoe":
			visits, moves, err = runGame(tictactoe.Game{}, tictactoe.Initial(), *sims, *threads, log)
		case "connect4":
			visits, moves, err = runGame(connect4.Game{}, connect4.Initial(), *sims, *threads, log)
		case "othello":
			visits, moves, err = runGame(othello.Game{}, othello.Initial(), *sims, *threads, log)
		default:
			fmt.Fprintf(os.Stderr, "unknown game %q\n", *gameName)
			os.Exit(1)
		}
		if err != nil {
			log.Error("game failed", slog.Int("game_index", i), slog.String("error", err.Error()))
			os.Exit(1)
		}
		totalVisits += visits
		totalMoves += moves
	}

	elapsed := time.Since(start)
	fmt.Printf("games=%d moves=%d visits=%d elapsed=%s visits/sec=%.0f moves/sec=%.1f\n",
		*games, totalMoves, totalVisits, elapsed, float64(totalVisits)/elapsed.Seconds(), float64(totalMoves)/elapsed.Seconds())
}

func runGame[S any](game mctscore.Game[S], initial S, sims int64, threads int, log *slog.Logger) (visits, moves int64, err error) {
	ev := evaluator.HeuristicEvaluator{NumPlayers: game.NumPlayers(), NumActions: game.NumActions()}
	svc := evaluator.New(ev, evaluator.Config{BatchSize: threads, BatchTimeout: time.Millisecond}, log)

	cfg := search.DefaultConfig()
	cfg.NumSearchThreads = threads

	mgr, merr := search.NewManager[S](game, svc, cfg, log)
	if merr != nil {
		return 0, 0, merr
	}
	if err := mgr.Start(); err != nil {
		return 0, 0, err
	}
	defer mgr.EndSession()

	state := initial
	for !game.IsTerminal(state) {
		results, serr := mgr.Search(state, search.SearchParams{TreeSizeLimit: sims})
		if serr != nil {
			return visits, moves, serr
		}
		visits += results.TotalVisits
		moves++

		best := results.Distribution[0]
		for _, d := range results.Distribution[1:] {
			if d.Visits > best.Visits {
				best = d
			}
		}

		next, outcome := game.Apply(state, best.Action)
		mgr.ReceiveStateChange(next, best.Action, outcome)
		state = next
	}
	return visits, moves, nil
}
