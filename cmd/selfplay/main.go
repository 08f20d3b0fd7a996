// Command selfplay runs many games concurrently against a HeuristicEvaluator
// (or, once wired to a trained model, a real OnnxEvaluator), recording
// training examples to Parquet while a bubbletea TUI shows live throughput.
// Grounded on the teacher's executor/main.go worker-pool + tea.Model
// dashboard, restructured around search.Manager instead of a bespoke MCTS
// loop and generalized across the three reference games.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/brensch/mctscore"
	"github.com/brensch/mctscore/evaluator"
	"github.com/brensch/mctscore/games/connect4"
	"github.com/brensch/mctscore/games/othello"
	"github.com/brensch/mctscore/games/tictactoe"
	"github.com/brensch/mctscore/logging"
	"github.com/brensch/mctscore/record"
	"github.com/brensch/mctscore/search"
	"github.com/brensch/mctscore/stream"
)

type gameDoneMsg struct {
	workerID int
	moves    int
	outcome  []float32
}

type tickMsg time.Time

type writeRequest struct {
	examples []record.Example
}

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	updates    chan gameDoneMsg
	gamesDone  int
	totalMoves int
	startTime  time.Time
	recent     []string
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.updates), tickCmd())
}

func waitForUpdate(updates chan gameDoneMsg) tea.Cmd {
	return func() tea.Msg { return <-updates }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tickMsg:
		return m, tickCmd()
	case gameDoneMsg:
		m.gamesDone++
		m.totalMoves += msg.moves
		line := fmt.Sprintf("worker %d: %d moves, outcome %v", msg.workerID, msg.moves, msg.outcome)
		m.recent = append([]string{line}, m.recent...)
		if len(m.recent) > 10 {
			m.recent = m.recent[:10]
		}
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m model) View() string {
	elapsed := time.Since(m.startTime)
	gps := float64(m.gamesDone) / elapsed.Seconds()
	mps := float64(m.totalMoves) / elapsed.Seconds()
	s := fmt.Sprintf("Games:   %d (%.2f/s)\nMoves:   %d (%.1f/s)\nElapsed: %s\n\nRecent:\n",
		m.gamesDone, gps, m.totalMoves, mps, elapsed.Round(time.Second))
	for _, l := range m.recent {
		s += l + "\n"
	}
	s += "\nPress q to quit.\n"
	return s
}

func main() {
	gameName := flag.String("game", "tictactoe", "game to self-play: tictactoe, connect4, othello")
	workers := flag.Int("workers", 8, "concurrent self-play games")
	sims := flag.Int64("sims", 200, "search tree-size limit per move")
	searchThreads := flag.Int("search-threads", 2, "search threads per game")
	outDir := flag.String("out-dir", "data/generated", "output directory for recorded Parquet batches")
	gamesPerFlush := flag.Int("games-per-flush", 20, "games buffered per Parquet flush")
	maxGames := flag.Int64("max-games", 0, "stop after this many games (0 = unbounded)")
	streamAddr := flag.String("stream-addr", "", "if set, serve live per-move search stats over websocket at ws://<addr>/ws")
	flag.Parse()

	log := logging.Default()
	updates := make(chan gameDoneMsg, *workers)
	writes := make(chan writeRequest, (*workers)*2)

	var hub *stream.Hub
	if *streamAddr != "" {
		hub = stream.NewHub()
		hubDone := make(chan struct{})
		go hub.Run(hubDone)
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		go func() {
			if err := http.ListenAndServe(*streamAddr, mux); err != nil {
				log.Error("stream server", slog.String("error", err.Error()))
			}
		}()
		log.Info("streaming search stats", slog.String("addr", *streamAddr))
	}

	writerDone := make(chan struct{})
	go func() {
		writerLoop(log, *outDir, *gamesPerFlush, writes)
		close(writerDone)
	}()

	var gamesStarted atomic.Int64
	spawn := func(workerID int, gameID string) {
		var moves int
		var outcome []float32
		var err error
		switch *gameName {
		case "tictactoe":
			moves, outcome, err = playOne(tictactoe.Game{}, tictactoe.Initial(), gameID, *sims, *searchThreads, writes, hub, log)
		case "connect4":
			moves, outcome, err = playOne(connect4.Game{}, connect4.Initial(), gameID, *sims, *searchThreads, writes, hub, log)
		case "othello":
			moves, outcome, err = playOne(othello.Game{}, othello.Initial(), gameID, *sims, *searchThreads, writes, hub, log)
		default:
			fmt.Fprintf(os.Stderr, "unknown game %q\n", *gameName)
			os.Exit(1)
		}
		if err != nil {
			log.Error("game failed", slog.Int("worker_id", workerID), slog.String("error", err.Error()))
			return
		}
		updates <- gameDoneMsg{workerID: workerID, moves: moves, outcome: outcome}
	}

	startNs := time.Now().UnixNano()
	for w := 0; w < *workers; w++ {
		go func(id int) {
			for {
				if *maxGames > 0 && gamesStarted.Load() >= *maxGames {
					return
				}
				n := gamesStarted.Add(1)
				gameID := fmt.Sprintf("selfplay_%d_%d_%d", startNs, id, n)
				spawn(id, gameID)
			}
		}(w)
	}

	p := tea.NewProgram(model{updates: updates, startTime: time.Now()})
	if _, err := p.Run(); err != nil {
		log.Error("tui", slog.String("error", err.Error()))
		os.Exit(1)
	}
	close(writes)
	<-writerDone
}

func playOne[S any](game mctscore.Game[S], initial S, gameID string, sims int64, threads int, writes chan<- writeRequest, hub *stream.Hub, log *slog.Logger) (int, []float32, error) {
	ev := evaluator.HeuristicEvaluator{NumPlayers: game.NumPlayers(), NumActions: game.NumActions()}
	svc := evaluator.New(ev, evaluator.Config{BatchSize: threads, BatchTimeout: time.Millisecond}, log)
	svc.Connect()
	defer svc.Close()

	cfg := search.DefaultConfig()
	cfg.NumSearchThreads = threads

	mgr, err := search.NewManager[S](game, svc, cfg, log)
	if err != nil {
		return 0, nil, err
	}
	if err := mgr.Start(); err != nil {
		return 0, nil, err
	}
	defer mgr.EndSession()

	state := initial
	var examples []record.Example
	moves := 0
	for !game.IsTerminal(state) {
		results, err := mgr.Search(state, search.SearchParams{TreeSizeLimit: sims})
		if err != nil {
			return moves, nil, err
		}

		policy := make([]float32, game.NumActions())
		var total float64
		for _, d := range results.Distribution {
			total += d.Visits
		}
		for _, d := range results.Distribution {
			if total > 0 {
				policy[d.Action] = float32(d.Visits / total)
			}
		}

		rootValue := make([]float32, len(results.RootValue))
		for i, v := range results.RootValue {
			rootValue[i] = float32(v)
		}

		best := results.Distribution[0]
		for _, d := range results.Distribution[1:] {
			if d.Visits > best.Visits {
				best = d
			}
		}

		if hub != nil {
			dist := make([]stream.Action, len(results.Distribution))
			for i, d := range results.Distribution {
				dist[i] = stream.Action{Action: d.Action, Visits: d.Visits}
			}
			hub.Publish(stream.Stat{
				GameID:       gameID,
				Move:         moves,
				RootValue:    results.RootValue,
				TotalVisits:  results.TotalVisits,
				Distribution: dist,
			})
		}

		examples = append(examples, record.Example{
			GameID:     gameID,
			Move:       int32(moves),
			Seat:       int32(game.CurrentPlayer(state)),
			InputShape: shapeOf(game.InputShape()),
			Input:      game.Tensorize(initial, state),
			Policy:     policy,
			RootValue:  rootValue,
			Source:     "selfplay",
		})

		next, outcome := game.Apply(state, best.Action)
		mgr.ReceiveStateChange(next, best.Action, outcome)
		state = next
		moves++

		if outcome.Terminal {
			outcomeF32 := make([]float32, len(outcome.Value))
			for i, v := range outcome.Value {
				outcomeF32[i] = float32(v)
			}
			record.BackfillValue(examples, outcomeF32)
			writes <- writeRequest{examples: examples}
			return moves, outcomeF32, nil
		}
	}
	return moves, nil, nil
}

func shapeOf(shape []int) []int32 {
	out := make([]int32, len(shape))
	for i, d := range shape {
		out[i] = int32(d)
	}
	return out
}

func writerLoop(log *slog.Logger, outDir string, gamesPerFlush int, writes <-chan writeRequest) {
	w, err := record.NewBatchWriter(outDir)
	if err != nil {
		log.Error("open batch writer", slog.String("error", err.Error()))
		return
	}
	for req := range writes {
		if err := w.WriteExamples(req.examples); err != nil {
			log.Error("write examples", slog.String("error", err.Error()))
			continue
		}
		if w.BufferedGames() >= gamesPerFlush {
			path, rows, games, err := w.Finalize()
			if err != nil {
				log.Error("finalize batch", slog.String("error", err.Error()))
			} else {
				log.Info("flushed batch", slog.String("path", path), slog.Int("rows", rows), slog.Int("games", games))
			}
			w, err = record.NewBatchWriter(outDir)
			if err != nil {
				log.Error("open batch writer", slog.String("error", err.Error()))
				return
			}
		}
	}
	if path, rows, games, err := w.Finalize(); err != nil {
		log.Error("finalize final batch", slog.String("error", err.Error()))
	} else if rows > 0 {
		log.Info("flushed final batch", slog.String("path", path), slog.Int("rows", rows), slog.Int("games", games))
	}
}
