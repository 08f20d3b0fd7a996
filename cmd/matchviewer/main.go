// Command matchviewer is a small HTTP dashboard over recorded self-play
// data, grounded on the teacher's cmd/matchviewer: DuckDB queries Parquet
// batches directly (no import step), while the session/move ledger comes
// from mctscore/store's SQLite database. Trimmed from the teacher's
// Battlesnake-specific board replay and MCTS-tree inspector views (which
// had no equivalent in SPEC_FULL.md) down to the two views the spec's
// record/store schema actually supports: a game list (game id, move count,
// average temperature), and a
// per-session move-by-move search trace.
package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/brensch/mctscore/logging"
	"github.com/brensch/mctscore/store"
)

type ExampleSummary struct {
	GameID    string  `json:"game_id"`
	MoveCount int64   `json:"move_count"`
	AvgTemp   float64 `json:"avg_temperature"`
}

type ExamplesResponse struct {
	Total    int64            `json:"total"`
	Examples []ExampleSummary `json:"examples"`
}

type SessionDetail struct {
	store.Session
	Moves []store.Move `json:"moves"`
}

func main() {
	addr := flag.String("addr", ":8089", "HTTP listen address")
	parquetDir := flag.String("parquet-dir", "data/records", "directory of recorded Parquet batches")
	storePath := flag.String("store", "data/sessions.db", "path to the session-history SQLite ledger")
	flag.Parse()

	log := logging.Default()

	db, err := store.New(*storePath)
	if err != nil {
		log.Error("open session store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/examples", examplesHandler(log, *parquetDir))
	mux.HandleFunc("/api/sessions", sessionsHandler(log, db))
	mux.HandleFunc("/api/sessions/", sessionDetailHandler(log, db))
	mux.HandleFunc("/", indexHandler)

	log.Info("matchviewer listening", slog.String("addr", *addr))
	if err := http.ListenAndServe(*addr, withCORS(mux)); err != nil {
		log.Error("http server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func findParquetFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort: a missing or half-written dir shouldn't 500 the whole handler
		}
		if !info.IsDir() && strings.HasSuffix(path, ".parquet") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func openDuckDB(files []string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if len(files) == 0 {
		return db, nil
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = "'" + strings.ReplaceAll(f, "'", "''") + "'"
	}
	view := fmt.Sprintf("CREATE VIEW examples AS SELECT * FROM read_parquet([%s])", strings.Join(quoted, ","))
	if _, err := db.Exec(view); err != nil {
		db.Close()
		return nil, fmt.Errorf("create examples view: %w", err)
	}
	return db, nil
}

// examplesHandler aggregates recorded training examples per game, since
// Parquet rows are per-move, not per-game.
func examplesHandler(log *slog.Logger, parquetDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := findParquetFiles(parquetDir)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		db, err := openDuckDB(files)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer db.Close()

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}

		resp := ExamplesResponse{}
		if len(files) == 0 {
			writeJSON(w, resp)
			return
		}

		ctx := r.Context()
		if err := db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT game_id) FROM examples").Scan(&resp.Total); err != nil {
			log.Error("count examples", slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		rows, err := db.QueryContext(ctx,
			`SELECT game_id, COUNT(*), AVG(temperature)
			 FROM examples GROUP BY game_id ORDER BY game_id LIMIT ?`, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var s ExampleSummary
			if err := rows.Scan(&s.GameID, &s.MoveCount, &s.AvgTemp); err != nil {
				log.Error("scan example row", slog.String("error", err.Error()))
				continue
			}
			resp.Examples = append(resp.Examples, s)
		}
		writeJSON(w, resp)
	}
}

func sessionsHandler(log *slog.Logger, db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		sessions, err := db.GetUnexportedSessions(limit)
		if err != nil {
			log.Error("list sessions", slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, sessions)
	}
}

func sessionDetailHandler(log *slog.Logger, db *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
		if id == "" {
			http.NotFound(w, r)
			return
		}
		moves, err := db.GetSessionMoves(id)
		if err != nil {
			log.Error("get session moves", slog.String("session_id", id), slog.String("error", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, moves)
	}
}

func indexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<!doctype html><html><head><title>mctscore matchviewer</title></head>
<body><h1>mctscore matchviewer</h1>
<ul>
<li><a href="/api/examples">/api/examples</a></li>
<li><a href="/api/sessions">/api/sessions</a></li>
</ul>
</body></html>`)
}
