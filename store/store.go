// Package store is a SQLite-backed ledger of finished search sessions,
// grounded on the teacher's db.DB (which tracked scraped Battlesnake games
// and their per-turn frames so a training converter could find
// not-yet-exported games) generalized to spec §6.6's session history: one
// row per finished Manager.Search game, one row per move played in it, so
// a training-export pass can find sessions not yet turned into
// record.Example rows without re-walking completed search trees.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection. SQLite only supports one writer, so every
// method serializes through mu the same way the teacher's db.DB does.
type DB struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Session is one finished game played under search.Manager.
type Session struct {
	ID          string
	GameName    string // e.g. "tictactoe", "connect4", "othello"
	Outcome     []float64
	StartedAt   time.Time
	EndedAt     time.Time
	IsExported  bool
}

// Move is one ply of a session: the action actually played, plus the
// search statistics that justified it.
type Move struct {
	SessionID   string
	MoveNumber  int
	Seat        int
	Action      int
	Visits      int64
	RootValue   []float64
	Temperature float64
}

func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		game_name TEXT,
		outcome_json TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		is_exported BOOLEAN DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS moves (
		session_id TEXT,
		move_number INTEGER,
		seat INTEGER,
		action INTEGER,
		visits INTEGER,
		root_value_json TEXT,
		temperature REAL,
		PRIMARY KEY (session_id, move_number),
		FOREIGN KEY(session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_is_exported ON sessions(is_exported);
	CREATE INDEX IF NOT EXISTS idx_moves_session_id ON moves(session_id);
	`
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (db *DB) SessionExists(id string) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var exists int
	err := db.conn.QueryRow("SELECT 1 FROM sessions WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// InsertSession records a finished game and every move played in it inside
// a single transaction.
func (db *DB) InsertSession(s Session, moves []Move) error {
	outcomeJSON, err := json.Marshal(s.Outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT OR IGNORE INTO sessions (id, game_name, outcome_json, started_at, ended_at) VALUES (?, ?, ?, ?, ?)",
		s.ID, s.GameName, string(outcomeJSON), s.StartedAt, s.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	stmt, err := tx.Prepare("INSERT OR IGNORE INTO moves (session_id, move_number, seat, action, visits, root_value_json, temperature) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare move statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range moves {
		rootJSON, err := json.Marshal(m.RootValue)
		if err != nil {
			return fmt.Errorf("marshal root value: %w", err)
		}
		if _, err := stmt.Exec(m.SessionID, m.MoveNumber, m.Seat, m.Action, m.Visits, string(rootJSON), m.Temperature); err != nil {
			return fmt.Errorf("insert move %d: %w", m.MoveNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetUnexportedSessions returns sessions not yet turned into training rows.
func (db *DB) GetUnexportedSessions(limit int) ([]Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		"SELECT id, game_name, outcome_json, started_at, ended_at, is_exported FROM sessions WHERE is_exported = 0 LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var outcomeJSON string
		if err := rows.Scan(&s.ID, &s.GameName, &outcomeJSON, &s.StartedAt, &s.EndedAt, &s.IsExported); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(outcomeJSON), &s.Outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome for %s: %w", s.ID, err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetSessionMoves returns every move of a session, ordered by move number.
func (db *DB) GetSessionMoves(sessionID string) ([]Move, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(
		"SELECT session_id, move_number, seat, action, visits, root_value_json, temperature FROM moves WHERE session_id = ? ORDER BY move_number",
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var moves []Move
	for rows.Next() {
		var m Move
		var rootJSON string
		if err := rows.Scan(&m.SessionID, &m.MoveNumber, &m.Seat, &m.Action, &m.Visits, &rootJSON, &m.Temperature); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rootJSON), &m.RootValue); err != nil {
			return nil, fmt.Errorf("unmarshal root value for move %d: %w", m.MoveNumber, err)
		}
		moves = append(moves, m)
	}
	return moves, rows.Err()
}

func (db *DB) MarkSessionExported(id string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.conn.Exec("UPDATE sessions SET is_exported = 1 WHERE id = ?", id)
	return err
}

// Stats reports ledger size for CLI/dashboard use.
func (db *DB) Stats() (totalSessions, exportedSessions, totalMoves int64, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err = db.conn.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&totalSessions); err != nil {
		return
	}
	if err = db.conn.QueryRow("SELECT COUNT(*) FROM sessions WHERE is_exported = 1").Scan(&exportedSessions); err != nil {
		return
	}
	err = db.conn.QueryRow("SELECT COUNT(*) FROM moves").Scan(&totalMoves)
	return
}

func (db *DB) Close() error { return db.conn.Close() }
