// Package stream broadcasts live search statistics to websocket clients,
// grounded on _examples/TheKrainBow-gomoku/backend/analitics_ws.go's
// Hub/Client/broadcast-channel pattern, generalized from that gomoku
// server's single analysis-queue snapshot to spec §6.7's per-search-call
// stats event: root value, total visits, and the current visit
// distribution, published once per Manager.Search call.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stat is one Manager.Search call's outcome, as pushed by whatever drives
// search (cmd/selfplay) after each move.
type Stat struct {
	GameID       string    `json:"game_id"`
	Move         int       `json:"move"`
	RootValue    []float64 `json:"root_value"`
	TotalVisits  int64     `json:"total_visits"`
	Distribution []Action  `json:"distribution"`
	UpdatedAtMs  int64     `json:"updated_at_ms"`
}

// Action is one entry of a Stat's visit distribution.
type Action struct {
	Action int     `json:"action"`
	Visits float64 `json:"visits"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans out Stat events to every connected websocket client. Publish is
// non-blocking and drops the event if the broadcast channel is full, so a
// stalled client or a burst of moves never backs up the search loop that
// calls it.
type Hub struct {
	mu        sync.Mutex
	clients   map[*client]struct{}
	broadcast chan Stat
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Stat, 64),
	}
}

// Run drains the broadcast channel until done is closed. Call it in its
// own goroutine.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case stat := <-h.broadcast:
			data, err := json.Marshal(stat)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues a stat for broadcast. Safe to call from any goroutine.
func (h *Hub) Publish(stat Stat) {
	if stat.UpdatedAtMs == 0 {
		stat.UpdatedAtMs = time.Now().UnixMilli()
	}
	select {
	case h.broadcast <- stat:
	default:
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// ServeWS upgrades an HTTP request to a websocket connection and streams
// every future Publish call to it until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 16)}
	h.register(c)

	go func() {
		defer conn.Close()
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.unregister(c)
			return
		}
	}
}
