package server

import (
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is a single notable occurrence the admin console subscribes to:
// a counter resynchronization or a deadlocked activation. Adapted from
// the teacher's internal/websocket.Hub broadcast model, reduced to a
// one-way server->console feed (spec has no client-originated event
// traffic).
type Event struct {
	Type         string    `json:"type"` // "counter_resync" or "deadlock"
	ActivationID string    `json:"activationId"`
	At           time.Time `json:"at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventFeed fans out Events to every connected admin-console websocket.
type EventFeed struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan Event
	logger  *log.Logger
	closed  bool
}

func NewEventFeed() *EventFeed {
	return &EventFeed{
		clients: make(map[*websocket.Conn]chan Event),
		logger:  log.New(os.Stdout, "[EVENTFEED] ", log.Ldate|log.Ltime|log.LUTC),
	}
}

// Publish delivers an event to every connected console, dropping it for
// any client whose send buffer is full rather than blocking the caller.
func (f *EventFeed) Publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for conn, ch := range f.clients {
		select {
		case ch <- ev:
		default:
			f.logger.Printf("dropping event for slow client %s", conn.RemoteAddr())
		}
	}
}

// ServeWS upgrades the request and streams Events to the client until
// it disconnects or the feed is closed.
func (f *EventFeed) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Printf("upgrade failed: %v", err)
		return
	}

	ch := make(chan Event, 32)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[conn] = ch
	f.mu.Unlock()

	f.logger.Printf("console connected: %s", conn.RemoteAddr())

	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		conn.Close()
		f.logger.Printf("console disconnected: %s", conn.RemoteAddr())
	}()

	go f.drainReads(conn)

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// drainReads discards messages from the client and exits (closing the
// connection) once the client goes away; the feed is one-way.
func (f *EventFeed) drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}

// Close disconnects every connected console and stops accepting new
// connections.
func (f *EventFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for conn, ch := range f.clients {
		close(ch)
		conn.Close()
		delete(f.clients, conn)
	}
}
