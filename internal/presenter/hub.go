package presenter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harimadhavan2000/geocheatr/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Event is one JSON message pushed to connected browsers.
type Event struct {
	Type    string           `json:"type"`
	State   string           `json:"state,omitempty"`
	Count   int              `json:"count"`
	Text    string           `json:"text,omitempty"`
	Append  bool             `json:"append,omitempty"`
	Markers []session.Marker `json:"markers,omitempty"`
	Zoom    int              `json:"zoom,omitempty"`
}

// Command is one JSON message received from a browser.
type Command struct {
	Cmd string `json:"cmd"`
}

// CommandFunc dispatches a user command (start, pause, stop, clear).
type CommandFunc func(cmd string) error

// Hub implements session.Presenter over a set of WebSocket connections.
// It keeps a last-known snapshot so a browser that connects mid-session
// immediately sees the current state, counter, text and markers.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	command  CommandFunc

	mu           sync.Mutex
	clients      map[*client]struct{}
	state        session.State
	frameCount   int
	analysisText string
	coordsStatus string
	markers      []session.Marker
	zoom         int
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates a Hub. The command function is invoked for every
// inbound user command; its error, if any, has already been surfaced as
// a warning by the controller, so the hub only logs it.
func NewHub(logger *slog.Logger, command CommandFunc) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local UI only; the server binds to loopback.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		command:      command,
		clients:      make(map[*client]struct{}),
		state:        session.StateIdle,
		analysisText: "Instructions:\n1. Click 'Start Session' to begin.\n2. The app will capture screen frames periodically.\n3. Use 'Pause'/'Resume' as needed.\n4. Click 'Stop & Analyze' for the final location guess.\n5. 'Clear History' starts a completely new location analysis.",
		coordsStatus: "Coordinates will be plotted here after analysis.",
	}
}

// ServeWS upgrades an HTTP request to a WebSocket client connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{conn: conn, send: make(chan Event, 32)}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	for _, ev := range snapshot {
		cl.send <- ev
	}

	go h.writePump(cl)
	go h.readPump(cl)
}

// snapshotLocked builds the catch-up events for a new connection.
func (h *Hub) snapshotLocked() []Event {
	events := []Event{
		{Type: "state", State: string(h.state)},
		{Type: "frame_count", Count: h.frameCount},
		{Type: "analysis", Text: h.analysisText},
		{Type: "coords_status", Text: h.coordsStatus},
	}
	if len(h.markers) > 0 {
		events = append(events, Event{Type: "markers", Markers: h.markers, Zoom: h.zoom})
	}
	return events
}

func (h *Hub) readPump(cl *client) {
	defer h.drop(cl)

	cl.conn.SetReadLimit(maxMessageSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.log.Warn("discarding malformed command", "error", err)
			continue
		}
		if h.command == nil {
			continue
		}
		if err := h.command(cmd.Cmd); err != nil {
			// Already surfaced to the user as a warning event.
			h.log.Debug("command rejected", "cmd", cmd.Cmd, "error", err)
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
	cl.conn.Close()
}

// broadcast queues an event for every connected client, dropping clients
// whose send buffer is full.
func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- ev:
		default:
			delete(h.clients, cl)
			close(cl.send)
		}
	}
}

// SessionState implements session.Presenter.
func (h *Hub) SessionState(state session.State) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	h.broadcast(Event{Type: "state", State: string(state)})
}

// FrameCount implements session.Presenter.
func (h *Hub) FrameCount(n int) {
	h.mu.Lock()
	h.frameCount = n
	h.mu.Unlock()
	h.broadcast(Event{Type: "frame_count", Count: n})
}

// AnalysisText implements session.Presenter.
func (h *Hub) AnalysisText(text string, appendText bool) {
	h.mu.Lock()
	if appendText {
		h.analysisText += "\n" + text
	} else {
		h.analysisText = text
	}
	h.mu.Unlock()
	h.broadcast(Event{Type: "analysis", Text: text, Append: appendText})
}

// CoordsStatus implements session.Presenter.
func (h *Hub) CoordsStatus(text string) {
	h.mu.Lock()
	h.coordsStatus = text
	h.mu.Unlock()
	h.broadcast(Event{Type: "coords_status", Text: text})
}

// ClearMarkers implements session.Presenter.
func (h *Hub) ClearMarkers() {
	h.mu.Lock()
	h.markers = nil
	h.mu.Unlock()
	h.broadcast(Event{Type: "clear_markers"})
}

// PlotMarkers implements session.Presenter.
func (h *Hub) PlotMarkers(markers []session.Marker, zoom int) {
	h.mu.Lock()
	h.markers = markers
	h.zoom = zoom
	h.mu.Unlock()
	h.broadcast(Event{Type: "markers", Markers: markers, Zoom: zoom})
}

// Warning implements session.Presenter.
func (h *Hub) Warning(text string) {
	h.broadcast(Event{Type: "warning", Text: text})
}
