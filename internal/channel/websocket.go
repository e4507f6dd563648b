package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/bus"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"

	"github.com/gorilla/websocket"
)

const wsSendBuffer = 64

// WSConfig configures the event feed.
type WSConfig struct {
	Bus *bus.EventBus
	// Gateway enables "retrieve" requests over the socket. Nil makes the
	// feed read-only.
	Gateway *Gateway
	Logger  *slog.Logger
}

// EventFeed streams retrieval and transcode events to WebSocket clients
// and accepts retrieval requests from them.
type EventFeed struct {
	gateway *Gateway
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn   *websocket.Conn
	prefix string // event type filter, e.g. "retrieval."
	out    chan []byte
	done   chan struct{}
}

// WSMessage is the JSON protocol for the feed.
type WSMessage struct {
	Type    string                  `json:"type"` // "status" | "event" | "retrieve" | "result" | "error"
	Event   *EventView              `json:"event,omitempty"`
	Text    string                  `json:"text,omitempty"`
	Format  string                  `json:"format,omitempty"`
	UserID  string                  `json:"user_id,omitempty"`
	Content string                  `json:"content,omitempty"`
	Results []domain.ProcessedMedia `json:"results,omitempty"`
}

// EventView is the wire form of a bus event.
type EventView struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	BatchID    string    `json:"batch_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Service    string    `json:"service,omitempty"`
	Handler    string    `json:"handler,omitempty"`
	File       string    `json:"file,omitempty"`
	Cached     bool      `json:"cached,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewEventFeed creates the feed and subscribes it to every bus event.
func NewEventFeed(cfg WSConfig) *EventFeed {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &EventFeed{
		gateway: cfg.Gateway,
		logger:  cfg.Logger,
		clients: make(map[*wsClient]struct{}),
	}
	if cfg.Bus != nil {
		cfg.Bus.On("*", f.publish)
	}
	return f
}

// Clients returns the number of connected clients.
func (f *EventFeed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// ViewOf converts a bus event to its wire form.
func ViewOf(e bus.Event) EventView {
	v := EventView{Type: e.Type, Time: e.Timestamp}
	switch d := e.Data.(type) {
	case bus.Retrieval:
		v.BatchID, v.URL, v.Service, v.Cached = d.BatchID, d.URL, d.Service, d.Cached
		v.DurationMs = d.Duration.Milliseconds()
		if d.Media != nil {
			v.Handler = d.Media.Handler
			v.File = d.Media.File
			if v.File == "" {
				v.File = d.Media.Raw
			}
		}
		if d.Err != nil {
			v.Error = d.Err.Error()
		}
	case bus.Transcode:
		v.File = d.File
		v.DurationMs = d.Duration.Milliseconds()
		if d.Err != nil {
			v.Error = d.Err.Error()
		}
	}
	return v
}

func (f *EventFeed) publish(e bus.Event) {
	view := ViewOf(e)
	data, err := json.Marshal(WSMessage{Type: "event", Event: &view})
	if err != nil {
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for c := range f.clients {
		if !strings.HasPrefix(e.Type, c.prefix) {
			continue
		}
		select {
		case c.out <- data:
		default:
			f.logger.Debug("websocket client too slow, dropping event", "event", e.Type)
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it leaves.
func (f *EventFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		prefix: r.URL.Query().Get("type"),
		out:    make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.logger.Info("websocket client connected", "remote", r.RemoteAddr, "filter", c.prefix)

	go c.writeLoop()
	defer func() {
		f.mu.Lock()
		delete(f.clients, c)
		f.mu.Unlock()
		close(c.done)
		conn.Close()
		f.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
	}()

	c.send(WSMessage{Type: "status", Content: "connected"})
	f.readLoop(r.Context(), c)
}

func (f *EventFeed) readLoop(ctx context.Context, c *wsClient) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.send(WSMessage{Type: "error", Content: "invalid message"})
			continue
		}
		switch msg.Type {
		case "retrieve":
			if f.gateway == nil {
				c.send(WSMessage{Type: "error", Content: "retrieval is disabled"})
				continue
			}
			go f.retrieve(ctx, c, msg)
		default:
			c.send(WSMessage{Type: "error", Content: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}

func (f *EventFeed) retrieve(ctx context.Context, c *wsClient, msg WSMessage) {
	reply := f.gateway.Handle(ctx, Request{
		Text:      msg.Text,
		UserID:    msg.UserID,
		Initiator: domain.InitiatorInteraction,
		Options:   ParseFormat(msg.Format),
	})
	c.send(WSMessage{Type: "result", Content: reply.Content, Results: reply.Results})
}

func (c *wsClient) send(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	case <-c.done:
	}
}

func (c *wsClient) writeLoop() {
	for {
		select {
		case data := <-c.out:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
