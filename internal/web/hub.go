package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/care/signaldash/internal/core"
)

// KindSnapshot marks the replayed state sent when a client connects
const KindSnapshot = "snapshot"

// controlRequest is a command sent by a browser over the websocket
type controlRequest struct {
	Type string `json:"type"` // "connect" or "disconnect"
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

type wsClient struct {
	id      string
	conn    *websocket.Conn
	codec   Codec
	updates chan core.Update
	done    chan struct{}
	once    sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// wsHub tracks the connected browsers. Each client has its own bus
// subscription, so a slow browser only drops its own updates.
type wsHub struct {
	dash         Dashboard
	upgrader     websocket.Upgrader
	bufferSize   int
	writeTimeout time.Duration

	clients  map[*wsClient]bool
	register chan *wsClient
	remove   chan *wsClient
	wg       sync.WaitGroup
}

func newHub(dash Dashboard, bufferSize int, writeTimeout time.Duration) *wsHub {
	return &wsHub{
		dash: dash,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		bufferSize:   bufferSize,
		writeTimeout: writeTimeout,
		clients:      make(map[*wsClient]bool),
		register:     make(chan *wsClient),
		remove:       make(chan *wsClient),
	}
}

// run owns the client set until ctx ends, then closes every connection
func (h *wsHub) run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			slog.Debug("websocket client connected", "client", c.id, "codec", c.codec.Name(), "clients", len(h.clients))
		case c := <-h.remove:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				h.drop(c)
				slog.Debug("websocket client removed", "client", c.id, "clients", len(h.clients))
			}
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			h.clients = make(map[*wsClient]bool)
			return
		}
	}
}

func (h *wsHub) drop(c *wsClient) {
	if err := h.dash.Bus().Unsubscribe(c.id); err != nil {
		slog.Debug("websocket client already unsubscribed", "client", c.id, "error", err)
	}
	c.close()
}

func (h *wsHub) handle(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		id:      "ws-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		conn:    conn,
		codec:   CodecFor(r.URL.Query().Get("codec")),
		updates: make(chan core.Update, h.bufferSize),
		done:    make(chan struct{}),
	}

	// Subscribe before the replay so nothing published in between is lost
	if err := h.dash.Bus().Subscribe(c.id, c.updates); err != nil {
		slog.Warn("websocket client rejected", "error", err)
		conn.Close()
		return
	}

	if err := h.write(c, core.Update{Kind: KindSnapshot, Snapshot: h.dash.Snapshot()}); err != nil {
		slog.Warn("failed to replay snapshot", "client", c.id, "error", err)
		h.dash.Bus().Unsubscribe(c.id)
		conn.Close()
		return
	}

	select {
	case h.register <- c:
	case <-ctx.Done():
		h.dash.Bus().Unsubscribe(c.id)
		conn.Close()
		return
	}

	h.wg.Add(2)
	go h.writePump(ctx, c)
	go h.readPump(ctx, c)
}

func (h *wsHub) writePump(ctx context.Context, c *wsClient) {
	defer h.wg.Done()

	for {
		select {
		case u := <-c.updates:
			if err := h.write(c, u); err != nil {
				slog.Warn("failed to send update to websocket client", "client", c.id, "error", err)
				h.unregister(ctx, c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *wsHub) readPump(ctx context.Context, c *wsClient) {
	defer h.wg.Done()
	defer h.unregister(ctx, c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket error", "client", c.id, "error", err)
			}
			return
		}

		var req controlRequest
		if err := json.Unmarshal(message, &req); err != nil {
			slog.Debug("ignoring malformed control request", "client", c.id)
			continue
		}
		h.control(ctx, c, req)
	}
}

func (h *wsHub) control(ctx context.Context, c *wsClient, req controlRequest) {
	switch req.Type {
	case "connect":
		if err := h.dash.Connect(ctx, req.Host, req.Port); err != nil {
			slog.Warn("connect requested by websocket client failed", "client", c.id, "error", err)
		}
	case "disconnect":
		h.dash.Disconnect()
	default:
		slog.Debug("unknown control request", "client", c.id, "type", req.Type)
	}
}

func (h *wsHub) unregister(ctx context.Context, c *wsClient) {
	select {
	case h.remove <- c:
	case <-ctx.Done():
	}
}

func (h *wsHub) write(c *wsClient, u core.Update) error {
	data, err := c.codec.Encode(u)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return c.conn.WriteMessage(c.codec.MessageType(), data)
}
