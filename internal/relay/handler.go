package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/nugget/relay/internal/events"
)

// Inbound limits.
const (
	// DefaultMaxMessageBytes caps one inbound frame. Vision requests
	// carry base64 images, so this is generous.
	DefaultMaxMessageBytes = 16 << 20

	// DefaultInboxSize is how many messages may queue behind the one
	// being handled on a single connection.
	DefaultInboxSize = 16
)

// MessageHandler processes one inbound message from a connection.
// Calls for the same connection never overlap.
type MessageHandler interface {
	Handle(ctx context.Context, raw []byte, c *Conn)
}

// HandlerFunc adapts a function to [MessageHandler].
type HandlerFunc func(ctx context.Context, raw []byte, c *Conn)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, raw []byte, c *Conn) { f(ctx, raw, c) }

// HandlerConfig configures a [Handler].
type HandlerConfig struct {
	Registry *Registry
	Messages MessageHandler
	Bus      *events.Bus
	Logger   *slog.Logger

	// BaseContext is the parent of every message context. It outlives
	// individual connections so an in-flight request is never cancelled
	// by its peer going away. Defaults to context.Background().
	BaseContext context.Context

	MaxMessageBytes int64
	InboxSize       int
}

// Handler upgrades HTTP requests to WebSocket connections and runs
// their read and dispatch loops.
type Handler struct {
	reg      *Registry
	messages MessageHandler
	bus      *events.Bus
	logger   *slog.Logger
	baseCtx  context.Context
	maxBytes int64
	inbox    int
	upgrader websocket.Upgrader

	workers  sync.WaitGroup
	rejected atomic.Int64
}

// NewHandler creates a connection handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	return &Handler{
		reg:      cfg.Registry,
		messages: cfg.Messages,
		bus:      cfg.Bus,
		logger:   cfg.Logger.With("component", "relay"),
		baseCtx:  cfg.BaseContext,
		maxBytes: cfg.MaxMessageBytes,
		inbox:    cfg.InboxSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// No authentication or origin policy; any client may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and blocks until the connection's
// reader exits.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, r.RemoteAddr)
	if err := h.reg.Register(c); err != nil {
		h.logger.Debug("rejecting connection during shutdown", "remote_addr", r.RemoteAddr)
		_ = c.Close()
		return
	}

	ws.SetReadLimit(h.maxBytes)
	ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	log := h.logger.With("conn_id", c.ID())
	log.Info("connection opened", "remote_addr", c.RemoteAddr())
	h.bus.Emit(events.SourceRelay, events.KindConnectionOpened, map[string]any{
		"conn_id":          c.ID(),
		"remote_addr":      c.RemoteAddr(),
		"open_connections": h.reg.Len(),
	})

	q := newInbox(h.inbox)
	h.workers.Add(1)
	go h.work(c, q, log)

	h.read(ws, c, q, log)
	q.close()

	_ = c.Close()
	if h.reg.Unregister(c) {
		log.Info("connection closed")
		h.bus.Emit(events.SourceRelay, events.KindConnectionClosed, map[string]any{
			"conn_id":          c.ID(),
			"open_connections": h.reg.Len(),
		})
	}
}

// read pumps frames into the inbox until the socket fails. It keeps
// running while a message is being handled so pong frames are still
// processed.
func (h *Handler) read(ws *websocket.Conn, c *Conn, q *inbox, log *slog.Logger) {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && c.Status() == StatusOpen {
				log.Debug("websocket read error", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		if !q.push(data) {
			h.rejected.Add(1)
			log.Warn("inbox full, rejecting message", "pending", h.inbox)
		}
	}
}

// work handles queued messages strictly one at a time. Rejections are
// answered in the slot where the refused message arrived.
func (h *Handler) work(c *Conn, q *inbox, log *slog.Logger) {
	defer h.workers.Done()
	for {
		p, ok := q.pop()
		if !ok {
			return
		}
		if c.Status() != StatusOpen {
			log.Debug("discarding queued message for closed connection", "rejected_after", p.rejected)
			continue
		}
		h.messages.Handle(h.baseCtx, p.raw, c)
		for range p.rejected {
			if err := c.WriteJSON(Reply{Status: "error", Reply: "too many pending messages on this connection"}); err != nil {
				log.Debug("reply dropped", "error", err)
				break
			}
		}
	}
}

// Rejected reports how many inbound messages were refused because a
// connection's inbox was full.
func (h *Handler) Rejected() int64 {
	return h.rejected.Load()
}

// Wait blocks until every connection's worker has finished its current
// message.
func (h *Handler) Wait() {
	h.workers.Wait()
}
