package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collab/api/internal/app"
	"collab/api/internal/collab"
	"collab/api/internal/rbac"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 << 10
)

// coordinator is the part of app.Service a socket drives.
type coordinator interface {
	Connect(ctx context.Context, connID string, sessionID collab.SessionID, userID collab.UserID, role rbac.Role) (app.SessionRef, error)
	Disconnect(ctx context.Context, connID string) error
	MoveCursor(ctx context.Context, ref app.SessionRef, userID collab.UserID, position int) error
	SetTyping(ctx context.Context, ref app.SessionRef, userID collab.UserID, typing bool)
	RecordChange(ctx context.Context, userID collab.UserID, sessionID collab.SessionID, input app.ChangeInput) (*collab.Change, error)
}

type Options struct {
	ReadBufferSize    int
	WriteBufferSize   int
	SendQueue         int
	PingInterval      time.Duration
	TypingIdleTimeout time.Duration
	// CheckOrigin overrides the upgrader's same-origin check.
	CheckOrigin func(*http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.TypingIdleTimeout <= 0 {
		o.TypingIdleTimeout = 5 * time.Second
	}
	return o
}

type Handler struct {
	service  coordinator
	hub      *Hub
	upgrader websocket.Upgrader
	opts     Options
	logger   zerolog.Logger
}

func NewHandler(service coordinator, hub *Hub, opts Options, logger zerolog.Logger) *Handler {
	opts = opts.withDefaults()
	return &Handler{
		service: service,
		hub:     hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin:     opts.CheckOrigin,
		},
		opts:   opts,
		logger: logger,
	}
}

// Clients is the number of sockets this handler currently serves.
func (h *Handler) Clients() int {
	return h.hub.Clients()
}

// inbound is a message from the browser. Which fields matter depends on Type.
type inbound struct {
	Type       string  `json:"type"`
	Position   *int    `json:"position,omitempty"`
	Typing     *bool   `json:"typing,omitempty"`
	ChangeType string  `json:"changeType,omitempty"`
	Data       *string `json:"data,omitempty"`
}

type outboundError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// ServeSession upgrades the request and keeps the connection registered in the
// session until either side closes it.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request, sessionID collab.SessionID, userID collab.UserID, role rbac.Role) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &connection{
		handler: h,
		ws:      ws,
		client:  newClient(uuid.NewString(), h.opts.SendQueue),
		userID:  userID,
		logger: h.logger.With().
			Str("sessionId", sessionID.String()).
			Str("userId", userID.String()).
			Logger(),
	}
	conn.logger = conn.logger.With().Str("connId", conn.client.id).Logger()
	ctx := context.WithoutCancel(r.Context())

	h.hub.register(conn.client)
	ref, err := h.service.Connect(ctx, conn.client.id, sessionID, userID, role)
	if err != nil {
		h.hub.unregister(conn.client.id)
		conn.rejectAndClose(err)
		return
	}
	conn.ref = ref

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.writePump()
	}()
	conn.readPump(ctx)

	conn.stopTyping()
	h.hub.unregister(conn.client.id)
	close(conn.client.send)
	<-done
	if err := h.service.Disconnect(ctx, conn.client.id); err != nil {
		conn.logger.Warn().Err(err).Msg("disconnect")
	}
}

type connection struct {
	handler *Handler
	ws      *websocket.Conn
	client  *client
	userID  collab.UserID
	ref     app.SessionRef
	logger  zerolog.Logger

	typingMu    sync.Mutex
	typingTimer *time.Timer
}

func (c *connection) rejectAndClose(cause error) {
	c.logger.Info().Err(cause).Msg("websocket rejected")
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteJSON(outboundError{Type: "error", Error: cause.Error()})
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session unavailable"))
	_ = c.ws.Close()
}

func (c *connection) pongWait() time.Duration {
	return 2 * c.handler.opts.PingInterval
}

func (c *connection) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		var msg inbound
		if err := c.ws.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.sendError("message is not valid JSON")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *connection) handle(ctx context.Context, msg inbound) {
	service := c.handler.service
	switch msg.Type {
	case "cursor":
		if msg.Position == nil {
			c.sendError("cursor requires position")
			return
		}
		if err := service.MoveCursor(ctx, c.ref, c.userID, *msg.Position); err != nil {
			c.sendError(err.Error())
		}
	case "typing":
		typing := msg.Typing != nil && *msg.Typing
		service.SetTyping(ctx, c.ref, c.userID, typing)
		if typing {
			c.armTyping(ctx)
		} else {
			c.stopTyping()
		}
	case "change":
		changeType, err := collab.ParseChangeType(msg.ChangeType)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		if msg.Position == nil {
			c.sendError("change requires position")
			return
		}
		input := app.ChangeInput{Type: changeType, Position: *msg.Position, Data: msg.Data}
		if _, err := service.RecordChange(ctx, c.userID, c.ref.ID, input); err != nil {
			c.sendError(err.Error())
		}
	default:
		c.sendError("unknown message type " + msg.Type)
	}
}

// armTyping clears the typing flag once the user has been quiet for the idle
// timeout. Every typing message restarts the countdown.
func (c *connection) armTyping(ctx context.Context) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.handler.opts.TypingIdleTimeout, func() {
		c.handler.service.SetTyping(ctx, c.ref, c.userID, false)
	})
}

func (c *connection) stopTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
}

func (c *connection) sendError(message string) {
	data, err := json.Marshal(outboundError{Type: "error", Error: message})
	if err != nil {
		return
	}
	select {
	case c.client.send <- data:
	default:
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.handler.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.client.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		case <-c.client.done:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is already queued without waiting for more.
func (c *connection) flush() {
	for {
		select {
		case data, ok := <-c.client.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
