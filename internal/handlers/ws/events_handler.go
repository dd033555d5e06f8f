package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"camwatch/internal/core/domain"
	"camwatch/internal/core/ports"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var _ ports.EventStreamHandler = (*EventsHandler)(nil)

const (
	MessageSnapshot = "snapshot"
	MessageError    = "error"
)

// Message is one frame sent to event stream clients. Snapshot frames carry
// Sessions; registry events carry Session.
type Message struct {
	Type      string                  `json:"type"`
	Session   *domain.StreamSession   `json:"session,omitempty"`
	Sessions  []*domain.StreamSession `json:"sessions,omitempty"`
	Message   string                  `json:"message,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// EventSource is the part of the orchestrator the event stream needs.
type EventSource interface {
	ListStreams(ctx context.Context) ([]*domain.StreamSession, error)
	Subscribe(buffer int) (<-chan domain.SessionEvent, func())
}

// filter limits a connection to one camera or one session.
type filter struct {
	cameraID  domain.CameraID
	sessionID domain.SessionID
}

func (f filter) match(s *domain.StreamSession) bool {
	if f.cameraID != "" && s.CameraID != f.cameraID {
		return false
	}
	if f.sessionID != "" && s.ID != f.sessionID {
		return false
	}
	return true
}

// EventsHandler streams registry events to WebSocket clients.
type EventsHandler struct {
	source   EventSource
	upgrader websocket.Upgrader

	connections map[*websocket.Conn]struct{}
	mu          sync.RWMutex

	buffer       int
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewEventsHandler(source EventSource, logger *zap.SugaredLogger) *EventsHandler {
	return &EventsHandler{
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		connections:  make(map[*websocket.Conn]struct{}),
		buffer:       64,
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

// SetPingInterval sets the keepalive period; the read deadline is twice it.
func (h *EventsHandler) SetPingInterval(interval time.Duration) {
	h.pingInterval = interval
	h.readTimeout = 2 * interval
}

func (h *EventsHandler) HandleEvents(c *gin.Context) {
	f := filter{
		cameraID:  domain.CameraID(c.Query("camera_id")),
		sessionID: domain.SessionID(c.Query("session_id")),
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before the snapshot so no change falls between the two.
	events, unsubscribe := h.source.Subscribe(h.buffer)
	defer unsubscribe()

	h.mu.Lock()
	h.connections[conn] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.connections, conn)
		h.mu.Unlock()
	}()

	h.logger.Debugw("event stream connected",
		"remote_addr", c.ClientIP(),
		"camera_id", f.cameraID,
		"session_id", f.sessionID,
	)

	sessions, err := h.source.ListStreams(c.Request.Context())
	if err != nil {
		h.write(conn, &Message{Type: MessageError, Message: err.Error(), Timestamp: time.Now()})
		return
	}
	matched := make([]*domain.StreamSession, 0, len(sessions))
	for _, s := range sessions {
		if f.match(s) {
			matched = append(matched, s)
		}
	}
	if err := h.write(conn, &Message{Type: MessageSnapshot, Sessions: matched, Timestamp: time.Now()}); err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		return nil
	})

	// Clients only send control frames; the reader exists to process pongs
	// and notice the close.
	closed := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- err
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !f.match(&ev.Session) {
				continue
			}
			s := ev.Session
			if err := h.write(conn, &Message{Type: string(ev.Type), Session: &s, Timestamp: ev.Timestamp}); err != nil {
				h.logger.Debugw("event stream write failed", "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debugw("error sending ping", "error", err)
				return
			}

		case err := <-closed:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("event stream closed", "error", err)
			}
			return

		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *EventsHandler) write(conn *websocket.Conn, msg *Message) error {
	conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteJSON(msg)
}

func (h *EventsHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Close sends a going-away frame to every client; their handlers then exit.
func (h *EventsHandler) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for conn := range h.connections {
		conn.WriteControl(websocket.CloseMessage, msg, deadline)
	}
}
