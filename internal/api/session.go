package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fossable/fossdb/internal/auth"
	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/notify"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pingPeriod is how often keepalive pings go out. Missing pongs do not
	// close the connection; only I/O errors do.
	pingPeriod = 30 * time.Second

	// maxMessageSize caps inbound frames. Clients only send small control
	// messages.
	maxMessageSize = 4096

	// sendBufferSize is the per-connection outbound queue.
	sendBufferSize = 100
)

// timelineSession is one live websocket connection to the timeline feed. A
// session starts unauthenticated, receiving only global events; a valid
// authenticate message binds it to a user, after which it receives only that
// user's events. There is no way back to the unauthenticated state.
type timelineSession struct {
	conn     *websocket.Conn
	send     chan []byte
	sub      *notify.Subscriber
	verifier auth.Verifier
	logger   *slog.Logger

	mu     sync.RWMutex
	userID *uuid.UUID
}

func newTimelineSession(conn *websocket.Conn, sub *notify.Subscriber, verifier auth.Verifier, logger *slog.Logger) *timelineSession {
	return &timelineSession{
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		sub:      sub,
		verifier: verifier,
		logger:   logger.With("remote_addr", conn.RemoteAddr().String()),
	}
}

// identity returns the bound user id, or nil while unauthenticated.
func (s *timelineSession) identity() *uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *timelineSession) authenticate(userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = &userID
}

// wantsEvent applies the connection's identity filter: unauthenticated
// sessions see only global events, authenticated sessions only their own.
func (s *timelineSession) wantsEvent(event *models.TimelineEvent) bool {
	userID := s.identity()
	if userID == nil {
		return event.Global()
	}
	return event.UserID != nil && *event.UserID == *userID
}

// enqueue queues an outbound frame without blocking. A full queue drops the
// frame for this session only.
func (s *timelineSession) enqueue(msg wsMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal websocket message", "error", err)
		return
	}
	select {
	case s.send <- payload:
	default:
		s.logger.Debug("Session send queue full, dropping message", "type", msg.Type)
	}
}

// forwardEvents copies broadcaster events that pass the identity filter into
// the session's send queue. It ends when the subscriber channel closes.
func (s *timelineSession) forwardEvents() {
	for event := range s.sub.C {
		if !s.wantsEvent(&event) {
			continue
		}
		e := event
		s.enqueue(wsMessage{Type: MessageEvent, Event: &e})
	}
}

// readPump owns all reads on the connection. It handles the client's control
// messages and ends on the first I/O error.
func (s *timelineSession) readPump(onClose func()) {
	defer func() {
		onClose()
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.logger.Debug("Websocket pong received")
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("Websocket read error", "error", err)
			} else {
				s.logger.Info("Websocket connection closed", "error", err)
			}
			return
		}
		s.handleMessage(payload)
	}
}

func (s *timelineSession) handleMessage(payload []byte) {
	var msg wsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.enqueue(wsMessage{Type: MessageError, Message: "malformed message"})
		return
	}

	switch msg.Type {
	case MessageAuthenticate:
		s.handleAuthenticate(msg.Token)
	case MessagePing:
		s.enqueue(wsMessage{Type: MessagePong})
	case MessagePong:
		// Keepalive reply to one of our pings.
	default:
		s.enqueue(wsMessage{Type: MessageError, Message: "unknown message type"})
	}
}

func (s *timelineSession) handleAuthenticate(token string) {
	if s.verifier == nil {
		s.enqueue(wsMessage{Type: MessageError, Message: "authentication is not enabled"})
		return
	}

	userID, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Warn("Websocket authentication failed", "error", err)
		msg := "invalid token"
		if errors.Is(err, auth.ErrMissingSubject) {
			msg = "token has no subject"
		}
		s.enqueue(wsMessage{Type: MessageError, Message: msg})
		return
	}

	s.authenticate(userID)
	s.logger.Info("Websocket session authenticated", "user_id", userID)
	s.enqueue(wsMessage{Type: MessageAuthenticated, UserID: &userID})
}

// writePump owns all writes on the connection: queued frames plus periodic
// pings. It ends when the send queue closes or a write fails.
func (s *timelineSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Info("Websocket write failed, closing session", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Info("Websocket ping failed, closing session", "error", err)
				return
			}
		}
	}
}
