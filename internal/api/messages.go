package api

import (
	"github.com/google/uuid"

	"github.com/fossable/fossdb/internal/models"
)

// Message kinds exchanged on the timeline websocket.
const (
	// MessageAuthenticate upgrades a connection to an authenticated one.
	// Client to server, carries Token.
	MessageAuthenticate = "authenticate"

	// MessageAuthenticated confirms a successful authentication. Server to
	// client, carries UserID.
	MessageAuthenticated = "authenticated"

	// MessagePing and MessagePong are application-level keepalives and flow
	// in both directions.
	MessagePing = "ping"
	MessagePong = "pong"

	// MessageEvent delivers a timeline event. Server to client, carries
	// Event.
	MessageEvent = "event"

	// MessageError reports a rejected client message, e.g. a bad token.
	// The connection stays open.
	MessageError = "error"
)

// wsMessage is the envelope for every timeline websocket frame.
type wsMessage struct {
	Type    string                `json:"type"`
	Token   string                `json:"token,omitempty"`
	UserID  *uuid.UUID            `json:"user_id,omitempty"`
	Event   *models.TimelineEvent `json:"event,omitempty"`
	Message string                `json:"message,omitempty"`
}
