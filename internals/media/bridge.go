// Package media is the boundary to the external SFU engine. The engine
// itself (transport allocation, RTP routing, codec negotiation) lives in a
// separate collaborator; this package only carries opaque payloads across
// and surfaces the engine's lifecycle events back to the room layer.
package media

import (
	"encoding/json"
)

// Event is a lifecycle signal emitted by a media session.
type Event interface {
	event()
}

// ActiveSpeakerEvent reports that the engine's audio level observer picked a
// new dominant speaker. An empty PeerName means nobody is speaking.
type ActiveSpeakerEvent struct {
	PeerName string
}

func (ActiveSpeakerEvent) event() {}

// SessionClosedEvent reports that the engine tore the room session down on
// its side.
type SessionClosedEvent struct {
	Reason string
}

func (SessionClosedEvent) event() {}

// Session is one room's handle into the media engine.
type Session interface {
	// ForwardRequest relays an opaque engine request on behalf of a peer and
	// returns the engine's reply.
	ForwardRequest(peerName string, data json.RawMessage) (json.RawMessage, error)

	// ForwardNotification relays an opaque engine notification. Best effort.
	ForwardNotification(peerName string, data json.RawMessage)

	// ClosePeer releases the engine resources held for one peer.
	ClosePeer(peerName string)

	// Events delivers engine lifecycle signals until Close.
	Events() <-chan Event

	Close() error
}

// Bridge creates media sessions. A creation failure is fatal to the room
// being constructed: the room must not be registered.
type Bridge interface {
	CreateSession(roomID string) (Session, error)
}
