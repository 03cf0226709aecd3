package media

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// LoopbackBridge is an in-process Bridge used in development and tests. It
// acknowledges every forwarded request and lets callers inject events.
type LoopbackBridge struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*LoopbackSession
}

func NewLoopbackBridge(logger *zap.Logger) *LoopbackBridge {
	return &LoopbackBridge{
		logger:   logger,
		sessions: make(map[string]*LoopbackSession),
	}
}

func (b *LoopbackBridge) CreateSession(roomID string) (Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &LoopbackSession{
		roomID: roomID,
		events: make(chan Event, 16),
		logger: b.logger,
	}
	b.sessions[roomID] = s
	return s, nil
}

// Session returns the live loopback session for a room, if any.
func (b *LoopbackBridge) Session(roomID string) (*LoopbackSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[roomID]
	return s, ok
}

type LoopbackSession struct {
	roomID string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (s *LoopbackSession) ForwardRequest(peerName string, data json.RawMessage) (json.RawMessage, error) {
	s.logger.Debug("Loopback media request",
		zap.String("roomID", s.roomID),
		zap.String("peerName", peerName),
	)
	return json.RawMessage(`{}`), nil
}

func (s *LoopbackSession) ForwardNotification(peerName string, data json.RawMessage) {
	s.logger.Debug("Loopback media notification",
		zap.String("roomID", s.roomID),
		zap.String("peerName", peerName),
	)
}

func (s *LoopbackSession) ClosePeer(peerName string) {}

func (s *LoopbackSession) Events() <-chan Event {
	return s.events
}

// EmitActiveSpeaker injects an active speaker signal, standing in for the
// engine's audio level observer.
func (s *LoopbackSession) EmitActiveSpeaker(peerName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ActiveSpeakerEvent{PeerName: peerName}:
	default:
	}
}

func (s *LoopbackSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
