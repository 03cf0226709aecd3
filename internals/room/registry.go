package room

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tabitabe/multiparty-meeting/internals/config"
	"github.com/tabitabe/multiparty-meeting/internals/media"
)

// Registry is the process-wide map of live rooms with create-on-demand
// semantics. A room that fails media session creation is never registered.
type Registry struct {
	cfg    config.RoomConfig
	bridge media.Bridge
	logger *zap.Logger

	// OnCreate and OnRemove let the server layer hook relay subscriptions
	// onto room lifetime.
	OnCreate func(r *Room)
	OnRemove func(roomID string)

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(cfg config.RoomConfig, bridge media.Bridge, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		bridge: bridge,
		logger: logger,
		rooms:  make(map[string]*Room),
	}
}

// GetOrCreate returns the live room for the id, constructing it on first
// use. Concurrent callers for the same id get the same room.
func (reg *Registry) GetOrCreate(roomID string) (*Room, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[roomID]; ok {
		return r, nil
	}

	session, err := reg.bridge.CreateSession(roomID)
	if err != nil {
		reg.logger.Error("Media session creation failed",
			zap.String("roomID", roomID),
			zap.Error(err),
		)
		return nil, err
	}

	r := NewRoom(roomID, reg.cfg, session, reg.logger)
	r.OnEmpty = reg.Remove
	reg.rooms[roomID] = r
	if reg.OnCreate != nil {
		reg.OnCreate(r)
	}
	return r, nil
}

// Get returns the room without creating it.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	return r, ok
}

// Remove drops the room from the registry and closes it. Rooms call this
// through OnEmpty when their last peer leaves; the close is idempotent so a
// room that removed itself on media failure is fine too.
func (reg *Registry) Remove(roomID string) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if ok {
		delete(reg.rooms, roomID)
	}
	reg.mu.Unlock()

	if !ok {
		return
	}
	if reg.OnRemove != nil {
		reg.OnRemove(roomID)
	}
	r.Close()
	reg.logger.Info("Room removed", zap.String("roomID", roomID))
}

// Rooms returns a snapshot of the live rooms.
func (reg *Registry) Rooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Close shuts every room down. Used on server shutdown.
func (reg *Registry) Close() {
	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
}
