package room

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabitabe/multiparty-meeting/internals/media"
	"github.com/tabitabe/multiparty-meeting/internals/signaling"
)

type failingBridge struct{}

func (failingBridge) CreateSession(string) (media.Session, error) {
	return nil, errors.New("engine unavailable")
}

func TestRegistryCreateOnDemand(t *testing.T) {
	reg := NewRegistry(testRoomConfig(), media.NewLoopbackBridge(zap.NewNop()), zap.NewNop())
	t.Cleanup(reg.Close)

	r1, err := reg.GetOrCreate("meeting-1")
	require.NoError(t, err)
	r2, err := reg.GetOrCreate("meeting-1")
	require.NoError(t, err)
	assert.Same(t, r1, r2)

	other, err := reg.GetOrCreate("meeting-2")
	require.NoError(t, err)
	assert.NotSame(t, r1, other)
	assert.Len(t, reg.Rooms(), 2)
}

func TestRegistryEvictsEmptyRoom(t *testing.T) {
	reg := NewRegistry(testRoomConfig(), media.NewLoopbackBridge(zap.NewNop()), zap.NewNop())
	t.Cleanup(reg.Close)

	r, err := reg.GetOrCreate("meeting-1")
	require.NoError(t, err)

	sink := &notifySink{}
	tr := signaling.NewTransport(sink.send, time.Second, zap.NewNop())
	_, err = r.Join("alice", "Alice", nil, tr)
	require.NoError(t, err)

	r.Leave("alice")

	_, ok := reg.Get("meeting-1")
	assert.False(t, ok)
	assert.Empty(t, reg.Rooms())
}

func TestRegistryCreateFailureNotRegistered(t *testing.T) {
	reg := NewRegistry(testRoomConfig(), failingBridge{}, zap.NewNop())

	_, err := reg.GetOrCreate("meeting-1")
	require.Error(t, err)

	_, ok := reg.Get("meeting-1")
	assert.False(t, ok)
	assert.Empty(t, reg.Rooms())
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	reg := NewRegistry(testRoomConfig(), media.NewLoopbackBridge(zap.NewNop()), zap.NewNop())

	_, err := reg.GetOrCreate("meeting-1")
	require.NoError(t, err)

	reg.Remove("meeting-1")
	reg.Remove("meeting-1")
	assert.Empty(t, reg.Rooms())
}

func TestRegistryLifecycleHooks(t *testing.T) {
	reg := NewRegistry(testRoomConfig(), media.NewLoopbackBridge(zap.NewNop()), zap.NewNop())

	var created, removed []string
	reg.OnCreate = func(r *Room) { created = append(created, r.ID) }
	reg.OnRemove = func(roomID string) { removed = append(removed, roomID) }

	_, err := reg.GetOrCreate("meeting-1")
	require.NoError(t, err)
	reg.Remove("meeting-1")

	assert.Equal(t, []string{"meeting-1"}, created)
	assert.Equal(t, []string{"meeting-1"}, removed)
}
