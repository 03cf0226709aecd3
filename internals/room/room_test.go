package room

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tabitabe/multiparty-meeting/internals/config"
	"github.com/tabitabe/multiparty-meeting/internals/media"
	"github.com/tabitabe/multiparty-meeting/internals/peer"
	"github.com/tabitabe/multiparty-meeting/internals/signaling"
)

type notifySink struct {
	mu   sync.Mutex
	envs []*signaling.Envelope
}

func (s *notifySink) send(env *signaling.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return nil
}

func (s *notifySink) byMethod(method string) []*signaling.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*signaling.Envelope
	for _, e := range s.envs {
		if e.Method == method {
			out = append(out, e)
		}
	}
	return out
}

func (s *notifySink) has(method string) bool {
	return len(s.byMethod(method)) > 0
}

func testRoomConfig() config.RoomConfig {
	return config.RoomConfig{
		MaxPeers:            10,
		MaxSpotlights:       2,
		SpeakerHistoryLimit: 8,
		ChatHistoryLimit:    100,
		FileHistoryLimit:    10,
		ReconnectGrace:      time.Minute,
		StatusLogInterval:   time.Minute,
	}
}

func newTestRoom(t *testing.T, cfg config.RoomConfig) *Room {
	t.Helper()
	bridge := media.NewLoopbackBridge(zap.NewNop())
	session, err := bridge.CreateSession("test-room")
	require.NoError(t, err)
	r := NewRoom("test-room", cfg, session, zap.NewNop())
	t.Cleanup(r.Close)
	return r
}

func joinPeer(t *testing.T, r *Room, name, displayName string) (*notifySink, *signaling.Transport) {
	t.Helper()
	sink := &notifySink{}
	tr := signaling.NewTransport(sink.send, time.Second, zap.NewNop())
	_, err := r.Join(name, displayName, nil, tr)
	require.NoError(t, err)
	return sink, tr
}

func TestJoinLeaveRoundTrip(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())

	var evicted string
	r.OnEmpty = func(roomID string) { evicted = roomID }

	sink, _ := joinPeer(t, r, "alice", "Alice")
	assert.True(t, sink.has("room-ready"))

	peers := r.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "alice", peers[0].PeerName)
	assert.Equal(t, "Alice", peers[0].DisplayName)

	r.Leave("alice")
	assert.Equal(t, 0, r.PeerCount())
	assert.Equal(t, "test-room", evicted)
}

func TestJoinReplyCarriesRoomState(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	joinPeer(t, r, "alice", "Alice")

	require.NoError(t, r.chatMessage("alice", json.RawMessage(`"hi"`)))
	r.RecordActivity("alice")

	sink := &notifySink{}
	tr := signaling.NewTransport(sink.send, time.Second, zap.NewNop())
	result, err := r.Join("bob", "Bob", nil, tr)
	require.NoError(t, err)

	require.Len(t, result.Peers, 1)
	assert.Equal(t, "alice", result.Peers[0].PeerName)
	assert.False(t, result.Locked)
	assert.Equal(t, []string{"alice"}, result.LastActiveSpeakers)
	require.Len(t, result.ChatHistory, 1)
	assert.Equal(t, "alice", result.ChatHistory[0].PeerName)
}

func TestHistoryReplayExcludesJoiner(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	joinPeer(t, r, "alice", "Alice")
	joinPeer(t, r, "carol", "Carol")

	for i := 0; i < 3; i++ {
		require.NoError(t, r.chatMessage("alice", json.RawMessage(`"hello"`)))
	}
	r.RecordActivity("alice")
	r.RecordActivity("carol")

	sink := &notifySink{}
	tr := signaling.NewTransport(sink.send, time.Second, zap.NewNop())
	result, err := r.Join("bob", "Bob", nil, tr)
	require.NoError(t, err)

	assert.Len(t, result.ChatHistory, 3)
	assert.Equal(t, []string{"carol", "alice"}, result.LastActiveSpeakers)
	assert.ElementsMatch(t, []string{"carol", "alice"}, r.Spotlights())
}

func TestLockedRoomRejectsNonMembers(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	aliceSink, aliceTr := joinPeer(t, r, "alice", "Alice")
	r.Lock("alice")
	assert.True(t, r.Locked())
	assert.True(t, aliceSink.has("lock-room"))

	sink := &notifySink{}
	tr := signaling.NewTransport(sink.send, time.Second, zap.NewNop())
	_, err := r.Join("bob", "Bob", nil, tr)
	require.ErrorIs(t, err, ErrRoomLocked)
	assert.Equal(t, 1, r.PeerCount())

	// The locking member itself may rejoin after a reconnect.
	r.HandleDisconnect("alice", aliceTr)
	tr2 := signaling.NewTransport((&notifySink{}).send, time.Second, zap.NewNop())
	_, err = r.Join("alice", "Alice", nil, tr2)
	require.NoError(t, err)

	r.Unlock("alice")
	_, err = r.Join("bob", "Bob", nil, tr)
	require.NoError(t, err)
}

func TestRoomFull(t *testing.T) {
	cfg := testRoomConfig()
	cfg.MaxPeers = 1
	r := newTestRoom(t, cfg)
	joinPeer(t, r, "alice", "Alice")

	tr := signaling.NewTransport((&notifySink{}).send, time.Second, zap.NewNop())
	_, err := r.Join("bob", "Bob", nil, tr)
	require.ErrorIs(t, err, ErrRoomFull)
}

func TestLeaveBroadcastsPeerLeft(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	joinPeer(t, r, "alice", "Alice")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	r.Leave("alice")

	left := bobSink.byMethod("peer-left")
	require.Len(t, left, 1)
	var info PeerInfo
	require.NoError(t, json.Unmarshal(left[0].Data, &info))
	assert.Equal(t, "alice", info.PeerName)
}

func TestChatBroadcast(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	aliceSink, _ := joinPeer(t, r, "alice", "Alice")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	require.NoError(t, r.chatMessage("alice", json.RawMessage(`"hi there"`)))

	got := bobSink.byMethod("chat-message-receive")
	require.Len(t, got, 1)
	var payload ChatReceivePayload
	require.NoError(t, json.Unmarshal(got[0].Data, &payload))
	assert.Equal(t, "alice", payload.PeerName)
	assert.Equal(t, "Alice", payload.DisplayName)

	// The sender does not receive its own message back.
	assert.False(t, aliceSink.has("chat-message-receive"))
}

func TestCreateProducerFansOutConsumers(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	joinPeer(t, r, "alice", "Alice")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	_, err := r.createProducer("alice", createProducerRequest{Source: "webcam", Codec: "vp8"})
	require.NoError(t, err)

	got := bobSink.byMethod("new-consumer")
	require.Len(t, got, 1)
	var payload NewConsumerPayload
	require.NoError(t, json.Unmarshal(got[0].Data, &payload))
	assert.Equal(t, "alice", payload.PeerName)
	assert.Equal(t, "webcam", payload.Source)
	assert.Equal(t, "video", payload.Kind)
	assert.True(t, payload.Supported)

	// Duplicate for the same source is a usage error.
	_, err = r.createProducer("alice", createProducerRequest{Source: "webcam"})
	require.ErrorIs(t, err, peer.ErrDuplicateProducer)
}

func TestSpotlightFanOutPausesNonSpeakers(t *testing.T) {
	cfg := testRoomConfig()
	cfg.MaxSpotlights = 1
	r := newTestRoom(t, cfg)

	joinPeer(t, r, "alice", "Alice")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	// Alice joined first so the padded singleton spotlight is hers.
	require.Equal(t, []string{"alice"}, r.Spotlights())

	_, err := r.createProducer("alice", createProducerRequest{Source: "webcam", Codec: "vp8"})
	require.NoError(t, err)

	var consumerID string
	{
		got := bobSink.byMethod("new-consumer")
		require.Len(t, got, 1)
		var payload NewConsumerPayload
		require.NoError(t, json.Unmarshal(got[0].Data, &payload))
		assert.False(t, payload.Paused)
		consumerID = payload.ID
	}

	// Bob speaking bumps alice out of the spotlight.
	r.RecordActivity("bob")
	require.Equal(t, []string{"bob"}, r.Spotlights())

	paused := bobSink.byMethod("consumer-paused")
	require.Len(t, paused, 1)
	var state ConsumerStatePayload
	require.NoError(t, json.Unmarshal(paused[0].Data, &state))
	assert.Equal(t, consumerID, state.ID)
	assert.Equal(t, peer.ReasonNotSpeaker, state.Reason)

	// Alice speaking again resumes the consumer.
	r.RecordActivity("alice")
	resumed := bobSink.byMethod("consumer-resumed")
	require.Len(t, resumed, 1)
}

func TestSpotlightResumeRespectsMute(t *testing.T) {
	cfg := testRoomConfig()
	cfg.MaxSpotlights = 1
	r := newTestRoom(t, cfg)

	joinPeer(t, r, "alice", "Alice")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	_, err := r.createProducer("alice", createProducerRequest{Source: "webcam", Codec: "vp8"})
	require.NoError(t, err)

	got := bobSink.byMethod("new-consumer")
	require.Len(t, got, 1)
	var payload NewConsumerPayload
	require.NoError(t, json.Unmarshal(got[0].Data, &payload))

	// Bob mutes alice, then the spotlight cycles away and back.
	require.NoError(t, r.setConsumerMuted("bob", payload.ID, true))
	r.RecordActivity("bob")
	r.RecordActivity("alice")

	bobSession, err := r.sessionFor("bob")
	require.NoError(t, err)
	c, ok := bobSession.Consumer(payload.ID)
	require.True(t, ok)
	assert.False(t, c.Active(), "spotlight resume must not clear the viewer's mute")

	require.NoError(t, r.setConsumerMuted("bob", payload.ID, false))
	assert.True(t, c.Active())
}

func TestProducerPauseMirroredToViewers(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	joinPeer(t, r, "alice", "Alice")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	_, err := r.createProducer("alice", createProducerRequest{Source: "mic", Codec: "opus"})
	require.NoError(t, err)

	require.NoError(t, r.setProducerPaused("alice", peer.SourceMic, true))
	paused := bobSink.byMethod("consumer-paused")
	require.Len(t, paused, 1)
	var state ConsumerStatePayload
	require.NoError(t, json.Unmarshal(paused[0].Data, &state))
	assert.Equal(t, "producer-paused", state.Reason)

	require.NoError(t, r.setProducerPaused("alice", peer.SourceMic, false))
	assert.Len(t, bobSink.byMethod("consumer-resumed"), 1)
}

func TestCloseProducerClosesViewersConsumers(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	joinPeer(t, r, "alice", "Alice")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	_, err := r.createProducer("alice", createProducerRequest{Source: "screen", Codec: "vp8"})
	require.NoError(t, err)

	require.NoError(t, r.closeProducer("alice", peer.SourceScreen))
	assert.Len(t, bobSink.byMethod("consumer-closed"), 1)
	assert.Len(t, bobSink.byMethod("producer-closed"), 1)

	// Second close is a no-op and re-emits nothing.
	require.NoError(t, r.closeProducer("alice", peer.SourceScreen))
	assert.Len(t, bobSink.byMethod("consumer-closed"), 1)
	assert.Len(t, bobSink.byMethod("producer-closed"), 1)

	bobSession, err := r.sessionFor("bob")
	require.NoError(t, err)
	assert.Empty(t, bobSession.ConsumersFrom("alice"))
}

func TestDisconnectKeepsRecordClosesMedia(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	_, aliceTr := joinPeer(t, r, "alice", "Alice")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	_, err := r.createProducer("alice", createProducerRequest{Source: "webcam", Codec: "vp8"})
	require.NoError(t, err)

	r.HandleDisconnect("alice", aliceTr)

	// The record stays for the grace period, its media does not.
	assert.Equal(t, 2, r.PeerCount())
	assert.Len(t, bobSink.byMethod("consumer-closed"), 1)
	assert.False(t, bobSink.has("peer-left"))

	_, err = r.sessionFor("alice")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestRejoinSurvivesStaleConnectionClose(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())

	_, oldTr := joinPeer(t, r, "alice", "Alice")

	// The client reconnects and rejoins before the old socket's read
	// deadline notices anything.
	_, newTr := joinPeer(t, r, "alice", "Alice")
	assert.True(t, oldTr.Closed(), "superseded connection must be evicted on rejoin")
	assert.False(t, newTr.Closed())

	// The stale socket's close arrives late and must not touch the
	// resumed session.
	r.HandleDisconnect("alice", oldTr)

	session, err := r.sessionFor("alice")
	require.NoError(t, err)
	assert.Equal(t, peer.StatusJoined, session.Status())
	assert.Same(t, newTr, session.Transport())

	// A close from the live connection still disconnects as usual.
	r.HandleDisconnect("alice", newTr)
	_, err = r.sessionFor("alice")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestJanitorEvictsExpiredDisconnects(t *testing.T) {
	cfg := testRoomConfig()
	cfg.ReconnectGrace = 20 * time.Millisecond
	cfg.StatusLogInterval = 10 * time.Millisecond
	r := newTestRoom(t, cfg)

	var evicted []string
	var evictedMu sync.Mutex
	r.OnEmpty = func(roomID string) {
		evictedMu.Lock()
		evicted = append(evicted, roomID)
		evictedMu.Unlock()
	}

	_, aliceTr := joinPeer(t, r, "alice", "Alice")
	r.HandleDisconnect("alice", aliceTr)
	require.Equal(t, 1, r.PeerCount())

	require.Eventually(t, func() bool {
		return r.PeerCount() == 0
	}, 2*time.Second, 5*time.Millisecond, "janitor should evict the peer after the grace period")

	evictedMu.Lock()
	defer evictedMu.Unlock()
	assert.Equal(t, []string{"test-room"}, evicted)
}

func TestAuthCallbackUpdatesPeer(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	aliceSink, _ := joinPeer(t, r, "alice", "")
	bobSink, _ := joinPeer(t, r, "bob", "Bob")

	r.AuthCallback("alice", "Alice Liddell", "https://example.com/alice.png")

	auth := aliceSink.byMethod("auth")
	require.Len(t, auth, 1)
	var payload AuthPayload
	require.NoError(t, json.Unmarshal(auth[0].Data, &payload))
	assert.Equal(t, "Alice Liddell", payload.Name)

	assert.True(t, bobSink.has("display-name-changed"))
	assert.True(t, bobSink.has("profile-picture-changed"))

	// A callback racing the peer's departure is just logged.
	r.AuthCallback("ghost", "Nobody", "")
}

func TestUnsupportedConsumerCannotResume(t *testing.T) {
	r := newTestRoom(t, testRoomConfig())
	joinPeer(t, r, "alice", "Alice")

	sink := &notifySink{}
	tr := signaling.NewTransport(sink.send, time.Second, zap.NewNop())
	device := json.RawMessage(`{"codecs":["opus"]}`)
	_, err := r.Join("bob", "Bob", device, tr)
	require.NoError(t, err)

	_, err = r.createProducer("alice", createProducerRequest{Source: "webcam", Codec: "vp8"})
	require.NoError(t, err)

	got := sink.byMethod("new-consumer")
	require.Len(t, got, 1)
	var payload NewConsumerPayload
	require.NoError(t, json.Unmarshal(got[0].Data, &payload))
	assert.False(t, payload.Supported)

	err = r.setConsumerMuted("bob", payload.ID, false)
	require.ErrorIs(t, err, peer.ErrUnsupportedMedia)
}
