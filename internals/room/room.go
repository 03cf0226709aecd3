package room

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tabitabe/multiparty-meeting/internals/config"
	"github.com/tabitabe/multiparty-meeting/internals/media"
	"github.com/tabitabe/multiparty-meeting/internals/metrics"
	"github.com/tabitabe/multiparty-meeting/internals/peer"
	"github.com/tabitabe/multiparty-meeting/internals/signaling"
)

// timeNow is swapped out by tests that need fixed history timestamps.
var timeNow = time.Now

var (
	// ErrRoomLocked rejects a join attempt from a non-member while the room
	// is locked. Existing members, including the peer that locked the room,
	// may still rejoin.
	ErrRoomLocked = errors.New("room: locked")

	ErrRoomFull   = errors.New("room: peer limit reached")
	ErrRoomClosed = errors.New("room: closed")
	ErrNotJoined  = errors.New("room: peer has not joined")
)

// Room owns one meeting session: its peers, lock state, history buffers and
// spotlight policy. All mutations happen under one mutex, so each room is a
// single-writer domain; rooms never share state and run fully in parallel.
type Room struct {
	ID string

	cfg      config.RoomConfig
	logger   *zap.Logger
	selector SpotlightSelector
	media    media.Session

	mu         sync.Mutex
	locked     bool
	closed     bool
	peers      map[string]*peer.Session
	history    *history
	speakers   *speakerHistory
	spotlights []string
	createdAt  time.Time

	// OnEmpty fires once, outside the room lock, when the last peer record
	// is removed. The registry uses it to evict the room.
	OnEmpty func(roomID string)

	// Publish, when set, mirrors every broadcast to other server instances.
	Publish func(roomID, method string, data interface{}, excludePeer string)

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRoom constructs a room around an already-created media session and
// starts its event loop and janitor.
func NewRoom(id string, cfg config.RoomConfig, session media.Session, logger *zap.Logger) *Room {
	r := &Room{
		ID:        id,
		cfg:       cfg,
		logger:    logger.With(zap.String("roomID", id)),
		media:     session,
		peers:     make(map[string]*peer.Session),
		history:   newHistory(cfg.ChatHistoryLimit, cfg.FileHistoryLimit),
		speakers:  newSpeakerHistory(cfg.SpeakerHistoryLimit),
		createdAt: time.Now(),
		stop:      make(chan struct{}),
	}

	go r.eventLoop()
	go r.janitor()

	metrics.ActiveRooms.Inc()
	r.logger.Info("Room created")
	return r
}

// eventLoop consumes media engine signals until the session or the room
// closes.
func (r *Room) eventLoop() {
	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-r.media.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case media.ActiveSpeakerEvent:
				if e.PeerName != "" {
					r.RecordActivity(e.PeerName)
				}
			case media.SessionClosedEvent:
				r.logger.Warn("Media session closed, closing room",
					zap.String("reason", e.Reason))
				r.Close()
				return
			}
		}
	}
}

// janitor periodically logs room status and evicts peers whose reconnect
// grace period has run out.
func (r *Room) janitor() {
	interval := r.cfg.StatusLogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.logStatus()
			r.evictExpired()
		}
	}
}

func (r *Room) logStatus() {
	r.mu.Lock()
	total := len(r.peers)
	joined := 0
	for _, p := range r.peers {
		if p.Joined() {
			joined++
		}
	}
	locked := r.locked
	r.mu.Unlock()

	r.logger.Info("Room status",
		zap.Int("peers", total),
		zap.Int("joined", joined),
		zap.Bool("locked", locked),
	)
}

func (r *Room) evictExpired() {
	if r.cfg.ReconnectGrace <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.ReconnectGrace)

	r.mu.Lock()
	var expired []string
	for name, p := range r.peers {
		if since, ok := p.DisconnectedSince(); ok && since.Before(cutoff) {
			expired = append(expired, name)
		}
	}
	r.mu.Unlock()

	for _, name := range expired {
		r.logger.Info("Evicting peer, reconnect grace expired",
			zap.String("peerName", name))
		r.Leave(name)
	}
}

// HandleConnection wires a freshly upgraded connection into the room. The
// peer record itself is only created when the join request arrives.
func (r *Room) HandleConnection(conn *signaling.Conn) {
	r.registerHandlers(conn)
	conn.OnClose = func(c *signaling.Conn) {
		r.HandleDisconnect(c.PeerName, c.Transport())
	}
}

// Join admits a peer, or resumes its record after a reconnect. The reply
// carries current membership, lock state, history and the speaker list so a
// late joiner can render the room immediately.
func (r *Room) Join(peerName, displayName string, device json.RawMessage, transport *signaling.Transport) (*JoinResult, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}

	existing, member := r.peers[peerName]
	if r.locked && !member {
		r.mu.Unlock()
		return nil, ErrRoomLocked
	}
	if !member && r.cfg.MaxPeers > 0 && len(r.peers) >= r.cfg.MaxPeers {
		r.mu.Unlock()
		return nil, ErrRoomFull
	}

	var session *peer.Session
	if member {
		session = existing
		// A rejoin can race the old socket's close. Evict the stale
		// transport now; its eventual close is ignored by identity.
		if prev := session.Attach(transport); prev != nil && prev != transport {
			prev.Close()
			r.logger.Info("Evicted stale connection for rejoining peer",
				zap.String("peerName", peerName))
		}
		session.Join(displayName, device)
		r.logger.Info("Peer resumed", zap.String("peerName", peerName))
	} else {
		session = peer.NewSession(peerName, r.logger)
		session.Attach(transport)
		session.Join(displayName, device)
		r.peers[peerName] = session
		metrics.ActivePeers.Inc()
		r.logger.Info("Peer joined",
			zap.String("peerName", peerName),
			zap.Int("peers", len(r.peers)),
		)
	}

	result := &JoinResult{
		Peers:              r.peerInfosLocked(peerName),
		Locked:             r.locked,
		LastActiveSpeakers: r.speakersExcludingLocked(peerName),
		ChatHistory:        r.history.chatEntries(),
		FileHistory:        r.history.fileEntries(),
	}

	r.applySpotlightsLocked()
	r.mu.Unlock()

	r.broadcast("new-peer", PeerInfo{
		PeerName:    peerName,
		DisplayName: session.DisplayName(),
		Picture:     session.Picture(),
	}, peerName)

	session.Notify("room-ready", nil)
	return result, nil
}

// Leave removes a peer for good: media torn down, record dropped, departure
// broadcast. The last leave triggers registry eviction via OnEmpty.
func (r *Room) Leave(peerName string) {
	r.mu.Lock()
	session, ok := r.peers[peerName]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerName)
	r.closePeerMediaLocked(session)
	session.Close()
	r.speakers.remove(peerName)
	empty := len(r.peers) == 0
	closing := r.closed
	if !empty {
		r.applySpotlightsLocked()
	}
	r.mu.Unlock()

	metrics.ActivePeers.Dec()
	r.media.ClosePeer(peerName)
	r.logger.Info("Peer left", zap.String("peerName", peerName))

	if !closing {
		r.broadcast("peer-left", PeerInfo{PeerName: peerName}, peerName)
	}

	if empty && !closing && r.OnEmpty != nil {
		r.OnEmpty(r.ID)
	}
}

// HandleDisconnect reacts to transport loss. The peer's media is released
// but its record survives for the reconnect grace period; only an explicit
// leave, or grace expiry, removes it. The closing transport identifies the
// connection: a close from a socket the peer already replaced by rejoining
// is stale and must not touch the resumed session.
func (r *Room) HandleDisconnect(peerName string, from *signaling.Transport) {
	r.mu.Lock()
	session, ok := r.peers[peerName]
	if !ok {
		r.mu.Unlock()
		return
	}
	if session.Status() == peer.StatusClosed {
		r.mu.Unlock()
		return
	}
	if from != nil && session.Transport() != from {
		r.mu.Unlock()
		r.logger.Debug("Ignoring close from superseded connection",
			zap.String("peerName", peerName))
		return
	}
	r.closePeerMediaLocked(session)
	session.MarkDisconnected()
	r.mu.Unlock()

	r.media.ClosePeer(peerName)
	r.logger.Info("Peer disconnected, awaiting reconnect",
		zap.String("peerName", peerName),
		zap.Duration("grace", r.cfg.ReconnectGrace),
	)
}

// closePeerMediaLocked closes all of the peer's producers and consumers and
// tells viewers about the streams that vanished. Caller holds r.mu.
func (r *Room) closePeerMediaLocked(session *peer.Session) {
	producers, consumers := session.CloseMedia()
	metrics.ProducersActive.Sub(float64(len(producers)))
	metrics.ConsumersActive.Sub(float64(len(consumers)))

	// Viewers of this peer's producers lose their consumers too.
	for _, other := range r.peers {
		if other.Name == session.Name {
			continue
		}
		for _, c := range other.ConsumersFrom(session.Name) {
			if c.Close() {
				metrics.ConsumersActive.Dec()
			}
			other.RemoveConsumer(c.ID)
			other.Notify("consumer-closed", ConsumerClosedPayload{ID: c.ID, PeerName: session.Name})
		}
	}
}

// Lock marks the room locked and announces who did it.
func (r *Room) Lock(actor string) {
	r.mu.Lock()
	if r.locked {
		r.mu.Unlock()
		return
	}
	r.locked = true
	r.mu.Unlock()

	r.logger.Info("Room locked", zap.String("peerName", actor))
	r.broadcast("lock-room", PeerInfo{PeerName: actor, DisplayName: r.displayNameOf(actor)}, "")
}

func (r *Room) Unlock(actor string) {
	r.mu.Lock()
	if !r.locked {
		r.mu.Unlock()
		return
	}
	r.locked = false
	r.mu.Unlock()

	r.logger.Info("Room unlocked", zap.String("peerName", actor))
	r.broadcast("unlock-room", PeerInfo{PeerName: actor, DisplayName: r.displayNameOf(actor)}, "")
}

func (r *Room) Locked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locked
}

// RecordActivity pushes a speaker to the front of the activity history,
// announces the new active speaker and refreshes the spotlight set.
func (r *Room) RecordActivity(peerName string) {
	r.mu.Lock()
	if _, ok := r.peers[peerName]; !ok {
		r.mu.Unlock()
		return
	}
	r.speakers.push(peerName)
	r.applySpotlightsLocked()
	r.mu.Unlock()

	metrics.ActiveSpeakerEventsTotal.Inc()
	r.broadcast("active-speaker", PeerInfo{PeerName: peerName}, "")
}

// applySpotlightsLocked recomputes the spotlight set and, when it changes,
// pauses or resumes every viewer's video consumers accordingly. A consumer
// the viewer muted stays paused; only the speaker-driven reason is touched.
// Caller holds r.mu.
func (r *Room) applySpotlightsLocked() {
	joined := make([]spotlightCandidate, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Joined() {
			joined = append(joined, spotlightCandidate{
				Name:     p.Name,
				JoinedAt: p.JoinedAt().UnixNano(),
			})
		}
	}

	next := r.selector.Recompute(joined, r.speakers.list(), r.cfg.MaxSpotlights)
	if sameSpotlights(r.spotlights, next) {
		return
	}
	r.spotlights = next
	metrics.SpotlightChangesTotal.Inc()

	inSet := make(map[string]bool, len(next))
	for _, n := range next {
		inSet[n] = true
	}

	for _, viewer := range r.peers {
		for _, c := range viewer.Consumers() {
			if c.Kind != "video" {
				continue
			}
			if inSet[c.PeerName] {
				if c.Resume(peer.ReasonNotSpeaker) {
					viewer.Notify("consumer-resumed", ConsumerStatePayload{ID: c.ID})
				}
			} else {
				if c.Pause(peer.ReasonNotSpeaker) {
					viewer.Notify("consumer-paused", ConsumerStatePayload{ID: c.ID, Reason: peer.ReasonNotSpeaker})
				}
			}
		}
	}
}

// Spotlights returns the current spotlight set.
func (r *Room) Spotlights() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.spotlights))
	copy(out, r.spotlights)
	return out
}

// AuthCallback applies an out-of-band login result to a member. Losing the
// race against the peer leaving is expected and only logged.
func (r *Room) AuthCallback(peerName, name, picture string) {
	r.mu.Lock()
	session, ok := r.peers[peerName]
	r.mu.Unlock()
	if !ok {
		r.logger.Info("Auth callback for absent peer",
			zap.String("peerName", peerName))
		return
	}

	if name != "" {
		session.SetDisplayName(name)
	}
	if picture != "" {
		session.SetPicture(picture)
	}

	session.Notify("auth", AuthPayload{Name: name, Picture: picture})
	r.broadcast("display-name-changed", DisplayNamePayload{
		PeerName:    peerName,
		DisplayName: session.DisplayName(),
	}, peerName)
	if picture != "" {
		r.broadcast("profile-picture-changed", PicturePayload{
			PeerName: peerName,
			Picture:  picture,
		}, peerName)
	}
}

// broadcast notifies every joined peer except excludePeer, and mirrors the
// message to other instances when a relay is configured.
func (r *Room) broadcast(method string, data interface{}, excludePeer string) {
	r.deliver(method, data, excludePeer)
	if r.Publish != nil {
		r.Publish(r.ID, method, data, excludePeer)
	}
}

// deliver fans a notification out to local members only. The relay calls
// this directly so remote-originated messages are not re-published.
func (r *Room) deliver(method string, data interface{}, excludePeer string) {
	r.mu.Lock()
	targets := make([]*peer.Session, 0, len(r.peers))
	for name, p := range r.peers {
		if name == excludePeer || !p.Joined() {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.Unlock()

	for _, p := range targets {
		p.Notify(method, data)
	}
}

// DeliverRelay hands a relay-originated broadcast to local members.
func (r *Room) DeliverRelay(method string, data json.RawMessage, excludePeer string) {
	r.deliver(method, data, excludePeer)
}

// Close shuts the whole room down: every peer gets a close notification,
// all media is released and the background goroutines stop.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := make([]string, 0, len(r.peers))
	for name := range r.peers {
		remaining = append(remaining, name)
	}
	r.mu.Unlock()

	r.broadcast("close", nil, "")
	for _, name := range remaining {
		r.Leave(name)
	}

	r.stopOnce.Do(func() { close(r.stop) })
	if err := r.media.Close(); err != nil {
		r.logger.Warn("Media session close failed", zap.Error(err))
	}

	// Self-initiated closes (media session loss) still need the registry
	// entry gone.
	if r.OnEmpty != nil {
		r.OnEmpty(r.ID)
	}

	metrics.ActiveRooms.Dec()
	r.logger.Info("Room closed")
}

// PeerCount returns the number of peer records, joined or disconnected.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Peers returns a snapshot of membership for the REST surface.
func (r *Room) Peers() []PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerInfosLocked("")
}

func (r *Room) CreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt
}

func (r *Room) peerInfosLocked(exclude string) []PeerInfo {
	out := make([]PeerInfo, 0, len(r.peers))
	for name, p := range r.peers {
		if name == exclude {
			continue
		}
		out = append(out, PeerInfo{
			PeerName:    name,
			DisplayName: p.DisplayName(),
			Picture:     p.Picture(),
			RaiseHand:   p.RaiseHand(),
			Status:      string(p.Status()),
		})
	}
	return out
}

func (r *Room) speakersExcludingLocked(exclude string) []string {
	var out []string
	for _, n := range r.speakers.list() {
		if n != exclude {
			out = append(out, n)
		}
	}
	return out
}

func (r *Room) displayNameOf(peerName string) string {
	r.mu.Lock()
	p, ok := r.peers[peerName]
	r.mu.Unlock()
	if !ok {
		return ""
	}
	return p.DisplayName()
}

// sessionFor returns the joined session behind a connection, or ErrNotJoined.
func (r *Room) sessionFor(peerName string) (*peer.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerName]
	if !ok || !p.Joined() {
		return nil, ErrNotJoined
	}
	return p, nil
}
