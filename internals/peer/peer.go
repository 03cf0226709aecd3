package peer

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tabitabe/multiparty-meeting/internals/signaling"
)

// Status tracks where a peer is in its lifecycle. Disconnected peers keep
// their room record (display name, raise hand, history attribution) and may
// reattach within the grace period; Closed is terminal.
type Status string

const (
	StatusJoining      Status = "joining"
	StatusJoined       Status = "joined"
	StatusDisconnected Status = "disconnected"
	StatusClosed       Status = "closed"
)

// Session is one peer's presence in a room. All media bookkeeping hangs off
// the session so a disconnect can tear down exactly that peer's streams.
type Session struct {
	Name string

	mu             sync.RWMutex
	status         Status
	displayName    string
	picture        string
	device         json.RawMessage
	raiseHand      bool
	producers      map[Source]*Producer
	consumers      map[string]*Consumer
	transport      *signaling.Transport
	disconnectedAt time.Time
	joinedAt       time.Time

	logger *zap.Logger
}

func NewSession(name string, logger *zap.Logger) *Session {
	return &Session{
		Name:      name,
		status:    StatusJoining,
		producers: make(map[Source]*Producer),
		consumers: make(map[string]*Consumer),
		logger:    logger.With(zap.String("peer", name)),
	}
}

// Attach binds a signaling transport to the session and returns the one it
// replaces, if any. A disconnected peer reattaching within the grace period
// comes back through here; so does a rejoin racing its old socket's close,
// in which case the caller closes the returned transport.
func (s *Session) Attach(t *signaling.Transport) (prev *signaling.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.transport
	s.transport = t
	if s.status == StatusDisconnected {
		s.status = StatusJoining
		s.disconnectedAt = time.Time{}
	}
	return prev
}

// Join completes the handshake: the peer has supplied its identity and is
// now visible to the rest of the room.
func (s *Session) Join(displayName string, device json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if displayName != "" {
		s.displayName = displayName
	}
	if device != nil {
		s.device = device
	}
	s.status = StatusJoined
	if s.joinedAt.IsZero() {
		s.joinedAt = time.Now()
	}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Session) Joined() bool {
	return s.Status() == StatusJoined
}

func (s *Session) JoinedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.joinedAt
}

func (s *Session) DisplayName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayName
}

func (s *Session) SetDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayName = name
}

func (s *Session) Picture() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.picture
}

func (s *Session) SetPicture(picture string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.picture = picture
}

func (s *Session) Device() json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

func (s *Session) RaiseHand() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raiseHand
}

func (s *Session) SetRaiseHand(raised bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raiseHand = raised
}

// AddProducer registers a new outgoing stream. At most one live producer per
// source; a closed producer for the source is replaced.
func (s *Session) AddProducer(source Source, kind, codec string) (*Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.producers[source]; ok && !existing.Closed() {
		return nil, ErrDuplicateProducer
	}
	p := NewProducer(source, kind, codec)
	s.producers[source] = p
	return p, nil
}

func (s *Session) ProducerBySource(source Source) (*Producer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.producers[source]
	return p, ok
}

func (s *Session) ProducerByID(id string) (*Producer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.producers {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

func (s *Session) RemoveProducer(source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, source)
}

func (s *Session) Producers() []*Producer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Producer, 0, len(s.producers))
	for _, p := range s.producers {
		out = append(out, p)
	}
	return out
}

// AddConsumer registers an incoming stream on this session (this peer is
// the viewer).
func (s *Session) AddConsumer(c *Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[c.ID] = c
}

func (s *Session) Consumer(id string) (*Consumer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consumers[id]
	return c, ok
}

func (s *Session) RemoveConsumer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, id)
}

func (s *Session) Consumers() []*Consumer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	return out
}

// ConsumersFrom returns this peer's consumers of the given producing peer.
func (s *Session) ConsumersFrom(peerName string) []*Consumer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Consumer
	for _, c := range s.consumers {
		if c.PeerName == peerName {
			out = append(out, c)
		}
	}
	return out
}

// CloseMedia closes every producer and consumer on the session and clears
// the maps. It returns what it closed so the room can notify viewers.
func (s *Session) CloseMedia() (producers []*Producer, consumers []*Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for source, p := range s.producers {
		if p.Close() {
			producers = append(producers, p)
		}
		delete(s.producers, source)
	}
	for id, c := range s.consumers {
		if c.Close() {
			consumers = append(consumers, c)
		}
		delete(s.consumers, id)
	}
	return producers, consumers
}

// MarkDisconnected records transport loss. Media is torn down by the caller
// via CloseMedia; the peer record itself survives until the grace period
// runs out or the peer reattaches.
func (s *Session) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return
	}
	s.status = StatusDisconnected
	s.disconnectedAt = time.Now()
	s.transport = nil
}

// DisconnectedSince returns when the peer lost its transport. The second
// return is false unless the peer is currently disconnected.
func (s *Session) DisconnectedSince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusDisconnected {
		return time.Time{}, false
	}
	return s.disconnectedAt, true
}

// Close is terminal: the peer has left for good.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return
	}
	s.status = StatusClosed
	s.transport = nil
}

// Transport returns the current signaling transport, or nil while the peer
// is disconnected.
func (s *Session) Transport() *signaling.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

// Notify sends a best-effort notification to the peer. Disconnected peers
// are silently skipped.
func (s *Session) Notify(method string, payload interface{}) {
	t := s.Transport()
	if t == nil {
		s.logger.Debug("notification skipped, peer has no transport",
			zap.String("method", method))
		return
	}
	t.Notify(method, payload)
}

// Request sends a request to the peer and waits for its reply.
func (s *Session) Request(method string, payload interface{}) (json.RawMessage, error) {
	t := s.Transport()
	if t == nil {
		return nil, signaling.ErrConnectionClosed
	}
	return t.Request(method, payload)
}
