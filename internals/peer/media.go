package peer

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Source identifies which local capture a stream comes from. A peer holds at
// most one live producer per source.
type Source string

const (
	SourceMic    Source = "mic"
	SourceWebcam Source = "webcam"
	SourceScreen Source = "screen"
)

// Originator tags which side of a stream triggered a state change.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
)

// Pause reason tags. Spotlight-driven pauses and user-driven mutes must stay
// distinguishable so resuming one never clears the other.
const ReasonNotSpeaker = "not-speaker"

// MuteReason returns the user-mute reason tag for a source.
func MuteReason(source Source) string {
	return "mute-" + string(source)
}

var (
	// ErrDuplicateProducer is returned when a peer tries to open a second
	// live producer for the same source. Producer creation only happens on
	// explicit local user action, so this is a usage error, not a race.
	ErrDuplicateProducer = errors.New("peer: producer already exists for source")

	// ErrUnsupportedMedia is returned when an operation targets a consumer
	// the receiving side cannot decode. The consumer is tracked but never
	// forwarded.
	ErrUnsupportedMedia = errors.New("peer: media not supported by receiver")
)

// Producer is one outgoing stream a peer sends. The local and remote pause
// flags are independent: both must be clear for the stream to count as
// active.
type Producer struct {
	ID     string
	Source Source
	Kind   string
	Codec  string

	mu             sync.Mutex
	locallyPaused  bool
	remotelyPaused bool
	closed         bool
}

func NewProducer(source Source, kind, codec string) *Producer {
	return &Producer{
		ID:     uuid.New().String(),
		Source: source,
		Kind:   kind,
		Codec:  codec,
	}
}

func (p *Producer) Pause(originator Originator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if originator == OriginatorLocal {
		p.locallyPaused = true
	} else {
		p.remotelyPaused = true
	}
}

// Resume clears only the flag attributable to the originator.
func (p *Producer) Resume(originator Originator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if originator == OriginatorLocal {
		p.locallyPaused = false
	} else {
		p.remotelyPaused = false
	}
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locallyPaused || p.remotelyPaused
}

func (p *Producer) LocallyPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locallyPaused
}

func (p *Producer) RemotelyPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remotelyPaused
}

// Close is terminal and idempotent. It reports whether this call performed
// the close, so callers emit the removal notification at most once.
func (p *Producer) Close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	return true
}

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Consumer is one incoming stream a peer receives, sourced from another
// peer's producer. PeerName is a non-owning back reference into the room's
// peer map; teardown order stays well-defined because nothing here owns the
// producing peer.
type Consumer struct {
	ID         string
	PeerName   string // producing peer
	ProducerID string
	Source     Source
	Kind       string
	Codec      string
	Supported  bool

	mu             sync.Mutex
	reasons        map[string]struct{}
	remotelyPaused bool
	closed         bool
}

func NewConsumer(producerPeer string, producer *Producer, supported bool) *Consumer {
	return &Consumer{
		ID:         uuid.New().String(),
		PeerName:   producerPeer,
		ProducerID: producer.ID,
		Source:     producer.Source,
		Kind:       producer.Kind,
		Codec:      producer.Codec,
		Supported:  supported,
		reasons:    make(map[string]struct{}),
	}
}

// Pause records a viewer-side pause under the given reason tag. It reports
// whether the consumer went from forwarding to not forwarding.
func (c *Consumer) Pause(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	wasActive := c.activeLocked()
	c.reasons[reason] = struct{}{}
	return wasActive && !c.activeLocked()
}

// Resume clears only the given reason tag. A consumer paused under two
// reasons stays paused until both are cleared; in particular a spotlight
// resume never un-mutes a user-muted stream.
func (c *Consumer) Resume(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	wasActive := c.activeLocked()
	delete(c.reasons, reason)
	return !wasActive && c.activeLocked()
}

// SetRemotelyPaused mirrors the producing side's pause state. It reports
// whether the forwarding state changed.
func (c *Consumer) SetRemotelyPaused(paused bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	wasActive := c.activeLocked()
	c.remotelyPaused = paused
	return wasActive != c.activeLocked()
}

func (c *Consumer) activeLocked() bool {
	return c.Supported && !c.closed && !c.remotelyPaused && len(c.reasons) == 0
}

// Active reports whether the stream is currently forwarded to the viewer.
func (c *Consumer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *Consumer) LocallyPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons) > 0
}

func (c *Consumer) RemotelyPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remotelyPaused
}

// PausedFor reports whether the given reason tag is currently set.
func (c *Consumer) PausedFor(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.reasons[reason]
	return ok
}

// Close is terminal and idempotent; it reports whether this call performed
// the close.
func (c *Consumer) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
