package room

import (
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/tabitabe/multiparty-meeting/internals/metrics"
	"github.com/tabitabe/multiparty-meeting/internals/peer"
	"github.com/tabitabe/multiparty-meeting/internals/signaling"
)

// PeerInfo is the membership view sent in join replies, broadcasts and the
// REST surface.
type PeerInfo struct {
	PeerName    string `json:"peerName"`
	DisplayName string `json:"displayName,omitempty"`
	Picture     string `json:"picture,omitempty"`
	RaiseHand   bool   `json:"raiseHand,omitempty"`
	Status      string `json:"status,omitempty"`
}

// JoinResult is the join reply: everything a late joiner needs to render the
// room. The speaker list excludes the joiner itself.
type JoinResult struct {
	Peers              []PeerInfo  `json:"peers"`
	Locked             bool        `json:"locked"`
	LastActiveSpeakers []string    `json:"lastActiveSpeakers"`
	ChatHistory        []ChatEntry `json:"chatHistory"`
	FileHistory        []FileEntry `json:"fileHistory"`
}

type joinRequest struct {
	DisplayName string          `json:"displayName"`
	Device      json.RawMessage `json:"device,omitempty"`
}

type createProducerRequest struct {
	Source string `json:"source"`
	Kind   string `json:"kind,omitempty"`
	Codec  string `json:"codec,omitempty"`
}

type producerRef struct {
	Source string `json:"source"`
}

type consumerRef struct {
	ID string `json:"id"`
}

type chatMessageRequest struct {
	ChatMessage json.RawMessage `json:"chatMessage"`
}

type sendFileRequest struct {
	File json.RawMessage `json:"file"`
}

type displayNameRequest struct {
	DisplayName string `json:"displayName"`
}

type pictureRequest struct {
	Picture string `json:"picture"`
}

type raiseHandRequest struct {
	RaiseHandState bool `json:"raiseHandState"`
}

// NewConsumerPayload announces a freshly visible stream to its viewer.
type NewConsumerPayload struct {
	ID         string `json:"id"`
	PeerName   string `json:"peerName"`
	ProducerID string `json:"producerId"`
	Source     string `json:"source"`
	Kind       string `json:"kind"`
	Codec      string `json:"codec,omitempty"`
	Supported  bool   `json:"supported"`
	Paused     bool   `json:"paused"`
}

type ConsumerStatePayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

type ConsumerClosedPayload struct {
	ID       string `json:"id"`
	PeerName string `json:"peerName"`
}

type ProducerClosedPayload struct {
	PeerName string `json:"peerName"`
	Source   string `json:"source"`
}

type DisplayNamePayload struct {
	PeerName    string `json:"peerName"`
	DisplayName string `json:"displayName"`
}

type PicturePayload struct {
	PeerName string `json:"peerName"`
	Picture  string `json:"picture"`
}

type AuthPayload struct {
	Name    string `json:"name"`
	Picture string `json:"picture,omitempty"`
}

type RaiseHandPayload struct {
	PeerName       string `json:"peerName"`
	RaiseHandState bool   `json:"raiseHandState"`
}

type ChatReceivePayload struct {
	PeerName    string          `json:"peerName"`
	DisplayName string          `json:"displayName"`
	Picture     string          `json:"picture,omitempty"`
	ChatMessage json.RawMessage `json:"chatMessage"`
}

type FileReceivePayload struct {
	PeerName    string          `json:"peerName"`
	DisplayName string          `json:"displayName"`
	Picture     string          `json:"picture,omitempty"`
	File        json.RawMessage `json:"file"`
}

type ServerHistoryResult struct {
	ChatHistory []ChatEntry `json:"chatHistory"`
	FileHistory []FileEntry `json:"fileHistory"`
	LastN       []string    `json:"lastN"`
}

// registerHandlers binds every signaling method this room understands onto a
// connection's transport. Handlers run on the connection's read goroutine.
func (r *Room) registerHandlers(conn *signaling.Conn) {
	t := conn.Transport()
	peerName := conn.PeerName

	t.HandleRequest("join", func(data json.RawMessage) (interface{}, error) {
		var req joinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		result, err := r.Join(peerName, req.DisplayName, req.Device, t)
		if errors.Is(err, ErrRoomLocked) {
			// Tell the client why before it sees the error reply.
			t.Notify("room-locked", nil)
		}
		return result, err
	})

	t.HandleRequest("server-history", func(json.RawMessage) (interface{}, error) {
		if _, err := r.sessionFor(peerName); err != nil {
			return nil, err
		}
		return r.serverHistory(peerName), nil
	})

	t.HandleRequest("mediasoup-request", func(data json.RawMessage) (interface{}, error) {
		if _, err := r.sessionFor(peerName); err != nil {
			return nil, err
		}
		return r.media.ForwardRequest(peerName, data)
	})

	t.HandleRequest("create-producer", func(data json.RawMessage) (interface{}, error) {
		var req createProducerRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return r.createProducer(peerName, req)
	})

	t.HandleRequest("pause-producer", func(data json.RawMessage) (interface{}, error) {
		var ref producerRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, err
		}
		return nil, r.setProducerPaused(peerName, peer.Source(ref.Source), true)
	})

	t.HandleRequest("resume-producer", func(data json.RawMessage) (interface{}, error) {
		var ref producerRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, err
		}
		return nil, r.setProducerPaused(peerName, peer.Source(ref.Source), false)
	})

	t.HandleRequest("close-producer", func(data json.RawMessage) (interface{}, error) {
		var ref producerRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, err
		}
		return nil, r.closeProducer(peerName, peer.Source(ref.Source))
	})

	t.HandleRequest("pause-consumer", func(data json.RawMessage) (interface{}, error) {
		var ref consumerRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, err
		}
		return nil, r.setConsumerMuted(peerName, ref.ID, true)
	})

	t.HandleRequest("resume-consumer", func(data json.RawMessage) (interface{}, error) {
		var ref consumerRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, err
		}
		return nil, r.setConsumerMuted(peerName, ref.ID, false)
	})

	t.HandleRequest("chat-message", func(data json.RawMessage) (interface{}, error) {
		var req chatMessageRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return nil, r.chatMessage(peerName, req.ChatMessage)
	})

	t.HandleRequest("send-file", func(data json.RawMessage) (interface{}, error) {
		var req sendFileRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return nil, r.sendFile(peerName, req.File)
	})

	t.HandleRequest("change-display-name", func(data json.RawMessage) (interface{}, error) {
		var req displayNameRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		session, err := r.sessionFor(peerName)
		if err != nil {
			return nil, err
		}
		session.SetDisplayName(req.DisplayName)
		r.broadcast("display-name-changed", DisplayNamePayload{
			PeerName:    peerName,
			DisplayName: req.DisplayName,
		}, peerName)
		return nil, nil
	})

	t.HandleRequest("change-profile-picture", func(data json.RawMessage) (interface{}, error) {
		var req pictureRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		session, err := r.sessionFor(peerName)
		if err != nil {
			return nil, err
		}
		session.SetPicture(req.Picture)
		r.broadcast("profile-picture-changed", PicturePayload{
			PeerName: peerName,
			Picture:  req.Picture,
		}, peerName)
		return nil, nil
	})

	t.HandleRequest("lock-room", func(json.RawMessage) (interface{}, error) {
		if _, err := r.sessionFor(peerName); err != nil {
			return nil, err
		}
		r.Lock(peerName)
		return nil, nil
	})

	t.HandleRequest("unlock-room", func(json.RawMessage) (interface{}, error) {
		if _, err := r.sessionFor(peerName); err != nil {
			return nil, err
		}
		r.Unlock(peerName)
		return nil, nil
	})

	t.HandleRequest("raisehand-message", func(data json.RawMessage) (interface{}, error) {
		var req raiseHandRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		session, err := r.sessionFor(peerName)
		if err != nil {
			return nil, err
		}
		session.SetRaiseHand(req.RaiseHandState)
		r.broadcast("raisehand-message", RaiseHandPayload{
			PeerName:       peerName,
			RaiseHandState: req.RaiseHandState,
		}, peerName)
		return nil, nil
	})

	t.HandleNotification("mediasoup-notification", func(data json.RawMessage) {
		if _, err := r.sessionFor(peerName); err != nil {
			return
		}
		r.media.ForwardNotification(peerName, data)
	})

	t.HandleNotification("leave-room", func(json.RawMessage) {
		r.logger.Info("Peer requested leave", zap.String("peerName", peerName))
		r.Leave(peerName)
	})
}

func (r *Room) serverHistory(peerName string) *ServerHistoryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &ServerHistoryResult{
		ChatHistory: r.history.chatEntries(),
		FileHistory: r.history.fileEntries(),
		LastN:       r.speakersExcludingLocked(peerName),
	}
}

// createProducer registers the stream and makes it visible to every other
// joined peer as a new consumer. Consumers start paused when the producing
// peer is outside the spotlight set (video only) or the viewer cannot decode
// the codec.
func (r *Room) createProducer(peerName string, req createProducerRequest) (*NewConsumerPayload, error) {
	source := peer.Source(req.Source)
	switch source {
	case peer.SourceMic, peer.SourceWebcam, peer.SourceScreen:
	default:
		return nil, errors.New("unknown source: " + req.Source)
	}

	kind := req.Kind
	if kind == "" {
		kind = kindFor(source)
	}

	r.mu.Lock()
	session, ok := r.peers[peerName]
	if !ok || !session.Joined() {
		r.mu.Unlock()
		return nil, ErrNotJoined
	}

	producer, err := session.AddProducer(source, kind, req.Codec)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	metrics.ProducersActive.Inc()

	spotlit := make(map[string]bool, len(r.spotlights))
	for _, n := range r.spotlights {
		spotlit[n] = true
	}

	type pending struct {
		viewer  *peer.Session
		payload NewConsumerPayload
	}
	var fanout []pending

	for name, viewer := range r.peers {
		if name == peerName || !viewer.Joined() {
			continue
		}
		supported := codecSupported(viewer.Device(), producer.Codec)
		c := peer.NewConsumer(peerName, producer, supported)
		if kind == "video" && !spotlit[peerName] {
			c.Pause(peer.ReasonNotSpeaker)
		}
		viewer.AddConsumer(c)
		metrics.ConsumersActive.Inc()
		fanout = append(fanout, pending{
			viewer: viewer,
			payload: NewConsumerPayload{
				ID:         c.ID,
				PeerName:   peerName,
				ProducerID: producer.ID,
				Source:     string(source),
				Kind:       kind,
				Codec:      producer.Codec,
				Supported:  supported,
				Paused:     !c.Active(),
			},
		})
	}
	r.mu.Unlock()

	for _, f := range fanout {
		f.viewer.Notify("new-consumer", f.payload)
	}

	r.logger.Info("Producer created",
		zap.String("peerName", peerName),
		zap.String("source", string(source)),
		zap.String("kind", kind),
	)

	return &NewConsumerPayload{
		ID:         producer.ID,
		PeerName:   peerName,
		ProducerID: producer.ID,
		Source:     string(source),
		Kind:       kind,
		Codec:      producer.Codec,
		Supported:  true,
	}, nil
}

// setProducerPaused applies a producer-side pause or resume and mirrors it
// onto every viewer's consumer as a remote pause.
func (r *Room) setProducerPaused(peerName string, source peer.Source, paused bool) error {
	r.mu.Lock()
	session, ok := r.peers[peerName]
	if !ok || !session.Joined() {
		r.mu.Unlock()
		return ErrNotJoined
	}
	producer, ok := session.ProducerBySource(source)
	if !ok || producer.Closed() {
		r.mu.Unlock()
		return errors.New("no producer for source: " + string(source))
	}

	if paused {
		producer.Pause(peer.OriginatorLocal)
	} else {
		producer.Resume(peer.OriginatorLocal)
	}

	type pending struct {
		viewer *peer.Session
		method string
		data   ConsumerStatePayload
	}
	var fanout []pending

	remote := producer.Paused()
	for name, viewer := range r.peers {
		if name == peerName {
			continue
		}
		for _, c := range viewer.ConsumersFrom(peerName) {
			if c.ProducerID != producer.ID {
				continue
			}
			if c.SetRemotelyPaused(remote) {
				method := "consumer-resumed"
				data := ConsumerStatePayload{ID: c.ID}
				if remote {
					method = "consumer-paused"
					data.Reason = "producer-paused"
				}
				fanout = append(fanout, pending{viewer: viewer, method: method, data: data})
			}
		}
	}
	r.mu.Unlock()

	for _, f := range fanout {
		f.viewer.Notify(f.method, f.data)
	}
	return nil
}

// closeProducer tears one stream down everywhere: the producer itself, every
// viewer's consumer of it, and a room-wide removal broadcast. A second close
// for the same source is a no-op.
func (r *Room) closeProducer(peerName string, source peer.Source) error {
	r.mu.Lock()
	session, ok := r.peers[peerName]
	if !ok || !session.Joined() {
		r.mu.Unlock()
		return ErrNotJoined
	}
	producer, ok := session.ProducerBySource(source)
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if !producer.Close() {
		r.mu.Unlock()
		return nil
	}
	session.RemoveProducer(source)
	metrics.ProducersActive.Dec()

	type pending struct {
		viewer *peer.Session
		data   ConsumerClosedPayload
	}
	var fanout []pending

	for name, viewer := range r.peers {
		if name == peerName {
			continue
		}
		for _, c := range viewer.ConsumersFrom(peerName) {
			if c.ProducerID != producer.ID {
				continue
			}
			if c.Close() {
				metrics.ConsumersActive.Dec()
			}
			viewer.RemoveConsumer(c.ID)
			fanout = append(fanout, pending{viewer: viewer, data: ConsumerClosedPayload{ID: c.ID, PeerName: peerName}})
		}
	}
	r.mu.Unlock()

	for _, f := range fanout {
		f.viewer.Notify("consumer-closed", f.data)
	}
	r.broadcast("producer-closed", ProducerClosedPayload{
		PeerName: peerName,
		Source:   string(source),
	}, peerName)
	return nil
}

// setConsumerMuted applies a viewer-side mute or unmute. Unmuting a stream
// the spotlight policy still pauses leaves it paused; only the mute reason
// is cleared.
func (r *Room) setConsumerMuted(peerName, consumerID string, muted bool) error {
	session, err := r.sessionFor(peerName)
	if err != nil {
		return err
	}
	c, ok := session.Consumer(consumerID)
	if !ok {
		return errors.New("no such consumer: " + consumerID)
	}
	if !muted && !c.Supported {
		return peer.ErrUnsupportedMedia
	}
	if muted {
		c.Pause(peer.MuteReason(c.Source))
	} else {
		c.Resume(peer.MuteReason(c.Source))
	}
	return nil
}

func (r *Room) chatMessage(peerName string, message json.RawMessage) error {
	session, err := r.sessionFor(peerName)
	if err != nil {
		return err
	}

	entry := ChatEntry{
		PeerName:    peerName,
		DisplayName: session.DisplayName(),
		Picture:     session.Picture(),
		ChatMessage: message,
		SentAt:      timeNow(),
	}
	r.mu.Lock()
	r.history.addChat(entry)
	r.mu.Unlock()

	metrics.ChatMessagesTotal.Inc()
	r.broadcast("chat-message-receive", ChatReceivePayload{
		PeerName:    peerName,
		DisplayName: entry.DisplayName,
		Picture:     entry.Picture,
		ChatMessage: message,
	}, peerName)
	return nil
}

func (r *Room) sendFile(peerName string, file json.RawMessage) error {
	session, err := r.sessionFor(peerName)
	if err != nil {
		return err
	}

	entry := FileEntry{
		PeerName:    peerName,
		DisplayName: session.DisplayName(),
		Picture:     session.Picture(),
		File:        file,
		SharedAt:    timeNow(),
	}
	r.mu.Lock()
	r.history.addFile(entry)
	r.mu.Unlock()

	metrics.FilesSharedTotal.Inc()
	r.broadcast("file-receive", FileReceivePayload{
		PeerName:    peerName,
		DisplayName: entry.DisplayName,
		Picture:     entry.Picture,
		File:        file,
	}, peerName)
	return nil
}

func kindFor(source peer.Source) string {
	if source == peer.SourceMic {
		return "audio"
	}
	return "video"
}

// codecSupported checks the viewer's device descriptor for decode
// capability. A descriptor with no codec list is treated as
// supports-everything.
func codecSupported(device json.RawMessage, codec string) bool {
	if len(device) == 0 || codec == "" {
		return true
	}
	var desc struct {
		Codecs []string `json:"codecs"`
	}
	if err := json.Unmarshal(device, &desc); err != nil || len(desc.Codecs) == 0 {
		return true
	}
	for _, c := range desc.Codecs {
		if strings.EqualFold(c, codec) {
			return true
		}
	}
	return false
}
