package room

import (
	"encoding/json"
	"time"
)

// ChatEntry is one chat message kept for replay to late joiners. Sender
// identity is captured at send time so renames do not rewrite history.
type ChatEntry struct {
	PeerName    string          `json:"peerName"`
	DisplayName string          `json:"displayName"`
	Picture     string          `json:"picture,omitempty"`
	ChatMessage json.RawMessage `json:"chatMessage"`
	SentAt      time.Time       `json:"sentAt"`
}

// FileEntry is one shared-file announcement kept for replay.
type FileEntry struct {
	PeerName    string          `json:"peerName"`
	DisplayName string          `json:"displayName"`
	Picture     string          `json:"picture,omitempty"`
	File        json.RawMessage `json:"file"`
	SharedAt    time.Time       `json:"sharedAt"`
}

// history holds the room's bounded append-only replay buffers. Oldest
// entries are dropped once a buffer exceeds its limit. Not safe for
// concurrent use; the owning room's mutex guards it.
type history struct {
	chat      []ChatEntry
	files     []FileEntry
	chatLimit int
	fileLimit int
}

func newHistory(chatLimit, fileLimit int) *history {
	return &history{chatLimit: chatLimit, fileLimit: fileLimit}
}

func (h *history) addChat(e ChatEntry) {
	h.chat = append(h.chat, e)
	if h.chatLimit > 0 && len(h.chat) > h.chatLimit {
		h.chat = h.chat[len(h.chat)-h.chatLimit:]
	}
}

func (h *history) addFile(e FileEntry) {
	h.files = append(h.files, e)
	if h.fileLimit > 0 && len(h.files) > h.fileLimit {
		h.files = h.files[len(h.files)-h.fileLimit:]
	}
}

func (h *history) chatEntries() []ChatEntry {
	out := make([]ChatEntry, len(h.chat))
	copy(out, h.chat)
	return out
}

func (h *history) fileEntries() []FileEntry {
	out := make([]FileEntry, len(h.files))
	copy(out, h.files)
	return out
}

// speakerHistory is the bounded most-recent-first list of active speakers.
// Re-inserting a name removes its earlier occurrence first, so position
// encodes recency. Not safe for concurrent use.
type speakerHistory struct {
	names []string
	limit int
}

func newSpeakerHistory(limit int) *speakerHistory {
	return &speakerHistory{limit: limit}
}

func (s *speakerHistory) push(name string) {
	s.remove(name)
	s.names = append([]string{name}, s.names...)
	if s.limit > 0 && len(s.names) > s.limit {
		s.names = s.names[:s.limit]
	}
}

func (s *speakerHistory) remove(name string) {
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			return
		}
	}
}

func (s *speakerHistory) list() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}
