package room

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func candidates(names ...string) []spotlightCandidate {
	out := make([]spotlightCandidate, len(names))
	for i, n := range names {
		out[i] = spotlightCandidate{Name: n, JoinedAt: int64(i)}
	}
	return out
}

func TestRecomputeBounded(t *testing.T) {
	var sel SpotlightSelector

	for n := 1; n <= 5; n++ {
		joined := candidates("a", "b", "c", "d", "e", "f")
		speakers := []string{"f", "e", "d", "c", "b", "a"}
		got := sel.Recompute(joined, speakers, n)
		assert.LessOrEqual(t, len(got), n, fmt.Sprintf("max=%d", n))
	}
}

func TestRecomputePrefersRecentSpeakers(t *testing.T) {
	var sel SpotlightSelector

	joined := candidates("a", "b", "c", "d")
	speakers := []string{"c", "a", "d", "b"} // most recent first
	got := sel.Recompute(joined, speakers, 2)
	assert.Equal(t, []string{"c", "a"}, got)
}

func TestRecomputeSkipsDepartedSpeakers(t *testing.T) {
	var sel SpotlightSelector

	joined := candidates("a", "b")
	speakers := []string{"ghost", "b", "a"}
	got := sel.Recompute(joined, speakers, 2)
	assert.Equal(t, []string{"b", "a"}, got)
}

func TestRecomputePadsByJoinOrder(t *testing.T) {
	var sel SpotlightSelector

	joined := []spotlightCandidate{
		{Name: "late", JoinedAt: 30},
		{Name: "early", JoinedAt: 10},
		{Name: "middle", JoinedAt: 20},
	}
	got := sel.Recompute(joined, nil, 2)
	assert.Equal(t, []string{"early", "middle"}, got)
}

func TestRecomputePaddingStable(t *testing.T) {
	var sel SpotlightSelector

	joined := candidates("a", "b", "c", "d")
	speakers := []string{"c"}

	first := sel.Recompute(joined, speakers, 3)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, sel.Recompute(joined, speakers, 3))
	}
	assert.Equal(t, []string{"c", "a", "b"}, first)
}

func TestRecomputeEmptyInputs(t *testing.T) {
	var sel SpotlightSelector

	assert.Empty(t, sel.Recompute(nil, []string{"a"}, 4))
	assert.Empty(t, sel.Recompute(candidates("a"), nil, 0))
}

func TestSpeakerHistoryDedupAndBound(t *testing.T) {
	h := newSpeakerHistory(3)
	h.push("a")
	h.push("b")
	h.push("a")
	assert.Equal(t, []string{"a", "b"}, h.list())

	h.push("c")
	h.push("d")
	assert.Equal(t, []string{"d", "c", "a"}, h.list())
}

func TestHistoryBuffersBounded(t *testing.T) {
	h := newHistory(2, 1)
	h.addChat(ChatEntry{PeerName: "a"})
	h.addChat(ChatEntry{PeerName: "b"})
	h.addChat(ChatEntry{PeerName: "c"})
	chat := h.chatEntries()
	assert.Len(t, chat, 2)
	assert.Equal(t, "b", chat[0].PeerName)
	assert.Equal(t, "c", chat[1].PeerName)

	h.addFile(FileEntry{PeerName: "a"})
	h.addFile(FileEntry{PeerName: "b"})
	files := h.fileEntries()
	assert.Len(t, files, 1)
	assert.Equal(t, "b", files[0].PeerName)
}
