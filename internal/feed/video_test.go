package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vinefeed/internal/nostr"
)

func shortVideo(id, pubkey string, createdAt int64, tags ...[]string) *nostr.Event {
	base := [][]string{{"url", "https://cdn.example.com/" + id + ".mp4"}}
	return &nostr.Event{
		ID:        id,
		PubKey:    pubkey,
		CreatedAt: createdAt,
		Kind:      nostr.KindShortVideo,
		Tags:      append(base, tags...),
		Content:   "video " + id,
	}
}

func TestVideoFromEvent(t *testing.T) {
	evt := shortVideo("v1", "alice", 100, []string{"title", "My Vine"}, []string{"t", "comedy"}, []string{"h", "loops"})

	v := VideoFromEvent(evt)
	require.NotNil(t, v)
	assert.Equal(t, "v1", v.ID)
	assert.Equal(t, "alice", v.PubKey)
	assert.Equal(t, "My Vine", v.Title)
	assert.Equal(t, "https://cdn.example.com/v1.mp4", v.URL)
	assert.Equal(t, []string{"comedy", "loops"}, v.Hashtags)
	assert.False(t, v.IsRepost)
}

func TestVideoCarriesRelayProvenance(t *testing.T) {
	evt := shortVideo("v1", "alice", 100)
	evt.RelaysSeen = []string{"wss://relay.damus.io"}

	v := VideoFromEvent(evt)
	require.NotNil(t, v)
	assert.Equal(t, []string{"wss://relay.damus.io"}, v.RelaysSeen)
}

func TestVideoFromEventRejectsNonVideoKinds(t *testing.T) {
	assert.Nil(t, VideoFromEvent(&nostr.Event{ID: "n", Kind: nostr.KindTextNote}))
	assert.Nil(t, VideoFromEvent(&nostr.Event{ID: "r", Kind: nostr.KindRepost}))
}

func TestVideoFromEventRequiresRegistryTags(t *testing.T) {
	// Addressable video kinds require a d tag.
	missing := &nostr.Event{ID: "v", PubKey: "alice", Kind: nostr.KindAddressableShort}
	assert.Nil(t, VideoFromEvent(missing))

	complete := &nostr.Event{
		ID: "v", PubKey: "alice", Kind: nostr.KindAddressableShort,
		Tags: [][]string{{"d", "vine-1"}},
	}
	v := VideoFromEvent(complete)
	require.NotNil(t, v)
	assert.Equal(t, "vine-1", v.DTag)
}

func TestVideoURLFallsBackToImeta(t *testing.T) {
	evt := &nostr.Event{
		ID: "v", Kind: nostr.KindShortVideo,
		Tags: [][]string{
			{"imeta", "dim 1080x1920", "url https://cdn.example.com/imeta.mp4", "m video/mp4"},
		},
	}
	v := VideoFromEvent(evt)
	require.NotNil(t, v)
	assert.Equal(t, "https://cdn.example.com/imeta.mp4", v.URL)
}

func TestVideoIdentity(t *testing.T) {
	plain := VideoFromEvent(shortVideo("v1", "alice", 100))
	require.NotNil(t, plain)
	assert.Equal(t, "v1", plain.Identity())

	addressableEvt := &nostr.Event{
		ID: "v2", PubKey: "alice", Kind: nostr.KindAddressableShort,
		Tags: [][]string{{"d", "vine-1"}},
	}
	addr := VideoFromEvent(addressableEvt)
	require.NotNil(t, addr)
	assert.Equal(t, "alice:vine-1", addr.Identity())
}

func TestAddRepost(t *testing.T) {
	v := VideoFromEvent(shortVideo("v1", "alice", 100))
	require.NotNil(t, v)

	w1 := &nostr.Event{ID: "r1", PubKey: "bob", Kind: nostr.KindRepost}
	w2 := &nostr.Event{ID: "r2", PubKey: "carol", Kind: nostr.KindRepost}

	assert.True(t, v.AddRepost(w1))
	assert.True(t, v.IsRepost)
	assert.False(t, v.AddRepost(w1), "same wrapper twice is a no-op")
	assert.True(t, v.AddRepost(w2))

	assert.Equal(t, []string{"bob", "carol"}, v.ReposterPubKeys)
	assert.Equal(t, []string{"r1", "r2"}, v.RepostEventIDs)
	assert.Equal(t, "carol", v.Reposter(), "most recent reposter is primary")
}

func TestAddRepostSameAuthorDifferentWrapper(t *testing.T) {
	v := VideoFromEvent(shortVideo("v1", "alice", 100))
	require.NotNil(t, v)

	assert.True(t, v.AddRepost(&nostr.Event{ID: "r1", PubKey: "bob"}))
	assert.True(t, v.AddRepost(&nostr.Event{ID: "r2", PubKey: "bob"}), "new wrapper ID still counts")
	assert.Equal(t, []string{"bob"}, v.ReposterPubKeys, "reposter set stays distinct")
}

func TestHasTopicCaseSensitive(t *testing.T) {
	v := VideoFromEvent(shortVideo("v1", "alice", 100, []string{"t", "Comedy"}))
	require.NotNil(t, v)

	assert.True(t, v.HasTopic([]string{"Comedy"}))
	assert.False(t, v.HasTopic([]string{"comedy"}))
	assert.False(t, v.HasTopic(nil))
}
