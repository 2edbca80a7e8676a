package nostr

import (
	"fmt"
	"strconv"
	"strings"
)

// Event kinds this engine works with.
const (
	KindProfile          = 0
	KindTextNote         = 1
	KindContacts         = 3
	KindDeletionRequest  = 5
	KindRepost           = 6
	KindReaction         = 7
	KindGenericRepost    = 16
	KindVideo            = 21
	KindShortVideo       = 22
	KindAddressableVideo = 34235
	KindAddressableShort = 34236
	KindCuratedVideoList = 30005
)

// KindDefinition describes how to process a specific Nostr event kind.
// This is the single source of truth for kind-specific behavior.
type KindDefinition struct {
	Kind     int    // Nostr event kind number
	Name     string // Machine name: "short-video", "repost", etc.
	IsVideo  bool   // Carries video content a feed can project
	IsRepost bool   // Wraps another event (kinds 6 and 16)

	// RequiredTags must all be present for the event to be usable
	RequiredTags []string
}

// KindRegistry maps kind numbers to their definitions.
// Add new kinds here to support them throughout the engine.
var KindRegistry = map[int]*KindDefinition{
	KindVideo: {
		Kind:    KindVideo,
		Name:    "video",
		IsVideo: true,
	},
	KindShortVideo: {
		Kind:    KindShortVideo,
		Name:    "short-video",
		IsVideo: true,
	},
	KindAddressableVideo: {
		Kind:         KindAddressableVideo,
		Name:         "addressable-video",
		IsVideo:      true,
		RequiredTags: []string{"d"},
	},
	KindAddressableShort: {
		Kind:         KindAddressableShort,
		Name:         "addressable-short-video",
		IsVideo:      true,
		RequiredTags: []string{"d"},
	},
	KindRepost: {
		Kind:         KindRepost,
		Name:         "repost",
		IsRepost:     true,
		RequiredTags: []string{"e"},
	},
	KindGenericRepost: {
		Kind:     KindGenericRepost,
		Name:     "generic-repost",
		IsRepost: true,
	},
	KindCuratedVideoList: {
		Kind:         KindCuratedVideoList,
		Name:         "curated-list",
		RequiredTags: []string{"d"},
	},
}

// VideoKinds lists every kind that projects into a feed, in registry order.
var VideoKinds = []int{KindVideo, KindShortVideo, KindAddressableVideo, KindAddressableShort}

// IsVideoKind reports whether kind carries projectable video content.
func IsVideoKind(kind int) bool {
	def, ok := KindRegistry[kind]
	return ok && def.IsVideo
}

// IsRepostKind reports whether kind wraps another event.
func IsRepostKind(kind int) bool {
	def, ok := KindRegistry[kind]
	return ok && def.IsRepost
}

// IsReplaceable reports whether only the newest event per author is
// meaningful for this kind (NIP-01).
func IsReplaceable(kind int) bool {
	return kind == KindProfile || kind == KindContacts ||
		(kind >= 10000 && kind < 20000)
}

// IsAddressable reports whether the kind is additionally scoped by a d tag
// (NIP-33 parameterized replaceable range).
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// Coordinate is a parsed "a" tag value of the form kind:pubkey:dTag.
type Coordinate struct {
	Kind   int
	PubKey string
	DTag   string
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d:%s:%s", c.Kind, c.PubKey, c.DTag)
}

// ParseCoordinate parses an addressable-event coordinate. The d tag may be
// empty but the separator structure must be exact.
func ParseCoordinate(s string) (Coordinate, bool) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[1] == "" {
		return Coordinate{}, false
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil {
		return Coordinate{}, false
	}
	return Coordinate{Kind: kind, PubKey: parts[1], DTag: parts[2]}, true
}
