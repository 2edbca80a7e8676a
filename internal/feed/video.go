// Package feed reconciles raw protocol events into ordered, deduplicated
// per-view video collections.
package feed

import (
	"strings"

	"vinefeed/internal/nostr"
)

// Video is the projected view-model for one piece of video content. Its ID
// is always the original content event's ID, never a repost wrapper's.
type Video struct {
	ID        string
	PubKey    string
	CreatedAt int64
	Kind      int
	DTag      string
	Title     string
	URL       string
	Content   string
	Hashtags  []string

	IsRepost        bool
	ReposterPubKeys []string // distinct, arrival order; most recent last
	RepostEventIDs  []string // distinct wrapper event IDs

	RelaysSeen []string // relays the original event was observed on
}

// VideoFromEvent projects a video-kind event. Returns nil for non-video
// kinds and for events missing their registry-required tags.
func VideoFromEvent(evt *nostr.Event) *Video {
	def, ok := nostr.KindRegistry[evt.Kind]
	if !ok || !def.IsVideo {
		return nil
	}
	for _, required := range def.RequiredTags {
		if evt.TagValue(required) == "" {
			return nil
		}
	}

	v := &Video{
		ID:         evt.ID,
		PubKey:     evt.PubKey,
		CreatedAt:  evt.CreatedAt,
		Kind:       evt.Kind,
		DTag:       evt.DTag(),
		Title:      evt.TagValue("title"),
		URL:        videoURL(evt),
		Content:    evt.Content,
		Hashtags:   hashtags(evt),
		RelaysSeen: evt.RelaysSeen,
	}
	return v
}

// videoURL prefers an explicit url tag, falling back to the first imeta url.
func videoURL(evt *nostr.Event) string {
	if url := evt.TagValue("url"); url != "" {
		return url
	}
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "imeta" {
			continue
		}
		for _, field := range tag[1:] {
			parts := strings.Fields(field)
			if len(parts) == 2 && parts[0] == "url" {
				return parts[1]
			}
		}
	}
	return ""
}

// hashtags collects topic tags. Both "t" and "h" spellings circulate for
// short-video content.
func hashtags(evt *nostr.Event) []string {
	var topics []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && (tag[0] == "t" || tag[0] == "h") {
			topics = append(topics, tag[1])
		}
	}
	return topics
}

// Identity is the logical identity used for in-place updates: the
// (pubkey, dTag) slot for addressable videos, otherwise the event ID.
func (v *Video) Identity() string {
	if v.DTag != "" {
		return v.PubKey + ":" + v.DTag
	}
	return v.ID
}

// AddRepost merges a repost wrapper into the video, reporting whether
// anything changed. The wrapper's author joins the reposter set and the
// wrapper's ID the repost-ID set; duplicates are no-ops.
func (v *Video) AddRepost(wrapper *nostr.Event) bool {
	changed := false

	if !containsStr(v.RepostEventIDs, wrapper.ID) {
		v.RepostEventIDs = append(v.RepostEventIDs, wrapper.ID)
		changed = true
	}
	if !containsStr(v.ReposterPubKeys, wrapper.PubKey) {
		v.ReposterPubKeys = append(v.ReposterPubKeys, wrapper.PubKey)
		changed = true
	}
	if changed && !v.IsRepost {
		v.IsRepost = true
	}
	return changed
}

// Reposter returns the primary (most recently seen) reposter pubkey, or ""
// when the video has no reposts. Kept for callers that predate the set form.
func (v *Video) Reposter() string {
	if len(v.ReposterPubKeys) == 0 {
		return ""
	}
	return v.ReposterPubKeys[len(v.ReposterPubKeys)-1]
}

// HasTopic reports whether any of the video's hashtags exactly matches one
// of the requested topics. Matching is case-sensitive.
func (v *Video) HasTopic(topics []string) bool {
	for _, want := range topics {
		for _, have := range v.Hashtags {
			if want == have {
				return true
			}
		}
	}
	return false
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
