package curation

import "time"

// PlayOrder controls how a list's videos are materialized for playback.
type PlayOrder string

const (
	PlayOrderChronological PlayOrder = "chronological"
	PlayOrderReverse       PlayOrder = "reverse"
	PlayOrderShuffle       PlayOrder = "shuffle"
	PlayOrderManual        PlayOrder = "manual"
)

// CuratedList is a locally owned video list. The local copy is authoritative;
// the network representation (an addressable kind 30005 event) is a
// best-effort projection published only for public lists.
type CuratedList struct {
	ID            string    `json:"id"`
	OwnerPubKey   string    `json:"owner_pubkey"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	VideoEventIDs []string  `json:"video_event_ids"`
	IsPublic      bool      `json:"is_public"`
	PlayOrder     PlayOrder `json:"play_order"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (l *CuratedList) clone() CuratedList {
	out := *l
	out.VideoEventIDs = make([]string, len(l.VideoEventIDs))
	copy(out.VideoEventIDs, l.VideoEventIDs)
	return out
}

func (l *CuratedList) contains(eventID string) bool {
	for _, id := range l.VideoEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// PublishStatus tracks the network publication lifecycle of one local entity.
// It never gates local mutations; a list that exhausted its retries keeps
// its local state.
type PublishStatus struct {
	EntityID          string
	IsPublishing      bool
	IsPublished       bool
	FailedAttempts    int
	LastFailureReason string
	PublishedEventID  string
	NextRetryAt       time.Time
}
