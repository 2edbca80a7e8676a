package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"vinefeed/internal/cache"
	"vinefeed/internal/metrics"
	"vinefeed/internal/nostr"
)

// FeedType names one projected collection.
type FeedType string

const (
	FeedDiscovery FeedType = "discovery"
	FeedHome      FeedType = "home"
	FeedProfile   FeedType = "profile"
	FeedSearch    FeedType = "search"
	FeedHashtag   FeedType = "hashtag"
)

// Observer is notified once per logical change to a feed, regardless of how
// many protocol events produced the change.
type Observer func(feed FeedType)

type feedState struct {
	videos     []*Video // createdAt descending
	byID       map[string]*Video // original event ID -> video
	byIdentity map[string]*Video // vine (d-tag) identity -> video
	replace    *ReplaceableIndex
	seen       map[string]bool // non-replaceable event IDs already projected
	topics     []string        // optional hashtag filter
}

func newFeedState() *feedState {
	return &feedState{
		byID:       make(map[string]*Video),
		byIdentity: make(map[string]*Video),
		replace:    NewReplaceableIndex(),
		seen:       make(map[string]bool),
	}
}

// Projector owns one ordered, deduplicated video collection per feed type.
// Raw events flow in through Ingest; reposts are consolidated against their
// originals and replaceable events superseded per feed.
type Projector struct {
	mu        sync.Mutex
	resolver  *Resolver
	cache     *cache.EventCache
	feeds     map[FeedType]*feedState
	observers []Observer
}

// NewProjector creates a projector. resolver may be nil when repost kinds
// are not expected (they are then dropped).
func NewProjector(resolver *Resolver, eventCache *cache.EventCache) *Projector {
	return &Projector{
		resolver: resolver,
		cache:    eventCache,
		feeds:    make(map[FeedType]*feedState),
	}
}

// OnChange registers an observer for feed mutations.
func (p *Projector) OnChange(fn Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, fn)
}

// SetTopicFilter constrains a feed to videos whose hashtags intersect
// topics (case-sensitive exact match). Reposts are filtered on the
// original's tags, never the wrapper's.
func (p *Projector) SetTopicFilter(feed FeedType, topics []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state(feed).topics = topics
}

func (p *Projector) state(feed FeedType) *feedState {
	fs, ok := p.feeds[feed]
	if !ok {
		fs = newFeedState()
		p.feeds[feed] = fs
	}
	return fs
}

// Videos returns a snapshot of the feed's current ordered collection.
func (p *Projector) Videos(feed FeedType) []*Video {
	p.mu.Lock()
	defer p.mu.Unlock()
	fs, ok := p.feeds[feed]
	if !ok {
		return nil
	}
	out := make([]*Video, len(fs.videos))
	copy(out, fs.videos)
	return out
}

// Ingest feeds one raw event into the given feed. Malformed or irrelevant
// events are dropped silently; they never corrupt existing entries.
func (p *Projector) Ingest(ctx context.Context, feed FeedType, evt nostr.Event) {
	switch {
	case nostr.IsVideoKind(evt.Kind):
		p.ingestVideo(feed, &evt)
	case nostr.IsRepostKind(evt.Kind):
		p.ingestRepost(ctx, feed, &evt)
	default:
		// Not feed material.
	}
}

func (p *Projector) ingestVideo(feed FeedType, evt *nostr.Event) {
	video := VideoFromEvent(evt)
	if video == nil {
		return
	}
	p.cache.Put(evt)

	p.mu.Lock()
	fs := p.state(feed)

	if !fs.replace.Admit(evt) {
		p.mu.Unlock()
		return
	}
	if fs.seen[evt.ID] {
		p.mu.Unlock()
		return
	}
	fs.seen[evt.ID] = true

	if len(fs.topics) > 0 && !video.HasTopic(fs.topics) {
		p.mu.Unlock()
		return
	}

	// A newer revision of an addressable slot replaces the previous entry,
	// carrying its repost metadata forward.
	if prev, ok := fs.byIdentity[video.Identity()]; ok && video.DTag != "" {
		video.IsRepost = prev.IsRepost
		video.ReposterPubKeys = prev.ReposterPubKeys
		video.RepostEventIDs = prev.RepostEventIDs
		fs.remove(prev)
	}

	fs.insert(video)
	metrics.FeedVideos.WithLabelValues(string(feed)).Set(float64(len(fs.videos)))
	p.mu.Unlock()

	p.notify(feed)
}

func (p *Projector) ingestRepost(ctx context.Context, feed FeedType, wrapper *nostr.Event) {
	if p.resolver == nil {
		return
	}

	// Fast path: the original is already projected in this feed.
	p.mu.Lock()
	fs := p.state(feed)
	if ref, ok := ParseRepostRef(wrapper); ok && ref.EventID != "" {
		if video, held := fs.byID[ref.EventID]; held {
			changed := video.AddRepost(wrapper)
			p.mu.Unlock()
			if changed {
				metrics.RepostsConsolidated.Inc()
				p.notify(feed)
			}
			return
		}
	}
	p.mu.Unlock()

	original, err := p.resolver.Resolve(ctx, wrapper)
	if err != nil {
		slog.Debug("repost original fetch failed",
			"wrapper", nostr.ShortID(wrapper.ID), "error", err)
		return
	}
	if original == nil {
		return
	}

	p.mu.Lock()
	fs = p.state(feed)

	video, held := fs.byID[original.ID]
	if !held {
		video = VideoFromEvent(original)
		if video == nil {
			p.mu.Unlock()
			return
		}
		if !fs.replace.Admit(original) {
			p.mu.Unlock()
			return
		}
		if fs.seen[original.ID] {
			p.mu.Unlock()
			return
		}
		fs.seen[original.ID] = true
		if len(fs.topics) > 0 && !video.HasTopic(fs.topics) {
			p.mu.Unlock()
			return
		}

		// Same slot rules as direct ingestion: a resolved original that is a
		// newer revision of an addressable vine supersedes the held entry and
		// inherits its repost metadata.
		if prev, ok := fs.byIdentity[video.Identity()]; ok && video.DTag != "" {
			video.IsRepost = prev.IsRepost
			video.ReposterPubKeys = prev.ReposterPubKeys
			video.RepostEventIDs = prev.RepostEventIDs
			fs.remove(prev)
		}

		video.AddRepost(wrapper)
		fs.insert(video)
		metrics.FeedVideos.WithLabelValues(string(feed)).Set(float64(len(fs.videos)))
		p.mu.Unlock()
		metrics.RepostsConsolidated.Inc()
		p.notify(feed)
		return
	}

	changed := video.AddRepost(wrapper)
	p.mu.Unlock()
	if changed {
		metrics.RepostsConsolidated.Inc()
		p.notify(feed)
	}
}

// UpdateVideo is the out-of-band refresh hook: when a video with the same
// logical identity exists in any feed it is replaced in place (position
// preserved) everywhere it is held; otherwise it is appended to discovery.
func (p *Projector) UpdateVideo(video *Video) {
	if video == nil || video.ID == "" {
		return
	}

	p.mu.Lock()
	var touched []FeedType
	identity := video.Identity()

	for feed, fs := range p.feeds {
		for i, existing := range fs.videos {
			if existing.Identity() != identity {
				continue
			}
			delete(fs.byID, existing.ID)
			fs.videos[i] = video
			fs.byID[video.ID] = video
			fs.byIdentity[identity] = video
			fs.seen[video.ID] = true
			touched = append(touched, feed)
			break
		}
	}

	if len(touched) == 0 {
		fs := p.state(FeedDiscovery)
		fs.videos = append(fs.videos, video)
		fs.byID[video.ID] = video
		fs.byIdentity[identity] = video
		fs.seen[video.ID] = true
		touched = append(touched, FeedDiscovery)
	}
	p.mu.Unlock()

	for _, feed := range touched {
		p.notify(feed)
	}
}

func (p *Projector) notify(feed FeedType) {
	p.mu.Lock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	for _, fn := range observers {
		fn(feed)
	}
}

// insert places the video in createdAt-descending order.
func (fs *feedState) insert(video *Video) {
	idx := sort.Search(len(fs.videos), func(i int) bool {
		return fs.videos[i].CreatedAt < video.CreatedAt
	})
	fs.videos = append(fs.videos, nil)
	copy(fs.videos[idx+1:], fs.videos[idx:])
	fs.videos[idx] = video
	fs.byID[video.ID] = video
	fs.byIdentity[video.Identity()] = video
}

func (fs *feedState) remove(video *Video) {
	delete(fs.byID, video.ID)
	delete(fs.byIdentity, video.Identity())
	for i, v := range fs.videos {
		if v.ID == video.ID {
			fs.videos = append(fs.videos[:i], fs.videos[i+1:]...)
			return
		}
	}
}
