package watcher

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names emitted by the coordinator.
const (
	EventAlbumChanged        = "album_changed"
	EventAssetsAdded         = "assets_added"
	EventAssetsRemoved       = "assets_removed"
	EventAlbumRenamed        = "album_renamed"
	EventAlbumDeleted        = "album_deleted"
	EventAlbumSharingChanged = "album_sharing_changed"
)

// Change classifications carried in event payloads.
const (
	ChangeAssetsAdded    = "assets_added"
	ChangeAssetsRemoved  = "assets_removed"
	ChangeChanged        = "changed"
	ChangeAlbumRenamed   = "album_renamed"
	ChangeSharingChanged = "album_sharing_changed"
	ChangeAlbumDeleted   = "album_deleted"
)

// AssetDetail is the per-asset payload included on add events.
type AssetDetail struct {
	ID           string    `json:"id"`
	Type         string    `json:"asset_type"`
	Filename     string    `json:"asset_filename"`
	CreatedAt    time.Time `json:"asset_created"`
	Owner        string    `json:"asset_owner,omitempty"`
	OwnerID      string    `json:"asset_owner_id,omitempty"`
	Description  string    `json:"asset_description,omitempty"`
	People       []string  `json:"people,omitempty"`
	IsFavorite   bool      `json:"asset_is_favorite"`
	Rating       *int      `json:"asset_rating,omitempty"`
	URL          string    `json:"asset_url,omitempty"`
	DownloadURL  string    `json:"asset_download_url,omitempty"`
	PlaybackURL  string    `json:"asset_playback_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
}

// EventData is the common payload for all album events.
type EventData struct {
	HubName         string        `json:"hub_name"`
	AlbumID         string        `json:"album_id"`
	AlbumName       string        `json:"album_name"`
	AlbumURL        string        `json:"album_url,omitempty"`
	ChangeType      string        `json:"change_type"`
	AddedCount      int           `json:"added_count"`
	RemovedCount    int           `json:"removed_count"`
	AddedAssets     []AssetDetail `json:"added_assets"`
	RemovedAssetIDs []string      `json:"removed_assets"`
	People          []string      `json:"people"`
	Shared          bool          `json:"shared"`
	OldName         *string       `json:"old_name,omitempty"`
	NewName         *string       `json:"new_name,omitempty"`
	OldShared       *bool         `json:"old_shared,omitempty"`
	NewShared       *bool         `json:"new_shared,omitempty"`
}

// Event is one emitted change notification.
type Event struct {
	ID   string    `json:"id"`
	Name string    `json:"event"`
	Time time.Time `json:"time"`
	Data EventData `json:"data"`
}

// Bus is an in-process publish/subscribe fan-out with a bounded ring of
// recent events for the HTTP feed. Slow subscribers are skipped, not blocked.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int

	recent    []Event
	recentCap int

	logger *zerolog.Logger
}

// subscriber serializes delivery against close so a cancel racing a publish
// can never close the channel mid-send.
type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// deliver sends without blocking. Reports false when the event was dropped
// because the buffer is full; delivery to a closed subscriber is a no-op.
func (s *subscriber) deliver(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// shutdown closes the channel exactly once.
func (s *subscriber) shutdown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

// NewBus creates a bus retaining up to recentCap events.
func NewBus(recentCap int, logger *zerolog.Logger) *Bus {
	if recentCap <= 0 {
		recentCap = 100
	}
	return &Bus{
		subs:      make(map[int]*subscriber),
		recentCap: recentCap,
		logger:    logger,
	}
}

// Publish assigns the event an ID and timestamp, retains it, and fans it out.
func (b *Bus) Publish(name string, data EventData) Event {
	evt := Event{
		ID:   uuid.NewString(),
		Name: name,
		Time: time.Now().UTC(),
		Data: data,
	}

	b.mu.Lock()
	b.recent = append(b.recent, evt)
	if len(b.recent) > b.recentCap {
		b.recent = b.recent[len(b.recent)-b.recentCap:]
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.deliver(evt) {
			if b.logger != nil {
				b.logger.Warn().Str("event", name).Msg("Dropping event for slow subscriber")
			}
		}
	}

	if b.logger != nil {
		b.logger.Debug().
			Str("event", name).
			Str("album", data.AlbumName).
			Str("change_type", data.ChangeType).
			Msg("Event published")
	}

	return evt
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.shutdown()
	}

	return sub.ch, cancel
}

// Recent returns up to limit retained events, newest last.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}

	out := make([]Event, limit)
	copy(out, b.recent[len(b.recent)-limit:])
	return out
}
