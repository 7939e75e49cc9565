package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourname/immichwatch/pkg/immich"
)

// ErrUnknownAlbum is returned for operations targeting an unconfigured album.
var ErrUnknownAlbum = errors.New("watcher: unknown album")

// MaxRecentAssets bounds the count accepted by RecentAssets.
const MaxRecentAssets = 100

// DefaultNewAssetsWindow is how long the new-assets flag stays set after a
// change before it is cleared on the next poll.
const DefaultNewAssetsWindow = 5 * time.Minute

// AlbumConfig identifies one watched album.
type AlbumConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// Config holds coordinator settings.
type Config struct {
	HubName         string
	Interval        time.Duration
	Albums          []AlbumConfig
	NewAssetsWindow time.Duration
}

// Persister is the restart baseline store. Implementations must tolerate
// concurrent calls for different albums.
type Persister interface {
	SaveAlbumState(albumID string, assetIDs []string) error
	AlbumAssetIDs(albumID string) (map[string]struct{}, bool, error)
	RemoveAlbum(albumID string) error
}

// AssetIndexer receives asset additions and removals after successful cycles.
type AssetIndexer interface {
	IndexAssets(ctx context.Context, albumID string, assets []Asset) error
	DeleteAssets(ctx context.Context, ids []string) error
}

// AlbumStatus is per-album poll observability state.
type AlbumStatus struct {
	AlbumID   string    `json:"album_id"`
	AlbumName string    `json:"album_name"`
	LastPoll  time.Time `json:"last_poll"`
	LastError string    `json:"last_error,omitempty"`
}

// pendingRefresh coalesces overlapping forced-refresh requests: callers that
// arrive while one is queued join it instead of scheduling another fetch.
type pendingRefresh struct {
	done chan struct{}
	err  error
}

// albumRunner holds the mutable per-album poll state. cycleMu enforces the
// no-overlap rule: timer ticks skip when it is held, forced refreshes wait.
type albumRunner struct {
	id   string
	name string

	cycleMu sync.Mutex

	refreshMu sync.Mutex
	pending   *pendingRefresh

	stateMu  sync.RWMutex
	lastPoll time.Time
	lastErr  error

	users    map[string]string
	people   map[string]string
	baseline map[string]struct{}
}

// Coordinator runs the fixed-interval poll/diff cycle for every configured
// album and is the only writer of the snapshot store.
type Coordinator struct {
	client  *immich.Client
	store   *SnapshotStore
	bus     *Bus
	persist Persister
	indexer AssetIndexer
	logger  *zerolog.Logger

	hubName         string
	interval        time.Duration
	newAssetsWindow time.Duration
	albums          []AlbumConfig

	runners map[string]*albumRunner

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator. persist and indexer may be nil.
func NewCoordinator(
	cfg Config,
	client *immich.Client,
	store *SnapshotStore,
	bus *Bus,
	persist Persister,
	indexer AssetIndexer,
	logger *zerolog.Logger,
) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.NewAssetsWindow <= 0 {
		cfg.NewAssetsWindow = DefaultNewAssetsWindow
	}
	if cfg.HubName == "" {
		cfg.HubName = "Immich"
	}

	runners := make(map[string]*albumRunner, len(cfg.Albums))
	for _, a := range cfg.Albums {
		runners[a.ID] = &albumRunner{id: a.ID, name: a.Name}
	}

	return &Coordinator{
		client:          client,
		store:           store,
		bus:             bus,
		persist:         persist,
		indexer:         indexer,
		logger:          logger,
		hubName:         cfg.HubName,
		interval:        cfg.Interval,
		newAssetsWindow: cfg.NewAssetsWindow,
		albums:          cfg.Albums,
		runners:         runners,
	}
}

// Start loads persisted baselines and spawns one poll loop per album.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	for _, r := range c.runners {
		if c.persist != nil {
			ids, ok, err := c.persist.AlbumAssetIDs(r.id)
			if err != nil {
				c.logger.Warn().Err(err).Str("album", r.name).Msg("Failed to load persisted album state")
			} else if ok {
				r.baseline = ids
				c.logger.Debug().
					Str("album", r.name).
					Int("asset_count", len(ids)).
					Msg("Loaded persisted baseline")
			}
		}

		c.wg.Add(1)
		go c.runAlbumLoop(ctx, r)
	}

	c.logger.Info().
		Int("albums", len(c.runners)).
		Dur("interval", c.interval).
		Msg("Coordinator started")
}

// Stop cancels all poll loops and waits for in-flight cycles to finish.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info().Msg("Coordinator stopped")
}

// runAlbumLoop runs the fixed-interval cycle for one album. A tick that finds
// a cycle in flight is skipped, not queued.
func (c *Coordinator) runAlbumLoop(ctx context.Context, r *albumRunner) {
	defer c.wg.Done()

	// Initial fetch so entities have data before the first tick
	r.cycleMu.Lock()
	c.runCycle(ctx, r)
	r.cycleMu.Unlock()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.cycleMu.TryLock() {
				c.logger.Debug().Str("album", r.name).Msg("Skipping tick, cycle already in flight")
				continue
			}
			c.runCycle(ctx, r)
			r.cycleMu.Unlock()
		}
	}
}

// Refresh forces an immediate out-of-cycle poll of one album. Requests that
// arrive while another forced refresh is queued join it, so overlapping
// requests during an in-flight poll result in exactly one additional fetch.
func (c *Coordinator) Refresh(ctx context.Context, albumID string) error {
	r, ok := c.runners[albumID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlbum, albumID)
	}

	r.refreshMu.Lock()
	if p := r.pending; p != nil {
		r.refreshMu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingRefresh{done: make(chan struct{})}
	r.pending = p
	r.refreshMu.Unlock()

	r.cycleMu.Lock() // waits for any in-flight timer cycle
	p.err = c.runCycle(ctx, r)
	r.cycleMu.Unlock()

	r.refreshMu.Lock()
	r.pending = nil
	r.refreshMu.Unlock()
	close(p.done)

	return p.err
}

// RefreshAll forces an immediate poll of every configured album.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup

	for id := range c.runners {
		wg.Add(1)
		go func(albumID string) {
			defer wg.Done()
			if err := c.Refresh(ctx, albumID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("album %s: %w", albumID, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// runCycle executes one fetch-diff-update pass for an album. On failure the
// snapshot is left untouched and the error is recorded for the next tick.
func (c *Coordinator) runCycle(ctx context.Context, r *albumRunner) error {
	prev := c.store.Get(r.id)

	// Resolve owner names once, lazily; a failure only costs display names.
	if r.users == nil {
		users, err := c.client.ListUsers(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to fetch users")
		} else {
			r.users = make(map[string]string, len(users))
			for _, u := range users {
				name := u.Name
				if name == "" {
					name = u.Email
				}
				r.users[u.ID] = name
			}
		}
	}

	// Named people, fetched once; resolves person IDs on assets whose
	// embedded people entries carry no name.
	if r.people == nil {
		people, err := c.client.ListPeople(ctx, 0)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to fetch people")
		} else {
			r.people = make(map[string]string, len(people))
			for _, p := range people {
				if p.Name != "" {
					r.people[p.ID] = p.Name
				}
			}
		}
	}

	// Share links can change outside the poll cycle, refresh each time. A
	// failure here keeps the previous links rather than wiping them.
	shareLinks := c.fetchShareLinks(ctx, r, prev)

	apiAlbum, err := c.client.GetAlbum(ctx, r.id)
	if errors.Is(err, immich.ErrNotFound) {
		c.handleAlbumDeleted(ctx, r, prev)
		r.setResult(time.Now(), nil)
		return nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("album", r.name).Msg("Poll cycle failed")
		r.setResult(time.Now(), err)
		return err
	}

	album := NewAlbumFromAPI(apiAlbum, r.users, r.people)
	album.ShareLinks = shareLinks

	var ch *change
	switch {
	case prev != nil:
		ch = detectChange(prev, album)
	case r.baseline != nil:
		// First successful cycle after restart: diff against the persisted
		// baseline to surface changes that happened during downtime.
		ch = detectChangeFromBaseline(r.baseline, album)
		if ch != nil {
			c.logger.Info().
				Str("album", album.Name).
				Int("added", len(ch.added)).
				Int("removed", len(ch.removedIDs)).
				Msg("Detected changes during downtime")
		}
		r.baseline = nil
	}

	now := time.Now()
	if ch != nil {
		album.HasNewAssets = len(ch.added) > 0
		album.LastChangeTime = now
		c.publishChange(ch, album)
	}

	// Keep the new-assets flag raised for the configured window so a quick
	// follow-up poll does not clear it before automations see it. A cycle
	// that produced its own change measures the window from now instead.
	if ch == nil && prev != nil && prev.HasNewAssets && !prev.LastChangeTime.IsZero() {
		if now.Sub(prev.LastChangeTime) < c.newAssetsWindow {
			album.HasNewAssets = true
			album.LastChangeTime = prev.LastChangeTime
		}
	}

	c.store.Set(album)

	if c.persist != nil {
		ids := make([]string, 0, len(album.AssetIDs))
		for id := range album.AssetIDs {
			ids = append(ids, id)
		}
		if err := c.persist.SaveAlbumState(album.ID, ids); err != nil {
			c.logger.Warn().Err(err).Str("album", album.Name).Msg("Failed to persist album state")
		}
	}

	c.updateIndex(ctx, prev, ch, album)

	r.setResult(now, nil)
	return nil
}

// fetchShareLinks returns the album's current share links, falling back to
// the previous snapshot's links on fetch failure.
func (c *Coordinator) fetchShareLinks(ctx context.Context, r *albumRunner, prev *Album) []ShareLink {
	links, err := c.client.ListSharedLinks(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("album", r.name).Msg("Failed to fetch shared links")
		if prev != nil {
			return prev.ShareLinks
		}
		return nil
	}

	var out []ShareLink
	for _, l := range links {
		if l.Album != nil && l.Album.ID == r.id && l.Key != "" {
			out = append(out, newShareLinkFromAPI(l))
		}
	}
	return out
}

// handleAlbumDeleted emits album_deleted once and removes all derived state.
// Deletion short-circuits every other classification.
func (c *Coordinator) handleAlbumDeleted(ctx context.Context, r *albumRunner, prev *Album) {
	c.logger.Warn().Str("album_id", r.id).Msg("Album not found upstream")

	if prev == nil {
		return
	}

	c.bus.Publish(EventAlbumDeleted, EventData{
		HubName:    c.hubName,
		AlbumID:    r.id,
		AlbumName:  prev.Name,
		ChangeType: ChangeAlbumDeleted,
	})
	c.logger.Info().Str("album", prev.Name).Msg("Album was deleted")

	c.store.Delete(r.id)

	if c.persist != nil {
		if err := c.persist.RemoveAlbum(r.id); err != nil {
			c.logger.Warn().Err(err).Str("album_id", r.id).Msg("Failed to remove persisted album state")
		}
	}
	if c.indexer != nil {
		ids := make([]string, 0, len(prev.AssetIDs))
		for id := range prev.AssetIDs {
			ids = append(ids, id)
		}
		if err := c.indexer.DeleteAssets(ctx, ids); err != nil {
			c.logger.Warn().Err(err).Str("album_id", r.id).Msg("Failed to drop album assets from index")
		}
	}
}

// publishChange fires album_changed plus the applicable specific events, all
// carrying the same payload.
func (c *Coordinator) publishChange(ch *change, album *Album) {
	data := EventData{
		HubName:         c.hubName,
		AlbumID:         ch.albumID,
		AlbumName:       ch.albumName,
		AlbumURL:        album.AnyURL(c.client.BaseURL()),
		ChangeType:      ch.changeType,
		AddedCount:      len(ch.added),
		RemovedCount:    len(ch.removedIDs),
		AddedAssets:     c.assetDetails(album, ch.added),
		RemovedAssetIDs: ch.removedIDs,
		People:          album.PeopleList(),
		Shared:          album.Shared,
	}

	if ch.nameChanged {
		data.OldName = &ch.oldName
		data.NewName = &ch.newName
	}
	if ch.sharedChanged {
		data.OldShared = &ch.oldShared
		data.NewShared = &ch.newShared
	}

	c.bus.Publish(EventAlbumChanged, data)

	c.logger.Info().
		Str("album", ch.albumName).
		Int("added", len(ch.added)).
		Int("removed", len(ch.removedIDs)).
		Msg("Album changed")

	if len(ch.added) > 0 {
		c.bus.Publish(EventAssetsAdded, data)
	}
	if len(ch.removedIDs) > 0 {
		c.bus.Publish(EventAssetsRemoved, data)
	}
	if ch.nameChanged {
		c.bus.Publish(EventAlbumRenamed, data)
		c.logger.Info().
			Str("old_name", ch.oldName).
			Str("new_name", ch.newName).
			Msg("Album renamed")
	}
	if ch.sharedChanged {
		c.bus.Publish(EventAlbumSharingChanged, data)
		c.logger.Info().
			Str("album", ch.albumName).
			Bool("old_shared", ch.oldShared).
			Bool("new_shared", ch.newShared).
			Msg("Album sharing changed")
	}
}

// updateIndex pushes asset additions and removals to the search index.
func (c *Coordinator) updateIndex(ctx context.Context, prev *Album, ch *change, album *Album) {
	if c.indexer == nil {
		return
	}

	if prev == nil {
		// First cycle: index the whole album
		if err := c.indexer.IndexAssets(ctx, album.ID, album.SortedAssets(false)); err != nil {
			c.logger.Warn().Err(err).Str("album", album.Name).Msg("Failed to index assets")
		}
		return
	}

	if ch == nil {
		return
	}
	if len(ch.added) > 0 {
		if err := c.indexer.IndexAssets(ctx, album.ID, ch.added); err != nil {
			c.logger.Warn().Err(err).Str("album", album.Name).Msg("Failed to index added assets")
		}
	}
	if len(ch.removedIDs) > 0 {
		if err := c.indexer.DeleteAssets(ctx, ch.removedIDs); err != nil {
			c.logger.Warn().Err(err).Str("album", album.Name).Msg("Failed to drop removed assets from index")
		}
	}
}

// assetDetails converts assets to event/service payload form, preserving
// their order.
func (c *Coordinator) assetDetails(album *Album, assets []Asset) []AssetDetail {
	base := c.client.BaseURL()
	details := make([]AssetDetail, 0, len(assets))
	for _, a := range assets {
		d := AssetDetail{
			ID:           a.ID,
			Type:         a.Type,
			Filename:     a.Filename,
			CreatedAt:    a.CreatedAt,
			Owner:        a.OwnerName,
			OwnerID:      a.OwnerID,
			Description:  a.Description,
			People:       a.People,
			IsFavorite:   a.IsFavorite,
			Rating:       a.Rating,
			URL:          album.AssetPublicURL(base, a.ID),
			DownloadURL:  album.AssetDownloadURL(base, a.ID),
			ThumbnailURL: fmt.Sprintf("%s/api/assets/%s/thumbnail", base, a.ID),
		}
		if a.Type == AssetTypeVideo {
			d.PlaybackURL = album.AssetPlaybackURL(base, a.ID)
		}
		details = append(details, d)
	}
	return details
}

// RecentAssets returns the count most recently created assets from the
// current snapshot, newest first. count must be in [1, MaxRecentAssets].
func (c *Coordinator) RecentAssets(albumID string, count int) ([]AssetDetail, error) {
	if count <= 0 || count > MaxRecentAssets {
		return nil, fmt.Errorf("count must be between 1 and %d", MaxRecentAssets)
	}

	album := c.store.Get(albumID)
	if album == nil {
		if _, ok := c.runners[albumID]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAlbum, albumID)
		}
		return []AssetDetail{}, nil
	}

	assets := album.SortedAssets(true)
	if len(assets) > count {
		assets = assets[:count]
	}

	return c.assetDetails(album, assets), nil
}

// ClearNewAssets resets the new-assets flag for an album.
func (c *Coordinator) ClearNewAssets(albumID string) error {
	if _, ok := c.runners[albumID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlbum, albumID)
	}

	album := c.store.Get(albumID)
	if album == nil {
		return nil
	}

	// Stored snapshots are read concurrently by handlers, so replace the
	// snapshot with a cleared copy instead of mutating it in place.
	cleared := *album
	cleared.HasNewAssets = false
	cleared.LastChangeTime = time.Time{}
	c.store.Set(&cleared)
	return nil
}

// CreateShareLink creates a share link for the album (password optional) and
// immediately re-polls so projections reflect the new link.
func (c *Coordinator) CreateShareLink(ctx context.Context, albumID, password string) error {
	if _, ok := c.runners[albumID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlbum, albumID)
	}

	if _, err := c.client.CreateSharedLink(ctx, albumID, password); err != nil {
		return err
	}

	return c.Refresh(ctx, albumID)
}

// DeleteShareLink deletes a share link and re-polls the owning album.
func (c *Coordinator) DeleteShareLink(ctx context.Context, albumID, linkID string) error {
	if _, ok := c.runners[albumID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlbum, albumID)
	}

	if err := c.client.DeleteSharedLink(ctx, linkID); err != nil {
		return err
	}

	return c.Refresh(ctx, albumID)
}

// SetShareLinkPassword sets or clears a share link password and re-polls the
// owning album.
func (c *Coordinator) SetShareLinkPassword(ctx context.Context, albumID, linkID, password string) error {
	if _, ok := c.runners[albumID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlbum, albumID)
	}

	if err := c.client.UpdateSharedLinkPassword(ctx, linkID, password); err != nil {
		return err
	}

	return c.Refresh(ctx, albumID)
}

// Status returns poll observability state for one album.
func (c *Coordinator) Status(albumID string) (AlbumStatus, bool) {
	r, ok := c.runners[albumID]
	if !ok {
		return AlbumStatus{}, false
	}

	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	status := AlbumStatus{
		AlbumID:   r.id,
		AlbumName: r.name,
		LastPoll:  r.lastPoll,
	}
	if r.lastErr != nil {
		status.LastError = r.lastErr.Error()
	}
	return status, true
}

// Snapshot returns the current snapshot for an album, or nil before the
// first successful poll.
func (c *Coordinator) Snapshot(albumID string) *Album {
	return c.store.Get(albumID)
}

// Albums returns the configured albums.
func (c *Coordinator) Albums() []AlbumConfig {
	return c.albums
}

// HubName returns the configured hub display name.
func (c *Coordinator) HubName() string {
	return c.hubName
}

// setResult records the outcome of a cycle for observability.
func (r *albumRunner) setResult(at time.Time, err error) {
	r.stateMu.Lock()
	r.lastPoll = at
	r.lastErr = err
	r.stateMu.Unlock()
}
