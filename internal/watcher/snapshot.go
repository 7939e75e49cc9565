package watcher

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourname/immichwatch/pkg/immich"
)

// Asset type constants as reported by the Immich API.
const (
	AssetTypeImage = "IMAGE"
	AssetTypeVideo = "VIDEO"
)

// Asset is the watcher's view of a single photo or video in an album.
// Immutable once built for a poll cycle.
type Asset struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Filename    string    `json:"filename"`
	CreatedAt   time.Time `json:"created_at"`
	OwnerID     string    `json:"owner_id"`
	OwnerName   string    `json:"owner_name"`
	Description string    `json:"description,omitempty"`
	People      []string  `json:"people,omitempty"`
	IsFavorite  bool      `json:"is_favorite"`
	Rating      *int      `json:"rating,omitempty"`
}

// ShareLink is the watcher's view of an album share link.
type ShareLink struct {
	ID            string     `json:"id"`
	Key           string     `json:"key"`
	HasPassword   bool       `json:"has_password"`
	Password      string     `json:"-"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	AllowDownload bool       `json:"allow_download"`
}

// IsExpired reports whether the link has passed its expiry time.
func (l ShareLink) IsExpired() bool {
	if l.ExpiresAt == nil {
		return false
	}
	return time.Now().After(*l.ExpiresAt)
}

// IsAccessible reports whether the link is reachable without a password and
// not expired.
func (l ShareLink) IsAccessible() bool {
	return !l.HasPassword && !l.IsExpired()
}

// Album is the last-observed state of one album: the Snapshot. Built from an
// API response by the coordinator; only the coordinator replaces it.
type Album struct {
	ID               string
	Name             string
	Owner            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Shared           bool
	ThumbnailAssetID string

	AssetIDs   map[string]struct{}
	Assets     map[string]Asset
	People     map[string]struct{}
	AssetCount int
	PhotoCount int
	VideoCount int

	ShareLinks []ShareLink

	HasNewAssets   bool
	LastChangeTime time.Time
}

// NewAlbumFromAPI builds an Album snapshot from an Immich album response.
// userNames resolves owner IDs to display names, peopleNames resolves person
// IDs whose embedded name is empty; both may be nil.
func NewAlbumFromAPI(data *immich.Album, userNames, peopleNames map[string]string) *Album {
	album := &Album{
		ID:               data.ID,
		Name:             data.AlbumName,
		CreatedAt:        data.CreatedAt,
		UpdatedAt:        data.UpdatedAt,
		Shared:           data.Shared,
		ThumbnailAssetID: data.AlbumThumbnailAssetID,
		AssetIDs:         make(map[string]struct{}, len(data.Assets)),
		Assets:           make(map[string]Asset, len(data.Assets)),
		People:           make(map[string]struct{}),
	}

	if album.Name == "" {
		album.Name = "Unnamed"
	}
	if data.Owner != nil {
		album.Owner = data.Owner.Name
	}

	for _, a := range data.Assets {
		asset := newAssetFromAPI(a, userNames, peopleNames)
		album.AssetIDs[asset.ID] = struct{}{}
		album.Assets[asset.ID] = asset
		for _, p := range asset.People {
			album.People[p] = struct{}{}
		}
		switch asset.Type {
		case AssetTypeImage:
			album.PhotoCount++
		case AssetTypeVideo:
			album.VideoCount++
		}
	}

	album.AssetCount = data.AssetCount
	if album.AssetCount == 0 {
		album.AssetCount = len(album.AssetIDs)
	}

	return album
}

// newAssetFromAPI converts one API asset to the watcher's view.
func newAssetFromAPI(data immich.Asset, userNames, peopleNames map[string]string) Asset {
	var people []string
	for _, p := range data.People {
		name := p.Name
		if name == "" && peopleNames != nil {
			name = peopleNames[p.ID]
		}
		if name != "" {
			people = append(people, name)
		}
	}

	asset := Asset{
		ID:         data.ID,
		Type:       data.Type,
		Filename:   data.OriginalFileName,
		CreatedAt:  data.FileCreatedAt,
		OwnerID:    data.OwnerID,
		People:     people,
		IsFavorite: data.IsFavorite,
	}

	if asset.Type == "" {
		asset.Type = AssetTypeImage
	}
	if userNames != nil {
		asset.OwnerName = userNames[data.OwnerID]
	}
	if data.ExifInfo != nil {
		asset.Description = data.ExifInfo.Description
		asset.Rating = data.ExifInfo.Rating
	}

	return asset
}

// newShareLinkFromAPI converts one API shared link to the watcher's view.
func newShareLinkFromAPI(data immich.SharedLink) ShareLink {
	return ShareLink{
		ID:            data.ID,
		Key:           data.Key,
		HasPassword:   data.Password != "",
		Password:      data.Password,
		ExpiresAt:     data.ExpiresAt,
		AllowDownload: data.AllowDownload,
	}
}

// PeopleList returns the album's distinct people names, sorted.
func (a *Album) PeopleList() []string {
	names := make([]string, 0, len(a.People))
	for p := range a.People {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// SortedAssets returns the album's assets sorted by creation timestamp.
// Descending order returns newest first.
func (a *Album) SortedAssets(descending bool) []Asset {
	assets := make([]Asset, 0, len(a.Assets))
	for _, asset := range a.Assets {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool {
		if descending {
			return assets[i].CreatedAt.After(assets[j].CreatedAt)
		}
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
	return assets
}

// accessibleLinks returns links reachable without a password and not expired.
func (a *Album) accessibleLinks() []ShareLink {
	var links []ShareLink
	for _, l := range a.ShareLinks {
		if l.IsAccessible() {
			links = append(links, l)
		}
	}
	return links
}

// protectedLinks returns password-protected, non-expired links.
func (a *Album) protectedLinks() []ShareLink {
	var links []ShareLink
	for _, l := range a.ShareLinks {
		if l.HasPassword && !l.IsExpired() {
			links = append(links, l)
		}
	}
	return links
}

// PublicURL returns the album's unprotected share URL, if any.
func (a *Album) PublicURL(baseURL string) string {
	links := a.accessibleLinks()
	if len(links) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/share/%s", baseURL, links[0].Key)
}

// AnyURL returns any non-expired share URL, preferring unprotected links.
func (a *Album) AnyURL(baseURL string) string {
	if url := a.PublicURL(baseURL); url != "" {
		return url
	}
	for _, l := range a.ShareLinks {
		if !l.IsExpired() {
			return fmt.Sprintf("%s/share/%s", baseURL, l.Key)
		}
	}
	return ""
}

// ProtectedURL returns the album's password-protected share URL, if any.
func (a *Album) ProtectedURL(baseURL string) string {
	links := a.protectedLinks()
	if len(links) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/share/%s", baseURL, links[0].Key)
}

// ProtectedPassword returns the password of the first protected link.
func (a *Album) ProtectedPassword() string {
	links := a.protectedLinks()
	if len(links) == 0 {
		return ""
	}
	return links[0].Password
}

// UnprotectedLinkID returns the ID of the first accessible link, if any.
func (a *Album) UnprotectedLinkID() string {
	links := a.accessibleLinks()
	if len(links) == 0 {
		return ""
	}
	return links[0].ID
}

// ProtectedLinkID returns the ID of the first protected link, if any.
func (a *Album) ProtectedLinkID() string {
	links := a.protectedLinks()
	if len(links) == 0 {
		return ""
	}
	return links[0].ID
}

// shareKey returns a usable share key, preferring accessible links.
func (a *Album) shareKey() string {
	if links := a.accessibleLinks(); len(links) > 0 {
		return links[0].Key
	}
	for _, l := range a.ShareLinks {
		if !l.IsExpired() {
			return l.Key
		}
	}
	return ""
}

// AssetPublicURL returns the public viewer URL for an asset (web page).
func (a *Album) AssetPublicURL(baseURL, assetID string) string {
	key := a.shareKey()
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%s/share/%s/photos/%s", baseURL, key, assetID)
}

// AssetDownloadURL returns the direct download URL for an asset (media file).
func (a *Album) AssetDownloadURL(baseURL, assetID string) string {
	key := a.shareKey()
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/assets/%s/original?key=%s", baseURL, assetID, key)
}

// AssetPlaybackURL returns the transcoded playback URL for a video asset.
func (a *Album) AssetPlaybackURL(baseURL, assetID string) string {
	key := a.shareKey()
	if key == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/assets/%s/video/playback?key=%s", baseURL, assetID, key)
}

// SnapshotStore holds the last successfully observed state per album.
// Rebuilt from fresh fetches at startup; lifetime is one process run.
type SnapshotStore struct {
	mu     sync.RWMutex
	albums map[string]*Album
}

// NewSnapshotStore creates an empty snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		albums: make(map[string]*Album),
	}
}

// Get returns the snapshot for an album, or nil if never fetched.
func (s *SnapshotStore) Get(albumID string) *Album {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.albums[albumID]
}

// Set replaces the snapshot for an album.
func (s *SnapshotStore) Set(album *Album) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.albums[album.ID] = album
}

// Delete removes the snapshot for an album.
func (s *SnapshotStore) Delete(albumID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.albums, albumID)
}

// List returns all current snapshots.
func (s *SnapshotStore) List() []*Album {
	s.mu.RLock()
	defer s.mu.RUnlock()

	albums := make([]*Album, 0, len(s.albums))
	for _, a := range s.albums {
		albums = append(albums, a)
	}
	sort.Slice(albums, func(i, j int) bool { return albums[i].Name < albums[j].Name })
	return albums
}
