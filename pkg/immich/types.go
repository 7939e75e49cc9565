package immich

import "time"

// API types for the Immich API responses.
// See https://github.com/immich-app/immich/tree/main/server/api-openapi

// Asset represents a media asset (photo or video) in Immich.
type Asset struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"` // "IMAGE" or "VIDEO"
	OriginalFileName string    `json:"originalFileName"`
	OwnerID          string    `json:"ownerId"`
	FileCreatedAt    time.Time `json:"fileCreatedAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	IsFavorite       bool      `json:"isFavorite"`
	ExifInfo         *ExifInfo `json:"exifInfo,omitempty"`
	People           []Person  `json:"people,omitempty"`
}

// ExifInfo contains EXIF metadata for assets.
type ExifInfo struct {
	Description string `json:"description,omitempty"`
	Rating      *int   `json:"rating,omitempty"`
}

// Album represents a collection of assets in Immich. The album DTO returned
// by GET /api/albums/{id} includes the full asset list.
type Album struct {
	ID                    string    `json:"id"`
	AlbumName             string    `json:"albumName"`
	Description           string    `json:"description,omitempty"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
	AssetCount            int       `json:"assetCount,omitempty"`
	Shared                bool      `json:"shared"`
	Owner                 *User     `json:"owner,omitempty"`
	AlbumThumbnailAssetID string    `json:"albumThumbnailAssetId,omitempty"`
	Assets                []Asset   `json:"assets"`
}

// Person represents a detected person in Immich.
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// User represents an Immich user account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// SharedLink represents a public share link for an album.
type SharedLink struct {
	ID            string     `json:"id"`
	Key           string     `json:"key"`
	Type          string     `json:"type"` // "ALBUM" or "INDIVIDUAL"
	Password      string     `json:"password,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	AllowDownload bool       `json:"allowDownload"`
	ShowMetadata  bool       `json:"showMetadata"`
	Album         *AlbumStub `json:"album,omitempty"`
}

// AlbumStub is the embedded album reference on a shared link.
type AlbumStub struct {
	ID        string `json:"id"`
	AlbumName string `json:"albumName,omitempty"`
}

// CreateSharedLinkRequest is the payload for POST /api/shared-links.
type CreateSharedLinkRequest struct {
	AlbumID       string `json:"albumId"`
	Type          string `json:"type"`
	Password      string `json:"password,omitempty"`
	AllowDownload bool   `json:"allowDownload"`
	AllowUpload   bool   `json:"allowUpload"`
	ShowMetadata  bool   `json:"showMetadata"`
}
