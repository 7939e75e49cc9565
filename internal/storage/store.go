// Package storage persists per-album asset-ID sets across restarts so the
// first poll after startup can detect changes that happened during downtime.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// AlbumState is the persisted baseline for one album.
type AlbumState struct {
	AlbumID   string `gorm:"primaryKey"`
	AssetIDs  string // JSON-encoded list of asset IDs
	UpdatedAt time.Time
}

// Store wraps the SQLite database holding album baselines.
type Store struct {
	db     *gorm.DB
	logger *zerolog.Logger
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&AlbumState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// SaveAlbumState replaces the persisted asset-ID set for an album.
func (s *Store) SaveAlbumState(albumID string, assetIDs []string) error {
	encoded, err := json.Marshal(assetIDs)
	if err != nil {
		return fmt.Errorf("failed to encode asset ids: %w", err)
	}

	state := AlbumState{
		AlbumID:   albumID,
		AssetIDs:  string(encoded),
		UpdatedAt: time.Now().UTC(),
	}

	if err := s.db.Save(&state).Error; err != nil {
		return fmt.Errorf("failed to save album state: %w", err)
	}

	if s.logger != nil {
		s.logger.Debug().
			Str("album_id", albumID).
			Int("asset_count", len(assetIDs)).
			Msg("Persisted album state")
	}

	return nil
}

// AlbumAssetIDs returns the persisted asset-ID set for an album. The second
// return value is false when no baseline exists.
func (s *Store) AlbumAssetIDs(albumID string) (map[string]struct{}, bool, error) {
	var state AlbumState
	err := s.db.First(&state, "album_id = ?", albumID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load album state: %w", err)
	}

	var ids []string
	if err := json.Unmarshal([]byte(state.AssetIDs), &ids); err != nil {
		return nil, false, fmt.Errorf("failed to decode asset ids: %w", err)
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set, true, nil
}

// RemoveAlbum deletes the persisted baseline for an album.
func (s *Store) RemoveAlbum(albumID string) error {
	if err := s.db.Delete(&AlbumState{}, "album_id = ?", albumID).Error; err != nil {
		return fmt.Errorf("failed to remove album state: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
