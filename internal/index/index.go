// Package index maintains an optional Meilisearch index of album assets so
// automations can search by filename, people, or description.
package index

import (
	"context"
	"fmt"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"

	"github.com/yourname/immichwatch/internal/watcher"
)

// Config holds Meilisearch connection settings.
type Config struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	IndexName string `mapstructure:"index_name"`
}

// Document is one indexed asset.
type Document struct {
	ID          string   `json:"id"`
	AlbumID     string   `json:"album_id"`
	Filename    string   `json:"filename"`
	Type        string   `json:"type"`
	CreatedAt   int64    `json:"created_at"`
	People      []string `json:"people,omitempty"`
	Description string   `json:"description,omitempty"`
	IsFavorite  bool     `json:"is_favorite"`
	Rating      *int     `json:"rating,omitempty"`
}

// Index handles Meilisearch indexing operations for album assets.
type Index struct {
	client    meilisearch.ServiceManager
	logger    *zerolog.Logger
	indexName string
	index     meilisearch.IndexManager
}

// New creates a new asset index.
func New(config *Config, logger *zerolog.Logger) (*Index, error) {
	var client meilisearch.ServiceManager
	if config.APIKey != "" {
		client = meilisearch.New(config.URL, meilisearch.WithAPIKey(config.APIKey))
	} else {
		client = meilisearch.New(config.URL)
	}

	idx := &Index{
		client:    client,
		logger:    logger,
		indexName: config.IndexName,
	}

	if err := idx.initIndex(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}

	return idx, nil
}

// initIndex initializes the Meilisearch index with proper settings.
func (i *Index) initIndex(ctx context.Context) error {
	// Get or create index
	_, err := i.client.GetIndex(i.indexName)
	if err != nil {
		task, err := i.client.CreateIndex(&meilisearch.IndexConfig{
			Uid:        i.indexName,
			PrimaryKey: "id",
		})
		if err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}

		if _, err := i.waitForTask(task.TaskUID); err != nil {
			return fmt.Errorf("failed to wait for index creation: %w", err)
		}
	}

	i.index = i.client.Index(i.indexName)

	if err := i.updateIndexSettings(ctx); err != nil {
		return fmt.Errorf("failed to update index settings: %w", err)
	}

	return nil
}

// updateIndexSettings configures searchable, filterable, and sortable fields.
func (i *Index) updateIndexSettings(ctx context.Context) error {
	settings := &meilisearch.Settings{
		SearchableAttributes: []string{
			"filename",
			"people",
			"description",
		},
		FilterableAttributes: []string{
			"album_id",
			"type",
			"is_favorite",
			"rating",
			"created_at",
		},
		SortableAttributes: []string{
			"created_at",
			"filename",
		},
	}

	task, err := i.index.UpdateSettings(settings)
	if err != nil {
		return fmt.Errorf("failed to update settings: %w", err)
	}

	if _, err := i.waitForTask(task.TaskUID); err != nil {
		return fmt.Errorf("failed to wait for settings update: %w", err)
	}

	i.logger.Info().Msg("Asset index settings updated")
	return nil
}

// IndexAssets upserts documents for the given assets.
func (i *Index) IndexAssets(ctx context.Context, albumID string, assets []watcher.Asset) error {
	if len(assets) == 0 {
		return nil
	}

	documents := make([]interface{}, len(assets))
	for idx, a := range assets {
		documents[idx] = Document{
			ID:          a.ID,
			AlbumID:     albumID,
			Filename:    a.Filename,
			Type:        a.Type,
			CreatedAt:   a.CreatedAt.Unix(),
			People:      a.People,
			Description: a.Description,
			IsFavorite:  a.IsFavorite,
			Rating:      a.Rating,
		}
	}

	task, err := i.index.UpdateDocuments(documents)
	if err != nil {
		return fmt.Errorf("failed to index assets: %w", err)
	}

	if _, err := i.waitForTask(task.TaskUID); err != nil {
		return fmt.Errorf("failed to wait for indexing: %w", err)
	}

	i.logger.Info().
		Str("album_id", albumID).
		Int("count", len(documents)).
		Msg("Indexed assets")

	return nil
}

// DeleteAssets removes documents from the index by asset ID.
func (i *Index) DeleteAssets(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	task, err := i.index.DeleteDocuments(ids)
	if err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}

	if _, err := i.waitForTask(task.TaskUID); err != nil {
		return fmt.Errorf("failed to wait for deletion: %w", err)
	}

	i.logger.Info().
		Int("count", len(ids)).
		Msg("Deleted assets from index")

	return nil
}

// Search queries the index, scoped to one album.
func (i *Index) Search(ctx context.Context, albumID, query string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 25
	}

	resp, err := i.index.Search(query, &meilisearch.SearchRequest{
		Filter: fmt.Sprintf("album_id = %q", albumID),
		Limit:  int64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	docs := make([]Document, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		m, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}
		doc := Document{AlbumID: albumID}
		if v, ok := m["id"].(string); ok {
			doc.ID = v
		}
		if v, ok := m["filename"].(string); ok {
			doc.Filename = v
		}
		if v, ok := m["type"].(string); ok {
			doc.Type = v
		}
		if v, ok := m["created_at"].(float64); ok {
			doc.CreatedAt = int64(v)
		}
		if v, ok := m["description"].(string); ok {
			doc.Description = v
		}
		if v, ok := m["is_favorite"].(bool); ok {
			doc.IsFavorite = v
		}
		if v, ok := m["people"].([]interface{}); ok {
			for _, p := range v {
				if name, ok := p.(string); ok {
					doc.People = append(doc.People, name)
				}
			}
		}
		docs = append(docs, doc)
	}

	return docs, nil
}

// waitForTask waits for a Meilisearch task to complete.
func (i *Index) waitForTask(taskUID int64) (*meilisearch.Task, error) {
	task, err := i.client.WaitForTask(taskUID, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("task failed: %w", err)
	}

	if task.Status != meilisearch.TaskStatusSucceeded {
		return nil, fmt.Errorf("task failed: %s", task.Error)
	}

	return task, nil
}

// IsHealthy checks if Meilisearch is reachable.
func (i *Index) IsHealthy(ctx context.Context) bool {
	_, err := i.index.GetStats()
	return err == nil
}
