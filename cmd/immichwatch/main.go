package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/yourname/immichwatch/internal/api"
	"github.com/yourname/immichwatch/internal/index"
	"github.com/yourname/immichwatch/internal/storage"
	"github.com/yourname/immichwatch/internal/telegram"
	"github.com/yourname/immichwatch/internal/watcher"
	"github.com/yourname/immichwatch/pkg/immich"
)

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger := log.With().Str("component", "main").Logger()

	// Load configuration
	config, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(config.LogLevel); err == nil && config.LogLevel != "" {
		zerolog.SetGlobalLevel(level)
	}

	if config.Immich.URL == "" || config.Immich.APIKey == "" {
		logger.Fatal().Msg("immich.url and immich.api_key are required")
	}
	if len(config.Albums) == 0 {
		logger.Fatal().Msg("at least one album must be configured")
	}

	logger.Info().
		Int("http_port", config.HTTPPort).
		Str("immich_url", config.Immich.URL).
		Int("albums", len(config.Albums)).
		Msg("Starting immichwatch")

	// Immich API client
	clientLogger := log.With().Str("component", "immich").Logger()
	client := immich.NewClientWithLogger(config.Immich.URL, config.Immich.APIKey, config.Immich.SkipVerify, &clientLogger)
	if config.Immich.TimeoutSeconds > 0 {
		client.SetTimeout(time.Duration(config.Immich.TimeoutSeconds) * time.Second)
	}

	// Restart baseline store (optional)
	var persist watcher.Persister
	var store *storage.Store
	if config.DatabasePath != "" {
		storeLogger := log.With().Str("component", "storage").Logger()
		store, err = storage.Open(config.DatabasePath, &storeLogger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", config.DatabasePath).Msg("Failed to open database")
		}
		persist = store
		logger.Info().Str("path", config.DatabasePath).Msg("Baseline store opened")
	}

	// Asset search index (optional)
	var indexer watcher.AssetIndexer
	var assetIndex *index.Index
	if config.Meilisearch.URL != "" {
		indexLogger := log.With().Str("component", "index").Logger()
		assetIndex, err = index.New(&config.Meilisearch, &indexLogger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize asset index")
		}
		indexer = assetIndex
		logger.Info().Str("url", config.Meilisearch.URL).Msg("Asset index initialized")
	}

	// Event bus
	busLogger := log.With().Str("component", "events").Logger()
	bus := watcher.NewBus(config.EventHistory, &busLogger)

	// Coordinator
	albums := make([]watcher.AlbumConfig, 0, len(config.Albums))
	for _, a := range config.Albums {
		albums = append(albums, watcher.AlbumConfig{ID: a.ID, Name: a.Name})
	}
	coordLogger := log.With().Str("component", "watcher").Logger()
	coordinator := watcher.NewCoordinator(watcher.Config{
		HubName:  config.HubName,
		Interval: time.Duration(config.ScanIntervalSeconds) * time.Second,
		Albums:   albums,
	}, client, watcher.NewSnapshotStore(), bus, persist, indexer, &coordLogger)

	// Telegram notifier (optional)
	var notifier *telegram.Notifier
	if config.Telegram.BotToken != "" {
		tgLogger := log.With().Str("component", "telegram").Logger()
		notifier, err = telegram.New(config.Telegram.BotToken, &tgLogger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize telegram bot")
		}
		notifier.SetAssetDownloader(client)
		logger.Info().Msg("Telegram notifier initialized")
	}

	// API handlers
	apiLogger := log.With().Str("component", "api").Logger()
	handlers := api.NewHandlers(coordinator, client, bus, assetIndex, notifier, api.NotifyDefaults{
		ChatID:       config.Telegram.ChatID,
		MaxGroupSize: config.Telegram.MaxGroupSize,
		ChunkDelay:   time.Duration(config.Telegram.ChunkDelaySeconds * float64(time.Second)),
	}, &apiLogger)

	// Setup HTTP server
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)

	// Add middleware
	router.Use(loggingMiddleware(&apiLogger))
	router.Use(corsMiddleware())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start polling
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	coordinator.Start(watchCtx)

	// Start server in goroutine
	go func() {
		logger.Info().Int("port", config.HTTPPort).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down...")

	cancelWatch()
	coordinator.Stop()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	if store != nil {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Database close failed")
		}
	}

	logger.Info().Msg("Shutdown complete")
}

// Config holds the application configuration.
type Config struct {
	HTTPPort            int            `mapstructure:"http_port"`
	LogLevel            string         `mapstructure:"log_level"`
	HubName             string         `mapstructure:"hub_name"`
	ScanIntervalSeconds int            `mapstructure:"scan_interval"`
	EventHistory        int            `mapstructure:"event_history"`
	DatabasePath        string         `mapstructure:"database_path"`
	Immich              ImmichConfig   `mapstructure:"immich"`
	Albums              []AlbumConfig  `mapstructure:"albums"`
	Telegram            TelegramConfig `mapstructure:"telegram"`
	Meilisearch         index.Config   `mapstructure:"meilisearch"`
}

// ImmichConfig holds Immich server connection settings.
type ImmichConfig struct {
	URL            string `mapstructure:"url"`
	APIKey         string `mapstructure:"api_key"`
	SkipVerify     bool   `mapstructure:"skip_verify"`
	TimeoutSeconds int    `mapstructure:"timeout"`
}

// AlbumConfig is one watched album.
type AlbumConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// TelegramConfig holds the bot token and notification defaults.
type TelegramConfig struct {
	BotToken          string  `mapstructure:"bot_token"`
	ChatID            int64   `mapstructure:"chat_id"`
	MaxGroupSize      int     `mapstructure:"max_group_size"`
	ChunkDelaySeconds float64 `mapstructure:"chunk_delay"`
}

// loadConfig loads configuration from file and environment.
func loadConfig() (*Config, error) {
	// Set defaults
	viper.SetDefault("http_port", 8080)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("hub_name", "Immich")
	viper.SetDefault("scan_interval", 60)
	viper.SetDefault("event_history", 100)
	viper.SetDefault("database_path", "immichwatch.db")
	viper.SetDefault("immich.timeout", 30)
	viper.SetDefault("telegram.max_group_size", 10)
	viper.SetDefault("telegram.chunk_delay", 0)
	viper.SetDefault("meilisearch.index_name", "immich-assets")

	// Read config file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/immichwatch")
	viper.AddConfigPath("$HOME/.immichwatch")

	// Optional config file
	viper.ReadInConfig()

	// Environment variables
	viper.SetEnvPrefix("IMMICHWATCH")
	viper.AutomaticEnv()

	// Unmarshal config
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, status: 200}

			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.status).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so event streaming works through
// the middleware.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// corsMiddleware adds CORS headers.
func corsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
