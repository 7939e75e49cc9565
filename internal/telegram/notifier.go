// Package telegram relays album media to the Telegram Bot API. Media is
// downloaded and re-uploaded as multipart rather than passed by URL, keeping
// the photo server's direct URLs private.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Telegram photo limits.
const (
	MaxPhotoSize     = 10 * 1024 * 1024 // max photo upload size
	MaxDimensionSum  = 10000            // max width + height in pixels
	DefaultGroupSize = 10               // Telegram's media group maximum
)

// Media type values accepted in MediaRef.
const (
	TypePhoto = "photo"
	TypeVideo = "video"
)

// downscaleBound is the box oversized photos are fitted into when downscaling
// is enabled. Keeps width+height comfortably under the dimension limit.
const downscaleBound = 2560

// MediaRef is one media item to relay. Items carry either a URL or a photo
// server asset ID plus their declared type. Asset IDs are fetched through
// the configured AssetDownloader, so they work without a share link.
type MediaRef struct {
	URL     string `json:"url,omitempty"`
	AssetID string `json:"asset_id,omitempty"`
	Type    string `json:"type"`
}

// AssetDownloader fetches original media bytes by asset ID, authenticated
// against the photo server.
type AssetDownloader interface {
	DownloadAsset(ctx context.Context, id string) ([]byte, error)
}

// Options controls a notification send.
type Options struct {
	ChatID                 int64
	Caption                string
	ParseMode              string
	ReplyToMessageID       int
	DisableWebPagePreview  bool
	MaxGroupSize           int
	ChunkDelay             time.Duration
	WaitForResponse        bool
	MaxAssetDataSize       int64
	LargePhotosAsDocuments bool
	DownscaleLargePhotos   bool
}

// Result is the structured outcome returned to service callers.
type Result struct {
	Success       bool   `json:"success"`
	Status        string `json:"status,omitempty"`
	MessageID     int    `json:"message_id,omitempty"`
	MessageIDs    []int  `json:"message_ids,omitempty"`
	GroupsSent    int    `json:"groups_sent,omitempty"`
	Error         string `json:"error,omitempty"`
	FailedAtChunk int    `json:"failed_at_chunk,omitempty"`
	Skipped       bool   `json:"skipped,omitempty"`
}

// Notifier sends messages and media through one bot.
type Notifier struct {
	bot        *tgbotapi.BotAPI
	httpClient *http.Client
	downloader AssetDownloader
	logger     *zerolog.Logger
	sleep      func(time.Duration)
}

// New creates a notifier for the given bot token.
func New(token string, logger *zerolog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return NewWithBot(bot, nil, logger), nil
}

// NewWithBot creates a notifier around an existing bot instance. httpClient
// is used for media downloads and defaults to a 60s-timeout client.
func NewWithBot(bot *tgbotapi.BotAPI, httpClient *http.Client, logger *zerolog.Logger) *Notifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Notifier{
		bot:        bot,
		httpClient: httpClient,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// SetAssetDownloader enables MediaRef items that reference photo server
// assets by ID instead of URL.
func (n *Notifier) SetAssetDownloader(d AssetDownloader) {
	n.downloader = d
}

// Send relays the given media (or a plain text message when refs is empty) to
// the chat in opts. With WaitForResponse false it returns a queued
// acknowledgement immediately and finishes in the background, where failures
// are logged but never surfaced.
//
// Returns an error only for invalid arguments; remote failures are reported
// in the Result.
func (n *Notifier) Send(ctx context.Context, refs []MediaRef, opts Options) (*Result, error) {
	if opts.MaxGroupSize == 0 {
		opts.MaxGroupSize = DefaultGroupSize
	}
	if opts.MaxGroupSize < 2 || opts.MaxGroupSize > DefaultGroupSize {
		return nil, fmt.Errorf("max_group_size must be between 2 and %d", DefaultGroupSize)
	}
	if opts.ParseMode == "" {
		opts.ParseMode = tgbotapi.ModeHTML
	}
	for i, ref := range refs {
		if ref.URL == "" && ref.AssetID == "" {
			return nil, fmt.Errorf("missing url or asset_id in item %d", i)
		}
		if ref.AssetID != "" && n.downloader == nil {
			return nil, fmt.Errorf("asset_id in item %d requires a photo server connection", i)
		}
		if ref.Type != TypePhoto && ref.Type != TypeVideo {
			return nil, fmt.Errorf("invalid type %q in item %d", ref.Type, i)
		}
	}

	if !opts.WaitForResponse {
		go func() {
			res := n.send(context.Background(), refs, opts)
			if !res.Success {
				n.logger.Error().
					Str("error", res.Error).
					Int64("chat_id", opts.ChatID).
					Msg("Background telegram notification failed")
			}
		}()
		return &Result{Success: true, Status: "queued"}, nil
	}

	return n.send(ctx, refs, opts), nil
}

// send executes the actual message sequence.
func (n *Notifier) send(ctx context.Context, refs []MediaRef, opts Options) *Result {
	switch {
	case len(refs) == 0:
		return n.sendText(opts)
	case len(refs) == 1 && refs[0].Type == TypePhoto:
		return n.sendSinglePhoto(ctx, refs[0], opts, true)
	case len(refs) == 1 && refs[0].Type == TypeVideo:
		return n.sendSingleVideo(ctx, refs[0], opts, true)
	default:
		return n.sendGroups(ctx, refs, opts)
	}
}

// sendText sends a plain text message.
func (n *Notifier) sendText(opts Options) *Result {
	text := opts.Caption
	if text == "" {
		text = "Notification"
	}

	msg := tgbotapi.NewMessage(opts.ChatID, text)
	msg.ParseMode = opts.ParseMode
	msg.DisableWebPagePreview = opts.DisableWebPagePreview
	if opts.ReplyToMessageID != 0 {
		msg.ReplyToMessageID = opts.ReplyToMessageID
	}

	sent, err := n.bot.Send(msg)
	if err != nil {
		n.logger.Error().Err(err).Msg("Telegram message send failed")
		return &Result{Success: false, Error: err.Error()}
	}

	return &Result{Success: true, MessageID: sent.MessageID}
}

// sendSinglePhoto downloads one photo and uploads it with sendPhoto. When
// withCaption is false the caption and reply settings are omitted (used for
// non-first chunks).
func (n *Notifier) sendSinglePhoto(ctx context.Context, ref MediaRef, opts Options, withCaption bool) *Result {
	data, res := n.fetch(ctx, ref, opts.MaxAssetDataSize)
	if res != nil {
		return res
	}

	data, asDocument, skipReason := n.preparePhoto(data, opts)
	if skipReason != "" {
		n.logger.Warn().Str("reason", skipReason).Msg("Skipping oversized photo")
		return &Result{Success: false, Error: skipReason, Skipped: true}
	}
	if asDocument {
		return n.sendDocumentBytes(data, "photo.jpg", opts, withCaption)
	}

	photo := tgbotapi.NewPhoto(opts.ChatID, tgbotapi.FileBytes{Name: "photo.jpg", Bytes: data})
	photo.ParseMode = opts.ParseMode
	if withCaption {
		photo.Caption = opts.Caption
		if opts.ReplyToMessageID != 0 {
			photo.ReplyToMessageID = opts.ReplyToMessageID
		}
	}

	sent, err := n.bot.Send(photo)
	if err != nil {
		n.logger.Error().Err(err).Int("size", len(data)).Msg("Telegram photo upload failed")
		return &Result{Success: false, Error: err.Error()}
	}

	return &Result{Success: true, MessageID: sent.MessageID}
}

// sendSingleVideo downloads one video and uploads it with sendVideo.
func (n *Notifier) sendSingleVideo(ctx context.Context, ref MediaRef, opts Options, withCaption bool) *Result {
	data, res := n.fetch(ctx, ref, opts.MaxAssetDataSize)
	if res != nil {
		return res
	}

	video := tgbotapi.NewVideo(opts.ChatID, tgbotapi.FileBytes{Name: "video.mp4", Bytes: data})
	video.ParseMode = opts.ParseMode
	if withCaption {
		video.Caption = opts.Caption
		if opts.ReplyToMessageID != 0 {
			video.ReplyToMessageID = opts.ReplyToMessageID
		}
	}

	sent, err := n.bot.Send(video)
	if err != nil {
		n.logger.Error().Err(err).Int("size", len(data)).Msg("Telegram video upload failed")
		return &Result{Success: false, Error: err.Error()}
	}

	return &Result{Success: true, MessageID: sent.MessageID}
}

// sendDocumentBytes uploads already-downloaded bytes as a generic document,
// used for photos exceeding Telegram's photo limits.
func (n *Notifier) sendDocumentBytes(data []byte, filename string, opts Options, withCaption bool) *Result {
	doc := tgbotapi.NewDocument(opts.ChatID, tgbotapi.FileBytes{Name: filename, Bytes: data})
	doc.ParseMode = opts.ParseMode
	if withCaption {
		doc.Caption = opts.Caption
		if opts.ReplyToMessageID != 0 {
			doc.ReplyToMessageID = opts.ReplyToMessageID
		}
	}

	sent, err := n.bot.Send(doc)
	if err != nil {
		n.logger.Error().Err(err).Int("size", len(data)).Msg("Telegram document upload failed")
		return &Result{Success: false, Error: err.Error()}
	}

	return &Result{Success: true, MessageID: sent.MessageID}
}

// sendGroups splits refs into chunks of at most MaxGroupSize and sends each
// as a media group, with the configured delay between chunks. Single-item
// chunks use the single-media endpoints. Caption and reply apply to the first
// chunk only.
func (n *Notifier) sendGroups(ctx context.Context, refs []MediaRef, opts Options) *Result {
	chunks := splitGroups(refs, opts.MaxGroupSize)
	var messageIDs []int

	n.logger.Debug().
		Int("items", len(refs)).
		Int("chunks", len(chunks)).
		Int("max_group_size", opts.MaxGroupSize).
		Dur("chunk_delay", opts.ChunkDelay).
		Msg("Sending media groups")

	for chunkIdx, chunk := range chunks {
		if chunkIdx > 0 && opts.ChunkDelay > 0 {
			n.sleep(opts.ChunkDelay)
		}

		chunkOpts := opts
		withCaption := chunkIdx == 0

		if len(chunk) == 1 {
			var res *Result
			if chunk[0].Type == TypePhoto {
				res = n.sendSinglePhoto(ctx, chunk[0], chunkOpts, withCaption)
			} else {
				res = n.sendSingleVideo(ctx, chunk[0], chunkOpts, withCaption)
			}
			if !res.Success && !res.Skipped {
				res.FailedAtChunk = chunkIdx + 1
				return res
			}
			if res.Success {
				messageIDs = append(messageIDs, res.MessageID)
			}
			continue
		}

		ids, res := n.sendOneGroup(ctx, chunk, chunkOpts, withCaption)
		if res != nil {
			res.FailedAtChunk = chunkIdx + 1
			return res
		}
		messageIDs = append(messageIDs, ids...)
	}

	return &Result{
		Success:    true,
		MessageIDs: messageIDs,
		GroupsSent: len(chunks),
	}
}

// sendOneGroup downloads a chunk's media and uploads it with sendMediaGroup.
// Oversized photos are skipped, downscaled, or deferred to document sends
// according to opts. Returns (messageIDs, nil) on success.
func (n *Notifier) sendOneGroup(ctx context.Context, chunk []MediaRef, opts Options, withCaption bool) ([]int, *Result) {
	var files []interface{}
	var oversized [][]byte
	captionPlaced := false

	for i, ref := range chunk {
		data, res := n.fetch(ctx, ref, opts.MaxAssetDataSize)
		if res != nil {
			if res.Skipped {
				continue
			}
			return nil, res
		}

		if ref.Type == TypePhoto {
			prepared, asDocument, skipReason := n.preparePhoto(data, opts)
			if skipReason != "" {
				n.logger.Warn().Str("reason", skipReason).Int("item", i).Msg("Skipping oversized photo in group")
				continue
			}
			if asDocument {
				oversized = append(oversized, prepared)
				continue
			}

			media := tgbotapi.NewInputMediaPhoto(tgbotapi.FileBytes{
				Name:  fmt.Sprintf("photo_%d.jpg", i),
				Bytes: prepared,
			})
			if withCaption && !captionPlaced && opts.Caption != "" {
				media.Caption = opts.Caption
				media.ParseMode = opts.ParseMode
				captionPlaced = true
			}
			files = append(files, media)
			continue
		}

		media := tgbotapi.NewInputMediaVideo(tgbotapi.FileBytes{
			Name:  fmt.Sprintf("video_%d.mp4", i),
			Bytes: data,
		})
		if withCaption && !captionPlaced && opts.Caption != "" {
			media.Caption = opts.Caption
			media.ParseMode = opts.ParseMode
			captionPlaced = true
		}
		files = append(files, media)
	}

	var messageIDs []int

	if len(files) > 0 {
		group := tgbotapi.NewMediaGroup(opts.ChatID, files)
		if withCaption && opts.ReplyToMessageID != 0 {
			group.ReplyToMessageID = opts.ReplyToMessageID
		}

		sent, err := n.bot.SendMediaGroup(group)
		if err != nil {
			n.logger.Error().Err(err).Int("files", len(files)).Msg("Telegram media group upload failed")
			return nil, &Result{Success: false, Error: err.Error()}
		}
		for _, m := range sent {
			messageIDs = append(messageIDs, m.MessageID)
		}
	}

	// Photos over the limits go out as individual documents after the group
	for i, data := range oversized {
		res := n.sendDocumentBytes(data, fmt.Sprintf("photo_%d.jpg", i), opts, false)
		if !res.Success {
			n.logger.Error().Str("error", res.Error).Msg("Failed to send oversized photo as document")
			continue
		}
		messageIDs = append(messageIDs, res.MessageID)
	}

	return messageIDs, nil
}

// fetch obtains the bytes for one media item: by asset ID through the photo
// server connection when set, otherwise over plain HTTP. A non-nil Result
// means the item failed or was skipped.
func (n *Notifier) fetch(ctx context.Context, ref MediaRef, maxSize int64) ([]byte, *Result) {
	if ref.AssetID != "" {
		data, err := n.downloader.DownloadAsset(ctx, ref.AssetID)
		if err != nil {
			return nil, &Result{Success: false, Error: fmt.Sprintf("failed to download asset %s: %v", ref.AssetID, err)}
		}
		return n.capSize(data, maxSize)
	}
	return n.download(ctx, ref.URL, maxSize)
}

// download fetches media bytes over HTTP, enforcing the caller's size cap.
func (n *Notifier) download(ctx context.Context, url string, maxSize int64) ([]byte, *Result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Result{Success: false, Error: fmt.Sprintf("invalid media url: %v", err)}
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, &Result{Success: false, Error: fmt.Sprintf("failed to download media: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Result{Success: false, Error: fmt.Sprintf("failed to download media: HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Result{Success: false, Error: fmt.Sprintf("failed to read media: %v", err)}
	}

	return n.capSize(data, maxSize)
}

// capSize enforces the max_asset_data_size cap on downloaded media.
func (n *Notifier) capSize(data []byte, maxSize int64) ([]byte, *Result) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		n.logger.Warn().
			Int("size", len(data)).
			Int64("limit", maxSize).
			Msg("Media exceeds max_asset_data_size, skipping")
		return nil, &Result{
			Success: false,
			Error:   fmt.Sprintf("media size %d exceeds limit %d", len(data), maxSize),
			Skipped: true,
		}
	}
	return data, nil
}

// preparePhoto applies Telegram's photo limits. Returns the bytes to send,
// whether to send them as a document, and a non-empty skip reason when the
// photo must be dropped.
func (n *Notifier) preparePhoto(data []byte, opts Options) ([]byte, bool, string) {
	exceeds, reason := checkPhotoLimits(data)
	if !exceeds {
		return data, false, ""
	}

	if opts.DownscaleLargePhotos {
		scaled, err := downscalePhoto(data)
		if err == nil {
			if stillExceeds, _ := checkPhotoLimits(scaled); !stillExceeds {
				n.logger.Debug().
					Int("original", len(data)).
					Int("scaled", len(scaled)).
					Msg("Downscaled oversized photo")
				return scaled, false, ""
			}
		} else {
			n.logger.Warn().Err(err).Msg("Failed to downscale photo")
		}
	}

	if opts.LargePhotosAsDocuments {
		return data, true, ""
	}

	return nil, false, "photo " + reason
}

// checkPhotoLimits reports whether photo data exceeds Telegram's limits
// (10 MB, width+height <= 10000) and why.
func checkPhotoLimits(data []byte) (bool, string) {
	if len(data) > MaxPhotoSize {
		return true, fmt.Sprintf("size %d exceeds %d byte limit", len(data), MaxPhotoSize)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		// Undecodable dimensions are left for Telegram to reject
		return false, ""
	}

	if cfg.Width+cfg.Height > MaxDimensionSum {
		return true, fmt.Sprintf("dimensions %dx%d exceed sum limit %d", cfg.Width, cfg.Height, MaxDimensionSum)
	}

	return false, ""
}

// downscalePhoto fits the image into the downscale bound and re-encodes it
// as JPEG.
func downscalePhoto(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode photo: %w", err)
	}

	scaled := imaging.Fit(img, downscaleBound, downscaleBound, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, scaled, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("failed to encode photo: %w", err)
	}

	return buf.Bytes(), nil
}

// splitGroups splits refs into chunks of at most size items, preserving order.
func splitGroups(refs []MediaRef, size int) [][]MediaRef {
	var chunks [][]MediaRef
	for start := 0; start < len(refs); start += size {
		end := start + size
		if end > len(refs) {
			end = len(refs)
		}
		chunks = append(chunks, refs[start:end])
	}
	return chunks
}
