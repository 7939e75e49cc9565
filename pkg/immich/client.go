package immich

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Client is an HTTP client for the Immich API. One method per remote
// endpoint; no retries, no caching. Errors are categorized so callers can
// match with errors.Is.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zerolog.Logger
}

// NewClient creates a new Immich API client.
// If insecureSkipVerify is true, TLS certificate verification will be skipped.
func NewClient(baseURL, apiKey string, insecureSkipVerify bool) *Client {
	return NewClientWithLogger(baseURL, apiKey, insecureSkipVerify, nil)
}

// NewClientWithLogger creates a new Immich API client with debug logging.
func NewClientWithLogger(baseURL, apiKey string, insecureSkipVerify bool, logger *zerolog.Logger) *Client {
	client := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	if insecureSkipVerify {
		client.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
			},
		}
	}

	return client
}

// BaseURL returns the configured server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetAlbum retrieves album detail including the full asset list.
func (c *Client) GetAlbum(ctx context.Context, id string) (*Album, error) {
	url := fmt.Sprintf("%s/api/albums/%s", c.baseURL, id)

	var result Album
	if err := c.doGet(ctx, url, &result); err != nil {
		return nil, fmt.Errorf("get album %s: %w", id, err)
	}

	return &result, nil
}

// ListUsers lists all user accounts, used to resolve asset owner names.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	url := fmt.Sprintf("%s/api/users", c.baseURL)

	var result []User
	if err := c.doGet(ctx, url, &result); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	return result, nil
}

// ListPeople lists all detected people.
// If limit is 0, returns all people (up to API max).
func (c *Client) ListPeople(ctx context.Context, limit int) ([]Person, error) {
	size := limit
	if limit == 0 {
		size = 1000 // API max
	}

	// Immich uses 'size' not 'pageSize' for the people endpoint
	url := fmt.Sprintf("%s/api/people?page=1&size=%d", c.baseURL, size)

	var result struct {
		Total int      `json:"total"`
		Count int      `json:"count"`
		Items []Person `json:"people"`
	}

	if err := c.doGet(ctx, url, &result); err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug().
			Int("total", result.Total).
			Int("returned", len(result.Items)).
			Msg("Immich: ListPeople response")
	}

	return result.Items, nil
}

// ListSharedLinks lists all shared links visible to the API key.
func (c *Client) ListSharedLinks(ctx context.Context) ([]SharedLink, error) {
	url := fmt.Sprintf("%s/api/shared-links", c.baseURL)

	var result []SharedLink
	if err := c.doGet(ctx, url, &result); err != nil {
		return nil, fmt.Errorf("list shared links: %w", err)
	}

	return result, nil
}

// CreateSharedLink creates an album share link. Password may be empty for an
// unprotected link.
func (c *Client) CreateSharedLink(ctx context.Context, albumID, password string) (*SharedLink, error) {
	url := fmt.Sprintf("%s/api/shared-links", c.baseURL)

	reqBody := CreateSharedLinkRequest{
		AlbumID:       albumID,
		Type:          "ALBUM",
		Password:      password,
		AllowDownload: true,
		AllowUpload:   false,
		ShowMetadata:  true,
	}

	var result SharedLink
	if err := c.doPost(ctx, url, reqBody, &result); err != nil {
		return nil, fmt.Errorf("create shared link for album %s: %w", albumID, err)
	}

	return &result, nil
}

// UpdateSharedLinkPassword sets or clears the password on a shared link.
// An empty password removes protection.
func (c *Client) UpdateSharedLinkPassword(ctx context.Context, linkID, password string) error {
	url := fmt.Sprintf("%s/api/shared-links/%s", c.baseURL, linkID)

	var pw *string
	if password != "" {
		pw = &password
	}
	reqBody := map[string]any{"password": pw}

	if err := c.doJSON(ctx, http.MethodPatch, url, reqBody, nil); err != nil {
		return fmt.Errorf("update shared link %s: %w", linkID, err)
	}

	return nil
}

// DeleteSharedLink removes a shared link.
func (c *Client) DeleteSharedLink(ctx context.Context, linkID string) error {
	url := fmt.Sprintf("%s/api/shared-links/%s", c.baseURL, linkID)

	req, err := c.newRequest(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}

	if err := c.doRequest(req, nil); err != nil {
		return fmt.Errorf("delete shared link %s: %w", linkID, err)
	}

	return nil
}

// DownloadAsset fetches the original bytes of an asset.
func (c *Client) DownloadAsset(ctx context.Context, id string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/assets/%s/original", c.baseURL, id)
	return c.download(ctx, url)
}

// DownloadThumbnail fetches the thumbnail bytes of an asset.
func (c *Client) DownloadThumbnail(ctx context.Context, id string) ([]byte, error) {
	url := fmt.Sprintf("%s/api/assets/%s/thumbnail", c.baseURL, id)
	return c.download(ctx, url)
}

// Ping checks the health of the Immich API.
func (c *Client) Ping(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/server/ping", c.baseURL)

	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return categorizeTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return categorizeStatus(resp.StatusCode, nil)
	}

	return nil
}

// download performs an authenticated GET returning raw bytes.
func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if c.logger != nil {
		c.logger.Debug().Str("url", url).Msg("Immich: download")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, categorizeTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, categorizeStatus(resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnreachable, err)
	}

	return data, nil
}

// doGet performs an HTTP GET request.
func (c *Client) doGet(ctx context.Context, path string, result any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}

	return c.doRequest(req, result)
}

// doPost performs an HTTP POST request.
func (c *Client) doPost(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// doJSON performs a request with a JSON body.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, method, path, bytes.NewReader(bodyBytes))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, result)
}

// newRequest creates a new HTTP request with auth headers.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Immich uses API key in the X-API-Key header
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	return req, nil
}

// doRequest executes an HTTP request and decodes the response.
func (c *Client) doRequest(req *http.Request, result any) error {
	if c.logger != nil {
		c.logger.Debug().
			Str("method", req.Method).
			Str("url", req.URL.String()).
			Msg("Immich: HTTP request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.logger != nil {
			c.logger.Error().Err(err).Msg("Immich: HTTP request failed")
		}
		return categorizeTransportError(err)
	}
	defer resp.Body.Close()

	if c.logger != nil {
		c.logger.Debug().
			Int("status", resp.StatusCode).
			Msg("Immich: HTTP response")
	}

	// Check status code
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if c.logger != nil {
			c.logger.Error().
				Int("status", resp.StatusCode).
				Str("body", string(body)).
				Msg("Immich: HTTP error response")
		}
		return categorizeStatus(resp.StatusCode, body)
	}

	// Decode response
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			if c.logger != nil {
				c.logger.Error().Err(err).Msg("Immich: Failed to decode response")
			}
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	return nil
}

// categorizeStatus maps an HTTP status code to a categorized error.
func categorizeStatus(status int, body []byte) error {
	var base error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		base = ErrUnauthorized
	case status == http.StatusNotFound:
		base = ErrNotFound
	case status == http.StatusTooManyRequests:
		base = ErrRateLimited
	default:
		base = ErrUnreachable
	}

	if len(body) > 0 {
		return fmt.Errorf("%w: status %d: %s", base, status, string(body))
	}
	return fmt.Errorf("%w: status %d", base, status)
}

// categorizeTransportError maps a network-level failure to a categorized error.
func categorizeTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// SetTimeout sets the HTTP client timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}
